package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Key computes a deterministic SHA-256 key for an embedding call from the
// provider, the model and the ordered input texts. The key is hex-encoded.
func Key(provider, model string, texts []string) string {
	h := sha256.New()

	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})

	// Lengths are written ahead of each text so that ["ab","c"] and
	// ["a","bc"] hash differently.
	var n [8]byte
	for _, t := range texts {
		l := uint64(len(t))
		for i := range n {
			n[i] = byte(l >> (8 * i))
		}
		h.Write(n[:])
		h.Write([]byte(t))
	}

	return hex.EncodeToString(h.Sum(nil))
}
