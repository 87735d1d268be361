package tokenizer

import "unicode"

// Estimator weights, in tokens per unit.
const (
	wordWeight        = 1.3
	punctuationWeight = 0.5
	cjkWeight         = 1.5
	whitespaceWeight  = 0.25
	otherWeight       = 0.75
)

// Estimate approximates the token cost of text without a tokenizer.
// Latin words (runs of ASCII letters and digits) cost 1.3 each, CJK
// characters 1.5, common punctuation 0.5, whitespace 0.25 and anything else
// 0.75 per character. The result is 0 for empty text and at least 1
// otherwise. Estimate never decreases when text is extended, which is what
// lets Truncate binary-search over it.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	var total float64
	inWord := false
	for _, r := range text {
		if isWordRune(r) {
			if !inWord {
				total += wordWeight
				inWord = true
			}
			continue
		}
		inWord = false

		switch {
		case isCJK(r):
			total += cjkWeight
		case isEstimatorPunct(r):
			total += punctuationWeight
		case unicode.IsSpace(r):
			total += whitespaceWeight
		default:
			total += otherWeight
		}
	}

	if n := int(total); n > 1 {
		return n
	}
	return 1
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isEstimatorPunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ';', ':', '"', '\'', '(', ')', '[', ']', '{', '}':
		return true
	}
	return false
}

// isCJK covers CJK unified ideographs (plus extension A), kana and hangul.
func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF:
	case r >= 0x3400 && r <= 0x4DBF:
	case r >= 0x3040 && r <= 0x30FF:
	case r >= 0xAC00 && r <= 0xD7AF:
	default:
		return false
	}
	return true
}

// isCJKPunct matches CJK symbols and full-width punctuation, the natural
// sentence boundaries for CJK text.
func isCJKPunct(r rune) bool {
	return (r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFF1F)
}
