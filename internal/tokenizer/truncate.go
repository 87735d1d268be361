package tokenizer

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// punctLookback is how many trailing characters of an estimated cut are
// searched for a CJK sentence boundary.
const punctLookback = 50

// Truncate shortens text so that Count(result, model) <= limit. Text that
// already fits is returned unchanged, and a non-positive limit yields "".
func (b *Budget) Truncate(text string, limit int, model string) string {
	if text == "" || limit <= 0 {
		return ""
	}
	if b.Count(text, model) <= limit {
		return text
	}
	if enc := b.encoder(model); enc != nil {
		tokens := enc.Encode(text, nil, nil)
		for n := min(limit, len(tokens)); n > 0; n-- {
			out := trimInvalidTail(enc.Decode(tokens[:n]))
			if out != "" && b.Count(out, model) <= limit {
				return out
			}
		}
		return ""
	}
	return b.truncateEstimated(text, limit, model)
}

// truncateEstimated binary-searches the longest rune prefix that fits, then
// backs off to the last CJK punctuation mark near the cut if there is one.
func (b *Budget) truncateEstimated(text string, limit int, model string) string {
	runes := []rune(text)
	best := sort.Search(len(runes)+1, func(i int) bool {
		return b.Count(string(runes[:i]), model) > limit
	}) - 1
	if best <= 0 {
		return ""
	}

	cut := runes[:best]
	from := max(0, len(cut)-punctLookback)
	for i := len(cut) - 1; i >= from; i-- {
		if isCJKPunct(cut[i]) {
			cut = cut[:i+1]
			break
		}
	}
	return string(cut)
}

// trimInvalidTail drops a partial UTF-8 sequence left by decoding a token
// slice that ends mid-character.
func trimInvalidTail(s string) string {
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return strings.ToValidUTF8(s, "")
}
