package tokenizer

import "strings"

// DefaultContextSize applies to models missing from the table.
const DefaultContextSize = 4096

// contextSizes lists known context windows, in tokens.
var contextSizes = map[string]int{
	"gpt-4":                8192,
	"gpt-4-0314":           8192,
	"gpt-4-0613":           8192,
	"gpt-4-32k":            32768,
	"gpt-4-32k-0314":       32768,
	"gpt-4-32k-0613":       32768,
	"gpt-4-turbo":          128000,
	"gpt-4-0125-preview":   128000,
	"gpt-4-1106-preview":   128000,
	"gpt-4-vision-preview": 128000,
	"gpt-4o":               128000,
	"gpt-4o-mini":          128000,

	"gpt-3.5-turbo":          16385,
	"gpt-3.5-turbo-0301":     4096,
	"gpt-3.5-turbo-0613":     4096,
	"gpt-3.5-turbo-1106":     16385,
	"gpt-3.5-turbo-0125":     16385,
	"gpt-3.5-turbo-16k":      16385,
	"gpt-3.5-turbo-16k-0613": 16385,
	"gpt-3.5-turbo-instruct": 4096,

	"text-davinci-003": 4097,
	"text-davinci-002": 4097,
	"text-davinci-001": 2049,
	"text-curie-001":   2049,
	"text-babbage-001": 2049,
	"text-ada-001":     2049,
	"davinci":          2049,
	"curie":            2049,
	"babbage":          2049,
	"ada":              2049,

	"claude-instant-1": 100000,
	"claude-1":         100000,
	"claude-2":         100000,
	"claude-2.1":       200000,
	"claude-3-opus":    200000,
	"claude-3-sonnet":  200000,
	"claude-3-haiku":   200000,

	"gemini-pro": 32760,
}

// contextFamilies resolves dated or suffixed model names.
var contextFamilies = map[string]int{
	"gpt-4-turbo": 128000,
	"gpt-4o":      128000,
	"gpt-4.1":     1047576,
	"claude-3":    200000,
	"gemini-1.5":  1048576,
	"gemini-2":    1048576,
}

// ContextSize returns the context window of model in tokens. Unknown
// models get DefaultContextSize.
func (b *Budget) ContextSize(model string) int {
	model = strings.ToLower(model)

	b.mu.RLock()
	n, ok := b.contexts[model]
	b.mu.RUnlock()
	if ok {
		return n
	}
	if n, ok := contextSizes[model]; ok {
		return n
	}
	if k, n := longestPrefix(model, contextFamilies); k != "" {
		return n
	}
	return DefaultContextSize
}

// Remaining returns how many tokens are left in model's window after
// spending used, never less than zero.
func (b *Budget) Remaining(used int, model string) int {
	return max(0, b.ContextSize(model)-used)
}
