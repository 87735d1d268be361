// Package tokenizer implements token accounting against model context
// windows. Known OpenAI-family models are counted exactly with tiktoken;
// everything else goes through a deterministic estimator.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmgate/internal/llm"
)

// Encoding names understood by tiktoken.
const (
	EncodingCL100k = "cl100k_base"
	EncodingO200k  = "o200k_base"
	EncodingP50k   = "p50k_base"
	EncodingR50k   = "r50k_base"
)

// Per-message framing cost and the whole-conversation reply priming cost
// charged by chat completion APIs.
const (
	MessageOverhead = 3
	FormatOverhead  = 3
)

// encodingFamilies maps model family prefixes to their encoding. Dated and
// suffixed variants such as gpt-4-0613 resolve through the longest prefix.
var encodingFamilies = map[string]string{
	"gpt-4o":           EncodingO200k,
	"gpt-4.1":          EncodingO200k,
	"o1-":              EncodingO200k,
	"o3-":              EncodingO200k,
	"gpt-4":            EncodingCL100k,
	"gpt-3.5-turbo":    EncodingCL100k,
	"text-embedding-3": EncodingCL100k,
}

// modelEncodings maps exact model names to their encoding.
var modelEncodings = map[string]string{
	"o1": EncodingO200k,
	"o3": EncodingO200k,

	"text-embedding-ada-002": EncodingCL100k,
	"text-embedding-3-small": EncodingCL100k,
	"text-embedding-3-large": EncodingCL100k,

	"text-davinci-003":  EncodingP50k,
	"text-davinci-002":  EncodingP50k,
	"code-davinci-002":  EncodingP50k,
	"code-davinci-001":  EncodingP50k,
	"code-cushman-002":  EncodingP50k,
	"code-cushman-001":  EncodingP50k,
	"davinci-codex":     EncodingP50k,
	"cushman-codex":     EncodingP50k,
	"text-davinci-001":  EncodingR50k,
	"text-curie-001":    EncodingR50k,
	"text-babbage-001":  EncodingR50k,
	"text-ada-001":      EncodingR50k,
	"davinci":           EncodingR50k,
	"curie":             EncodingR50k,
	"babbage":           EncodingR50k,
	"ada":               EncodingR50k,

	EncodingCL100k: EncodingCL100k,
	EncodingP50k:   EncodingP50k,
	EncodingR50k:   EncodingR50k,
}

// chatModelPrefixes are the model families that pay FormatOverhead.
var chatModelPrefixes = []string{"gpt-3.5-turbo", "gpt-4"}

// lazyEncoder loads one tiktoken encoding at most once.
type lazyEncoder struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// Budget counts and truncates text for a model. It is safe for concurrent
// use. Encoders are loaded on first use and cached for the Budget's lifetime.
type Budget struct {
	mu       sync.RWMutex
	models   map[string]string
	contexts map[string]int

	encMu    sync.Mutex
	encoders map[string]*lazyEncoder

	load func(encoding string) (*tiktoken.Tiktoken, error)
}

// New creates a Budget seeded with the built-in model tables.
func New() *Budget {
	return &Budget{
		models:   make(map[string]string),
		contexts: make(map[string]int),
		encoders: make(map[string]*lazyEncoder),
		load:     tiktoken.GetEncoding,
	}
}

// RegisterModel adds or replaces the encoding and context size used for a
// model. An empty encoding leaves the model on the estimator; a
// non-positive contextSize keeps the built-in lookup.
func (b *Budget) RegisterModel(model, encoding string, contextSize int) error {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return fmt.Errorf("tokenizer: register: empty model name")
	}
	switch encoding {
	case "", EncodingCL100k, EncodingO200k, EncodingP50k, EncodingR50k:
	default:
		return fmt.Errorf("tokenizer: register %s: unknown encoding %q", model, encoding)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if encoding != "" {
		b.models[model] = encoding
	}
	if contextSize > 0 {
		b.contexts[model] = contextSize
	}
	return nil
}

// Encoding returns the encoding name for model, or "" when the model has no
// known encoding and must be estimated.
func (b *Budget) Encoding(model string) string {
	model = strings.ToLower(model)

	b.mu.RLock()
	enc, ok := b.models[model]
	b.mu.RUnlock()
	if ok {
		return enc
	}
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	_, enc = longestPrefix(model, encodingFamilies)
	return enc
}

// encoder returns the cached tiktoken encoder for model, or nil when the
// model is unknown or its encoding could not be loaded.
func (b *Budget) encoder(model string) *tiktoken.Tiktoken {
	name := b.Encoding(model)
	if name == "" {
		return nil
	}

	b.encMu.Lock()
	le, ok := b.encoders[name]
	if !ok {
		le = &lazyEncoder{}
		b.encoders[name] = le
	}
	b.encMu.Unlock()

	le.once.Do(func() {
		le.enc, le.err = b.load(name)
		if le.err != nil {
			log.Warn().Err(le.err).Str("encoding", name).Msg("tokenizer: encoding unavailable, falling back to estimator")
		}
	})
	if le.err != nil {
		return nil
	}
	return le.enc
}

// Exact reports whether counts for model come from a real tokenizer.
func (b *Budget) Exact(model string) bool {
	return b.encoder(model) != nil
}

// Count returns the number of tokens text costs on model. It never fails:
// empty text is 0, anything else is at least 1.
func (b *Budget) Count(text, model string) int {
	if text == "" {
		return 0
	}
	if enc := b.encoder(model); enc != nil {
		if n := len(enc.Encode(text, nil, nil)); n > 0 {
			return n
		}
		return 1
	}
	return Estimate(text)
}

// CountMessages sums the cost of a conversation: each message pays for its
// role, its content and MessageOverhead, and chat models pay FormatOverhead
// once. The breakdown is keyed message_<i>_<role> plus format_overhead.
func (b *Budget) CountMessages(messages []llm.Message, model string) (int, map[string]int) {
	breakdown := make(map[string]int, len(messages)+1)
	if len(messages) == 0 {
		return 0, breakdown
	}

	total := 0
	for i, m := range messages {
		cost := b.Count(m.Role, model) + b.Count(m.Content, model) + MessageOverhead
		breakdown[fmt.Sprintf("message_%d_%s", i, m.Role)] = cost
		total += cost
	}
	if isChatModel(model) {
		breakdown["format_overhead"] = FormatOverhead
		total += FormatOverhead
	}
	return total, breakdown
}

// CountPrompt counts a prompt the way it will be sent: as messages.
func (b *Budget) CountPrompt(p llm.Prompt, model string) int {
	n, _ := b.CountMessages(p.AsMessages(), model)
	return n
}

func isChatModel(model string) bool {
	model = strings.ToLower(model)
	if strings.HasSuffix(model, "-instruct") {
		return false
	}
	for _, p := range chatModelPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// longestPrefix finds the longest key of table that prefixes name.
func longestPrefix[V any](name string, table map[string]V) (string, V) {
	var (
		best  string
		value V
	)
	for k, v := range table {
		if len(k) > len(best) && strings.HasPrefix(name, k) {
			best, value = k, v
		}
	}
	return best, value
}
