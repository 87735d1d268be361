package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/allaspectsdev/llmgate/internal/llm"
)

// Backend type tags accepted in configuration.
const (
	TypeOpenAI           = "openai"
	TypeOpenAICompatible = "openai_compatible"
	TypeAzure            = "azure"
	TypeGemini           = "gemini"
)

// Factory builds a backend from its configuration.
type Factory func(cfg Config, opts Options) (llm.Backend, error)

// factories is the fixed table of supported backend types.
var factories = map[string]Factory{
	TypeOpenAI:           NewOpenAI,
	TypeOpenAICompatible: NewOpenAI,
	TypeAzure:            NewAzure,
	TypeGemini:           NewGemini,
}

// New builds the backend registered for cfg.Type.
func New(cfg Config, opts Options) (llm.Backend, error) {
	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
	f, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("backend %s: unknown type %q (supported: %s)", cfg.ID, cfg.Type, strings.Join(Types(), ", "))
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("backend of type %s: id is required", cfg.Type)
	}
	return f(cfg, opts)
}

// Types lists the supported type tags in sorted order.
func Types() []string {
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Known reports whether typ names a supported backend type.
func Known(typ string) bool {
	_, ok := factories[strings.ToLower(strings.TrimSpace(typ))]
	return ok
}
