package router

import (
	"fmt"
	"maps"

	"dario.cat/mergo"

	"github.com/allaspectsdev/llmgate/internal/backend"
)

// MergeShared fills the zero-valued fields of each model configuration from
// shared, so models behind one vendor only state what differs. Headers maps
// are combined with the model's own entries taking precedence.
func MergeShared(shared backend.Config, models []backend.Config) ([]backend.Config, error) {
	out := make([]backend.Config, len(models))
	for i, m := range models {
		src := shared
		src.Headers = maps.Clone(shared.Headers)
		m.Headers = maps.Clone(m.Headers)
		if err := mergo.Merge(&m, src); err != nil {
			return nil, fmt.Errorf("router: merging shared config into %s: %w", m.ID, err)
		}
		out[i] = m
	}
	return out, nil
}
