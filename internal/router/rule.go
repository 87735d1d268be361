package router

import (
	"fmt"
	"strings"

	"github.com/allaspectsdev/llmgate/internal/llm"
)

// Rule sends matching requests to Model. Every condition that is set must
// hold; an unset condition matches anything. MinTokens and MaxTokens bound
// the request's completion budget (max_tokens) and are skipped when the
// request leaves it unset.
type Rule struct {
	Name      string            `json:"name,omitempty"`
	Task      string            `json:"task,omitempty"`
	MinTokens int               `json:"min_tokens,omitempty"`
	MaxTokens int               `json:"max_tokens,omitempty"`
	Hints     map[string]string `json:"hints,omitempty"`
	Model     string            `json:"model"`
}

// query is what selection looks at, shared by generation and embedding.
type query struct {
	modelID   string
	task      string
	hints     map[string]string
	maxTokens int // requested completion budget, 0 when unset
}

// matches reports whether q satisfies every condition of the rule.
func (r Rule) matches(q query) bool {
	if r.Task != "" && !strings.EqualFold(r.Task, q.task) {
		return false
	}
	if q.maxTokens > 0 {
		if r.MinTokens > 0 && q.maxTokens < r.MinTokens {
			return false
		}
		if r.MaxTokens > 0 && q.maxTokens > r.MaxTokens {
			return false
		}
	}
	for k, v := range r.Hints {
		if got, ok := q.hints[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func (r Rule) String() string {
	if r.Name != "" {
		return r.Name
	}
	var conds []string
	if r.Task != "" {
		conds = append(conds, "task="+r.Task)
	}
	if r.MinTokens > 0 {
		conds = append(conds, fmt.Sprintf("max_tokens>=%d", r.MinTokens))
	}
	if r.MaxTokens > 0 {
		conds = append(conds, fmt.Sprintf("max_tokens<=%d", r.MaxTokens))
	}
	for k, v := range r.Hints {
		conds = append(conds, k+"="+v)
	}
	return strings.Join(conds, ",") + "->" + r.Model
}

func generationQuery(req *llm.GenerationRequest) query {
	return query{modelID: req.ModelID, task: req.Task, hints: req.Hints, maxTokens: req.MaxTokens}
}
