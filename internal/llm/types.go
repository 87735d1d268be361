// Package llm holds the request, result and error types shared by every
// layer of the gateway, along with the Backend and Provider contracts.
package llm

import (
	"context"
	"time"
)

// Role values used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is either a plain text prompt or a role-tagged message sequence.
// When Messages is non-empty it takes precedence over Text.
type Prompt struct {
	Text     string    `json:"text,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// TextPrompt builds a Prompt from plain text.
func TextPrompt(text string) Prompt { return Prompt{Text: text} }

// MessagePrompt builds a Prompt from a message sequence.
func MessagePrompt(msgs ...Message) Prompt { return Prompt{Messages: msgs} }

// AsMessages returns the prompt as a message sequence. Plain text becomes a
// single user message.
func (p Prompt) AsMessages() []Message {
	if len(p.Messages) > 0 {
		return p.Messages
	}
	if p.Text == "" {
		return nil
	}
	return []Message{{Role: RoleUser, Content: p.Text}}
}

// Empty reports whether the prompt carries no content.
func (p Prompt) Empty() bool {
	if p.Text != "" {
		return false
	}
	for _, m := range p.Messages {
		if m.Content != "" {
			return false
		}
	}
	return true
}

// GenerationRequest describes one text generation call. Zero values mean
// "use the backend default".
type GenerationRequest struct {
	Prompt      Prompt            `json:"prompt"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	ProviderID  string            `json:"provider_id,omitempty"`
	ModelID     string            `json:"model_id,omitempty"`
	Task        string            `json:"task,omitempty"`
	Hints       map[string]string `json:"hints,omitempty"`
	// Truncate shortens a plain text prompt to fit the context window
	// instead of failing with a token limit error.
	Truncate bool `json:"truncate,omitempty"`
}

// Float returns a pointer to v, for optional request fields.
func Float(v float64) *float64 { return &v }

// Usage is the token accounting reported for a call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Selection paths recorded in RouteInfo.SelectedBy.
const (
	SelectedDirect = "direct"
	SelectedRouter = "router"
)

// RouteInfo records how a Router picked the model that served a call.
type RouteInfo struct {
	ModelID     string   `json:"model_id"`
	SelectedBy  string   `json:"selected_by"`
	Reason      string   `json:"reason"`
	TriedModels []string `json:"tried_models"`
}

// Metadata accompanies every generation or embedding result.
type Metadata struct {
	RequestID    string        `json:"request_id"`
	ProviderID   string        `json:"provider_id,omitempty"`
	ProviderKind string        `json:"provider_kind,omitempty"`
	BackendID    string        `json:"backend_id"`
	Model        string        `json:"model_used,omitempty"`
	Task         string        `json:"task,omitempty"`
	Attempted    []string      `json:"attempted"`
	Latency      time.Duration `json:"latency"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Route        *RouteInfo    `json:"router_info,omitempty"`
	Fallback     bool          `json:"fallback,omitempty"`
	Cached       bool          `json:"cached,omitempty"`
}

// GenerationResult is the outcome of a successful generation.
type GenerationResult struct {
	Text     string   `json:"text"`
	Usage    Usage    `json:"usage"`
	Metadata Metadata `json:"metadata"`
}

// EmbeddingRequest describes one embedding call over one or more texts.
type EmbeddingRequest struct {
	Texts      []string `json:"texts"`
	ProviderID string   `json:"provider_id,omitempty"`
	ModelID    string   `json:"model_id,omitempty"`
	Task       string   `json:"task,omitempty"`
}

// EmbeddingResult carries one vector per input text, in input order.
type EmbeddingResult struct {
	Vectors  [][]float32 `json:"vectors"`
	Usage    Usage       `json:"usage"`
	Metadata Metadata    `json:"metadata"`
}

// Stats is a point-in-time snapshot of a backend or provider's counters.
type Stats struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind,omitempty"`
	Model       string        `json:"model,omitempty"`
	Strategy    string        `json:"strategy,omitempty"`
	Requests    int64         `json:"requests"`
	Failures    int64         `json:"failures"`
	TokensUsed  int64         `json:"tokens_used"`
	SuccessRate float64       `json:"success_rate"`
	LastLatency time.Duration `json:"last_latency"`
	LastCall    time.Time     `json:"last_call,omitempty"`
	LastSuccess time.Time     `json:"last_success,omitempty"`
	Ready       bool          `json:"ready"`
	Quarantined []string      `json:"quarantined,omitempty"`
	Current     string        `json:"current,omitempty"`
	Members     []Stats       `json:"members,omitempty"`
}

// SuccessRate computes successes/requests, or 1 when nothing was sent yet.
func SuccessRate(requests, failures int64) float64 {
	if requests == 0 {
		return 1
	}
	return float64(requests-failures) / float64(requests)
}

// Provider is anything the gateway can dispatch a call to: a single Backend,
// a Pool or a Router.
type Provider interface {
	ID() string
	Initialize(ctx context.Context) error
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResult, error)
	Stats() Stats
	Close() error
}

// Backend is one concrete connection to a vendor model endpoint.
// Implementations apply their own retry policy around the network call and
// update counters only once a call has resolved.
type Backend interface {
	Provider
	Model() string
}
