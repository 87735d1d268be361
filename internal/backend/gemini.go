package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/allaspectsdev/llmgate/internal/llm"
)

// geminiClient calls the Gemini API through the genai SDK. The SDK client
// is created in initialize because construction needs a context.
type geminiClient struct {
	id         string
	cfg        Config
	httpClient *http.Client
	cli        *genai.Client
}

func (g *geminiClient) initialize(ctx context.Context) error {
	if g.cfg.APIKey == "" {
		return fmt.Errorf("no api key configured")
	}
	cc := &genai.ClientConfig{
		APIKey:     g.cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.httpClient,
	}
	if g.cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.cfg.BaseURL}
	}
	cli, err := genai.NewClient(ctx, cc)
	if err != nil {
		return fmt.Errorf("creating gemini client: %w", err)
	}
	g.cli = cli
	return nil
}

func (g *geminiClient) generate(ctx context.Context, call *generateCall) (*llm.GenerationResult, error) {
	system, contents := geminiContents(call.Messages)
	conf := &genai.GenerateContentConfig{
		SystemInstruction: system,
		StopSequences:     call.Stop,
	}
	if call.MaxTokens > 0 {
		conf.MaxOutputTokens = int32(call.MaxTokens)
	}
	if call.Temperature != nil {
		t := float32(*call.Temperature)
		conf.Temperature = &t
	}

	resp, err := g.cli.Models.GenerateContent(ctx, call.Model, contents, conf)
	if err != nil {
		return nil, classifyGeminiError(g.id, call.Model, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, llm.CallError(g.id, fmt.Errorf("response has no candidates"))
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil {
			text.WriteString(p.Text)
		}
	}

	res := &llm.GenerationResult{
		Text: text.String(),
		Metadata: llm.Metadata{
			Model:        call.Model,
			FinishReason: strings.ToLower(string(cand.FinishReason)),
		},
	}
	if um := resp.UsageMetadata; um != nil {
		res.Usage = llm.Usage{
			PromptTokens:     int(um.PromptTokenCount),
			CompletionTokens: int(um.CandidatesTokenCount),
			TotalTokens:      int(um.TotalTokenCount),
		}
	}
	return res, nil
}

func (g *geminiClient) embed(ctx context.Context, model string, texts []string) (*llm.EmbeddingResult, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}}
	}

	resp, err := g.cli.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, classifyGeminiError(g.id, model, err)
	}

	vectors := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		if e == nil {
			return nil, llm.CallError(g.id, fmt.Errorf("nil embedding in response"))
		}
		vectors = append(vectors, e.Values)
	}
	return &llm.EmbeddingResult{Vectors: vectors, Metadata: llm.Metadata{Model: model}}, nil
}

func (g *geminiClient) close() error {
	if g.httpClient != nil {
		g.httpClient.CloseIdleConnections()
	}
	return nil
}

// geminiContents splits system messages into the system instruction and
// maps the remaining turns onto Gemini's user/model roles.
func geminiContents(msgs []llm.Message) (*genai.Content, []*genai.Content) {
	var (
		system   []*genai.Part
		contents []*genai.Content
	)
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, &genai.Part{Text: m.Content})
		case llm.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(system) == 0 {
		return nil, contents
	}
	return &genai.Content{Parts: system}, contents
}

// classifyGeminiError maps SDK errors onto the error taxonomy.
func classifyGeminiError(id, model string, err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return llm.CallError(id, err)
	}

	e := &llm.Error{Backend: id, Model: model, StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		e.Kind = llm.KindRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Kind = llm.KindInit
	case http.StatusBadRequest, http.StatusNotFound:
		e.Kind = llm.KindInvalidRequest
		if strings.Contains(strings.ToLower(apiErr.Message), "token") &&
			strings.Contains(strings.ToLower(apiErr.Message), "exceed") {
			e.Kind = llm.KindTokenLimit
		}
	default:
		e.Kind = llm.KindCall
	}
	return e
}

// NewGemini builds a backend for the Gemini API.
func NewGemini(cfg Config, opts Options) (llm.Backend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("backend %s: model is required", cfg.ID)
	}
	client := opts.HTTPClient
	if client == nil {
		client = newHTTPClient()
	}
	v := &geminiClient{id: cfg.ID, cfg: cfg, httpClient: client}
	return newCore(TypeGemini, cfg, v, opts), nil
}
