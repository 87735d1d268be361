package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/resilience"
	"github.com/allaspectsdev/llmgate/internal/tracing"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// newHTTPClient returns a client with pooled connections. Per-attempt
// deadlines come from the request context, so the client has no timeout
// of its own.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// dialect captures how an OpenAI-style API differs between vendors.
type dialect interface {
	chatURL(model string) string
	embeddingsURL(model string) string
	modelsURL() string
	authorize(h http.Header)
	// sendsModel reports whether the model goes in the request body.
	sendsModel() bool
}

// openAIClient speaks the chat completions and embeddings wire format.
type openAIClient struct {
	id      string
	cfg     Config
	dialect dialect
	client  *http.Client
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *llm.Usage `json:"usage"`
}

type embeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage *llm.Usage `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (o *openAIClient) initialize(ctx context.Context) error {
	if o.cfg.APIKey == "" && o.cfg.Type != TypeOpenAICompatible {
		return fmt.Errorf("no api key configured")
	}
	if !o.cfg.VerifyOnInit {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.dialect.modelsURL(), nil)
	if err != nil {
		return fmt.Errorf("building models request: %w", err)
	}
	o.dialect.authorize(req.Header)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %w", o.dialect.modelsURL(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probing %s: status %d", o.dialect.modelsURL(), resp.StatusCode)
	}
	return nil
}

func (o *openAIClient) generate(ctx context.Context, call *generateCall) (*llm.GenerationResult, error) {
	body := chatRequest{
		Messages:    call.Messages,
		MaxTokens:   call.MaxTokens,
		Temperature: call.Temperature,
		Stop:        call.Stop,
	}
	if o.dialect.sendsModel() {
		body.Model = call.Model
	}

	var out chatResponse
	if err := o.post(ctx, o.dialect.chatURL(call.Model), call.Model, body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, llm.CallError(o.id, fmt.Errorf("response has no choices"))
	}

	res := &llm.GenerationResult{
		Text: out.Choices[0].Message.Content,
		Metadata: llm.Metadata{
			Model:        out.Model,
			FinishReason: out.Choices[0].FinishReason,
		},
	}
	if out.Usage != nil {
		res.Usage = *out.Usage
	}
	return res, nil
}

func (o *openAIClient) embed(ctx context.Context, model string, texts []string) (*llm.EmbeddingResult, error) {
	body := embeddingRequest{Input: texts}
	if o.dialect.sendsModel() {
		body.Model = model
	}

	var out embeddingResponse
	if err := o.post(ctx, o.dialect.embeddingsURL(model), model, body, &out); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, llm.CallError(o.id, fmt.Errorf("embedding index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, llm.CallError(o.id, fmt.Errorf("missing embedding for input %d", i))
		}
	}

	res := &llm.EmbeddingResult{Vectors: vectors, Metadata: llm.Metadata{Model: out.Model}}
	if out.Usage != nil {
		res.Usage = *out.Usage
	}
	return res, nil
}

// post sends one JSON request and decodes a 200 response into out. Any
// other outcome becomes a typed llm error.
func (o *openAIClient) post(ctx context.Context, endpoint, model string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return llm.NewError(llm.KindInvalidRequest, o.id, "encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return llm.NewError(llm.KindInvalidRequest, o.id, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	o.dialect.authorize(req.Header)
	for k, v := range o.cfg.Headers {
		req.Header.Set(k, v)
	}
	tracing.InjectHeaders(ctx, req)

	resp, err := o.client.Do(req)
	if err != nil {
		return llm.CallError(o.id, fmt.Errorf("post %s: %w", redactURL(endpoint), err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyHTTPError(o.id, model, resp, data)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return llm.CallError(o.id, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

func (o *openAIClient) close() error {
	o.client.CloseIdleConnections()
	return nil
}

// classifyHTTPError maps a vendor error response onto the error taxonomy.
func classifyHTTPError(id, model string, resp *http.Response, body []byte) error {
	var parsed errorResponse
	msg := strings.TrimSpace(string(body))
	code := ""
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
		if parsed.Error.Code != nil {
			code = fmt.Sprint(parsed.Error.Code)
		}
	}

	e := &llm.Error{Backend: id, Model: model, StatusCode: resp.StatusCode, Message: msg}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = llm.KindRateLimit
		e.RetryAfter = resilience.RetryAfter(resp.Header)
	case code == "context_length_exceeded":
		e.Kind = llm.KindTokenLimit
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Kind = llm.KindInit
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnprocessableEntity,
		resp.StatusCode == http.StatusRequestEntityTooLarge:
		e.Kind = llm.KindInvalidRequest
	default:
		e.Kind = llm.KindCall
	}
	return e
}

// redactURL drops the query string, which may carry credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}

// openAIDialect targets api.openai.com and compatible servers.
type openAIDialect struct {
	baseURL      string
	apiKey       string
	organization string
}

func (d openAIDialect) chatURL(string) string       { return d.baseURL + "/chat/completions" }
func (d openAIDialect) embeddingsURL(string) string { return d.baseURL + "/embeddings" }
func (d openAIDialect) modelsURL() string           { return d.baseURL + "/models" }
func (d openAIDialect) sendsModel() bool            { return true }

func (d openAIDialect) authorize(h http.Header) {
	if d.apiKey != "" {
		h.Set("Authorization", "Bearer "+d.apiKey)
	}
	if d.organization != "" {
		h.Set("OpenAI-Organization", d.organization)
	}
}

// azureDialect addresses deployments on an Azure OpenAI resource.
type azureDialect struct {
	baseURL             string
	apiKey              string
	apiVersion          string
	deployment          string
	embeddingDeployment string
}

func (d azureDialect) deploymentURL(deployment, op string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		d.baseURL, url.PathEscape(deployment), op, url.QueryEscape(d.apiVersion))
}

func (d azureDialect) chatURL(string) string { return d.deploymentURL(d.deployment, "chat/completions") }

func (d azureDialect) embeddingsURL(string) string {
	dep := d.embeddingDeployment
	if dep == "" {
		dep = d.deployment
	}
	return d.deploymentURL(dep, "embeddings")
}

func (d azureDialect) modelsURL() string {
	return fmt.Sprintf("%s/openai/models?api-version=%s", d.baseURL, url.QueryEscape(d.apiVersion))
}

func (d azureDialect) sendsModel() bool { return false }

func (d azureDialect) authorize(h http.Header) {
	h.Set("api-key", d.apiKey)
}

// NewOpenAI builds a backend for the OpenAI API or any server that speaks
// the same chat completions format.
func NewOpenAI(cfg Config, opts Options) (llm.Backend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("backend %s: model is required", cfg.ID)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		if cfg.Type == TypeOpenAICompatible {
			return nil, fmt.Errorf("backend %s: base_url is required for %s", cfg.ID, TypeOpenAICompatible)
		}
		base = openAIBaseURL
	}

	client := opts.HTTPClient
	if client == nil {
		client = newHTTPClient()
	}
	v := &openAIClient{
		id:      cfg.ID,
		cfg:     cfg,
		dialect: openAIDialect{baseURL: base, apiKey: cfg.APIKey, organization: cfg.Organization},
		client:  client,
	}
	kind := cfg.Type
	if kind == "" {
		kind = TypeOpenAI
	}
	return newCore(kind, cfg, v, opts), nil
}

// NewAzure builds a backend for an Azure OpenAI deployment.
func NewAzure(cfg Config, opts Options) (llm.Backend, error) {
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("backend %s: deployment is required for %s", cfg.ID, TypeAzure)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		if cfg.Resource == "" {
			return nil, fmt.Errorf("backend %s: base_url or resource is required for %s", cfg.ID, TypeAzure)
		}
		base = fmt.Sprintf("https://%s.openai.azure.com", cfg.Resource)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = cfg.Deployment
	}

	client := opts.HTTPClient
	if client == nil {
		client = newHTTPClient()
	}
	v := &openAIClient{
		id:  cfg.ID,
		cfg: cfg,
		dialect: azureDialect{
			baseURL:             base,
			apiKey:              cfg.APIKey,
			apiVersion:          cfg.APIVersion,
			deployment:          cfg.Deployment,
			embeddingDeployment: cfg.EmbeddingDeployment,
		},
		client: client,
	}
	return newCore(TypeAzure, cfg, v, opts), nil
}
