package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/allaspectsdev/llmgate/internal/config"
	"github.com/allaspectsdev/llmgate/internal/gateway"
	"github.com/allaspectsdev/llmgate/internal/llm"
	"github.com/allaspectsdev/llmgate/internal/store"
	"github.com/allaspectsdev/llmgate/internal/tracing"
)

const defaultMaxBody = 4 << 20

// Gateway is the part of *gateway.Gateway the API serves.
type Gateway interface {
	Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error)
	Embed(ctx context.Context, req *llm.EmbeddingRequest) (*llm.EmbeddingResult, error)
	Stats() map[string]gateway.ProviderStats
	Providers() []string
	DefaultProvider() string
	ResetProvider(id string) error
}

// UsageQuerier reads the usage log.
type UsageQuerier interface {
	RecentUsage(limit, offset int) ([]*store.Usage, error)
	SummarizeUsage(since time.Time) ([]store.UsageSummary, error)
}

// ServerOptions configures Server. Usage and Config may be nil, in which
// case the matching endpoints answer 404.
type ServerOptions struct {
	Addr         string
	Gateway      Gateway
	Collector    *Collector
	Usage        UsageQuerier
	Config       func() *config.Config
	MaxBodySize  int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server serves the JSON API and the Prometheus endpoint.
type Server struct {
	router chi.Router
	opts   ServerOptions
	server *http.Server
}

// NewServer builds the route table for opts.
func NewServer(opts ServerOptions) *Server {
	if opts.Collector == nil {
		opts.Collector = NewCollector()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBody
	}
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(tracing.HTTPMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/providers", s.handleProviders)
	r.Post("/api/providers/{id}/reset", s.handleResetProvider)
	r.Post("/api/generate", s.handleGenerate)
	r.Post("/api/embed", s.handleEmbed)
	r.Get("/api/usage", s.handleUsage)
	r.Get("/api/config", s.handleGetConfig)
	r.Method(http.MethodGet, "/metrics", PrometheusHandler(opts.Collector))

	s.router = r
	return s
}

// Handler returns the route table, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address. It blocks until the server is
// shut down or fails.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  orDefault(s.opts.ReadTimeout, 30*time.Second),
		WriteTimeout: orDefault(s.opts.WriteTimeout, 5*time.Minute),
		IdleTimeout:  orDefault(s.opts.IdleTimeout, 2*time.Minute),
	}

	log.Info().Str("addr", s.opts.Addr).Msg("api server starting")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status          string `json:"status"`
	DefaultProvider string `json:"default_provider"`
	Providers       int    `json:"providers"`
	Available       int    `json:"available"`
	Uptime          string `json:"uptime"`
}

// handleHealth answers 200 while at least one provider is available.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.opts.Gateway.Stats()
	resp := healthResponse{
		Status:          "ok",
		DefaultProvider: s.opts.Gateway.DefaultProvider(),
		Providers:       len(stats),
		Uptime:          s.opts.Collector.Stats().Uptime,
	}
	for _, st := range stats {
		if st.Available {
			resp.Available++
		}
	}

	status := http.StatusOK
	switch {
	case resp.Available == 0:
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case resp.Available < resp.Providers:
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Collector.Stats())
}

// handleProviders lists provider snapshots in priority order.
func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	stats := s.opts.Gateway.Stats()
	out := make([]gateway.ProviderStats, 0, len(stats))
	for _, id := range s.opts.Gateway.Providers() {
		if st, ok := stats[id]; ok {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Gateway.ResetProvider(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req llm.GenerationRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.opts.Gateway.Generate(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req llm.EmbeddingRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.opts.Gateway.Embed(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type usageResponse struct {
	Since   time.Time            `json:"since"`
	Summary []store.UsageSummary `json:"summary"`
	Recent  []*store.Usage       `json:"recent"`
}

// handleUsage returns per-model totals over ?range (default 24h) and a page
// of recent rows selected by ?limit and ?offset.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.opts.Usage == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "usage log disabled"})
		return
	}

	rangeParam := r.URL.Query().Get("range")
	if rangeParam == "" {
		rangeParam = "24h"
	}
	window, err := parseDurationParam(rangeParam)
	if err != nil || window <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid range parameter"})
		return
	}
	since := time.Now().Add(-window)

	summary, err := s.opts.Usage.SummarizeUsage(since)
	if err != nil {
		log.Error().Err(err).Msg("failed to summarize usage")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	recent, err := s.opts.Usage.RecentUsage(queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		log.Error().Err(err).Msg("failed to list usage")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if summary == nil {
		summary = []store.UsageSummary{}
	}
	if recent == nil {
		recent = []*store.Usage{}
	}
	writeJSON(w, http.StatusOK, usageResponse{Since: since.UTC(), Summary: summary, Recent: recent})
}

// handleGetConfig returns the running configuration with credentials redacted.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	var cfg *config.Config
	if s.opts.Config != nil {
		cfg = s.opts.Config()
	}
	if cfg == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no configuration loaded"})
		return
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "serialisation error"})
		return
	}
	var cfgMap map[string]any
	if err := json.Unmarshal(data, &cfgMap); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "serialisation error"})
		return
	}
	redactKeys(cfgMap)
	writeJSON(w, http.StatusOK, cfgMap)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

type errorResponse struct {
	Error     string   `json:"error"`
	Kind      string   `json:"kind"`
	Attempted []string `json:"attempted,omitempty"`
}

// writeError maps an error kind to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Kind: llm.KindOf(err).String()}

	var all *llm.AllFailedError
	if errors.As(err, &all) {
		resp.Attempted = all.Targets()
	}

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, context.Canceled):
		resp.Kind = "canceled"
		status = 499
	case errors.Is(err, context.DeadlineExceeded):
		resp.Kind = "timeout"
		status = http.StatusGatewayTimeout
	default:
		switch llm.KindOf(err) {
		case llm.KindInvalidRequest:
			status = http.StatusBadRequest
		case llm.KindTokenLimit:
			status = http.StatusUnprocessableEntity
		case llm.KindRateLimit:
			status = http.StatusTooManyRequests
			var e *llm.Error
			if errors.As(err, &e) && e.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Round(time.Second).Seconds())))
			}
		case llm.KindUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

// queryInt reads an integer query parameter with a default fallback.
func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

// parseDurationParam converts a shorthand like "7d" or "24h" to a time.Duration.
func parseDurationParam(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// redactKeys replaces string values under keys naming a credential with "****".
func redactKeys(m map[string]any) {
	for k, v := range m {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "key") || strings.Contains(lower, "secret") || strings.Contains(lower, "token") {
			if s, ok := v.(string); ok && s != "" {
				m[k] = "****"
				continue
			}
		}
		switch child := v.(type) {
		case map[string]any:
			redactKeys(child)
		case []any:
			for _, item := range child {
				if cm, ok := item.(map[string]any); ok {
					redactKeys(cm)
				}
			}
		}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
