package store

import (
	"fmt"
	"time"
)

// Usage is one gateway call as recorded in the usage log.
type Usage struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Op           string    `json:"op"`
	Provider     string    `json:"provider"`
	ProviderKind string    `json:"provider_kind"`
	Backend      string    `json:"backend"`
	Model        string    `json:"model"`
	Task         string    `json:"task,omitempty"`
	TokensIn     int64     `json:"tokens_in"`
	TokensOut    int64     `json:"tokens_out"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Attempts     int       `json:"attempts"`
	Fallback     bool      `json:"fallback"`
	CacheHit     bool      `json:"cache_hit"`
	Outcome      string    `json:"outcome"`
	ErrorMessage string    `json:"error,omitempty"`
}

// UsageSummary aggregates usage for one provider and model.
type UsageSummary struct {
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Requests  int64   `json:"requests"`
	Failures  int64   `json:"failures"`
	CacheHits int64   `json:"cache_hits"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	AvgMs     float64 `json:"avg_latency_ms"`
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertUsage stores a usage record. The caller provides a unique ID,
// typically the gateway request id.
func (s *Store) InsertUsage(u *Usage) error {
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	outcome := u.Outcome
	if outcome == "" {
		outcome = "ok"
	}

	_, err := s.writer.Exec(`
		INSERT INTO usage (
			id, timestamp, op, provider, provider_kind, backend, model, task,
			tokens_in, tokens_out, cost_usd, latency_ms, attempts,
			fallback, cache_hit, outcome, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, formatTime(ts), u.Op, u.Provider, u.ProviderKind, u.Backend, u.Model, u.Task,
		u.TokensIn, u.TokensOut, u.CostUSD, u.LatencyMs, u.Attempts,
		boolInt(u.Fallback), boolInt(u.CacheHit), outcome, u.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("store: insert usage: %w", err)
	}
	return nil
}

// RecentUsage returns a page of usage records, newest first.
func (s *Store) RecentUsage(limit, offset int) ([]*Usage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.reader.Query(`
		SELECT id, timestamp, op, provider, provider_kind, backend, model, task,
		       tokens_in, tokens_out, cost_usd, latency_ms, attempts,
		       fallback, cache_hit, outcome, error_message
		FROM usage
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list usage: %w", err)
	}
	defer rows.Close()

	var results []*Usage
	for rows.Next() {
		u := &Usage{}
		var ts string
		var fallback, cacheHit int
		if err := rows.Scan(
			&u.ID, &ts, &u.Op, &u.Provider, &u.ProviderKind, &u.Backend, &u.Model, &u.Task,
			&u.TokensIn, &u.TokensOut, &u.CostUSD, &u.LatencyMs, &u.Attempts,
			&fallback, &cacheHit, &u.Outcome, &u.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("store: scan usage row: %w", err)
		}
		u.Timestamp = parseTime(ts)
		u.Fallback = fallback != 0
		u.CacheHit = cacheHit != 0
		results = append(results, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list usage iteration: %w", err)
	}
	return results, nil
}

// SummarizeUsage aggregates usage recorded at or after since, grouped by
// provider and model, ordered by provider then model.
func (s *Store) SummarizeUsage(since time.Time) ([]UsageSummary, error) {
	rows, err := s.reader.Query(`
		SELECT
			provider,
			model,
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(cache_hit), 0),
			COALESCE(SUM(tokens_in), 0),
			COALESCE(SUM(tokens_out), 0),
			COALESCE(SUM(cost_usd), 0.0),
			COALESCE(AVG(latency_ms), 0.0)
		FROM usage
		WHERE timestamp >= ?
		GROUP BY provider, model
		ORDER BY provider, model`, formatTime(since),
	)
	if err != nil {
		return nil, fmt.Errorf("store: summarize usage: %w", err)
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.Provider, &u.Model, &u.Requests, &u.Failures, &u.CacheHits,
			&u.TokensIn, &u.TokensOut, &u.CostUSD, &u.AvgMs); err != nil {
			return nil, fmt.Errorf("store: scan usage summary: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: summarize usage iteration: %w", err)
	}
	return out, nil
}
