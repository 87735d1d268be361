package pool

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"github.com/allaspectsdev/llmgate/internal/llm"
)

// Strategy names a member selection policy.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
	LeastUsed  Strategy = "least_used"
)

// ParseStrategy accepts a strategy name; the empty string selects
// RoundRobin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoundRobin:
		return RoundRobin, nil
	case Random:
		return Random, nil
	case LeastUsed:
		return LeastUsed, nil
	}
	return "", fmt.Errorf("pool: unknown strategy %q (valid: round_robin, random, least_used)", s)
}

// selector picks one of the live members. live is never empty and, on a
// failover pick, starts with the member after the one that just failed.
type selector interface {
	pick(live []llm.Backend, failover bool) llm.Backend
}

func newSelector(s Strategy, intn func(int) int) selector {
	switch s {
	case Random:
		if intn == nil {
			intn = rand.IntN
		}
		return randomSelector{intn: intn}
	case LeastUsed:
		return leastUsedSelector{}
	default:
		return &roundRobinSelector{}
	}
}

// roundRobinSelector advances a monotonic counter and takes it modulo the
// number of live members. Failover picks continue in member order without
// moving the counter.
type roundRobinSelector struct {
	next atomic.Uint64
}

func (s *roundRobinSelector) pick(live []llm.Backend, failover bool) llm.Backend {
	if failover {
		return live[0]
	}
	n := s.next.Add(1) - 1
	return live[n%uint64(len(live))]
}

type randomSelector struct {
	intn func(int) int
}

func (s randomSelector) pick(live []llm.Backend, _ bool) llm.Backend {
	return live[s.intn(len(live))]
}

// leastUsedSelector takes the member with the fewest requests; ties go to
// the earlier member.
type leastUsedSelector struct{}

func (leastUsedSelector) pick(live []llm.Backend, _ bool) llm.Backend {
	best := live[0]
	bestN := best.Stats().Requests
	for _, b := range live[1:] {
		if n := b.Stats().Requests; n < bestN {
			best, bestN = b, n
		}
	}
	return best
}
