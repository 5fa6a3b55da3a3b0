package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a collaborator's breaker is open and the
// call is rejected without being attempted.
var ErrCircuitOpen = errors.New("scoring: circuit breaker open")

// BreakerConfig tunes a collaborator circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that trip the
	// circuit.
	MaxFailures uint32

	// Timeout is how long the circuit stays open before allowing a probe.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of successful probes required to
	// close the circuit again.
	HalfOpenMaxSuccesses uint32
}

// DefaultBreakerConfig trips after 3 consecutive failures, stays open for
// 30 seconds, and closes after 2 successful probes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:          3,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	}
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	})
}

// GuardedScorer wraps a RiskScorer in a circuit breaker. While the breaker
// is open, Evaluate fails fast with ErrCircuitOpen and the ingestion item
// is failed rather than left to hang on a dead sandbox.
type GuardedScorer struct {
	inner   RiskScorer
	breaker *gobreaker.CircuitBreaker
}

// NewGuardedScorer wraps scorer with the given breaker configuration.
func NewGuardedScorer(scorer RiskScorer, cfg BreakerConfig) *GuardedScorer {
	return &GuardedScorer{
		inner:   scorer,
		breaker: newBreaker("risk-scorer", cfg),
	}
}

// Evaluate delegates to the wrapped scorer through the breaker.
func (g *GuardedScorer) Evaluate(ctx context.Context, payload map[string]interface{}) (SandboxResult, error) {
	if err := ctx.Err(); err != nil {
		return SandboxResult{}, err
	}
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Evaluate(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return SandboxResult{}, ErrCircuitOpen
		}
		return SandboxResult{}, err
	}
	return result.(SandboxResult), nil
}

// State returns "closed", "open", or "half-open".
func (g *GuardedScorer) State() string {
	return breakerState(g.breaker)
}

// GuardedEmbedder wraps an Embedder in a circuit breaker. The
// reconciliation loop degrades to archival while the breaker is open
// instead of halting.
type GuardedEmbedder struct {
	inner   Embedder
	breaker *gobreaker.CircuitBreaker
}

// NewGuardedEmbedder wraps embedder with the given breaker configuration.
func NewGuardedEmbedder(embedder Embedder, cfg BreakerConfig) *GuardedEmbedder {
	return &GuardedEmbedder{
		inner:   embedder,
		breaker: newBreaker("embedder", cfg),
	}
}

// Embed delegates to the wrapped embedder through the breaker.
func (g *GuardedEmbedder) Embed(ctx context.Context, payload map[string]interface{}) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Embed(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return result.([]float64), nil
}

// State returns "closed", "open", or "half-open".
func (g *GuardedEmbedder) State() string {
	return breakerState(g.breaker)
}

func breakerState(b *gobreaker.CircuitBreaker) string {
	switch b.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
