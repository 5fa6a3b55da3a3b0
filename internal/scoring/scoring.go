// Package scoring defines the collaborator contracts the memory engine
// consumes — risk/compatibility scoring, embedding, and trust — together
// with deterministic default implementations and circuit-breaker guards.
//
// The engine fixes only the thresholds and control flow that consume these
// functions; the scoring and embedding algorithms themselves are external
// and replaceable.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// SandboxResult is the outcome of sandbox evaluation for a payload.
type SandboxResult struct {
	Risk          float64 // [0,1], higher is riskier
	Compatibility float64 // [0,1], higher fits better
}

// RiskScorer evaluates a payload in a sandboxed collaborator and reports
// risk and compatibility. The sandbox itself is host-controlled and
// outside the engine.
type RiskScorer interface {
	Evaluate(ctx context.Context, payload map[string]interface{}) (SandboxResult, error)
}

// Embedder converts content into a context vector for similarity
// comparison.
type Embedder interface {
	Embed(ctx context.Context, payload map[string]interface{}) ([]float64, error)
}

// TrustPredicate decides whether a requester identity is verified for
// write access.
type TrustPredicate func(requester string) bool

// PrefixTrust returns a predicate granting write access to requesters
// whose identity carries the given prefix.
func PrefixTrust(prefix string) TrustPredicate {
	return func(requester string) bool {
		return strings.HasPrefix(requester, prefix)
	}
}

// PerformanceScore combines sandbox risk and compatibility into the
// admission score:
//
//	perf = 0.6*(1-risk) + 0.4*compatibility
func PerformanceScore(r SandboxResult) float64 {
	return 0.6*(1-r.Risk) + 0.4*r.Compatibility
}

// CosineSimilarity returns the cosine of the angle between a and b, in
// [-1,1]. Zero-length or mismatched vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// KeywordRiskScorer is the default scorer: risk is the fraction of flagged
// keywords found in the payload text, compatibility degrades with payload
// size. Deterministic, so admission decisions reproduce in tests.
type KeywordRiskScorer struct {
	Keywords []string
}

// DefaultRiskKeywords flag content warranting closer review.
var DefaultRiskKeywords = []string{"attack", "bias", "exploit", "sensitive"}

// NewKeywordRiskScorer returns a scorer over the default keyword set.
func NewKeywordRiskScorer() *KeywordRiskScorer {
	return &KeywordRiskScorer{Keywords: DefaultRiskKeywords}
}

// Evaluate scores the payload. Never fails: the default scorer has no
// external dependency.
func (s *KeywordRiskScorer) Evaluate(_ context.Context, payload map[string]interface{}) (SandboxResult, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return SandboxResult{}, fmt.Errorf("scoring: failed to encode payload: %w", err)
	}
	text := strings.ToLower(string(encoded))

	hits := 0
	for _, kw := range s.Keywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	risk := 0.0
	if len(s.Keywords) > 0 {
		risk = float64(hits) / float64(len(s.Keywords))
	}

	// Compatibility starts at 1.0 and loses 0.1 per 10 KiB of payload,
	// floored at 0.2. Oversized records fit the volatile tier poorly.
	compat := 1.0 - 0.1*float64(len(encoded)/(10*1024))
	if compat < 0.2 {
		compat = 0.2
	}

	return SandboxResult{Risk: risk, Compatibility: compat}, nil
}
