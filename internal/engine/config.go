package engine

import (
	"fmt"
	"time"
)

// Config tunes the memory engine. The reconciliation thresholds default to
// the decay-sandbox set (contradiction below -0.3 mean similarity,
// reinforcement at 0.7 with a quorum of 3); deployments that need a
// different policy override them here rather than patching constants.
type Config struct {
	// QueueSize bounds the ingestion queue.
	QueueSize int

	// NumWorkers is the number of ingestion worker goroutines.
	NumWorkers int

	// ShutdownTimeout bounds how long Shutdown waits for workers to drain.
	ShutdownTimeout time.Duration

	// VolatileCapacity bounds the volatile tier; at capacity an insert
	// displaces the lowest-priority entry.
	VolatileCapacity int

	// EvictionFloor is the priority below which a decayed entry is handed
	// to the reconciliation loop.
	EvictionFloor float64

	// DecayInterval is the period of the decay & reconciliation loop.
	DecayInterval time.Duration

	// ContradictionThreshold is the mean-similarity ceiling below which an
	// expiring entry contradicts the live window.
	ContradictionThreshold float64

	// ReinforcementSimilarity is the per-entry similarity floor for a live
	// entry to corroborate an expiring one.
	ReinforcementSimilarity float64

	// ReinforcementQuorum is how many corroborating live entries re-admit
	// an expiring entry.
	ReinforcementQuorum int

	// EntropyAlertThreshold is the number of contradictions in one cycle
	// above which an entropy-surge alert is emitted.
	EntropyAlertThreshold int

	// TrustPenalty is subtracted from an entry's trust score when it is
	// found to contradict the live window.
	TrustPenalty float64

	// RecentWindow is how many recently accessed live entries the
	// reconciliation loop compares an expiring entry against.
	RecentWindow int

	// LinkSimilarity is the similarity floor for automatic edges in the
	// relational index at ingestion time.
	LinkSimilarity float64

	// ScopeTTL bounds the validity window granted on read/derive access.
	ScopeTTL time.Duration

	// RequestsPerSecond and RequestBurst rate-limit each requester at the
	// access gate.
	RequestsPerSecond float64
	RequestBurst      int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:               1024,
		NumWorkers:              4,
		ShutdownTimeout:         10 * time.Second,
		VolatileCapacity:        100000,
		EvictionFloor:           0.05,
		DecayInterval:           5 * time.Minute,
		ContradictionThreshold:  -0.3,
		ReinforcementSimilarity: 0.7,
		ReinforcementQuorum:     3,
		EntropyAlertThreshold:   10,
		TrustPenalty:            0.4,
		RecentWindow:            50,
		LinkSimilarity:          0.7,
		ScopeTTL:                time.Hour,
		RequestsPerSecond:       50,
		RequestBurst:            100,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.NumWorkers)
	}
	if c.VolatileCapacity <= 0 {
		return fmt.Errorf("volatile capacity must be positive, got %d", c.VolatileCapacity)
	}
	if c.ReinforcementQuorum <= 0 {
		return fmt.Errorf("reinforcement quorum must be positive, got %d", c.ReinforcementQuorum)
	}
	if c.ReinforcementSimilarity < -1 || c.ReinforcementSimilarity > 1 {
		return fmt.Errorf("reinforcement similarity must be in [-1,1], got %f", c.ReinforcementSimilarity)
	}
	if c.ContradictionThreshold < -1 || c.ContradictionThreshold > 1 {
		return fmt.Errorf("contradiction threshold must be in [-1,1], got %f", c.ContradictionThreshold)
	}
	if c.ScopeTTL <= 0 {
		return fmt.Errorf("scope TTL must be positive, got %s", c.ScopeTTL)
	}
	return nil
}
