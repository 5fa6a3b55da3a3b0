package types

import "time"

// IngestionStatus tracks an admission attempt through the pipeline.
type IngestionStatus string

const (
	IngestionQueued     IngestionStatus = "queued"
	IngestionProcessing IngestionStatus = "processing"
	IngestionCompleted  IngestionStatus = "completed"
	IngestionFailed     IngestionStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s IngestionStatus) Terminal() bool {
	return s == IngestionCompleted || s == IngestionFailed
}

// IngestionItem is the transient record for one admission attempt.
type IngestionItem struct {
	ID         string                 `json:"id"`     // Unique identifier (format: ing_<hex>)
	Payload    map[string]interface{} `json:"payload"`
	Source     string                 `json:"source"`
	Status     IngestionStatus        `json:"status"`
	Reason     string                 `json:"reason,omitempty"`  // Failure reason when Status == failed
	NodeID     string                 `json:"node_id,omitempty"` // Resulting node once completed
	EnqueuedAt time.Time              `json:"enqueued_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}

// Anomaly describes a quality problem detected during ingestion.
type Anomaly struct {
	// Type names the anomaly class, e.g. "low_performance".
	Type string `json:"type"`

	// Severity is in [0,1]; severity >= 0.5 triggers the refactor step.
	Severity float64 `json:"severity"`

	// DeprecatePrior optionally names a prior node the new one supersedes.
	DeprecatePrior string `json:"deprecate_prior,omitempty"`
}

// Refactor tag keys applied to anomalous payloads before commit.
const (
	RefactoredKey   = "_refactored"
	AnomalyKey      = "_anomaly"
	OriginalHashKey = "_original_hash"
)
