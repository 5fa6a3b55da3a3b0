package types

import "time"

// AccessType is the kind of memory access being requested.
type AccessType string

const (
	AccessRead   AccessType = "read"
	AccessWrite  AccessType = "write"
	AccessDerive AccessType = "derive" // Create new memories from existing ones
)

// MemoryRequest is a gated request for memory access.
type MemoryRequest struct {
	Requester     string                 `json:"requester"` // Identity fingerprint of the requesting agent
	Intent        string                 `json:"intent"`    // Stated purpose of the access
	Access        AccessType             `json:"access_type"`
	Tier          Tier                   `json:"tier"`
	NodeID        string                 `json:"node_id,omitempty"` // Target node for read/derive
	Payload       map[string]interface{} `json:"payload,omitempty"` // Content for write requests
	TrustScore    float64                `json:"trust_score,omitempty"`
	Justification string                 `json:"justification"` // Free-text rationale
}

// ScopeLimits bounds what a granted response may be used for.
type ScopeLimits struct {
	ValidUntil time.Time `json:"valid_until"`
	UsageScope string    `json:"usage_scope"` // Echoes the requester's stated intent
}

// MemoryResponse is the gate's answer to a MemoryRequest. Denials are a
// normal outcome, not an error: AccessGranted is false and Reason is set.
type MemoryResponse struct {
	Content       map[string]interface{} `json:"content,omitempty"` // nil when denied
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	AccessGranted bool                   `json:"access_granted"`
	Reason        string                 `json:"reason,omitempty"` // Denial reason, e.g. "insufficient_privilege"
	ScopeLimits   ScopeLimits            `json:"scope_limits"`
	Degradation   float64                `json:"degradation"` // Copied from the source node
}

// Denial reasons returned by the access gate.
const (
	DenyInsufficientPrivilege = "insufficient_privilege"
	DenyRateLimited           = "rate_limited"
	DenyNotFound              = "not_found"
	DenyInvalidRequest        = "invalid_request"
)

// RequestLogEntry records one gate decision. The gate appends an entry
// before policy evaluation and patches the outcome after, so even crashed
// evaluations leave a trace.
type RequestLogEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Requester string     `json:"requester"`
	Access    AccessType `json:"access_type"`
	Tier      Tier       `json:"tier"`
	Granted   bool       `json:"granted"`
	Outcome   string     `json:"outcome"` // "pending", "granted", or a denial reason
}
