// Package types defines the shared data model for the Grace memory engine:
// memory nodes, ingestion items, audit entries, access requests, and
// instance views.
package types

import "time"

// Tier identifies which storage tier holds a memory node.
type Tier string

const (
	// TierVolatile is the fast, mutable tier. Entries carry a priority
	// score that decays over time and can be evicted.
	TierVolatile Tier = "volatile"

	// TierImmutable is the append-only, hash-chained tier. Content is
	// never rewritten; a revision is a new node linked via Dependencies.
	TierImmutable Tier = "immutable"

	// TierRelational is the graph-indexed tier for associative lookup.
	TierRelational Tier = "relational"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierVolatile, TierImmutable, TierRelational:
		return true
	}
	return false
}

// NodeStatus is the lifecycle status of a memory node.
type NodeStatus string

const (
	// NodeActive is the normal state of a live node.
	NodeActive NodeStatus = "active"

	// NodeDeprecated marks a node superseded by a newer one. The content
	// is retained; deprecation is logical, never destructive.
	NodeDeprecated NodeStatus = "deprecated"

	// NodeArchived marks a node logically deleted and moved to cold
	// storage by the reconciliation loop.
	NodeArchived NodeStatus = "archived"
)

// MemoryNode is the unit of storage. Nodes are created only by the
// ingestion pipeline (or the direct Store path), mutated only via tier
// migration or trust revision, and removed only by archival.
type MemoryNode struct {
	ID           string                 `json:"id"`            // Unique identifier (format: mem_<hex>)
	Content      map[string]interface{} `json:"content"`       // Opaque structured payload, schema owned by the caller
	Tier         Tier                   `json:"tier"`          // Storage tier; changes only through an explicit migration
	Status       NodeStatus             `json:"status"`        // Lifecycle status
	CreationTime time.Time              `json:"creation_time"` // When the node was committed
	LastAccessed time.Time              `json:"last_accessed"` // Updated on every successful read
	AccessCount  int                    `json:"access_count"`  // Number of successful reads

	// TrustScore is the confidence weight in [0,1]. Reconciliation may
	// revise it downward; it rises only through an explicit re-validation.
	TrustScore float64 `json:"trust_score"`

	// DegradationRate is the per-tick decay coefficient in [0,1], derived
	// at ingestion from payload size and tier.
	DegradationRate float64 `json:"degradation_rate"`

	// Dependencies lists node IDs this node was derived from or
	// supersedes. Append-only.
	Dependencies []string `json:"dependencies,omitempty"`

	// ContentHash is set for immutable-tier nodes: the anchor hash under
	// which the content is stored in the vault.
	ContentHash string `json:"content_hash,omitempty"`
}

// AddDependency appends a node ID to Dependencies, skipping duplicates.
func (n *MemoryNode) AddDependency(id string) {
	for _, d := range n.Dependencies {
		if d == id {
			return
		}
	}
	n.Dependencies = append(n.Dependencies, id)
}

// Clone returns a copy safe to read outside the owning store's lock.
// Dependencies is copied; Content is shared, since committed content is
// never mutated.
func (n *MemoryNode) Clone() *MemoryNode {
	out := *n
	out.Dependencies = append([]string(nil), n.Dependencies...)
	return &out
}

// Touch records a successful read.
func (n *MemoryNode) Touch(now time.Time) {
	n.LastAccessed = now
	n.AccessCount++
}
