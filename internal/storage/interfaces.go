// Package storage provides composable persistence interfaces for the Grace
// memory engine.
//
// The layer is split into small, focused interfaces that backends implement
// independently: anchor persistence for the immutable tier, audit entry
// persistence for the hash-chained audit log, and embedding storage for the
// reconciliation loop's context vectors. The sqlite backend implements all
// three; the postgres backend adds pgvector-accelerated similarity queries.
package storage

import (
	"context"
	"time"

	"github.com/aaron031291/grace-memory/pkg/types"
)

// AnchorRecord is one persisted immutable anchor.
type AnchorRecord struct {
	ID          string    // Node ID the anchor belongs to
	ContentHash string    // SHA-256 of the canonical content encoding
	MerkleProof string    // SHA-256(previous_hash | content_hash)
	PrevHash    string    // Chain head at the time of anchoring
	Content     []byte    // Canonical JSON encoding of the content
	Created     time.Time
}

// AnchorStore persists immutable anchors. Implementations never update or
// delete rows.
type AnchorStore interface {
	// PutAnchor appends an anchor. Re-anchoring identical content under
	// the same ID is idempotent; the same ID with a different content
	// hash fails with ErrIntegrity.
	PutAnchor(ctx context.Context, rec AnchorRecord) error

	// GetAnchor retrieves an anchor by content hash.
	// Returns ErrNotFound on a miss.
	GetAnchor(ctx context.Context, contentHash string) (*AnchorRecord, error)

	// GetAnchorByID retrieves the anchor stored under a node ID.
	GetAnchorByID(ctx context.Context, id string) (*AnchorRecord, error)

	// HeadHash returns the content hash of the most recently appended
	// anchor, or "" when the store is empty.
	HeadHash(ctx context.Context) (string, error)
}

// AuditStore persists audit entries in append order.
type AuditStore interface {
	// AppendEntry writes one entry. Entries are never updated or removed.
	AppendEntry(ctx context.Context, entry types.AuditEntry) error

	// LastEntry returns the most recently appended entry.
	// Returns ErrNotFound when the log is empty.
	LastEntry(ctx context.Context) (*types.AuditEntry, error)

	// ListEntries returns every entry in append order.
	ListEntries(ctx context.Context) ([]types.AuditEntry, error)
}

// NodeEmbedding pairs a node ID with its context vector.
type NodeEmbedding struct {
	NodeID    string
	Vector    []float64
	CreatedAt time.Time
}

// EmbeddingProvider stores context vectors computed at ingestion time so
// the reconciliation loop can compare expiring entries against the recent
// live window without re-embedding.
type EmbeddingProvider interface {
	// StoreEmbedding stores or replaces the vector for a node.
	StoreEmbedding(ctx context.Context, nodeID string, vector []float64) error

	// GetEmbedding retrieves the vector for a node.
	// Returns ErrNotFound on a miss.
	GetEmbedding(ctx context.Context, nodeID string) ([]float64, error)

	// RecentEmbeddings returns up to limit vectors, newest first.
	RecentEmbeddings(ctx context.Context, limit int) ([]NodeEmbedding, error)

	// DeleteEmbedding removes the vector for a node. Removing a missing
	// vector is not an error.
	DeleteEmbedding(ctx context.Context, nodeID string) error
}

// Store is the full persistence surface a backend can offer.
type Store interface {
	AnchorStore
	AuditStore
	EmbeddingProvider

	// Close releases any resources held by the backend.
	Close() error
}
