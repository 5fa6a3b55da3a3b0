// Package memory provides an in-memory storage backend. It implements the
// full storage.Store surface and is used in tests and for ephemeral
// deployments where durability is not required.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// Store keeps anchors, audit entries, and embeddings in process memory.
type Store struct {
	mu         sync.RWMutex
	anchors    []storage.AnchorRecord
	byHash     map[string]int
	byID       map[string]int
	entries    []types.AuditEntry
	embeddings map[string]storage.NodeEmbedding
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		byHash:     make(map[string]int),
		byID:       make(map[string]int),
		embeddings: make(map[string]storage.NodeEmbedding),
	}
}

// PutAnchor appends an anchor, enforcing append-only semantics per ID.
func (s *Store) PutAnchor(ctx context.Context, rec storage.AnchorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byID[rec.ID]; ok {
		if s.anchors[idx].ContentHash == rec.ContentHash {
			return nil
		}
		return storage.ErrIntegrity
	}

	s.anchors = append(s.anchors, rec)
	s.byHash[rec.ContentHash] = len(s.anchors) - 1
	s.byID[rec.ID] = len(s.anchors) - 1
	return nil
}

// GetAnchor retrieves an anchor by content hash.
func (s *Store) GetAnchor(ctx context.Context, contentHash string) (*storage.AnchorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byHash[contentHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec := s.anchors[idx]
	return &rec, nil
}

// GetAnchorByID retrieves the anchor stored under a node ID.
func (s *Store) GetAnchorByID(ctx context.Context, id string) (*storage.AnchorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec := s.anchors[idx]
	return &rec, nil
}

// HeadHash returns the content hash of the newest anchor.
func (s *Store) HeadHash(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.anchors) == 0 {
		return "", nil
	}
	return s.anchors[len(s.anchors)-1].ContentHash, nil
}

// AppendEntry writes one audit entry.
func (s *Store) AppendEntry(ctx context.Context, entry types.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// LastEntry returns the most recently appended audit entry.
func (s *Store) LastEntry(ctx context.Context) (*types.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return nil, storage.ErrNotFound
	}
	entry := s.entries[len(s.entries)-1]
	return &entry, nil
}

// ListEntries returns every audit entry in append order.
func (s *Store) ListEntries(ctx context.Context) ([]types.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// StoreEmbedding stores or replaces the vector for a node.
func (s *Store) StoreEmbedding(ctx context.Context, nodeID string, vector []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vec := make([]float64, len(vector))
	copy(vec, vector)
	s.embeddings[nodeID] = storage.NodeEmbedding{
		NodeID:    nodeID,
		Vector:    vec,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

// GetEmbedding retrieves the vector for a node.
func (s *Store) GetEmbedding(ctx context.Context, nodeID string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	emb, ok := s.embeddings[nodeID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	vec := make([]float64, len(emb.Vector))
	copy(vec, emb.Vector)
	return vec, nil
}

// RecentEmbeddings returns up to limit vectors, newest first.
func (s *Store) RecentEmbeddings(ctx context.Context, limit int) ([]storage.NodeEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]storage.NodeEmbedding, 0, len(s.embeddings))
	for _, emb := range s.embeddings {
		all = append(all, emb)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// DeleteEmbedding removes the vector for a node.
func (s *Store) DeleteEmbedding(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.embeddings, nodeID)
	return nil
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }
