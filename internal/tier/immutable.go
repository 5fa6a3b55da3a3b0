package tier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// ImmutableStore is the append-only, hash-chained tier. Content is
// anchored once and physically never rewritten; a correction is a new
// anchor whose node lists the superseded one in Dependencies. Node
// metadata (status, access counters, trust) lives in memory beside the
// persisted anchors, so deprecation and trust revision never touch
// anchored content.
type ImmutableStore struct {
	mu      sync.Mutex
	anchors storage.AnchorStore
	nodes   map[string]*types.MemoryNode // node ID -> metadata
	head    string                       // content hash of the chain head
}

// NewImmutableStore wraps an anchor backend. The chain head is loaded
// from the backend so restarts continue the existing chain.
func NewImmutableStore(ctx context.Context, anchors storage.AnchorStore) (*ImmutableStore, error) {
	head, err := anchors.HeadHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("immutable: failed to load chain head: %w", err)
	}
	return &ImmutableStore{
		anchors: anchors,
		nodes:   make(map[string]*types.MemoryNode),
		head:    head,
	}, nil
}

// Head returns the content hash of the current chain head.
func (s *ImmutableStore) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Anchor commits a node's content to the chain. previousHash must match
// the current chain head or the call fails with ErrChainBroken.
// Re-anchoring a node with identical content is idempotent and returns the
// existing hash; the same node ID with different content fails with
// ErrIntegrity.
func (s *ImmutableStore) Anchor(ctx context.Context, node *types.MemoryNode, previousHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchorLocked(ctx, node, previousHash)
}

// AnchorAtHead commits a node at the current chain head. The head is read
// inside the same critical section as the append, so concurrent commits
// serialize through the store lock instead of racing an external Head
// sample.
func (s *ImmutableStore) AnchorAtHead(ctx context.Context, node *types.MemoryNode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchorLocked(ctx, node, s.head)
}

// anchorLocked appends one anchor. Caller holds s.mu.
func (s *ImmutableStore) anchorLocked(ctx context.Context, node *types.MemoryNode, previousHash string) (string, error) {
	encoded, err := json.Marshal(node.Content)
	if err != nil {
		return "", fmt.Errorf("immutable: failed to encode content for %s: %w", node.ID, err)
	}
	contentHash := hashBytes(encoded)

	// Idempotent re-anchor: same ID, same content.
	existing, err := s.anchors.GetAnchorByID(ctx, node.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("immutable: failed to check anchor %s: %w", node.ID, err)
	}
	if existing != nil {
		if existing.ContentHash == contentHash {
			return contentHash, nil
		}
		return "", fmt.Errorf("immutable: node %s already anchored as %s: %w",
			node.ID, existing.ContentHash, storage.ErrIntegrity)
	}

	if previousHash != s.head {
		return "", fmt.Errorf("immutable: previous hash %q does not match head %q: %w",
			previousHash, s.head, storage.ErrChainBroken)
	}

	rec := storage.AnchorRecord{
		ID:          node.ID,
		ContentHash: contentHash,
		MerkleProof: hashBytes([]byte(previousHash + "|" + contentHash)),
		PrevHash:    previousHash,
		Content:     encoded,
		Created:     node.CreationTime,
	}
	if err := s.anchors.PutAnchor(ctx, rec); err != nil {
		return "", err
	}

	s.head = contentHash
	node.ContentHash = contentHash
	s.nodes[node.ID] = node
	return contentHash, nil
}

// Get retrieves anchored content by its content hash.
func (s *ImmutableStore) Get(ctx context.Context, contentHash string) (map[string]interface{}, error) {
	rec, err := s.anchors.GetAnchor(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	var content map[string]interface{}
	if err := json.Unmarshal(rec.Content, &content); err != nil {
		return nil, fmt.Errorf("immutable: failed to decode anchor %s: %w", contentHash, err)
	}
	return content, nil
}

// GetNode returns a snapshot of the node metadata by node ID, updating
// access metadata. The snapshot is safe to read without holding the
// store lock.
func (s *ImmutableStore) GetNode(id string) (*types.MemoryNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	node.Touch(time.Now())
	return node.Clone(), nil
}

// PeekNode returns a snapshot of the node metadata without touching
// access metadata.
func (s *ImmutableStore) PeekNode(id string) (*types.MemoryNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return node.Clone(), nil
}

// AddDependency records a provenance link on a registered node, under the
// store lock.
func (s *ImmutableStore) AddDependency(id, depID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return storage.ErrNotFound
	}
	node.AddDependency(depID)
	return nil
}

// Deprecate marks a node superseded by successorID. Logical only: the
// anchored content is untouched, and the link is recorded on the metadata.
func (s *ImmutableStore) Deprecate(id, successorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return storage.ErrNotFound
	}
	node.Status = types.NodeDeprecated
	node.AddDependency(successorID)
	return nil
}

// Len returns the number of registered nodes.
func (s *ImmutableStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
