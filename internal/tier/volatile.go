// Package tier implements the three memory tiers: the volatile store with
// priority decay, the immutable hash-chained store, and the relational
// graph index. Each store owns a single mutual-exclusion boundary;
// operations on different tiers never block each other.
package tier

import (
	"sync"
	"time"

	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/pkg/types"
)

const (
	// DefaultCapacity bounds the volatile store.
	DefaultCapacity = 100000

	// DefaultEvictionFloor is the priority below which a decayed entry is
	// handed to the reconciliation loop.
	DefaultEvictionFloor = 0.05
)

// EvictionReason tells the eviction handler why an entry left the store.
type EvictionReason string

const (
	EvictDecay    EvictionReason = "decay"    // priority fell below the floor
	EvictCapacity EvictionReason = "capacity" // displaced by an insert at capacity
)

// EvictionHandler receives entries leaving the volatile store. Eviction
// candidates are relocated, not deleted: the reconciliation loop decides
// their fate.
type EvictionHandler func(node *types.MemoryNode, priority float64, reason EvictionReason)

type volatileEntry struct {
	node     *types.MemoryNode
	priority float64
}

// VolatileStore is the fast, mutable tier. Every entry carries a priority
// that decays by the node's degradation rate on each tick; entries below
// the floor are evicted to the handler. At capacity, Put displaces the
// lowest-priority entry rather than the least recently used one.
type VolatileStore struct {
	mu       sync.RWMutex
	entries  map[string]*volatileEntry
	capacity int
	floor    float64
	onEvict  EvictionHandler
}

// NewVolatileStore creates a volatile store. capacity and floor fall back
// to the defaults when non-positive. onEvict may be nil.
func NewVolatileStore(capacity int, floor float64, onEvict EvictionHandler) *VolatileStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if floor <= 0 {
		floor = DefaultEvictionFloor
	}
	return &VolatileStore{
		entries:  make(map[string]*volatileEntry),
		capacity: capacity,
		floor:    floor,
		onEvict:  onEvict,
	}
}

// Put inserts a node with the given priority. When the store is at
// capacity the lowest-priority entry is evicted first.
func (s *VolatileStore) Put(node *types.MemoryNode, priority float64) {
	var evicted *volatileEntry

	s.mu.Lock()
	if _, exists := s.entries[node.ID]; !exists && len(s.entries) >= s.capacity {
		if victim := s.lowestPriorityLocked(); victim != "" {
			evicted = s.entries[victim]
			delete(s.entries, victim)
		}
	}
	s.entries[node.ID] = &volatileEntry{node: node, priority: priority}
	s.mu.Unlock()

	if evicted != nil && s.onEvict != nil {
		s.onEvict(evicted.node, evicted.priority, EvictCapacity)
	}
}

// Get returns a snapshot of the node by ID, updating its access metadata.
// A node mid-eviction is simply absent and reads as ErrNotFound. The
// snapshot is safe to read without holding the store lock.
func (s *VolatileStore) Get(id string) (*types.MemoryNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	entry.node.Touch(time.Now())
	return entry.node.Clone(), nil
}

// Peek returns a snapshot of the node without touching access metadata.
// Used by the gate's deny paths and by reconciliation, which must not
// count as reads.
func (s *VolatileStore) Peek(id string) (*types.MemoryNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return entry.node.Clone(), nil
}

// Deprecate marks a stored node superseded by successorID. Logical only;
// the entry stays until decay or capacity evicts it.
func (s *VolatileStore) Deprecate(id, successorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	entry.node.Status = types.NodeDeprecated
	entry.node.AddDependency(successorID)
	return nil
}

// AddDependency records a provenance link on a stored node, under the
// store lock.
func (s *VolatileStore) AddDependency(id, depID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return storage.ErrNotFound
	}
	entry.node.AddDependency(depID)
	return nil
}

// Priority returns the current priority for a node.
func (s *VolatileStore) Priority(id string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return entry.priority, nil
}

// DecayTick applies one decay step to every entry:
//
//	priority *= (1 - degradation_rate)
//
// Entries falling below the floor are removed, handed to the eviction
// handler, and returned so the caller can reconcile them.
func (s *VolatileStore) DecayTick() []*types.MemoryNode {
	var evicted []*volatileEntry

	s.mu.Lock()
	for id, entry := range s.entries {
		entry.priority *= 1 - entry.node.DegradationRate
		if entry.priority < s.floor {
			evicted = append(evicted, entry)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	nodes := make([]*types.MemoryNode, 0, len(evicted))
	for _, entry := range evicted {
		nodes = append(nodes, entry.node)
		if s.onEvict != nil {
			s.onEvict(entry.node, entry.priority, EvictDecay)
		}
	}
	return nodes
}

// Remove deletes an entry without invoking the eviction handler. Used by
// tier migration, which relocates the node itself.
func (s *VolatileStore) Remove(id string) (*types.MemoryNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.entries, id)
	return entry.node, nil
}

// Recent returns snapshots of up to limit live nodes ordered by most
// recent access. This is the live window the reconciliation loop compares
// expiring entries against.
func (s *VolatileStore) Recent(limit int) []*types.MemoryNode {
	s.mu.RLock()
	nodes := make([]*types.MemoryNode, 0, len(s.entries))
	for _, entry := range s.entries {
		nodes = append(nodes, entry.node.Clone())
	}
	s.mu.RUnlock()

	// Insertion sort by LastAccessed descending; the window is small.
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].LastAccessed.After(nodes[j-1].LastAccessed); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	return nodes
}

// Len returns the number of live entries.
func (s *VolatileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// lowestPriorityLocked returns the ID of the entry with the lowest
// priority. Caller holds the write lock.
func (s *VolatileStore) lowestPriorityLocked() string {
	var victim string
	lowest := 0.0
	first := true
	for id, entry := range s.entries {
		if first || entry.priority < lowest {
			victim = id
			lowest = entry.priority
			first = false
		}
	}
	return victim
}
