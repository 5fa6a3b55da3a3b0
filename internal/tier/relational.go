package tier

import (
	"errors"
	"time"

	"sync"

	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// ErrStaleQuery is returned by a query cursor after the index has mutated
// beneath it. A fresh query must be issued.
var ErrStaleQuery = errors.New("tier: index changed, reissue query")

// Edge is one directed, labelled link in the relational index.
type Edge struct {
	Source string
	Target string
	Label  string
}

// RelationalIndex is the graph tier: a directed, labelled graph over
// memory nodes for associative lookup. It stores and traverses edges
// only — similarity itself is computed by the caller's scorer at link
// time, never here.
type RelationalIndex struct {
	mu      sync.RWMutex
	nodes   map[string]*types.MemoryNode
	edges   map[string]map[string]string // source -> target -> label
	version uint64                       // bumped on every mutation
}

// NewRelationalIndex creates an empty index.
func NewRelationalIndex() *RelationalIndex {
	return &RelationalIndex{
		nodes: make(map[string]*types.MemoryNode),
		edges: make(map[string]map[string]string),
	}
}

// AddNode registers a node in the index.
func (r *RelationalIndex) AddNode(node *types.MemoryNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.ID] = node
	r.version++
}

// Link adds a directed, labelled edge between two registered nodes.
func (r *RelationalIndex) Link(sourceID, targetID, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[sourceID]; !ok {
		return storage.ErrNotFound
	}
	if _, ok := r.nodes[targetID]; !ok {
		return storage.ErrNotFound
	}
	if r.edges[sourceID] == nil {
		r.edges[sourceID] = make(map[string]string)
	}
	r.edges[sourceID][targetID] = label
	r.version++
	return nil
}

// GetNode returns a snapshot of a node by ID, updating access metadata.
func (r *RelationalIndex) GetNode(id string) (*types.MemoryNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	node.Touch(time.Now())
	return node.Clone(), nil
}

// PeekNode returns a snapshot of a node without touching access metadata.
func (r *RelationalIndex) PeekNode(id string) (*types.MemoryNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return node.Clone(), nil
}

// Deprecate marks a registered node superseded by successorID.
func (r *RelationalIndex) Deprecate(id, successorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return storage.ErrNotFound
	}
	node.Status = types.NodeDeprecated
	node.AddDependency(successorID)
	return nil
}

// AddDependency records a provenance link on a registered node, under the
// index lock.
func (r *RelationalIndex) AddDependency(id, depID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return storage.ErrNotFound
	}
	node.AddDependency(depID)
	return nil
}

// Remove deregisters a node and drops every edge touching it. Used by
// tier migration, which relocates the node; outstanding query cursors are
// invalidated.
func (r *RelationalIndex) Remove(id string) (*types.MemoryNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(r.nodes, id)
	delete(r.edges, id)
	for _, targets := range r.edges {
		delete(targets, id)
	}
	r.version++
	return node, nil
}

// Neighbors returns the outgoing edges of a node.
func (r *RelationalIndex) Neighbors(id string) ([]Edge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.nodes[id]; !ok {
		return nil, storage.ErrNotFound
	}
	var out []Edge
	for target, label := range r.edges[id] {
		out = append(out, Edge{Source: id, Target: target, Label: label})
	}
	return out, nil
}

// Len returns the number of registered nodes.
func (r *RelationalIndex) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// QueryCursor lazily walks nodes matching a predicate. A cursor is
// invalidated by any index mutation; Next then returns ErrStaleQuery.
type QueryCursor struct {
	index   *RelationalIndex
	ids     []string
	pos     int
	version uint64
	pred    func(*types.MemoryNode) bool
}

// Query returns a cursor over nodes satisfying pred. The candidate set is
// fixed at call time; matching is evaluated lazily on Next.
func (r *RelationalIndex) Query(pred func(*types.MemoryNode) bool) *QueryCursor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	return &QueryCursor{index: r, ids: ids, version: r.version, pred: pred}
}

// Next returns the next matching node, storage.ErrNotFound when the
// cursor is exhausted, or ErrStaleQuery after an index mutation.
func (c *QueryCursor) Next() (*types.MemoryNode, error) {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()

	if c.index.version != c.version {
		return nil, ErrStaleQuery
	}
	for c.pos < len(c.ids) {
		node := c.index.nodes[c.ids[c.pos]]
		c.pos++
		if node != nil && c.pred(node) {
			return node.Clone(), nil
		}
	}
	return nil, storage.ErrNotFound
}
