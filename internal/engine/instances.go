package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// InstanceManager tracks ephemeral views: subsets of memory handed to a
// transient consumer. Spawning is read-sharing only — no copies, no
// locks. On collapse the produced result is fed back through the
// ingestion pipeline carrying provenance to every borrowed node.
type InstanceManager struct {
	engine *MemoryEngine

	mu     sync.Mutex
	active map[string]*types.InstanceView
}

func newInstanceManager(e *MemoryEngine) *InstanceManager {
	return &InstanceManager{
		engine: e,
		active: make(map[string]*types.InstanceView),
	}
}

// Spawn registers an active view over the given nodes.
func (m *InstanceManager) Spawn(ctx context.Context, blueprintID string, nodeIDs []string) (string, error) {
	view := &types.InstanceView{
		ID:          newID("inst"),
		BlueprintID: blueprintID,
		NodeIDs:     append([]string(nil), nodeIDs...),
		Created:     time.Now().UTC(),
		Status:      types.InstanceActive,
	}

	m.mu.Lock()
	m.active[view.ID] = view
	m.mu.Unlock()

	if err := m.engine.auditLog.Record(ctx, "instance.spawn", map[string]interface{}{
		"instance_id":  view.ID,
		"blueprint_id": blueprintID,
		"node_ids":     nodeIDs,
	}); err != nil {
		m.mu.Lock()
		delete(m.active, view.ID)
		m.mu.Unlock()
		return "", err
	}
	return view.ID, nil
}

// Collapse removes an active view and ingests its result as a new node
// whose dependencies are exactly the borrowed node IDs; the result's ID is
// then appended back onto every borrowed node. Fails with
// ErrInstanceNotFound when the instance is unknown or already collapsed.
//
// The result runs through the same admission pipeline as external data,
// processed inline so the caller observes the outcome.
func (m *InstanceManager) Collapse(ctx context.Context, instanceID string, result map[string]interface{}) (bool, error) {
	m.mu.Lock()
	view, ok := m.active[instanceID]
	if !ok || view.Status != types.InstanceActive {
		m.mu.Unlock()
		return false, fmt.Errorf("engine: instance %s: %w", instanceID, storage.ErrInstanceNotFound)
	}
	view.Status = types.InstanceCollapsed
	delete(m.active, instanceID)
	m.mu.Unlock()

	if err := m.engine.auditLog.Record(ctx, "instance.collapse", map[string]interface{}{
		"instance_id": instanceID,
	}); err != nil {
		return false, err
	}
	if result == nil {
		return true, nil // view released, nothing produced
	}

	item := &types.IngestionItem{
		ID:         newID("ing"),
		Payload:    result,
		Source:     "instance:" + view.BlueprintID,
		Status:     types.IngestionQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	m.engine.itemsMu.Lock()
	m.engine.items[item.ID] = item
	m.engine.itemsMu.Unlock()

	job := &ingestionJob{
		item:      item,
		ctx:       context.Background(),
		carryDeps: view.NodeIDs,
		onCommit: func(resultID string) {
			for _, borrowed := range view.NodeIDs {
				if err := m.engine.appendDependency(borrowed, resultID); err != nil {
					log.Printf("engine: collapse %s: failed to link %s back: %v",
						instanceID, borrowed, err)
				}
			}
		},
	}
	m.engine.processIngestion(-1, job)

	snapshot, err := m.engine.Item(item.ID)
	if err != nil {
		return false, err
	}
	if snapshot.Status != types.IngestionCompleted {
		return false, fmt.Errorf("engine: collapse result rejected: %s", snapshot.Reason)
	}
	return true, nil
}

// Active returns a snapshot of an active view.
func (m *InstanceManager) Active(instanceID string) (types.InstanceView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	view, ok := m.active[instanceID]
	if !ok {
		return types.InstanceView{}, storage.ErrInstanceNotFound
	}
	return *view, nil
}

// ActiveInstance exposes an active view snapshot on the engine.
func (e *MemoryEngine) ActiveInstance(instanceID string) (types.InstanceView, error) {
	return e.instances.Active(instanceID)
}
