package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aaron031291/grace-memory/internal/scoring"
	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// reasonCancelled is the failure reason for cancelled ingestion items.
const reasonCancelled = "cancelled"

type ingestionJob struct {
	item      *types.IngestionItem
	ctx       context.Context // per-item; cancelled by CancelIngestion
	carryDeps []string        // provenance attached at commit
	onCommit  func(nodeID string)
}

// Ingest admits a payload through the full pipeline. The returned
// ingestion ID resolves asynchronously; poll Item or register the
// resolution callback.
func (e *MemoryEngine) Ingest(ctx context.Context, payload map[string]interface{}, source string) (string, error) {
	return e.ingestWithDeps(ctx, payload, source, nil, nil)
}

func (e *MemoryEngine) ingestWithDeps(_ context.Context, payload map[string]interface{}, source string, carryDeps []string, onCommit func(nodeID string)) (string, error) {
	if !e.isStarted() {
		return "", errors.New("engine: not started")
	}
	if payload == nil {
		return "", errors.New("engine: payload is required")
	}

	item := &types.IngestionItem{
		ID:         newID("ing"),
		Payload:    payload,
		Source:     source,
		Status:     types.IngestionQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	jobCtx, cancel := context.WithCancel(e.workerCtx)

	e.itemsMu.Lock()
	e.items[item.ID] = item
	e.cancels[item.ID] = cancel
	e.itemsMu.Unlock()

	job := &ingestionJob{item: item, ctx: jobCtx, carryDeps: carryDeps, onCommit: onCommit}
	select {
	case e.ingestCh <- job:
		return item.ID, nil
	default:
		cancel()
		e.failItem(item, "queue_full")
		return item.ID, fmt.Errorf("engine: ingestion queue full")
	}
}

// Item returns a snapshot of an ingestion item.
func (e *MemoryEngine) Item(id string) (types.IngestionItem, error) {
	e.itemsMu.RLock()
	defer e.itemsMu.RUnlock()
	item, ok := e.items[id]
	if !ok {
		return types.IngestionItem{}, storage.ErrNotFound
	}
	return *item, nil
}

// CancelIngestion cancels an in-flight item. The item transitions straight
// to failed(cancelled); once processing has reached the commit step the
// cancellation is too late and an error is returned.
func (e *MemoryEngine) CancelIngestion(id string) error {
	e.itemsMu.Lock()
	defer e.itemsMu.Unlock()

	item, ok := e.items[id]
	if !ok {
		return storage.ErrNotFound
	}
	if item.Status.Terminal() {
		return fmt.Errorf("engine: ingestion %s already %s", id, item.Status)
	}
	if cancel, ok := e.cancels[id]; ok {
		cancel()
	}
	return nil
}

// ingestionWorker drains the queue until it closes.
func (e *MemoryEngine) ingestionWorker(_ context.Context, workerID int) {
	defer e.workerWG.Done()

	for job := range e.ingestCh {
		e.processIngestion(workerID, job)
	}
}

// processIngestion runs the admission pipeline for one item:
// sandbox evaluation, performance scoring, anomaly check and refactor,
// tier placement, and atomic commit. Each step can short-circuit to
// failed; cancellation is honored up to the commit step, after which the
// item completes.
func (e *MemoryEngine) processIngestion(workerID int, job *ingestionJob) {
	item := job.item

	if err := job.ctx.Err(); err != nil {
		e.failItem(item, reasonCancelled)
		return
	}

	e.setItemStatus(item, types.IngestionProcessing)

	// Step 1: sandbox evaluation by the external scorer.
	result, err := e.scorer.Evaluate(job.ctx, item.Payload)
	if err != nil {
		if job.ctx.Err() != nil {
			e.failItem(item, reasonCancelled)
			return
		}
		e.failItem(item, fmt.Sprintf("sandbox: %v", err))
		return
	}

	// Step 2: performance scoring.
	perfScore := scoring.PerformanceScore(result)

	// Step 3: anomaly check. Severe anomalies are refactored and kept,
	// not rejected.
	payload := item.Payload
	anomaly := checkAnomaly(perfScore)
	if anomaly != nil && anomaly.Severity >= refactorSeverity {
		payload = refactorPayload(payload, anomaly)
		log.Printf("engine: worker %d refactored anomalous item %s (severity %.2f)",
			workerID, item.ID, anomaly.Severity)
	}

	if err := job.ctx.Err(); err != nil {
		e.failItem(item, reasonCancelled)
		return
	}

	// Step 4: tier placement is a pure function of the score.
	placement := types.TierVolatile
	if perfScore > immutableScoreFloor {
		placement = types.TierImmutable
	}

	// Step 5: commit. From here cancellation no longer applies — the
	// commit is atomic per item, so no partial tier writes escape.
	node := e.newNode(payload, placement, perfScore)
	if err := e.commitNode(context.Background(), node, perfScore, job.carryDeps); err != nil {
		e.failItem(item, fmt.Sprintf("commit: %v", err))
		return
	}

	if anomaly != nil && anomaly.DeprecatePrior != "" {
		e.deprecatePrior(context.Background(), anomaly.DeprecatePrior, node.ID)
	}

	e.completeItem(item, node.ID)
	if job.onCommit != nil {
		job.onCommit(node.ID)
	}
}

// deprecatePrior marks a superseded node deprecated and links the new node
// to it. Logical only; nothing is erased. Both mutations run under the
// owning store's lock.
func (e *MemoryEngine) deprecatePrior(ctx context.Context, priorID, successorID string) {
	err := e.volatile.Deprecate(priorID, successorID)
	if errors.Is(err, storage.ErrNotFound) {
		err = e.immutable.Deprecate(priorID, successorID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		err = e.relational.Deprecate(priorID, successorID)
	}
	if err != nil {
		log.Printf("engine: deprecated prior %s not found: %v", priorID, err)
		return
	}
	if err := e.appendDependency(successorID, priorID); err != nil {
		log.Printf("engine: failed to link %s to deprecated %s: %v", successorID, priorID, err)
	}

	if err := e.auditLog.Record(ctx, "node.deprecate", map[string]interface{}{
		"node_id":      priorID,
		"successor_id": successorID,
	}); err != nil {
		log.Printf("engine: failed to audit deprecation of %s: %v", priorID, err)
	}
}

func (e *MemoryEngine) setItemStatus(item *types.IngestionItem, status types.IngestionStatus) {
	e.itemsMu.Lock()
	item.Status = status
	e.itemsMu.Unlock()
}

func (e *MemoryEngine) completeItem(item *types.IngestionItem, nodeID string) {
	now := time.Now().UTC()

	e.itemsMu.Lock()
	item.Status = types.IngestionCompleted
	item.NodeID = nodeID
	item.ResolvedAt = &now
	delete(e.cancels, item.ID)
	snapshot := *item
	e.itemsMu.Unlock()

	e.notifyResolved(snapshot)
}

func (e *MemoryEngine) failItem(item *types.IngestionItem, reason string) {
	now := time.Now().UTC()

	e.itemsMu.Lock()
	item.Status = types.IngestionFailed
	item.Reason = reason
	item.ResolvedAt = &now
	delete(e.cancels, item.ID)
	snapshot := *item
	e.itemsMu.Unlock()

	e.notifyResolved(snapshot)
}

func (e *MemoryEngine) notifyResolved(item types.IngestionItem) {
	e.mu.RLock()
	resolved := e.onIngestionResolved
	e.mu.RUnlock()
	if resolved != nil {
		resolved(item)
	}
}
