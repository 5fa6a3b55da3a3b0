package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/aaron031291/grace-memory/internal/scoring"
	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// Resolutions recorded in the entropy log.
const (
	ResolutionContradiction = "contradiction"
	ResolutionReinforcement = "reinforcement"
	ResolutionArchived      = "archived"
	ResolutionDegraded      = "degraded" // analysis skipped, collaborator down
)

// EntropyRecord documents one reconciliation decision about an expiring
// entry.
type EntropyRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	AnchorID       string    `json:"anchor_id"`
	ConflictingIDs []string  `json:"conflicting_ids,omitempty"`
	Resolution     string    `json:"resolution"`
}

// CycleReport summarises one decay & reconciliation cycle.
type CycleReport struct {
	Expired        int
	Contradictions int
	Reinforced     int
	Archived       int
	Degraded       int
	AlertRaised    bool
}

// Reconciler runs the decay & reconciliation loop: it ticks the volatile
// tier's decay, then compares each expiring entry against the recent live
// window to decide contradiction, reinforcement, or archival. The loop is
// a cancellable scheduled task; RunCycle drives one deterministic cycle.
type Reconciler struct {
	engine *MemoryEngine

	pendingMu sync.Mutex
	pending   []*types.MemoryNode

	entropyMu sync.Mutex
	entropy   []EntropyRecord

	onAlert func(contradictions int)

	runMu   sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

func newReconciler(e *MemoryEngine) *Reconciler {
	return &Reconciler{engine: e}
}

// AddExpired receives an entry leaving the volatile tier. Eviction
// relocates entries here; nothing is deleted outright.
func (r *Reconciler) AddExpired(node *types.MemoryNode) {
	r.pendingMu.Lock()
	r.pending = append(r.pending, node)
	r.pendingMu.Unlock()
}

// Start launches the periodic loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.running = true

	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.engine.cfg.DecayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RunCycle(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	r.running = false
}

// RunCycle performs one full cycle: decay tick, then reconciliation of
// every pending expired entry.
func (r *Reconciler) RunCycle(ctx context.Context) CycleReport {
	// Decay evictions flow into the pending set via AddExpired.
	r.engine.volatile.DecayTick()

	r.pendingMu.Lock()
	expired := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	report := CycleReport{Expired: len(expired)}
	cfg := r.engine.cfg

	for _, node := range expired {
		switch r.reconcile(ctx, node) {
		case ResolutionContradiction:
			report.Contradictions++
		case ResolutionReinforcement:
			report.Reinforced++
		case ResolutionDegraded:
			report.Degraded++
			report.Archived++
		default:
			report.Archived++
		}
	}

	if report.Contradictions > cfg.EntropyAlertThreshold {
		report.AlertRaised = true
		log.Printf("engine: entropy surge, %d contradictions in one cycle", report.Contradictions)
		if r.onAlert != nil {
			r.onAlert(report.Contradictions)
		}
	}
	return report
}

// reconcile decides the fate of one expiring entry and returns the
// resolution recorded for it.
func (r *Reconciler) reconcile(ctx context.Context, node *types.MemoryNode) string {
	cfg := r.engine.cfg

	vec, err := r.contextVector(ctx, node)
	if err != nil {
		// Collaborator unavailable: degrade to archival instead of
		// halting the loop.
		log.Printf("engine: reconcile degraded for %s: %v", node.ID, err)
		r.record(node.ID, nil, ResolutionDegraded)
		r.engine.archiveNode(ctx, node, ResolutionDegraded)
		return ResolutionDegraded
	}

	live := r.engine.volatile.Recent(cfg.RecentWindow)
	if len(live) == 0 {
		r.record(node.ID, nil, ResolutionArchived)
		r.engine.archiveNode(ctx, node, "no live window")
		return ResolutionArchived
	}

	var (
		sum           float64
		compared      int
		conflicting   []string
		corroborating int
	)
	for _, other := range live {
		if other.ID == node.ID {
			continue
		}
		otherVec, err := r.contextVector(ctx, other)
		if err != nil {
			continue
		}
		sim := scoring.CosineSimilarity(vec, otherVec)
		sum += sim
		compared++
		conflicting = append(conflicting, other.ID)
		if sim >= cfg.ReinforcementSimilarity {
			corroborating++
		}
	}
	if compared == 0 {
		r.record(node.ID, nil, ResolutionArchived)
		r.engine.archiveNode(ctx, node, "no comparable window")
		return ResolutionArchived
	}

	mean := sum / float64(compared)
	switch {
	case mean < cfg.ContradictionThreshold:
		// The expiring entry contradicts live data: revise trust
		// downward, log the conflict, never re-admit.
		node.TrustScore -= cfg.TrustPenalty
		if node.TrustScore < 0 {
			node.TrustScore = 0
		}
		r.record(node.ID, conflicting, ResolutionContradiction)
		r.engine.archiveNode(ctx, node, ResolutionContradiction)
		return ResolutionContradiction

	case corroborating >= cfg.ReinforcementQuorum:
		// Enough live entries corroborate: re-admit through the
		// pipeline, carrying provenance to the expiring entry.
		if _, err := r.engine.ingestWithDeps(ctx, node.Content, "reconciler", []string{node.ID}, nil); err != nil {
			log.Printf("engine: reinforcement re-admit failed for %s: %v", node.ID, err)
			r.record(node.ID, nil, ResolutionArchived)
			r.engine.archiveNode(ctx, node, ResolutionArchived)
			return ResolutionArchived
		}
		r.record(node.ID, nil, ResolutionReinforcement)
		r.engine.archiveNode(ctx, node, ResolutionReinforcement)
		return ResolutionReinforcement

	default:
		r.record(node.ID, nil, ResolutionArchived)
		r.engine.archiveNode(ctx, node, ResolutionArchived)
		return ResolutionArchived
	}
}

// contextVector returns the cached embedding for a node, computing it on
// a miss through the (possibly breaker-guarded) embedder.
func (r *Reconciler) contextVector(ctx context.Context, node *types.MemoryNode) ([]float64, error) {
	vec, err := r.engine.embeddings.GetEmbedding(ctx, node.ID)
	if err == nil {
		return vec, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return r.engine.embedder.Embed(ctx, node.Content)
}

func (r *Reconciler) record(anchorID string, conflicting []string, resolution string) {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	r.entropy = append(r.entropy, EntropyRecord{
		Timestamp:      time.Now().UTC(),
		AnchorID:       anchorID,
		ConflictingIDs: conflicting,
		Resolution:     resolution,
	})
}

// EntropyLog returns a copy of the entropy records.
func (r *Reconciler) EntropyLog() []EntropyRecord {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	out := make([]EntropyRecord, len(r.entropy))
	copy(out, r.entropy)
	return out
}
