// Package engine implements the tiered memory engine: ingestion pipeline,
// tier routing, access gate, instance views, and the decay &
// reconciliation loop, with every mutation mirrored to the audit log.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aaron031291/grace-memory/internal/audit"
	"github.com/aaron031291/grace-memory/internal/scoring"
	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/internal/tier"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// Dependencies are the collaborators and backends the engine is built on.
// All stores are explicitly constructed and passed in; the engine keeps no
// hidden global state.
type Dependencies struct {
	// Backend persists anchors, audit entries, and (by default)
	// embeddings.
	Backend storage.Store

	// Embeddings optionally overrides the embedding provider, e.g. with
	// the pgvector-backed one. Falls back to Backend when nil.
	Embeddings storage.EmbeddingProvider

	// Scorer is the external risk/compatibility collaborator.
	Scorer scoring.RiskScorer

	// Embedder is the external context-vector collaborator.
	Embedder scoring.Embedder

	// Trust decides which requesters hold write privilege.
	Trust scoring.TrustPredicate
}

// MemoryEngine is the core orchestrator. External callers reach memory
// only through its exported operations; every mutation lands on the audit
// chain.
type MemoryEngine struct {
	cfg Config

	volatile   *tier.VolatileStore
	immutable  *tier.ImmutableStore
	relational *tier.RelationalIndex

	auditLog   *audit.Log
	embeddings storage.EmbeddingProvider
	scorer     scoring.RiskScorer
	embedder   scoring.Embedder

	gate       *AccessGate
	instances  *InstanceManager
	reconciler *Reconciler

	ingestCh     chan *ingestionJob
	workerWG     sync.WaitGroup
	workerCtx    context.Context
	workerCancel context.CancelFunc

	itemsMu sync.RWMutex
	items   map[string]*types.IngestionItem
	cancels map[string]context.CancelFunc

	archiveMu sync.Mutex
	archived  map[string]*types.MemoryNode // cold storage; logical deletes land here

	mu           sync.RWMutex
	started      bool
	shuttingDown bool

	onNodeCreated       func(nodeID string)
	onIngestionResolved func(item types.IngestionItem)
}

// New builds an engine from its dependencies. Call Start before use.
func New(ctx context.Context, cfg Config, deps Dependencies) (*MemoryEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if deps.Backend == nil {
		return nil, errors.New("engine: storage backend is required")
	}
	if deps.Scorer == nil {
		return nil, errors.New("engine: risk scorer is required")
	}
	if deps.Embedder == nil {
		return nil, errors.New("engine: embedder is required")
	}
	if deps.Trust == nil {
		return nil, errors.New("engine: trust predicate is required")
	}

	immutable, err := tier.NewImmutableStore(ctx, deps.Backend)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.Open(ctx, deps.Backend)
	if err != nil {
		return nil, err
	}

	embeddings := deps.Embeddings
	if embeddings == nil {
		embeddings = deps.Backend
	}

	e := &MemoryEngine{
		cfg:        cfg,
		immutable:  immutable,
		relational: tier.NewRelationalIndex(),
		auditLog:   auditLog,
		embeddings: embeddings,
		scorer:     deps.Scorer,
		embedder:   deps.Embedder,
		ingestCh:   make(chan *ingestionJob, cfg.QueueSize),
		items:      make(map[string]*types.IngestionItem),
		cancels:    make(map[string]context.CancelFunc),
		archived:   make(map[string]*types.MemoryNode),
	}

	e.reconciler = newReconciler(e)
	e.volatile = tier.NewVolatileStore(cfg.VolatileCapacity, cfg.EvictionFloor,
		func(node *types.MemoryNode, priority float64, reason tier.EvictionReason) {
			e.reconciler.AddExpired(node)
		})
	e.gate = newAccessGate(e, deps.Trust)
	e.instances = newInstanceManager(e)

	return e, nil
}

// SetOnNodeCreated registers a callback fired after a node commits.
func (e *MemoryEngine) SetOnNodeCreated(fn func(nodeID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onNodeCreated = fn
}

// SetOnIngestionResolved registers a callback fired when an ingestion item
// reaches a terminal status.
func (e *MemoryEngine) SetOnIngestionResolved(fn func(item types.IngestionItem)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onIngestionResolved = fn
}

// SetOnEntropyAlert registers a callback fired when a reconciliation cycle
// sees more contradictions than the configured threshold.
func (e *MemoryEngine) SetOnEntropyAlert(fn func(contradictions int)) {
	e.reconciler.onAlert = fn
}

// Start launches the ingestion workers and the reconciliation loop.
func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("engine: already started")
	}

	e.workerCtx, e.workerCancel = context.WithCancel(context.Background())
	for i := 0; i < e.cfg.NumWorkers; i++ {
		e.workerWG.Add(1)
		go e.ingestionWorker(e.workerCtx, i)
	}
	e.reconciler.Start(e.workerCtx)

	e.started = true
	log.Printf("engine: started with %d ingestion workers, decay interval %s",
		e.cfg.NumWorkers, e.cfg.DecayInterval)
	return nil
}

// Shutdown stops the reconciliation loop, drains the ingestion queue, and
// closes the audit writer.
func (e *MemoryEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.New("engine: not started")
	}
	e.shuttingDown = true
	e.mu.Unlock()

	e.reconciler.Stop()
	close(e.ingestCh)

	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownTimeout):
		log.Printf("engine: shutdown timeout, %d ingestion jobs may be dropped", len(e.ingestCh))
	case <-ctx.Done():
		log.Printf("engine: shutdown cancelled, %d ingestion jobs may be dropped", len(e.ingestCh))
	}

	e.workerCancel()
	e.auditLog.Close()

	e.mu.Lock()
	e.started = false
	e.shuttingDown = false
	e.mu.Unlock()

	log.Println("engine: shut down")
	return nil
}

// Store places content directly into a tier, bypassing the full pipeline.
// Used for internal and derived writes where admission scoring already
// happened. Returns the new node ID.
func (e *MemoryEngine) Store(ctx context.Context, content map[string]interface{}, t types.Tier, trustScore float64) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("engine: unknown tier %q", t)
	}
	if trustScore < 0 || trustScore > 1 {
		return "", fmt.Errorf("engine: trust score %f outside [0,1]", trustScore)
	}

	node := e.newNode(content, t, trustScore)
	if err := e.commitNode(ctx, node, trustScore, nil); err != nil {
		return "", err
	}
	return node.ID, nil
}

// Request routes a memory access request through the gate.
func (e *MemoryEngine) Request(ctx context.Context, req types.MemoryRequest) types.MemoryResponse {
	return e.gate.Request(ctx, req)
}

// RequestLog returns the gate's append-only request log.
func (e *MemoryEngine) RequestLog() []types.RequestLogEntry {
	return e.gate.Log()
}

// SpawnInstance registers an ephemeral view over a subset of nodes.
func (e *MemoryEngine) SpawnInstance(ctx context.Context, blueprintID string, nodeIDs []string) (string, error) {
	return e.instances.Spawn(ctx, blueprintID, nodeIDs)
}

// CollapseInstance removes an active view and ingests its result.
func (e *MemoryEngine) CollapseInstance(ctx context.Context, instanceID string, result map[string]interface{}) (bool, error) {
	return e.instances.Collapse(ctx, instanceID, result)
}

// VerifyAuditChain checks the integrity of the full audit chain.
func (e *MemoryEngine) VerifyAuditChain(ctx context.Context) (bool, error) {
	return e.auditLog.Verify(ctx)
}

// RunReconcileCycle drives one decay & reconciliation cycle. The
// background loop calls this on its interval; exposing it lets callers
// (and tests) run deterministic single cycles.
func (e *MemoryEngine) RunReconcileCycle(ctx context.Context) CycleReport {
	return e.reconciler.RunCycle(ctx)
}

// EntropyLog returns the reconciliation loop's contradiction records.
func (e *MemoryEngine) EntropyLog() []EntropyRecord {
	return e.reconciler.EntropyLog()
}

// Migrate moves a node to another tier. This is the only path by which a
// node's tier changes. Immutable-tier nodes never migrate out: their
// content is physically fixed.
func (e *MemoryEngine) Migrate(ctx context.Context, nodeID string, to types.Tier) error {
	if !to.Valid() {
		return fmt.Errorf("engine: unknown tier %q", to)
	}

	node, err := e.peekNode(nodeID)
	if err != nil {
		return err
	}
	if node.Tier == to {
		return nil
	}
	if node.Tier == types.TierImmutable {
		return fmt.Errorf("engine: node %s is anchored immutably: %w", nodeID, storage.ErrIntegrity)
	}

	switch node.Tier {
	case types.TierVolatile:
		if _, err := e.volatile.Remove(nodeID); err != nil {
			return err
		}
	case types.TierRelational:
		// Deregister so query cursors never yield a node whose tier has
		// moved on. Edges touching it are dropped with it.
		if _, err := e.relational.Remove(nodeID); err != nil {
			return err
		}
	}

	node.Tier = to
	switch to {
	case types.TierVolatile:
		e.volatile.Put(node, node.TrustScore)
	case types.TierImmutable:
		if _, err := e.immutable.AnchorAtHead(ctx, node); err != nil {
			return err
		}
	case types.TierRelational:
		e.relational.AddNode(node)
	}

	return e.auditLog.Record(ctx, "node.migrate", map[string]interface{}{
		"node_id": nodeID,
		"tier":    to,
	})
}

// GetNode returns a node by ID from whichever tier holds it, counting the
// read. Archived nodes read as ErrNotFound.
func (e *MemoryEngine) GetNode(id string) (*types.MemoryNode, error) {
	if node, err := e.volatile.Get(id); err == nil {
		return node, nil
	}
	if node, err := e.immutable.GetNode(id); err == nil {
		return node, nil
	}
	return e.relational.GetNode(id)
}

// peekNode finds a node without touching access metadata.
func (e *MemoryEngine) peekNode(id string) (*types.MemoryNode, error) {
	if node, err := e.volatile.Peek(id); err == nil {
		return node, nil
	}
	if node, err := e.immutable.PeekNode(id); err == nil {
		return node, nil
	}
	return e.relational.PeekNode(id)
}

// newNode builds a node with derived degradation rate and fresh identity.
func (e *MemoryEngine) newNode(content map[string]interface{}, t types.Tier, trustScore float64) *types.MemoryNode {
	now := time.Now().UTC()
	return &types.MemoryNode{
		ID:              newID("mem"),
		Content:         content,
		Tier:            t,
		Status:          types.NodeActive,
		CreationTime:    now,
		LastAccessed:    now,
		TrustScore:      trustScore,
		DegradationRate: degradationRate(content, t),
	}
}

// commitNode writes a node to its tier, caches its context vector, links
// it into the relational index, and mirrors the mutation to the audit
// chain. carryDeps are attached before the write so derived nodes land
// with their provenance.
func (e *MemoryEngine) commitNode(ctx context.Context, node *types.MemoryNode, priority float64, carryDeps []string) error {
	for _, dep := range carryDeps {
		node.AddDependency(dep)
	}
	// Audited fields are captured before the node is shared with a store;
	// after insertion other goroutines may touch its metadata.
	deps := append([]string(nil), node.Dependencies...)
	nodeTier, trust := node.Tier, node.TrustScore

	switch node.Tier {
	case types.TierVolatile:
		e.volatile.Put(node, priority)
	case types.TierImmutable:
		if _, err := e.immutable.AnchorAtHead(ctx, node); err != nil {
			return err
		}
	case types.TierRelational:
		e.relational.AddNode(node)
	}

	// Context vectors feed reconciliation and auto-linking. Embedding
	// failure is tolerable; the node is committed either way.
	if vec, err := e.embedder.Embed(ctx, node.Content); err != nil {
		log.Printf("engine: embedding failed for %s: %v", node.ID, err)
	} else {
		if err := e.embeddings.StoreEmbedding(ctx, node.ID, vec); err != nil {
			log.Printf("engine: failed to cache embedding for %s: %v", node.ID, err)
		}
		if nodeTier == types.TierRelational {
			e.autoLink(ctx, node, vec)
		}
	}

	if err := e.auditLog.Record(ctx, "node.create", map[string]interface{}{
		"node_id":      node.ID,
		"tier":         nodeTier,
		"trust_score":  trust,
		"content_hash": contentDigest(node.Content),
		"dependencies": deps,
	}); err != nil {
		// The audit chain underwrites tamper evidence; an append failure
		// fails the commit. Volatile placement is rolled back so the
		// caller can retry cleanly; anchored content stays, as it must.
		if nodeTier == types.TierVolatile {
			e.volatile.Remove(node.ID) //nolint:errcheck
		}
		return err
	}

	e.mu.RLock()
	created := e.onNodeCreated
	e.mu.RUnlock()
	if created != nil {
		created(node.ID)
	}
	return nil
}

// autoLink adds relational edges to recently embedded nodes whose
// similarity clears the configured floor. The index stores the edges; the
// similarity itself comes from the injected embedder.
func (e *MemoryEngine) autoLink(ctx context.Context, node *types.MemoryNode, vec []float64) {
	recent, err := e.embeddings.RecentEmbeddings(ctx, e.cfg.RecentWindow)
	if err != nil {
		log.Printf("engine: auto-link skipped for %s: %v", node.ID, err)
		return
	}
	for _, other := range recent {
		if other.NodeID == node.ID {
			continue
		}
		if _, err := e.relational.PeekNode(other.NodeID); err != nil {
			continue // only link within the relational tier
		}
		if scoring.CosineSimilarity(vec, other.Vector) >= e.cfg.LinkSimilarity {
			if err := e.relational.Link(node.ID, other.NodeID, "semantic_similarity"); err != nil {
				log.Printf("engine: auto-link %s -> %s failed: %v", node.ID, other.NodeID, err)
			}
		}
	}
}

// archiveNode performs a logical delete: tag the node, move it to cold
// storage, drop its context vector. Immutable-tier content stays anchored.
func (e *MemoryEngine) archiveNode(ctx context.Context, node *types.MemoryNode, reason string) {
	node.Status = types.NodeArchived

	e.archiveMu.Lock()
	e.archived[node.ID] = node
	e.archiveMu.Unlock()

	if err := e.embeddings.DeleteEmbedding(ctx, node.ID); err != nil {
		log.Printf("engine: failed to drop embedding for archived %s: %v", node.ID, err)
	}
	if err := e.auditLog.Record(ctx, "node.archive", map[string]interface{}{
		"node_id": node.ID,
		"reason":  reason,
	}); err != nil {
		log.Printf("engine: failed to audit archive of %s: %v", node.ID, err)
	}
}

// ArchivedNode returns a snapshot of a node from cold storage.
func (e *MemoryEngine) ArchivedNode(id string) (*types.MemoryNode, error) {
	e.archiveMu.Lock()
	defer e.archiveMu.Unlock()
	node, ok := e.archived[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return node.Clone(), nil
}

// appendDependency records a provenance link on an existing node. The
// append runs under the owning tier store's lock.
func (e *MemoryEngine) appendDependency(nodeID, depID string) error {
	if err := e.volatile.AddDependency(nodeID, depID); err == nil {
		return nil
	}
	if err := e.immutable.AddDependency(nodeID, depID); err == nil {
		return nil
	}
	return e.relational.AddDependency(nodeID, depID)
}

func (e *MemoryEngine) isStarted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started && !e.shuttingDown
}

// newID returns a prefixed 16-hex-char identifier, e.g. "mem_3f2a...".
func newID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:])[:16]
}

func contentDigest(content map[string]interface{}) string {
	encoded, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
