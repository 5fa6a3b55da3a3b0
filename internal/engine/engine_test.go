package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aaron031291/grace-memory/internal/scoring"
	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/internal/storage/memory"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// stubScorer returns a fixed sandbox result, or blocks until the context
// is cancelled when blocking is set.
type stubScorer struct {
	result   scoring.SandboxResult
	err      error
	blocking bool
}

func (s *stubScorer) Evaluate(ctx context.Context, payload map[string]interface{}) (scoring.SandboxResult, error) {
	if s.blocking {
		<-ctx.Done()
		return scoring.SandboxResult{}, ctx.Err()
	}
	if s.err != nil {
		return scoring.SandboxResult{}, s.err
	}
	return s.result, nil
}

// stubEmbedder returns the vector carried in the payload's "vec" field,
// defaulting to a unit vector so every payload embeds successfully.
type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, payload map[string]interface{}) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	if raw, ok := payload["vec"].([]float64); ok {
		return raw, nil
	}
	return []float64{1, 0, 0}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumWorkers = 1
	cfg.QueueSize = 16
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// newTestEngine builds a started engine over the in-memory backend. The
// returned resolver channel receives every terminal ingestion item.
func newTestEngine(t *testing.T, cfg Config, scorer scoring.RiskScorer) (*MemoryEngine, chan types.IngestionItem) {
	t.Helper()

	if scorer == nil {
		scorer = &stubScorer{result: scoring.SandboxResult{Risk: 0.1, Compatibility: 0.9}}
	}

	ctx := context.Background()
	eng, err := New(ctx, cfg, Dependencies{
		Backend:  memory.New(),
		Scorer:   scorer,
		Embedder: &stubEmbedder{},
		Trust:    scoring.PrefixTrust("verified_"),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resolved := make(chan types.IngestionItem, 16)
	eng.SetOnIngestionResolved(func(item types.IngestionItem) {
		resolved <- item
	})

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(shutdownCtx) //nolint:errcheck
	})
	return eng, resolved
}

func awaitResolved(t *testing.T, ch chan types.IngestionItem, id string) types.IngestionItem {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case item := <-ch:
			if item.ID == id {
				return item
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ingestion %s to resolve", id)
		}
	}
}

func TestIngestHighScorePlacesImmutable(t *testing.T) {
	scorer := &stubScorer{result: scoring.SandboxResult{Risk: 0.1, Compatibility: 0.9}}
	eng, resolved := newTestEngine(t, testConfig(), scorer)

	id, err := eng.Ingest(context.Background(), map[string]interface{}{"fact": "stable"}, "test")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	item := awaitResolved(t, resolved, id)
	if item.Status != types.IngestionCompleted {
		t.Fatalf("expected completed, got %s (%s)", item.Status, item.Reason)
	}

	// perf = 0.6*0.9 + 0.4*0.9 = 0.90 > 0.7 so the node anchors.
	node, err := eng.GetNode(item.NodeID)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.Tier != types.TierImmutable {
		t.Errorf("expected immutable placement, got %s", node.Tier)
	}
	if node.ContentHash == "" {
		t.Error("expected anchored node to carry a content hash")
	}
	if node.TrustScore < 0.89 || node.TrustScore > 0.91 {
		t.Errorf("expected trust near 0.9, got %v", node.TrustScore)
	}

	// No refactor tags on a clean payload.
	if _, tagged := node.Content[types.RefactoredKey]; tagged {
		t.Error("clean payload must not be refactored")
	}

	ok, err := eng.VerifyAuditChain(context.Background())
	if err != nil || !ok {
		t.Errorf("audit chain broken after ingest: ok=%v err=%v", ok, err)
	}
}

func TestIngestLowScoreRefactorsIntoVolatile(t *testing.T) {
	scorer := &stubScorer{result: scoring.SandboxResult{Risk: 0.9, Compatibility: 0.1}}
	eng, resolved := newTestEngine(t, testConfig(), scorer)

	id, err := eng.Ingest(context.Background(), map[string]interface{}{"claim": "dubious"}, "test")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	item := awaitResolved(t, resolved, id)
	if item.Status != types.IngestionCompleted {
		t.Fatalf("expected completed, got %s (%s)", item.Status, item.Reason)
	}

	// perf = 0.6*0.1 + 0.4*0.1 = 0.10: anomalous (severity 0.90), kept
	// but refactored into the volatile tier.
	node, err := eng.GetNode(item.NodeID)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.Tier != types.TierVolatile {
		t.Errorf("expected volatile placement, got %s", node.Tier)
	}
	if node.Content[types.RefactoredKey] != true {
		t.Error("expected refactored tag on anomalous payload")
	}
	if node.Content[types.AnomalyKey] != anomalyLowPerformance {
		t.Errorf("expected anomaly class %q, got %v", anomalyLowPerformance, node.Content[types.AnomalyKey])
	}
	if node.Content[types.OriginalHashKey] == "" {
		t.Error("expected original content fingerprint")
	}
	if node.Content["claim"] != "dubious" {
		t.Error("refactor must preserve the original payload fields")
	}
}

func TestIngestDeterministicPlacement(t *testing.T) {
	scorer := &stubScorer{result: scoring.SandboxResult{Risk: 0.2, Compatibility: 0.8}}
	eng, resolved := newTestEngine(t, testConfig(), scorer)

	payload := map[string]interface{}{"fact": "repeatable"}
	var tiers []types.Tier
	for i := 0; i < 2; i++ {
		id, err := eng.Ingest(context.Background(), payload, "test")
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		item := awaitResolved(t, resolved, id)
		if item.Status != types.IngestionCompleted {
			t.Fatalf("expected completed, got %s", item.Status)
		}
		node, err := eng.GetNode(item.NodeID)
		if err != nil {
			t.Fatalf("GetNode failed: %v", err)
		}
		tiers = append(tiers, node.Tier)
	}
	if tiers[0] != tiers[1] {
		t.Errorf("identical payloads placed differently: %v", tiers)
	}
}

func TestCancelIngestion(t *testing.T) {
	scorer := &stubScorer{blocking: true}
	eng, resolved := newTestEngine(t, testConfig(), scorer)

	id, err := eng.Ingest(context.Background(), map[string]interface{}{"slow": true}, "test")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// Give the worker a moment to pick the job up, then cancel mid-flight.
	time.Sleep(50 * time.Millisecond)
	if err := eng.CancelIngestion(id); err != nil {
		t.Fatalf("CancelIngestion failed: %v", err)
	}

	item := awaitResolved(t, resolved, id)
	if item.Status != types.IngestionFailed {
		t.Fatalf("expected failed, got %s", item.Status)
	}
	if item.Reason != reasonCancelled {
		t.Errorf("expected reason %q, got %q", reasonCancelled, item.Reason)
	}
	if item.NodeID != "" {
		t.Error("cancelled item must not produce a node")
	}

	// Cancelling a resolved item is an error.
	if err := eng.CancelIngestion(id); err == nil {
		t.Error("expected error cancelling a terminal item")
	}
}

func TestIngestFailsOnSandboxError(t *testing.T) {
	scorer := &stubScorer{err: errors.New("sandbox crashed")}
	eng, resolved := newTestEngine(t, testConfig(), scorer)

	id, err := eng.Ingest(context.Background(), map[string]interface{}{"x": 1}, "test")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	item := awaitResolved(t, resolved, id)
	if item.Status != types.IngestionFailed {
		t.Fatalf("expected failed, got %s", item.Status)
	}
	if item.Reason == "" {
		t.Error("expected a failure reason")
	}
}

func TestStoreAndMigrate(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	id, err := eng.Store(ctx, map[string]interface{}{"note": "ephemeral"}, types.TierVolatile, 0.8)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if err := eng.Migrate(ctx, id, types.TierImmutable); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	node, err := eng.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode after migrate failed: %v", err)
	}
	if node.Tier != types.TierImmutable {
		t.Errorf("expected immutable after migrate, got %s", node.Tier)
	}

	// Anchored nodes never migrate back out.
	if err := eng.Migrate(ctx, id, types.TierVolatile); !errors.Is(err, storage.ErrIntegrity) {
		t.Errorf("expected ErrIntegrity migrating out of immutable, got %v", err)
	}
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	if _, err := eng.Store(ctx, map[string]interface{}{}, types.Tier("cold"), 0.5); err == nil {
		t.Error("expected error for unknown tier")
	}
	if _, err := eng.Store(ctx, map[string]interface{}{}, types.TierVolatile, 1.5); err == nil {
		t.Error("expected error for trust score above 1")
	}
}

func TestGetNodeTouchesAccessMetadata(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	id, err := eng.Store(ctx, map[string]interface{}{"n": 1}, types.TierVolatile, 0.8)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	first, err := eng.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	count := first.AccessCount

	second, err := eng.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if second.AccessCount != count+1 {
		t.Errorf("expected access count %d, got %d", count+1, second.AccessCount)
	}

	if _, err := eng.GetNode("mem_missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditChainCoversOperations(t *testing.T) {
	eng, resolved := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	if _, err := eng.Store(ctx, map[string]interface{}{"a": 1}, types.TierVolatile, 0.8); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	id, err := eng.Ingest(ctx, map[string]interface{}{"b": 2}, "test")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	awaitResolved(t, resolved, id)
	if _, err := eng.SpawnInstance(ctx, "bp_1", nil); err != nil {
		t.Fatalf("SpawnInstance failed: %v", err)
	}

	entries, err := eng.auditLog.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}

	actions := make(map[string]int)
	for _, entry := range entries {
		actions[entry.Action]++
	}
	if actions["node.create"] != 2 {
		t.Errorf("expected 2 node.create entries, got %d", actions["node.create"])
	}
	if actions["instance.spawn"] != 1 {
		t.Errorf("expected 1 instance.spawn entry, got %d", actions["instance.spawn"])
	}

	ok, err := eng.VerifyAuditChain(ctx)
	if err != nil || !ok {
		t.Errorf("audit chain broken: ok=%v err=%v", ok, err)
	}
}

func TestConcurrentImmutableStores(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	const writers = 64
	ids := make([]string, writers)
	errs := make([]error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = eng.Store(ctx,
				map[string]interface{}{"n": float64(i)}, types.TierImmutable, 0.9)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent store %d failed: %v", i, err)
		}
	}
	for _, id := range ids {
		node, err := eng.GetNode(id)
		if err != nil {
			t.Fatalf("node %s missing after concurrent store: %v", id, err)
		}
		if node.ContentHash == "" {
			t.Errorf("node %s anchored without content hash", id)
		}
	}

	ok, err := eng.VerifyAuditChain(ctx)
	if err != nil {
		t.Fatalf("VerifyAuditChain failed: %v", err)
	}
	if !ok {
		t.Error("audit chain broken after concurrent stores")
	}
}

func TestGetNodeReturnsSnapshot(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	id, err := eng.Store(ctx, map[string]interface{}{"fact": "isolated"}, types.TierVolatile, 0.8)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	node, err := eng.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	node.TrustScore = 0
	node.AddDependency("mem_phantom")

	fresh, err := eng.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if fresh.TrustScore != 0.8 {
		t.Errorf("stored trust mutated through snapshot: %f", fresh.TrustScore)
	}
	if len(fresh.Dependencies) != 0 {
		t.Errorf("stored dependencies mutated through snapshot: %v", fresh.Dependencies)
	}
}

func TestConcurrentReadsCountAccesses(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	id, err := eng.Store(ctx, map[string]interface{}{"fact": "hot"}, types.TierVolatile, 0.8)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	const readers = 4
	const reads = 100
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < reads; j++ {
				node, err := eng.GetNode(id)
				if err != nil {
					t.Errorf("GetNode failed: %v", err)
					return
				}
				_ = node.AccessCount
			}
		}()
	}
	wg.Wait()

	final, err := eng.peekNode(id)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if final.AccessCount != readers*reads {
		t.Errorf("expected %d counted reads, got %d", readers*reads, final.AccessCount)
	}
}

func TestMigrateOutOfRelationalDeregisters(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	id, err := eng.Store(ctx, map[string]interface{}{"fact": "linked"}, types.TierRelational, 0.8)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if err := eng.Migrate(ctx, id, types.TierVolatile); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// The index no longer yields the migrated node.
	cursor := eng.relational.Query(func(n *types.MemoryNode) bool { return n.ID == id })
	if _, err := cursor.Next(); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected migrated node absent from relational query, got %v", err)
	}

	node, err := eng.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode failed after migration: %v", err)
	}
	if node.Tier != types.TierVolatile {
		t.Errorf("expected volatile tier, got %s", node.Tier)
	}
}
