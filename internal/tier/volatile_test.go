package tier

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/pkg/types"
)

func newTestNode(id string, rate float64) *types.MemoryNode {
	now := time.Now().UTC()
	return &types.MemoryNode{
		ID:              id,
		Content:         map[string]interface{}{"text": "node " + id},
		Tier:            types.TierVolatile,
		Status:          types.NodeActive,
		CreationTime:    now,
		LastAccessed:    now,
		TrustScore:      0.8,
		DegradationRate: rate,
	}
}

func TestVolatilePutGet(t *testing.T) {
	store := NewVolatileStore(10, 0.05, nil)

	node := newTestNode("mem_a", 0.1)
	store.Put(node, 1.0)

	got, err := store.Get("mem_a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "mem_a" {
		t.Errorf("expected mem_a, got %s", got.ID)
	}
	if got.AccessCount != 1 {
		t.Errorf("expected access count 1 after Get, got %d", got.AccessCount)
	}

	// Peek must not count as a read.
	if _, err := store.Peek("mem_a"); err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if node.AccessCount != 1 {
		t.Errorf("Peek changed access count to %d", node.AccessCount)
	}

	if _, err := store.Get("mem_missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing node, got %v", err)
	}
}

func TestVolatileDecayTick(t *testing.T) {
	store := NewVolatileStore(10, 0.05, nil)

	node := newTestNode("mem_decay", 0.5)
	store.Put(node, 1.0)

	// Each tick halves the priority; it must fall strictly and never
	// bounce back up.
	prev := 1.0
	for i := 0; i < 3; i++ {
		store.DecayTick()
		p, err := store.Priority("mem_decay")
		if err != nil {
			t.Fatalf("Priority failed after tick %d: %v", i, err)
		}
		if p >= prev {
			t.Errorf("priority did not fall on tick %d: %v -> %v", i, prev, p)
		}
		prev = p
	}

	// 1.0 * 0.5^3 = 0.125; two more ticks put it below 0.05.
	expired := store.DecayTick()
	if len(expired) != 0 {
		t.Fatalf("expected no expiry at 0.0625, got %d nodes", len(expired))
	}
	expired = store.DecayTick()
	if len(expired) != 1 || expired[0].ID != "mem_decay" {
		t.Fatalf("expected mem_decay to expire, got %v", expired)
	}
	if _, err := store.Get("mem_decay"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected expired node to be gone, got %v", err)
	}
}

func TestVolatileDecayInvokesHandler(t *testing.T) {
	var evictedID string
	var evictedReason EvictionReason

	store := NewVolatileStore(10, 0.05, func(node *types.MemoryNode, priority float64, reason EvictionReason) {
		evictedID = node.ID
		evictedReason = reason
	})

	node := newTestNode("mem_h", 0.99)
	store.Put(node, 0.06)
	store.DecayTick()

	if evictedID != "mem_h" {
		t.Errorf("expected handler to receive mem_h, got %q", evictedID)
	}
	if evictedReason != EvictDecay {
		t.Errorf("expected decay reason, got %q", evictedReason)
	}
}

func TestVolatileCapacityEviction(t *testing.T) {
	var evicted []string
	store := NewVolatileStore(3, 0.05, func(node *types.MemoryNode, priority float64, reason EvictionReason) {
		if reason != EvictCapacity {
			t.Errorf("expected capacity reason, got %q", reason)
		}
		evicted = append(evicted, node.ID)
	})

	store.Put(newTestNode("mem_low", 0.1), 0.2)
	store.Put(newTestNode("mem_mid", 0.1), 0.5)
	store.Put(newTestNode("mem_high", 0.1), 0.9)

	// Inserting at capacity displaces the lowest-priority entry, not the
	// oldest one.
	store.Put(newTestNode("mem_new", 0.1), 0.7)

	if len(evicted) != 1 || evicted[0] != "mem_low" {
		t.Fatalf("expected mem_low to be displaced, got %v", evicted)
	}
	if store.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", store.Len())
	}
	if _, err := store.Get("mem_new"); err != nil {
		t.Errorf("expected new node present, got %v", err)
	}
}

func TestVolatileRecentOrdering(t *testing.T) {
	store := NewVolatileStore(10, 0.05, nil)

	for i := 0; i < 5; i++ {
		node := newTestNode(fmt.Sprintf("mem_%d", i), 0.1)
		node.LastAccessed = time.Now().Add(time.Duration(i) * time.Second)
		store.Put(node, 1.0)
	}

	recent := store.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].LastAccessed.After(recent[i-1].LastAccessed) {
			t.Errorf("recent window not ordered newest first at %d", i)
		}
	}
	if recent[0].ID != "mem_4" {
		t.Errorf("expected mem_4 first, got %s", recent[0].ID)
	}
}

func TestVolatileRemoveSkipsHandler(t *testing.T) {
	handlerCalled := false
	store := NewVolatileStore(10, 0.05, func(*types.MemoryNode, float64, EvictionReason) {
		handlerCalled = true
	})

	store.Put(newTestNode("mem_r", 0.1), 1.0)
	node, err := store.Remove("mem_r")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if node.ID != "mem_r" {
		t.Errorf("expected removed node mem_r, got %s", node.ID)
	}
	if handlerCalled {
		t.Error("Remove must not invoke the eviction handler")
	}
	if _, err := store.Remove("mem_r"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double remove, got %v", err)
	}
}

func TestVolatileGetReturnsSnapshot(t *testing.T) {
	store := NewVolatileStore(10, 0.05, nil)
	store.Put(newTestNode("mem_s", 0.1), 1.0)

	got, err := store.Get("mem_s")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Mutating the returned node must not reach the stored one.
	got.TrustScore = 0
	got.AddDependency("mem_phantom")

	fresh, err := store.Peek("mem_s")
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if fresh.TrustScore != 0.8 {
		t.Errorf("stored trust mutated through snapshot: %f", fresh.TrustScore)
	}
	if len(fresh.Dependencies) != 0 {
		t.Errorf("stored dependencies mutated through snapshot: %v", fresh.Dependencies)
	}

	// Access metadata still counts through Get.
	if fresh.AccessCount != 1 {
		t.Errorf("expected access count 1, got %d", fresh.AccessCount)
	}
}

func TestVolatileConcurrentReads(t *testing.T) {
	store := NewVolatileStore(10, 0.05, nil)
	store.Put(newTestNode("mem_c", 0.1), 1.0)

	const readers = 8
	const reads = 200

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < reads; j++ {
				node, err := store.Get("mem_c")
				if err != nil {
					t.Errorf("Get failed: %v", err)
					return
				}
				if node.AccessCount == 0 {
					t.Error("snapshot missing access count")
					return
				}
			}
		}()
	}
	wg.Wait()

	final, err := store.Peek("mem_c")
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if final.AccessCount != readers*reads {
		t.Errorf("expected %d reads counted, got %d", readers*reads, final.AccessCount)
	}
}

func TestVolatileAddDependency(t *testing.T) {
	store := NewVolatileStore(10, 0.05, nil)
	store.Put(newTestNode("mem_d", 0.1), 1.0)

	if err := store.AddDependency("mem_d", "mem_src"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if err := store.AddDependency("mem_absent", "mem_src"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	node, err := store.Peek("mem_d")
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if len(node.Dependencies) != 1 || node.Dependencies[0] != "mem_src" {
		t.Errorf("expected dependency mem_src, got %v", node.Dependencies)
	}
}
