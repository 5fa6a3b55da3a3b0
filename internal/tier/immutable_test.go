package tier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/internal/storage/memory"
	"github.com/aaron031291/grace-memory/pkg/types"
)

func newImmutableNode(id string, content map[string]interface{}) *types.MemoryNode {
	node := newTestNode(id, 0.01)
	node.Tier = types.TierImmutable
	node.Content = content
	return node
}

func TestAnchorAndGet(t *testing.T) {
	ctx := context.Background()
	store, err := NewImmutableStore(ctx, memory.New())
	if err != nil {
		t.Fatalf("NewImmutableStore failed: %v", err)
	}

	node := newImmutableNode("mem_1", map[string]interface{}{"fact": "water boils at 100C"})
	hash, err := store.Anchor(ctx, node, "")
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty content hash")
	}
	if node.ContentHash != hash {
		t.Errorf("node content hash not set: %q", node.ContentHash)
	}
	if store.Head() != hash {
		t.Errorf("expected head %s, got %s", hash, store.Head())
	}

	content, err := store.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if content["fact"] != "water boils at 100C" {
		t.Errorf("unexpected content: %v", content)
	}
}

func TestAnchorChainsOnHead(t *testing.T) {
	ctx := context.Background()
	store, err := NewImmutableStore(ctx, memory.New())
	if err != nil {
		t.Fatalf("NewImmutableStore failed: %v", err)
	}

	first := newImmutableNode("mem_1", map[string]interface{}{"n": 1.0})
	firstHash, err := store.Anchor(ctx, first, "")
	if err != nil {
		t.Fatalf("first Anchor failed: %v", err)
	}

	// Anchoring with a stale previous hash must fail and leave the head
	// untouched.
	second := newImmutableNode("mem_2", map[string]interface{}{"n": 2.0})
	if _, err := store.Anchor(ctx, second, "stale"); !errors.Is(err, storage.ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if store.Head() != firstHash {
		t.Errorf("head changed on failed anchor")
	}

	secondHash, err := store.Anchor(ctx, second, firstHash)
	if err != nil {
		t.Fatalf("second Anchor failed: %v", err)
	}
	if store.Head() != secondHash {
		t.Errorf("expected head to advance to %s", secondHash)
	}
}

func TestReanchorIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := NewImmutableStore(ctx, memory.New())
	if err != nil {
		t.Fatalf("NewImmutableStore failed: %v", err)
	}

	node := newImmutableNode("mem_1", map[string]interface{}{"fact": "stable"})
	hash, err := store.Anchor(ctx, node, "")
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}

	// Identical content under the same ID returns the existing hash even
	// with an outdated previous hash.
	again, err := store.Anchor(ctx, node, "whatever")
	if err != nil {
		t.Fatalf("idempotent re-anchor failed: %v", err)
	}
	if again != hash {
		t.Errorf("expected same hash %s, got %s", hash, again)
	}

	// Different content under the same ID is an integrity violation.
	mutated := newImmutableNode("mem_1", map[string]interface{}{"fact": "rewritten"})
	if _, err := store.Anchor(ctx, mutated, hash); !errors.Is(err, storage.ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func TestDeprecateKeepsContent(t *testing.T) {
	ctx := context.Background()
	store, err := NewImmutableStore(ctx, memory.New())
	if err != nil {
		t.Fatalf("NewImmutableStore failed: %v", err)
	}

	node := newImmutableNode("mem_old", map[string]interface{}{"fact": "old"})
	hash, err := store.Anchor(ctx, node, "")
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}

	if err := store.Deprecate("mem_old", "mem_new"); err != nil {
		t.Fatalf("Deprecate failed: %v", err)
	}

	got, err := store.PeekNode("mem_old")
	if err != nil {
		t.Fatalf("PeekNode failed: %v", err)
	}
	if got.Status != types.NodeDeprecated {
		t.Errorf("expected deprecated status, got %s", got.Status)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "mem_new" {
		t.Errorf("expected successor link, got %v", got.Dependencies)
	}

	// The anchored content must still be readable.
	if _, err := store.Get(ctx, hash); err != nil {
		t.Errorf("deprecated content unreadable: %v", err)
	}

	if err := store.Deprecate("mem_absent", "mem_new"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestImmutableReopenContinuesChain(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	store, err := NewImmutableStore(ctx, backend)
	if err != nil {
		t.Fatalf("NewImmutableStore failed: %v", err)
	}
	node := newImmutableNode("mem_1", map[string]interface{}{"n": 1.0})
	hash, err := store.Anchor(ctx, node, "")
	if err != nil {
		t.Fatalf("Anchor failed: %v", err)
	}

	reopened, err := NewImmutableStore(ctx, backend)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Head() != hash {
		t.Errorf("expected reopened head %s, got %s", hash, reopened.Head())
	}

	next := newImmutableNode("mem_2", map[string]interface{}{"n": 2.0})
	if _, err := reopened.Anchor(ctx, next, hash); err != nil {
		t.Errorf("anchor after reopen failed: %v", err)
	}
}

func TestAnchorAtHeadSerializesConcurrentCommits(t *testing.T) {
	ctx := context.Background()
	store, err := NewImmutableStore(ctx, memory.New())
	if err != nil {
		t.Fatalf("NewImmutableStore failed: %v", err)
	}

	const writers = 32
	hashes := make([]string, writers)
	errs := make([]error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			node := newImmutableNode(fmt.Sprintf("mem_%d", i),
				map[string]interface{}{"n": float64(i)})
			hashes[i], errs[i] = store.AnchorAtHead(ctx, node)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent anchor %d failed: %v", i, err)
		}
	}
	if store.Len() != writers {
		t.Fatalf("expected %d anchored nodes, got %d", writers, store.Len())
	}

	// Every anchored payload is retrievable and the head is one of the
	// returned hashes.
	head := store.Head()
	headSeen := false
	for i, hash := range hashes {
		if _, err := store.Get(ctx, hash); err != nil {
			t.Errorf("anchor %d unreadable: %v", i, err)
		}
		if hash == head {
			headSeen = true
		}
	}
	if !headSeen {
		t.Errorf("head %s is not one of the anchored hashes", head)
	}
}
