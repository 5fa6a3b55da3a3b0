// Package audit implements the hash-chained, append-only audit log that
// records every mutating operation across the memory tiers.
//
// The log is the engine's single global ordering point: all components
// append through one writer goroutine so the hash chain stays well-formed
// under concurrency. A failed append is treated as fatal by callers, since
// the chain underwrites tamper evidence for everything else.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// ErrClosed is returned when recording after Close.
var ErrClosed = errors.New("audit: log closed")

type appendRequest struct {
	action string
	digest string
	reply  chan error
}

// Log is the hash-chained audit log. Appends from any goroutine serialize
// through a dedicated writer.
type Log struct {
	store    storage.AuditStore
	appendCh chan appendRequest
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Open loads the chain head from the backing store and starts the writer.
func Open(ctx context.Context, store storage.AuditStore) (*Log, error) {
	last, err := store.LastEntry(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("audit: failed to load chain head: %w", err)
	}

	lastHash := ""
	if last != nil {
		lastHash = last.EntryHash
	}

	l := &Log{
		store:    store,
		appendCh: make(chan appendRequest, 64),
	}
	l.wg.Add(1)
	go l.writer(lastHash)
	return l, nil
}

// writer owns the chain head. It is the only goroutine that appends.
func (l *Log) writer(lastHash string) {
	defer l.wg.Done()

	for req := range l.appendCh {
		entry := types.AuditEntry{
			ID:            ulid.Make().String(),
			Timestamp:     time.Now().UTC(),
			Action:        req.action,
			PayloadDigest: req.digest,
			PrevHash:      lastHash,
		}
		entry.EntryHash = EntryHash(entry)

		err := l.store.AppendEntry(context.Background(), entry)
		if err == nil {
			lastHash = entry.EntryHash
		}
		req.reply <- err
	}
}

// Record appends an audit entry for a mutating operation. The payload is
// digested, never stored. Blocks until the entry is durably appended, so a
// nil return means the operation is on the chain.
func (l *Log) Record(ctx context.Context, action string, payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: failed to encode payload for %s: %w", action, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	req := appendRequest{
		action: action,
		digest: digest(encoded),
		reply:  make(chan error, 1),
	}
	l.appendCh <- req
	l.mu.Unlock()

	select {
	case err := <-req.reply:
		if err != nil {
			return fmt.Errorf("audit: append failed for %s: %w", action, err)
		}
		return nil
	case <-ctx.Done():
		// The entry may still land; the caller only loses the ack.
		return ctx.Err()
	}
}

// Verify walks the full chain and reports whether it is intact: every
// entry's hash must recompute from its recorded fields, and every
// PrevHash must equal the prior entry's hash.
func (l *Log) Verify(ctx context.Context) (bool, error) {
	entries, err := l.store.ListEntries(ctx)
	if err != nil {
		return false, fmt.Errorf("audit: failed to list entries: %w", err)
	}
	return VerifyChain(entries), nil
}

// Entries returns the full log in append order.
func (l *Log) Entries(ctx context.Context) ([]types.AuditEntry, error) {
	return l.store.ListEntries(ctx)
}

// Close stops the writer after draining queued appends.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.appendCh)
	l.mu.Unlock()

	l.wg.Wait()
}

// EntryHash computes the chained hash of an entry from its recorded
// fields: H(previous_hash | action | payload_digest | timestamp).
func EntryHash(entry types.AuditEntry) string {
	ts := strconv.FormatInt(entry.Timestamp.UnixNano(), 10)
	sum := sha256.Sum256([]byte(entry.PrevHash + "|" + entry.Action + "|" + entry.PayloadDigest + "|" + ts))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks chain integrity over entries in append order.
func VerifyChain(entries []types.AuditEntry) bool {
	prev := ""
	for i, entry := range entries {
		if i > 0 && entry.PrevHash != prev {
			return false
		}
		if EntryHash(entry) != entry.EntryHash {
			return false
		}
		prev = entry.EntryHash
	}
	return true
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
