// Package sqlite implements the storage interfaces on an embedded SQLite
// database. It is the default backend: anchors, audit entries, and
// embedding vectors all live in a single database file (or in memory for
// tests, via the ":memory:" DSN).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/aaron031291/grace-memory/internal/storage"
	"github.com/aaron031291/grace-memory/pkg/types"
)

// Schema creates the tables used by this backend. Timestamps are stored as
// unix nanoseconds so round-tripping does not depend on driver time
// parsing.
const Schema = `
CREATE TABLE IF NOT EXISTS anchors (
    id            TEXT PRIMARY KEY,
    content_hash  TEXT NOT NULL UNIQUE,
    merkle_proof  TEXT NOT NULL,
    prev_hash     TEXT NOT NULL,
    content       BLOB NOT NULL,
    created_ns    INTEGER NOT NULL,
    seq           INTEGER
);
CREATE INDEX IF NOT EXISTS idx_anchors_hash ON anchors(content_hash);

CREATE TABLE IF NOT EXISTS audit_entries (
    id             TEXT PRIMARY KEY,
    ts_ns          INTEGER NOT NULL,
    action         TEXT NOT NULL,
    payload_digest TEXT NOT NULL,
    prev_hash      TEXT NOT NULL,
    entry_hash     TEXT NOT NULL,
    seq            INTEGER
);

CREATE TABLE IF NOT EXISTS embeddings (
    node_id    TEXT PRIMARY KEY,
    vector     TEXT NOT NULL,
    created_ns INTEGER NOT NULL
);
`

// Store implements storage.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open %s: %w", dsn, err)
	}

	// A single writer keeps the append-only tables well-ordered.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s failed: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for callers that need raw access
// (e.g. the verify CLI command).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutAnchor appends an anchor. Identical content under the same ID is a
// no-op; the same ID with a different content hash fails with ErrIntegrity.
func (s *Store) PutAnchor(ctx context.Context, rec storage.AnchorRecord) error {
	var existing string
	err := s.db.QueryRowContext(ctx,
		"SELECT content_hash FROM anchors WHERE id = ?", rec.ID).Scan(&existing)
	switch {
	case err == nil:
		if existing == rec.ContentHash {
			return nil // idempotent re-anchor
		}
		return fmt.Errorf("sqlite: anchor %s already holds %s: %w",
			rec.ID, existing, storage.ErrIntegrity)
	case err != sql.ErrNoRows:
		return fmt.Errorf("sqlite: failed to check anchor %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anchors (id, content_hash, merkle_proof, prev_hash, content, created_ns, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM anchors))
	`, rec.ID, rec.ContentHash, rec.MerkleProof, rec.PrevHash, rec.Content, rec.Created.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert anchor %s: %w", rec.ID, err)
	}
	return nil
}

// GetAnchor retrieves an anchor by content hash.
func (s *Store) GetAnchor(ctx context.Context, contentHash string) (*storage.AnchorRecord, error) {
	return s.scanAnchor(s.db.QueryRowContext(ctx, `
		SELECT id, content_hash, merkle_proof, prev_hash, content, created_ns
		FROM anchors WHERE content_hash = ?`, contentHash))
}

// GetAnchorByID retrieves the anchor stored under a node ID.
func (s *Store) GetAnchorByID(ctx context.Context, id string) (*storage.AnchorRecord, error) {
	return s.scanAnchor(s.db.QueryRowContext(ctx, `
		SELECT id, content_hash, merkle_proof, prev_hash, content, created_ns
		FROM anchors WHERE id = ?`, id))
}

func (s *Store) scanAnchor(row *sql.Row) (*storage.AnchorRecord, error) {
	var rec storage.AnchorRecord
	var createdNS int64
	err := row.Scan(&rec.ID, &rec.ContentHash, &rec.MerkleProof, &rec.PrevHash, &rec.Content, &createdNS)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan anchor: %w", err)
	}
	rec.Created = time.Unix(0, createdNS)
	return &rec, nil
}

// HeadHash returns the content hash of the newest anchor, or "" when the
// table is empty.
func (s *Store) HeadHash(ctx context.Context) (string, error) {
	var head string
	err := s.db.QueryRowContext(ctx,
		"SELECT content_hash FROM anchors ORDER BY seq DESC LIMIT 1").Scan(&head)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to read chain head: %w", err)
	}
	return head, nil
}

// AppendEntry writes one audit entry.
func (s *Store) AppendEntry(ctx context.Context, entry types.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, ts_ns, action, payload_digest, prev_hash, entry_hash, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_entries))
	`, entry.ID, entry.Timestamp.UnixNano(), entry.Action, entry.PayloadDigest, entry.PrevHash, entry.EntryHash)
	if err != nil {
		return fmt.Errorf("sqlite: failed to append audit entry: %w", err)
	}
	return nil
}

// LastEntry returns the most recently appended audit entry.
func (s *Store) LastEntry(ctx context.Context) (*types.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ts_ns, action, payload_digest, prev_hash, entry_hash
		FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	entry, err := scanAuditEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read last audit entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns all audit entries in append order.
func (s *Store) ListEntries(ctx context.Context) ([]types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_ns, action, payload_digest, prev_hash, entry_hash
		FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan audit entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanAuditEntry(scan func(...interface{}) error) (*types.AuditEntry, error) {
	var entry types.AuditEntry
	var tsNS int64
	if err := scan(&entry.ID, &tsNS, &entry.Action, &entry.PayloadDigest, &entry.PrevHash, &entry.EntryHash); err != nil {
		return nil, err
	}
	entry.Timestamp = time.Unix(0, tsNS)
	return &entry, nil
}

// StoreEmbedding stores or replaces the vector for a node. Vectors are
// kept as JSON; SQLite has no native vector type and the recent-window
// queries scan by recency, not by distance.
func (s *Store) StoreEmbedding(ctx context.Context, nodeID string, vector []float64) error {
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("sqlite: failed to encode vector for %s: %w", nodeID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (node_id, vector, created_ns) VALUES (?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET vector = excluded.vector, created_ns = excluded.created_ns
	`, nodeID, string(encoded), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: failed to store embedding for %s: %w", nodeID, err)
	}
	return nil
}

// GetEmbedding retrieves the vector for a node.
func (s *Store) GetEmbedding(ctx context.Context, nodeID string) ([]float64, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx,
		"SELECT vector FROM embeddings WHERE node_id = ?", nodeID).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to read embedding for %s: %w", nodeID, err)
	}
	var vector []float64
	if err := json.Unmarshal([]byte(encoded), &vector); err != nil {
		return nil, fmt.Errorf("sqlite: failed to decode embedding for %s: %w", nodeID, err)
	}
	return vector, nil
}

// RecentEmbeddings returns up to limit vectors, newest first.
func (s *Store) RecentEmbeddings(ctx context.Context, limit int) ([]storage.NodeEmbedding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, vector, created_ns FROM embeddings
		ORDER BY created_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var result []storage.NodeEmbedding
	for rows.Next() {
		var emb storage.NodeEmbedding
		var encoded string
		var createdNS int64
		if err := rows.Scan(&emb.NodeID, &encoded, &createdNS); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan embedding: %w", err)
		}
		if err := json.Unmarshal([]byte(encoded), &emb.Vector); err != nil {
			return nil, fmt.Errorf("sqlite: failed to decode embedding for %s: %w", emb.NodeID, err)
		}
		emb.CreatedAt = time.Unix(0, createdNS)
		result = append(result, emb)
	}
	return result, rows.Err()
}

// DeleteEmbedding removes the vector for a node.
func (s *Store) DeleteEmbedding(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE node_id = ?", nodeID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete embedding for %s: %w", nodeID, err)
	}
	return nil
}
