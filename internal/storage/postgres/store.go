// Package postgres implements the embedding provider on PostgreSQL with
// the pgvector extension. Deployments that keep large live windows point
// the reconciliation loop here so the nearest-neighbour scan runs in the
// database instead of in process.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/aaron031291/grace-memory/internal/storage"
)

// Schema creates the embeddings table. Requires the pgvector extension.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS embeddings (
    node_id    TEXT PRIMARY KEY,
    vector     vector(%d) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_embeddings_created ON embeddings(created_at DESC);
`

// EmbeddingProvider implements storage.EmbeddingProvider on PostgreSQL.
type EmbeddingProvider struct {
	db        *sql.DB
	dimension int
}

// Open connects to PostgreSQL, applies the schema, and returns a provider
// for vectors of the given dimension.
func Open(dsn string, dimension int) (*EmbeddingProvider, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("postgres: dimension must be positive, got %d", dimension)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf(Schema, dimension)); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	return &EmbeddingProvider{db: db, dimension: dimension}, nil
}

// Close closes the database connection.
func (p *EmbeddingProvider) Close() error {
	return p.db.Close()
}

// StoreEmbedding stores or replaces the vector for a node.
func (p *EmbeddingProvider) StoreEmbedding(ctx context.Context, nodeID string, vector []float64) error {
	if len(vector) != p.dimension {
		return fmt.Errorf("postgres: vector length %d does not match dimension %d",
			len(vector), p.dimension)
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO embeddings (node_id, vector, created_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT(node_id) DO UPDATE SET
			vector = excluded.vector,
			created_at = CURRENT_TIMESTAMP
	`, nodeID, toPgVector(vector))
	if err != nil {
		return fmt.Errorf("postgres: failed to store embedding for %s: %w", nodeID, err)
	}
	return nil
}

// GetEmbedding retrieves the vector for a node.
func (p *EmbeddingProvider) GetEmbedding(ctx context.Context, nodeID string) ([]float64, error) {
	var vec pgvector.Vector
	err := p.db.QueryRowContext(ctx,
		"SELECT vector FROM embeddings WHERE node_id = $1", nodeID).Scan(&vec)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read embedding for %s: %w", nodeID, err)
	}
	return fromPgVector(vec), nil
}

// RecentEmbeddings returns up to limit vectors, newest first.
func (p *EmbeddingProvider) RecentEmbeddings(ctx context.Context, limit int) ([]storage.NodeEmbedding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT node_id, vector, created_at FROM embeddings
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list embeddings: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

// Nearest returns up to limit embeddings ordered by cosine distance to the
// query vector, nearest first. This pushes the reconciliation loop's
// similarity scan into the database.
func (p *EmbeddingProvider) Nearest(ctx context.Context, query []float64, limit int) ([]storage.NodeEmbedding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT node_id, vector, created_at FROM embeddings
		ORDER BY vector <=> $1 LIMIT $2`, toPgVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: nearest-neighbour query failed: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

// DeleteEmbedding removes the vector for a node.
func (p *EmbeddingProvider) DeleteEmbedding(ctx context.Context, nodeID string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM embeddings WHERE node_id = $1", nodeID)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete embedding for %s: %w", nodeID, err)
	}
	return nil
}

func scanEmbeddings(rows *sql.Rows) ([]storage.NodeEmbedding, error) {
	var result []storage.NodeEmbedding
	for rows.Next() {
		var emb storage.NodeEmbedding
		var vec pgvector.Vector
		var created time.Time
		if err := rows.Scan(&emb.NodeID, &vec, &created); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan embedding: %w", err)
		}
		emb.Vector = fromPgVector(vec)
		emb.CreatedAt = created
		result = append(result, emb)
	}
	return result, rows.Err()
}

// pgvector stores float32; the engine works in float64.
func toPgVector(v []float64) pgvector.Vector {
	f32 := make([]float32, len(v))
	for i, x := range v {
		f32[i] = float32(x)
	}
	return pgvector.NewVector(f32)
}

func fromPgVector(v pgvector.Vector) []float64 {
	f32 := v.Slice()
	f64 := make([]float64, len(f32))
	for i, x := range f32 {
		f64[i] = float64(x)
	}
	return f64
}
