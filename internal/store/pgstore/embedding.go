// Package pgstore persists embedding vectors in PostgreSQL with pgvector.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS embeddings (
	id         UUID PRIMARY KEY,
	text_hash  TEXT NOT NULL,
	model      TEXT NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	vector     vector NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (text_hash, model)
);
CREATE INDEX IF NOT EXISTS embeddings_model_idx ON embeddings (model);
`

// EmbeddingStore implements store.EmbeddingStore.
type EmbeddingStore struct {
	pool *pgxpool.Pool
}

var _ store.EmbeddingStore = (*EmbeddingStore)(nil)

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func NewEmbeddingStore(pool *pgxpool.Pool) *EmbeddingStore {
	return &EmbeddingStore{pool: pool}
}

// Migrate creates the embeddings table when missing.
func (s *EmbeddingStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate embeddings: %w", err)
	}
	return nil
}

const selectColumns = `id, text_hash, model, text, vector, metadata, created_at`

func scanRecord(row pgx.Row) (*model.EmbeddingRecord, error) {
	var (
		rec      model.EmbeddingRecord
		id       uuid.UUID
		vec      pgvector.Vector
		metadata []byte
	)
	if err := row.Scan(&id, &rec.TextHash, &rec.Model, &rec.Text, &vec, &metadata, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.ID = id.String()
	rec.Vector = vec.Slice()
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &rec, nil
}

func (s *EmbeddingStore) FindEmbedding(ctx context.Context, textHash, m string) (*model.EmbeddingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM embeddings WHERE text_hash = $1 AND model = $2`,
		textHash, m)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find embedding: %w", err)
	}
	return rec, nil
}

// InsertEmbedding relies on the (text_hash, model) unique constraint so
// concurrent writers of the same text converge on one row.
func (s *EmbeddingStore) InsertEmbedding(ctx context.Context, rec *model.EmbeddingRecord) (*model.EmbeddingRecord, bool, error) {
	id := uuid.New()
	if rec.ID != "" {
		parsed, err := uuid.Parse(rec.ID)
		if err != nil {
			return nil, false, fmt.Errorf("invalid embedding id: %w", err)
		}
		id = parsed
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, false, err
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO embeddings (id, text_hash, model, text, vector, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (text_hash, model) DO NOTHING`,
		id, rec.TextHash, rec.Model, rec.Text, pgvector.NewVector(rec.Vector), metadata, createdAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert embedding: %w", err)
	}
	if tag.RowsAffected() == 1 {
		out := *rec
		out.ID = id.String()
		out.CreatedAt = createdAt
		return &out, true, nil
	}
	existing, err := s.FindEmbedding(ctx, rec.TextHash, rec.Model)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *EmbeddingStore) ListEmbeddings(ctx context.Context, m string) ([]*model.EmbeddingRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM embeddings WHERE model = $1 ORDER BY created_at`, m)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var out []*model.EmbeddingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
