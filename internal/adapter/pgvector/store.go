// Package pgvector stores the vector index in Postgres using the pgvector
// extension. Similarity ordering happens in the database.
package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"taxsaathi/apps/backend/internal/vector"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ vector.Store = (*Store)(nil)

func NewStore(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Initialize creates the extension and table. The embedding column has no
// fixed dimension so any embedding model can be used.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tax_chunks (
			namespace   TEXT    NOT NULL,
			generation  TEXT    NOT NULL,
			chunk_index INTEGER NOT NULL,
			content     TEXT    NOT NULL,
			start_pos   INTEGER NOT NULL,
			end_pos     INTEGER NOT NULL,
			embedding   vector  NOT NULL,
			PRIMARY KEY (namespace, generation, chunk_index)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tax_chunks table: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Replace(ctx context.Context, namespace, generation string, entries []vector.Entry) error {
	return s.write(ctx, namespace, generation, entries, true)
}

func (s *Store) Append(ctx context.Context, namespace, generation string, entries []vector.Entry) error {
	return s.write(ctx, namespace, generation, entries, false)
}

func (s *Store) write(ctx context.Context, namespace, generation string, entries []vector.Entry, replace bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if replace {
		if _, err := tx.Exec(ctx, `DELETE FROM tax_chunks WHERE namespace = $1`, namespace); err != nil {
			return fmt.Errorf("failed to clear namespace: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO tax_chunks (namespace, generation, chunk_index, content, start_pos, end_pos, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (namespace, generation, chunk_index)
			DO UPDATE SET content = EXCLUDED.content, start_pos = EXCLUDED.start_pos,
				end_pos = EXCLUDED.end_pos, embedding = EXCLUDED.embedding
		`, namespace, generation, e.Chunk.Index, e.Chunk.Content, e.Chunk.Start, e.Chunk.End, pgvector.NewVector(e.Embedding))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) Search(ctx context.Context, namespace, generation string, query []float32, k int) ([]vector.Hit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_index, content, start_pos, end_pos, 1 - (embedding <=> $3) AS score
		FROM tax_chunks
		WHERE namespace = $1 AND generation = $2
		ORDER BY embedding <=> $3, chunk_index
		LIMIT $4
	`, namespace, generation, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar chunks: %w", err)
	}
	defer rows.Close()

	var hits []vector.Hit
	for rows.Next() {
		var (
			hit   vector.Hit
			score float64
		)
		if err := rows.Scan(&hit.Chunk.Index, &hit.Chunk.Content, &hit.Chunk.Start, &hit.Chunk.End, &score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		hit.Score = float32(score)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func (s *Store) Delete(ctx context.Context, namespace string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tax_chunks WHERE namespace = $1`, namespace)
	return err
}

func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tax_chunks WHERE namespace = $1`, namespace).Scan(&n)
	return n, err
}
