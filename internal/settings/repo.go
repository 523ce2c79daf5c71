package settings

import (
	"context"
	"database/sql"
)

// settingsID is the key of the single settings row.
const settingsID = 1

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	query := `SELECT id, retrieval_top_k, chunk_size, chunk_overlap FROM settings WHERE id = 1`
	err := r.db.QueryRowContext(ctx, query).Scan(&s.ID, &s.RetrievalTopK, &s.ChunkSize, &s.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Update writes the settings row, creating it if the seed row was removed.
func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	query := `
		INSERT INTO settings (id, retrieval_top_k, chunk_size, chunk_overlap, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET retrieval_top_k = EXCLUDED.retrieval_top_k,
			chunk_size = EXCLUDED.chunk_size,
			chunk_overlap = EXCLUDED.chunk_overlap,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, settingsID, s.RetrievalTopK, s.ChunkSize, s.ChunkOverlap); err != nil {
		return err
	}
	s.ID = settingsID
	return nil
}
