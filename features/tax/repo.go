package tax

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

const computationColumns = `id, session_id, fingerprint, documents, old_regime, new_regime, recommended_regime, summary, created_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, c *Computation) error {
	// jsonb takes text; lib/pq sends []byte as bytea.
	var summary sql.NullString
	if c.Summary != nil {
		b, err := json.Marshal(c.Summary)
		if err != nil {
			return err
		}
		summary = sql.NullString{String: string(b), Valid: true}
	}
	query := `INSERT INTO computations (id, session_id, fingerprint, documents, old_regime, new_regime, recommended_regime, summary) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at`
	return r.db.QueryRowContext(ctx, query,
		c.ID, c.SessionID, c.Fingerprint, pq.Array(c.Documents),
		c.OldRegime, c.NewRegime, c.RecommendedRegime, summary,
	).Scan(&c.CreatedAt)
}

func (r *PostgresRepo) List(ctx context.Context, limit int) ([]Computation, error) {
	query := `SELECT ` + computationColumns + ` FROM computations ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Computation
	for rows.Next() {
		var c Computation
		if err := scanComputation(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Computation, error) {
	query := `SELECT ` + computationColumns + ` FROM computations WHERE id = $1`
	var c Computation
	if err := scanComputation(r.db.QueryRowContext(ctx, query, id), &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM computations`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanComputation(row scanner, c *Computation) error {
	var summary []byte
	if err := row.Scan(&c.ID, &c.SessionID, &c.Fingerprint, pq.Array(&c.Documents),
		&c.OldRegime, &c.NewRegime, &c.RecommendedRegime, &summary, &c.CreatedAt); err != nil {
		return err
	}
	if len(summary) > 0 {
		return json.Unmarshal(summary, &c.Summary)
	}
	return nil
}
