// Package sqlite persists the vector index in a single SQLite file under the
// index directory. Similarity is computed in process.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"taxsaathi/apps/backend/internal/text"
	"taxsaathi/apps/backend/internal/vector"
)

const DefaultDir = "chroma_db"

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db   *sql.DB
	path string
}

var _ vector.Store = (*Store)(nil)

// NewStore opens (creating if needed) index.db inside dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	path := filepath.Join(dir, "index.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Replace(ctx context.Context, namespace, generation string, entries []vector.Entry) error {
	return s.write(ctx, namespace, generation, entries, true)
}

func (s *Store) Append(ctx context.Context, namespace, generation string, entries []vector.Entry) error {
	return s.write(ctx, namespace, generation, entries, false)
}

func (s *Store) write(ctx context.Context, namespace, generation string, entries []vector.Entry, replace bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if replace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE namespace = ?", namespace); err != nil {
			return fmt.Errorf("clearing namespace: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks (namespace, generation, chunk_index, content, start_pos, end_pos, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, namespace, generation, e.Chunk.Index, e.Chunk.Content,
			e.Chunk.Start, e.Chunk.End, float32SliceToBytes(e.Embedding)); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", e.Chunk.Index, err)
		}
	}

	return tx.Commit()
}

func (s *Store) Search(ctx context.Context, namespace, generation string, query []float32, k int) ([]vector.Hit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_index, content, start_pos, end_pos, embedding
		FROM chunks WHERE namespace = ? AND generation = ?
		ORDER BY chunk_index
	`, namespace, generation)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var entries []vector.Entry
	for rows.Next() {
		var (
			c    text.Chunk
			blob []byte
		)
		if err := rows.Scan(&c.Index, &c.Content, &c.Start, &c.End, &blob); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		entries = append(entries, vector.Entry{Chunk: c, Embedding: bytesToFloat32Slice(blob)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return vector.TopK(entries, query, k), nil
}

func (s *Store) Delete(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE namespace = ?", namespace)
	return err
}

func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE namespace = ?", namespace).Scan(&n)
	return n, err
}

func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32Slice(data []byte) []float32 {
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
