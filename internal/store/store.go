package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is a persisted face: its library-unique id, raw feature and optional tag.
type Record struct {
	ID           string
	Feature      []byte
	Tag          any
	RegisteredAt time.Time
}

// LibraryInfo summarizes one persisted library.
type LibraryInfo struct {
	Key   string
	Faces int
}

// Store manages the PostgreSQL connection pool and face persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS face_libraries (
			key TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS faces (
			library_key TEXT NOT NULL REFERENCES face_libraries(key) ON DELETE CASCADE,
			id TEXT NOT NULL,
			feature BYTEA NOT NULL,
			tag JSONB,
			registered_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (library_key, id)
		);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates every database connection.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveFaces upserts recs into library key, creating the library when needed.
func (s *Store) SaveFaces(ctx context.Context, key string, recs []Record) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := ensureLibrary(ctx, tx, key); err != nil {
			return err
		}
		return insertFaces(ctx, tx, key, recs, true)
	})
}

// InsertFaces inserts the recs whose id is not in library key yet and returns how many were inserted.
func (s *Store) InsertFaces(ctx context.Context, key string, recs []Record) (int, error) {
	var n int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := ensureLibrary(ctx, tx, key); err != nil {
			return err
		}
		before, err := countFaces(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := insertFaces(ctx, tx, key, recs, false); err != nil {
			return err
		}
		after, err := countFaces(ctx, tx, key)
		n = after - before
		return err
	})
	return n, err
}

// ReplaceLibrary atomically swaps the content of library key for recs.
func (s *Store) ReplaceLibrary(ctx context.Context, key string, recs []Record) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := ensureLibrary(ctx, tx, key); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "DELETE FROM faces WHERE library_key = $1", key); err != nil {
			return err
		}
		return insertFaces(ctx, tx, key, recs, true)
	})
}

// LoadLibrary returns every face of library key ordered by id.
func (s *Store) LoadLibrary(ctx context.Context, key string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, feature, tag, registered_at FROM faces WHERE library_key = $1 ORDER BY id", key)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.Feature, &r.Tag, &r.RegisteredAt)
		return r, err
	})
}

// DeleteFaces removes ids from library key and returns how many existed.
func (s *Store) DeleteFaces(ctx context.Context, key string, ids ...string) (int64, error) {
	ids = nonBlank(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM faces WHERE library_key = $1 AND id = ANY($2)", key, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// TagFace replaces the tag of face id in library key. It reports false when the face does not exist.
func (s *Store) TagFace(ctx context.Context, key, id string, tag any) (bool, error) {
	raw, err := json.Marshal(tag)
	if err != nil {
		return false, fmt.Errorf("face %q: encode tag: %w", id, err)
	}
	ct, err := s.pool.Exec(ctx, "UPDATE faces SET tag = $3 WHERE library_key = $1 AND id = $2", key, id, raw)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// ListLibraries returns every library with its face count, ordered by key.
func (s *Store) ListLibraries(ctx context.Context) ([]LibraryInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.key, COUNT(f.id)
		FROM face_libraries l
		LEFT JOIN faces f ON f.library_key = l.key
		GROUP BY l.key
		ORDER BY l.key
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (LibraryInfo, error) {
		var info LibraryInfo
		err := row.Scan(&info.Key, &info.Faces)
		return info, err
	})
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS faces CASCADE;
		DROP TABLE IF EXISTS face_libraries CASCADE;
	`)
	return err
}

func ensureLibrary(ctx context.Context, tx pgx.Tx, key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("library key must not be blank")
	}
	_, err := tx.Exec(ctx, "INSERT INTO face_libraries (key) VALUES ($1) ON CONFLICT (key) DO NOTHING", key)
	return err
}

func countFaces(ctx context.Context, tx pgx.Tx, key string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM faces WHERE library_key = $1", key).Scan(&n)
	return n, err
}

// insertFaces queues one statement per record in a single round trip.
func insertFaces(ctx context.Context, tx pgx.Tx, key string, recs []Record, overwrite bool) error {
	if len(recs) == 0 {
		return nil
	}
	query := `INSERT INTO faces (library_key, id, feature, tag) VALUES ($1, $2, $3, $4) ON CONFLICT (library_key, id) DO NOTHING`
	if overwrite {
		query = `INSERT INTO faces (library_key, id, feature, tag) VALUES ($1, $2, $3, $4)
			ON CONFLICT (library_key, id) DO UPDATE SET feature = EXCLUDED.feature, tag = EXCLUDED.tag, registered_at = NOW()`
	}

	batch := &pgx.Batch{}
	for _, r := range recs {
		if strings.TrimSpace(r.ID) == "" {
			return errors.New("face id must not be blank")
		}
		tag, err := json.Marshal(r.Tag)
		if err != nil {
			return fmt.Errorf("face %q: encode tag: %w", r.ID, err)
		}
		batch.Queue(query, key, r.ID, r.Feature, tag)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func nonBlank(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) != "" {
			out = append(out, id)
		}
	}
	return out
}
