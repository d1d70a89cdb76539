package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
)

var (
	// ErrNoSnapshot means the store holds no snapshot yet; the engine
	// starts from initial funding.
	ErrNoSnapshot = errors.New("no snapshot stored")
	// ErrVersionMismatch means the stored snapshot was written by an
	// incompatible build.
	ErrVersionMismatch = errors.New("snapshot version mismatch")
	// ErrDigestMismatch means the stored blob fails its integrity check.
	ErrDigestMismatch = errors.New("snapshot digest mismatch")
)

// Store persists the latest engine snapshot.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	LoadLatest(ctx context.Context) (*Snapshot, error)
	Close() error
}

// --- Postgres ---

const schema = `
CREATE TABLE IF NOT EXISTS desksim_snapshots (
	id       BIGSERIAL PRIMARY KEY,
	taken_at TIMESTAMPTZ NOT NULL,
	digest   TEXT NOT NULL,
	state    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS desksim_snapshots_taken_at ON desksim_snapshots (taken_at DESC);
`

// PostgresStore keeps snapshots in a single append-only table and loads the
// newest row on restore.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Save(ctx context.Context, s *Snapshot) error {
	data, err := s.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO desksim_snapshots (taken_at, digest, state) VALUES ($1, $2, $3)`,
		s.TakenAt, s.Digest, data)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	// Keep the table bounded: only the latest few rows matter.
	_, err = p.db.ExecContext(ctx, `
		DELETE FROM desksim_snapshots
		WHERE id < (SELECT COALESCE(MAX(id), 0) - 10 FROM desksim_snapshots)`)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

func (p *PostgresStore) LoadLatest(ctx context.Context) (*Snapshot, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT state FROM desksim_snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return Decode(data)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// --- File ---

// FileStore writes the snapshot as a JSON file, replacing it atomically via
// a temp file and rename. Used for local runs without Postgres.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Save(_ context.Context, s *Snapshot) error {
	data, err := s.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (f *FileStore) LoadLatest(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Decode(data)
}

func (f *FileStore) Close() error { return nil }
