package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"controlplane/internal/apierr"
)

const schemaVersion = 1

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	status      TEXT NOT NULL,
	out_dir     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	started_at  TEXT,
	finished_at TEXT,
	pid         INTEGER,
	error       TEXT,
	meta        TEXT
);`

// Store is the durable run registry, backed by a single-file SQLite
// database opened in WAL mode, replayed into an in-memory index at
// startup.
type Store struct {
	db *sql.DB

	mu   sync.RWMutex
	byID map[string]*RunRecord
}

// Open opens (creating if necessary) the SQLite file at path, runs
// migrations, and replays all rows into the in-memory index.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(parentDir(path), 0o755); err != nil {
			return nil, fmt.Errorf("registry: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("registry: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer SQLite; serialize at the connection pool

	s := &Store{db: db, byID: make(map[string]*RunRecord)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.replay(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(createMigrationsTable); err != nil {
		return fmt.Errorf("registry: create migrations table: %w", err)
	}
	if _, err := s.db.Exec(createRunsTable); err != nil {
		return fmt.Errorf("registry: create runs table: %w", err)
	}
	var current int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("registry: read schema version: %w", err)
	}
	if current < schemaVersion {
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			schemaVersion, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("registry: record schema version: %w", err)
		}
	}
	return nil
}

func (s *Store) replay() error {
	rows, err := s.db.Query(`SELECT id, type, status, out_dir, created_at, started_at, finished_at, pid, error, meta FROM runs`)
	if err != nil {
		return fmt.Errorf("registry: replay query: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("registry: replay scan: %w", err)
		}
		s.byID[rec.ID] = rec
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rs rowScanner) (*RunRecord, error) {
	var (
		rec                          RunRecord
		createdAt                    string
		startedAt, finishedAt, meta  sql.NullString
		pid                          sql.NullInt64
		errText                      sql.NullString
	)
	if err := rs.Scan(&rec.ID, &rec.Type, &rec.Status, &rec.OutDir, &createdAt, &startedAt, &finishedAt, &pid, &errText, &meta); err != nil {
		return nil, err
	}
	var err error
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid && startedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, err
		}
		rec.StartedAt = &t
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, err
		}
		rec.FinishedAt = &t
	}
	if pid.Valid {
		p := int(pid.Int64)
		rec.Pid = &p
	}
	if errText.Valid {
		rec.Error = errText.String
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &rec.Meta); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// Save upserts rec by id, writing to the database first, then updating the
// in-memory index, so a crash mid-write never leaves the index ahead of
// disk.
func (s *Store) Save(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.ID == "" {
		return apierr.Validation("registry: record must have an id")
	}
	metaJSON, err := json.Marshal(rec.Meta)
	if err != nil {
		return apierr.Internal("registry: marshal meta", err)
	}
	var startedAt, finishedAt sql.NullString
	if rec.StartedAt != nil {
		startedAt = sql.NullString{String: rec.StartedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	if rec.FinishedAt != nil {
		finishedAt = sql.NullString{String: rec.FinishedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	var pid sql.NullInt64
	if rec.Pid != nil {
		pid = sql.NullInt64{Int64: int64(*rec.Pid), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, type, status, out_dir, created_at, started_at, finished_at, pid, error, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, status=excluded.status, out_dir=excluded.out_dir,
			created_at=excluded.created_at, started_at=excluded.started_at,
			finished_at=excluded.finished_at, pid=excluded.pid, error=excluded.error, meta=excluded.meta`,
		rec.ID, rec.Type, rec.Status, rec.OutDir, rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		startedAt, finishedAt, pid, rec.Error, string(metaJSON))
	if err != nil {
		return apierr.Internal("registry: save", err)
	}

	s.mu.Lock()
	s.byID[rec.ID] = rec.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns a snapshot of the record for id, or a not-found error.
func (s *Store) Get(id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, apierr.NotFound(fmt.Sprintf("registry: run %s not found", id))
	}
	return rec.Clone(), nil
}

// List returns all records ordered by created_at descending.
func (s *Store) List() []*RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RunRecord, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Delete removes the record and attempts (best-effort) to remove its
// on-disk out_dir tree.
func (s *Store) Delete(ctx context.Context, id string) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
		return apierr.Internal("registry: delete", err)
	}
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
	if rec.OutDir != "" {
		_ = os.RemoveAll(rec.OutDir) // best-effort per 4.3
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
