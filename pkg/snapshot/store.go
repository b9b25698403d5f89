package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// DefaultShelfFile is the conventional snapshot file in a job directory.
	DefaultShelfFile = ".presentjobs"

	// ShelfKey is the fixed key the job is stored under.
	ShelfKey = "jobinstance"

	// DefaultJSONFile is the snapshot file used by the JSON format.
	DefaultJSONFile = ".presentjobs.json"
)

// Format selects a Store implementation.
type Format string

const (
	FormatShelf Format = "shelf"
	FormatJSON  Format = "json"
)

// Store reads and writes one snapshot as a whole.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, s *Snapshot) error
	Path() string
}

// Open returns the store for format at path. An empty path uses the format's
// default file name in dir.
func Open(format Format, dir, path string) (Store, error) {
	switch Format(strings.ToLower(string(format))) {
	case FormatShelf, "":
		if path == "" {
			path = filepath.Join(dir, DefaultShelfFile)
		}
		return &ShelfStore{path: path}, nil
	case FormatJSON:
		if path == "" {
			path = filepath.Join(dir, DefaultJSONFile)
		}
		return &FileStore{path: path}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot format %q (expected shelf or json)", format)
	}
}

// ShelfStore keeps the snapshot in a single-table SQLite key-value file.
type ShelfStore struct {
	path string
}

// NewShelfStore returns a shelf store at path.
func NewShelfStore(path string) *ShelfStore {
	return &ShelfStore{path: path}
}

func (s *ShelfStore) Path() string { return s.path }

const shelfSchema = `CREATE TABLE IF NOT EXISTS shelf (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`

func (s *ShelfStore) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+filepath.Clean(s.path))
	if err != nil {
		return nil, fmt.Errorf("open shelf %s: %w", s.path, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open shelf %s: set busy timeout: %w", s.path, err)
	}
	if _, err := db.ExecContext(ctx, shelfSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open shelf %s: create schema: %w", s.path, err)
	}
	return db, nil
}

// Load implements Store.
func (s *ShelfStore) Load(ctx context.Context) (*Snapshot, error) {
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNoSnapshot, s.path)
		}
		return nil, fmt.Errorf("stat shelf: %w", err)
	}
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	var value []byte
	err = db.QueryRowContext(ctx, "SELECT value FROM shelf WHERE key = ?", ShelfKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w at %s", ErrNoSnapshot, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read shelf %s: %w", s.path, err)
	}
	return Decode(value)
}

// Save implements Store. The previous value is replaced wholesale.
func (s *ShelfStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	// #nosec G301 -- job directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create shelf directory: %w", err)
	}
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx,
		`INSERT INTO shelf (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ShelfKey, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write shelf %s: %w", s.path, err)
	}
	return nil
}

// FileStore keeps the snapshot as a plain JSON file.
type FileStore struct {
	path string
}

// NewFileStore returns a JSON file store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load implements Store.
func (s *FileStore) Load(context.Context) (*Snapshot, error) {
	// #nosec G304 -- path is the job's configured snapshot file
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNoSnapshot, s.path)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Decode(data)
}

// Save implements Store. The file is replaced atomically.
func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}
	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	// #nosec G301 -- job directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
