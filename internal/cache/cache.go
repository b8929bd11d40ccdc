package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Backend is a TTL cache for token directory lookups.
type Backend interface {
	Get(ctx context.Context, key string, maxStale time.Duration) (Result, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Result is a cache read. A negative maxStale on Get never marks a hit as
// TooStale.
type Result struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

// entry is the stored form shared by both backends. Times are unix
// milliseconds.
type entry struct {
	Value      []byte `json:"value"`
	CreatedMS  int64  `json:"created_at_ms"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func newEntry(value []byte, ttl time.Duration, now time.Time) entry {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return entry{Value: value, CreatedMS: now.UTC().UnixMilli(), TTLSeconds: secs}
}

func (e entry) ttl() time.Duration { return time.Duration(e.TTLSeconds) * time.Second }

func (e entry) result(now time.Time, maxStale time.Duration) Result {
	age := max(now.Sub(time.UnixMilli(e.CreatedMS)), 0)
	res := Result{Hit: true, Value: e.Value, Age: age, Stale: age > e.ttl()}
	res.TooStale = res.Stale && maxStale >= 0 && age > e.ttl()+maxStale
	return res
}

const lockWait = 5 * time.Second

// Store keeps entries in a local sqlite file. Writers from concurrent CLI
// processes serialize on a file lock.
type Store struct {
	db        *sql.DB
	lock      *flock.Flock
	retention time.Duration
	now       func() time.Time
}

var _ Backend = (*Store)(nil)

var schema = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	`CREATE TABLE IF NOT EXISTS lookups (
		key           TEXT PRIMARY KEY,
		value         BLOB NOT NULL,
		created_at_ms INTEGER NOT NULL,
		ttl_seconds   INTEGER NOT NULL
	);`,
}

// Open creates the database and lock file directories as needed and prunes
// entries older than their TTL plus retention.
func Open(path, lockPath string, retention time.Duration) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache dir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cache schema: %w", err)
		}
	}
	s := &Store{db: db, lock: flock.New(lockPath), retention: max(retention, 0), now: time.Now}
	_ = s.Prune(context.Background())
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries that can no longer be served even as stale.
func (s *Store) Prune(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().Add(-s.retention).UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, "DELETE FROM lookups WHERE created_at_ms + ttl_seconds*1000 < ?", cutoff)
	if err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string, maxStale time.Duration) (Result, error) {
	var e entry
	row := s.db.QueryRowContext(ctx, "SELECT value, created_at_ms, ttl_seconds FROM lookups WHERE key = ?", key)
	switch err := row.Scan(&e.Value, &e.CreatedMS, &e.TTLSeconds); {
	case errors.Is(err, sql.ErrNoRows):
		return Result{}, nil
	case err != nil:
		return Result{}, fmt.Errorf("cache get %s: %w", key, err)
	}
	return e.result(s.now(), maxStale), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := newEntry(value, ttl, s.now())
	return s.withWriteLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO lookups (key, value, created_at_ms, ttl_seconds) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				created_at_ms = excluded.created_at_ms,
				ttl_seconds = excluded.ttl_seconds`,
			key, e.Value, e.CreatedMS, e.TTLSeconds)
		if err != nil {
			return fmt.Errorf("cache set %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) withWriteLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	ok, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("cache lock: %w", err)
	}
	if !ok {
		return errors.New("cache lock: timed out")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}
