package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/model"
)

// SessionStore keeps the history of swap sessions. Each transition upserts
// the session row, so the table holds the latest state per session.
type SessionStore struct {
	db   *sql.DB
	lock *flock.Flock
}

func OpenSessionStore(path, lockPath string) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create session lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS swap_sessions (
			session_id TEXT PRIMARY KEY,
			slot TEXT NOT NULL,
			state TEXT NOT NULL,
			from_chain_id INTEGER NOT NULL,
			to_chain_id INTEGER NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_swap_sessions_state_updated ON swap_sessions(state, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init session schema: %w", err)
		}
	}
	return &SessionStore{db: db, lock: flock.New(lockPath)}, nil
}

func (s *SessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record upserts a session snapshot.
func (s *SessionStore) Record(ctx context.Context, rec model.SessionRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("save session: missing session id")
	}
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock session store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock session store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO swap_sessions (session_id, slot, state, from_chain_id, to_chain_id, tx_hash, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state=excluded.state,
			tx_hash=excluded.tx_hash,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, rec.ID, rec.Slot, rec.State, rec.FromChainID, rec.ToChainID, rec.TxHash, created.UnixMilli(), updated.UnixMilli(), payload)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (model.SessionRecord, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM swap_sessions WHERE session_id = ?", sessionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SessionRecord{}, clierr.New(clierr.CodeNotFound, fmt.Sprintf("session not found: %s", sessionID))
		}
		return model.SessionRecord{}, fmt.Errorf("read session: %w", err)
	}
	var rec model.SessionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return model.SessionRecord{}, fmt.Errorf("decode session payload: %w", err)
	}
	return rec, nil
}

// List returns the most recently updated sessions, optionally filtered by state.
func (s *SessionStore) List(ctx context.Context, state string, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(state) == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM swap_sessions ORDER BY updated_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM swap_sessions WHERE state = ? ORDER BY updated_at DESC LIMIT ?", state, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]model.SessionRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var rec model.SessionRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}
