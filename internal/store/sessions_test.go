package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/xswap/internal/errors"
	"github.com/ggonzalez94/xswap/internal/model"
)

func TestSessionStoreRecordGetList(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSessionStore(filepath.Join(dir, "sessions.db"), filepath.Join(dir, "sessions.lock"))
	if err != nil {
		t.Fatalf("OpenSessionStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Minute)
	rec := model.SessionRecord{
		ID:          "session-1",
		Slot:        "default",
		State:       "quote_ready",
		FromChainID: 1,
		ToChainID:   137,
		AmountRaw:   "1000000000000000000",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	if err := store.Record(ctx, rec); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	rec.State = "completed"
	rec.TxHash = "0x123"
	rec.UpdatedAt = time.Now().UTC()
	if err := store.Record(ctx, rec); err != nil {
		t.Fatalf("Record update failed: %v", err)
	}
	if err := store.Record(ctx, model.SessionRecord{ID: "session-2", Slot: "default", State: "failed", Error: "no route", UpdatedAt: time.Now().UTC().Add(time.Second)}); err != nil {
		t.Fatalf("Record second failed: %v", err)
	}

	got, err := store.Get(ctx, "session-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != "completed" || got.TxHash != "0x123" {
		t.Fatalf("expected latest state, got %+v", got)
	}

	completed, err := store.List(ctx, "completed", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "session-1" {
		t.Fatalf("unexpected completed sessions: %+v", completed)
	}
	all, err := store.List(ctx, "", 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected two sessions, got %d (%v)", len(all), err)
	}
	if all[0].ID != "session-2" {
		t.Fatalf("expected most recent first, got %s", all[0].ID)
	}
}

func TestSessionStoreGetMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSessionStore(filepath.Join(dir, "sessions.db"), filepath.Join(dir, "sessions.lock"))
	if err != nil {
		t.Fatalf("OpenSessionStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Get(context.Background(), "nope")
	typed, ok := clierr.As(err)
	if !ok || typed.Code != clierr.CodeNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}
