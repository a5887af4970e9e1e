package retention_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harborline/tasksync/internal/model"
	"github.com/harborline/tasksync/internal/retention"
	"github.com/harborline/tasksync/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tasksync.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNewPurger_RejectsBadSchedule(t *testing.T) {
	_, err := retention.NewPurger(retention.Config{Schedule: "every day at dawn"})
	if err == nil {
		t.Fatalf("expected parse error for invalid schedule")
	}
}

func TestPurger_RunOncePurgesOldConfirmedOnly(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	// Confirmed long ago: purgeable.
	deletedAt := time.Now().UTC().AddDate(0, 0, -60)
	if err := st.ApplyServerSnapshot(ctx, model.Task{ID: "old", DeletedAt: &deletedAt}); err != nil {
		t.Fatalf("apply old delete: %v", err)
	}
	if _, err := st.DB().Exec(
		`UPDATE tombstones SET confirmed_at = datetime('now', '-60 days') WHERE id = 'old';`); err != nil {
		t.Fatalf("backdate confirmation: %v", err)
	}
	// Confirmed recently: kept.
	now := time.Now().UTC()
	if err := st.ApplyServerSnapshot(ctx, model.Task{ID: "recent", DeletedAt: &now}); err != nil {
		t.Fatalf("apply recent delete: %v", err)
	}
	// Unconfirmed: kept regardless of age.
	if err := st.MarkDeletedLocal(ctx, "unconfirmed"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	if _, err := st.DB().Exec(
		`UPDATE tombstones SET deleted_at = datetime('now', '-90 days') WHERE id = 'unconfirmed';`); err != nil {
		t.Fatalf("backdate tombstone: %v", err)
	}

	// An old sync event should go, a fresh one should stay.
	if err := st.AppendSyncEvent(ctx, "old", store.EventOpPushed, "x"); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if _, err := st.DB().Exec(
		`UPDATE sync_events SET created_at = datetime('now', '-30 days');`); err != nil {
		t.Fatalf("backdate events: %v", err)
	}
	if err := st.AppendSyncEvent(ctx, "recent", store.EventOpPushed, "y"); err != nil {
		t.Fatalf("append fresh event: %v", err)
	}

	purger, err := retention.NewPurger(retention.Config{
		Store:         st,
		TombstoneDays: 30,
		SyncEventDays: 14,
	})
	if err != nil {
		t.Fatalf("new purger: %v", err)
	}
	purger.RunOnce(ctx)

	for id, want := range map[string]bool{"old": false, "recent": true, "unconfirmed": true} {
		got, err := st.IsTombstoned(ctx, id)
		if err != nil {
			t.Fatalf("is tombstoned %s: %v", id, err)
		}
		if got != want {
			t.Fatalf("tombstone %s: got %v want %v", id, got, want)
		}
	}

	events, err := st.RecentSyncEvents(ctx, 10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 1 || events[0].EntityID != "recent" {
		t.Fatalf("expected only the fresh event, got %+v", events)
	}
}
