package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/harborline/tasksync/internal/bus"
	"github.com/harborline/tasksync/internal/model"
	"github.com/harborline/tasksync/internal/store"
)

func testTask(id, title string, version int64) model.Task {
	return model.Task{
		ID:      id,
		Title:   title,
		Status:  model.StatusOpen,
		Version: version,
	}
}

func TestOverlay_OptimisticPreferredOverSnapshot(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.ApplyServerSnapshot(ctx, testTask("t1", "server title", 3)); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}
	if err := st.UpsertLocal(ctx, testTask("t1", "local title", 3)); err != nil {
		t.Fatalf("upsert local: %v", err)
	}

	got, err := st.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected merged record")
	}
	if got.Title != "local title" {
		t.Fatalf("expected optimistic value, got %q", got.Title)
	}
}

func TestOverlay_SnapshotClearsOptimistic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.UpsertLocal(ctx, testTask("t1", "local title", 0)); err != nil {
		t.Fatalf("upsert local: %v", err)
	}
	if err := st.ApplyServerSnapshot(ctx, testTask("t1", "confirmed title", 5)); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}

	got, err := st.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "confirmed title" {
		t.Fatalf("expected snapshot value after confirm, got %q", got.Title)
	}
	if got.Version != 5 {
		t.Fatalf("expected version 5, got %d", got.Version)
	}
}

func TestOverlay_StaleSnapshotIgnored(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.ApplyServerSnapshot(ctx, testTask("t1", "v7", 7)); err != nil {
		t.Fatalf("apply snapshot v7: %v", err)
	}
	if err := st.ApplyServerSnapshot(ctx, testTask("t1", "v4", 4)); err != nil {
		t.Fatalf("apply snapshot v4: %v", err)
	}

	got, err := st.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "v7" || got.Version != 7 {
		t.Fatalf("stale snapshot overwrote newer one: %q v%d", got.Title, got.Version)
	}
}

func TestOverlay_TombstoneHidesAndIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.ApplyServerSnapshot(ctx, testTask("t1", "doomed", 1)); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}
	if err := st.MarkDeletedLocal(ctx, "t1"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	// Repeating and deleting an unknown id are both no-ops.
	if err := st.MarkDeletedLocal(ctx, "t1"); err != nil {
		t.Fatalf("second mark deleted: %v", err)
	}
	if err := st.MarkDeletedLocal(ctx, "never-seen"); err != nil {
		t.Fatalf("mark deleted unknown id: %v", err)
	}

	got, err := st.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected tombstoned task to be hidden, got %+v", got)
	}

	tasks, err := st.List(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty list, got %d tasks", len(tasks))
	}

	tombstoned, err := st.IsTombstoned(ctx, "t1")
	if err != nil {
		t.Fatalf("is tombstoned: %v", err)
	}
	if !tombstoned {
		t.Fatalf("expected t1 tombstoned")
	}
}

func TestOverlay_ServerDeleteConfirmsTombstone(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.MarkDeletedLocal(ctx, "t1"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	deletedAt := time.Now().UTC()
	task := testTask("t1", "gone", 9)
	task.DeletedAt = &deletedAt
	if err := st.ApplyServerSnapshot(ctx, task); err != nil {
		t.Fatalf("apply delete snapshot: %v", err)
	}

	var confirmed int
	if err := st.DB().QueryRow(
		`SELECT COUNT(*) FROM tombstones WHERE id = 't1' AND confirmed_at IS NOT NULL;`,
	).Scan(&confirmed); err != nil {
		t.Fatalf("query tombstone: %v", err)
	}
	if confirmed != 1 {
		t.Fatalf("expected confirmed tombstone")
	}

	// Confirmed tombstones purge after the retention window; unconfirmed
	// ones never do.
	if err := st.MarkDeletedLocal(ctx, "t2"); err != nil {
		t.Fatalf("mark deleted t2: %v", err)
	}
	purged, err := st.PurgeTombstones(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge tombstones: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged tombstone, got %d", purged)
	}
	stillThere, err := st.IsTombstoned(ctx, "t2")
	if err != nil {
		t.Fatalf("is tombstoned t2: %v", err)
	}
	if !stillThere {
		t.Fatalf("unconfirmed tombstone must survive purge")
	}
}

func TestOverlay_ListFiltersAndOrders(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a := testTask("a", "alpha", 1)
	a.SortOrder = 2
	a.Tags = []string{"home"}
	b := testTask("b", "beta", 1)
	b.SortOrder = 1
	b.Status = model.StatusDone
	c := testTask("c", "gamma", 1)
	c.SortOrder = 3
	c.Tags = []string{"home", "urgent"}

	for _, task := range []model.Task{a, b, c} {
		if err := st.ApplyServerSnapshot(ctx, task); err != nil {
			t.Fatalf("apply snapshot %s: %v", task.ID, err)
		}
	}

	all, err := st.List(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "b" || all[1].ID != "a" || all[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", ids(all))
	}

	open := model.StatusOpen
	byStatus, err := st.List(ctx, store.Filter{Status: &open})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(byStatus) != 2 {
		t.Fatalf("expected 2 open tasks, got %d", len(byStatus))
	}

	byTag, err := st.List(ctx, store.Filter{Tag: "urgent"})
	if err != nil {
		t.Fatalf("list by tag: %v", err)
	}
	if len(byTag) != 1 || byTag[0].ID != "c" {
		t.Fatalf("expected only c for tag urgent, got %+v", ids(byTag))
	}
}

func TestOverlay_ApplyPullBatchIsAtomic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	batch := []store.PullRecord{
		{Incoming: testTask("p1", "pulled one", 2)},
		{Incoming: testTask("p2", "pulled two", 4)},
	}
	cursor := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := st.ApplyPullBatch(ctx, batch, cursor); err != nil {
		t.Fatalf("apply pull batch: %v", err)
	}

	for _, id := range []string{"p1", "p2"} {
		got, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got == nil {
			t.Fatalf("expected %s after pull", id)
		}
	}
	gotCursor, err := st.LastPullCursor(ctx)
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if !gotCursor.Equal(cursor) {
		t.Fatalf("cursor not advanced: got %v want %v", gotCursor, cursor)
	}
}

func TestOverlay_StaleSnapshotKeepsOptimistic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.ApplyServerSnapshot(ctx, testTask("t1", "v7", 7)); err != nil {
		t.Fatalf("apply snapshot v7: %v", err)
	}
	if err := st.UpsertLocal(ctx, testTask("t1", "local edit", 7)); err != nil {
		t.Fatalf("upsert local: %v", err)
	}

	// A reordered response carrying an older version changes nothing,
	// including the overlay.
	if err := st.ApplyServerSnapshot(ctx, testTask("t1", "v4", 4)); err != nil {
		t.Fatalf("apply stale snapshot: %v", err)
	}

	got, err := st.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Title != "local edit" {
		t.Fatalf("stale snapshot clobbered the optimistic edit: %+v", got)
	}
}

func TestOverlay_PullOverlayKeepsBaselinePure(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	server := testTask("t1", "server title", 6)
	merged := testTask("t1", "local title", 6)
	batch := []store.PullRecord{{Incoming: server, Overlay: &merged}}
	if err := st.ApplyPullBatch(ctx, batch, time.Now().UTC()); err != nil {
		t.Fatalf("apply pull batch: %v", err)
	}

	baseline, err := st.Snapshot(ctx, "t1")
	if err != nil {
		t.Fatalf("read baseline: %v", err)
	}
	if baseline == nil || baseline.Title != "server title" {
		t.Fatalf("baseline must hold the raw server record, got %+v", baseline)
	}

	got, err := st.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Title != "local title" {
		t.Fatalf("merged view must show the overlay, got %+v", got)
	}

	// Reverting exposes server truth, not a merged record.
	if err := st.RevertOptimistic(ctx, "t1"); err != nil {
		t.Fatalf("revert optimistic: %v", err)
	}
	got, err = st.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get after revert: %v", err)
	}
	if got == nil || got.Title != "server title" {
		t.Fatalf("revert must expose the server record, got %+v", got)
	}
}

func TestOverlay_ConfirmPushKeepsCoalescedEdit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, "t1", model.OpUpdate, model.Delta{Title: strp("first edit")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.UpsertLocal(ctx, testTask("t1", "first edit", 1)); err != nil {
		t.Fatalf("upsert first edit: %v", err)
	}
	inflight, err := st.PeekReady(ctx)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}

	// A second edit coalesces in while the first payload is on the wire.
	if _, err := st.Enqueue(ctx, "t1", model.OpUpdate, model.Delta{Notes: strp("late notes")}); err != nil {
		t.Fatalf("coalesce: %v", err)
	}
	later := testTask("t1", "first edit", 1)
	later.Notes = "late notes"
	if err := st.UpsertLocal(ctx, later); err != nil {
		t.Fatalf("upsert second edit: %v", err)
	}

	confirmed := testTask("t1", "first edit", 2)
	removed, err := st.ConfirmPush(ctx, "t1", inflight.Seq, confirmed)
	if err != nil {
		t.Fatalf("confirm push: %v", err)
	}
	if removed {
		t.Fatalf("confirmation of the old payload must not remove the coalesced op")
	}

	// Baseline advanced, but the newer edit is still visible and queued.
	baseline, err := st.Snapshot(ctx, "t1")
	if err != nil {
		t.Fatalf("read baseline: %v", err)
	}
	if baseline == nil || baseline.Version != 2 {
		t.Fatalf("baseline did not advance: %+v", baseline)
	}
	got, err := st.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Notes != "late notes" {
		t.Fatalf("coalesced edit lost from the merged view: %+v", got)
	}
	op, err := st.GetPending(ctx, "t1")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if op == nil || op.Delta.Notes == nil || *op.Delta.Notes != "late notes" {
		t.Fatalf("coalesced op lost from the queue: %+v", op)
	}

	// Confirming the current payload clears everything.
	confirmed.Notes = "late notes"
	confirmed.Version = 3
	removed, err = st.ConfirmPush(ctx, "t1", op.Seq, confirmed)
	if err != nil {
		t.Fatalf("confirm current payload: %v", err)
	}
	if !removed {
		t.Fatalf("current seq must remove the op")
	}
	got, err = st.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get after final confirm: %v", err)
	}
	if got == nil || got.Version != 3 || got.Notes != "late notes" {
		t.Fatalf("final confirm left stale state: %+v", got)
	}
	op, err = st.GetPending(ctx, "t1")
	if err != nil {
		t.Fatalf("get pending after final confirm: %v", err)
	}
	if op != nil {
		t.Fatalf("queue must be empty after final confirm, got %+v", op)
	}
}

func TestOverlay_PublishesChangeEvents(t *testing.T) {
	st, eventBus := openTestStoreWithBus(t)
	ctx := context.Background()

	sub := eventBus.Subscribe(bus.TopicTaskChanged)
	defer eventBus.Unsubscribe(sub)

	if err := st.UpsertLocal(ctx, testTask("t1", "hello", 0)); err != nil {
		t.Fatalf("upsert local: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TaskChangedEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.ID != "t1" || payload.Source != "local" {
			t.Fatalf("unexpected event payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("no change event published")
	}
}

func ids(tasks []model.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}
