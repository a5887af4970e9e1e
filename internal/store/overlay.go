package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harborline/tasksync/internal/bus"
	"github.com/harborline/tasksync/internal/model"
)

// Filter narrows List results. Zero value matches everything visible.
type Filter struct {
	Status   *model.Status
	Tag      string
	ParentID *string
}

func (f Filter) matches(t model.Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range t.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ParentID != nil && t.ParentID != *f.ParentID {
		return false
	}
	return true
}

// UpsertLocal writes a task into the optimistic layer. It is instantly
// visible to all readers and never touches the network.
func (s *Store) UpsertLocal(ctx context.Context, task model.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal optimistic task: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO optimistic (id, payload, dirty_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, dirty_at = CURRENT_TIMESTAMP;
		`, task.ID, payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert optimistic: %w", err)
	}
	s.publish(bus.TopicTaskChanged, bus.TaskChangedEvent{ID: task.ID, Source: "local"})
	return nil
}

// MarkDeletedLocal moves an entity into the tombstone set; it disappears
// from all default read views immediately. Tombstoning an unknown id is a
// no-op, not an error, so duplicate delete calls are harmless.
func (s *Store) MarkDeletedLocal(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tombstone tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tombstones (id, deleted_at) VALUES (?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO NOTHING;
		`, id); err != nil {
			return fmt.Errorf("insert tombstone: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM optimistic WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("clear optimistic on delete: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskDeleted, bus.TaskChangedEvent{ID: id, Source: "local"})
	return nil
}

// ApplyServerSnapshot folds a confirmed server record into the baseline and
// clears the optimistic entry for that id. Called only by the sync engine.
// A snapshot whose version is older than the stored one is ignored; the
// server never decrements versions, so a lower version here means a stale
// or reordered response.
func (s *Store) ApplyServerSnapshot(ctx context.Context, task model.Task) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin snapshot tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := s.applySnapshotTx(ctx, tx, task, true); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskChanged, bus.TaskChangedEvent{ID: task.ID, Source: "remote"})
	return nil
}

// ConfirmPush books a server confirmation for a pushed op: the queue row
// is removed if it still carries seq, and the confirmed record becomes the
// new baseline, all in one transaction. When the row coalesced with a
// newer edit while the push was in flight, removed is false; the baseline
// still advances but the optimistic overlay is left alone, so the newer
// edit stays visible and gets its own push.
func (s *Store) ConfirmPush(ctx context.Context, entityID string, seq int64, confirmed model.Task) (removed bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		removed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin confirm push tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`DELETE FROM pending_ops WHERE entity_id = ? AND seq = ?;`, entityID, seq)
		if err != nil {
			return fmt.Errorf("remove confirmed op: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("remove confirmed op: %w", err)
		}
		removed = n > 0

		if _, err := s.applySnapshotTx(ctx, tx, confirmed, removed); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	s.publish(bus.TopicTaskChanged, bus.TaskChangedEvent{ID: entityID, Source: "remote"})
	return removed, nil
}

// applySnapshotTx writes one server record into the baseline. applied is
// false when the record's version is older than the stored snapshot; a
// stale record changes nothing, including the optimistic layer. The
// overlay is cleared only when clearOptimistic is set and the record
// actually landed.
func (s *Store) applySnapshotTx(ctx context.Context, tx *sql.Tx, task model.Task, clearOptimistic bool) (applied bool, err error) {
	if task.Deleted() {
		// Server-confirmed delete. Keep the tombstone (marked confirmed)
		// for the retention window; drop both live layers.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tombstones (id, deleted_at, confirmed_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET confirmed_at = CURRENT_TIMESTAMP;
		`, task.ID, task.DeletedAt.UTC()); err != nil {
			return false, fmt.Errorf("confirm tombstone: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?;`, task.ID); err != nil {
			return false, fmt.Errorf("drop snapshot on delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM optimistic WHERE id = ?;`, task.ID); err != nil {
			return false, fmt.Errorf("drop optimistic on delete: %w", err)
		}
		return true, nil
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal snapshot: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, payload, version, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE
		SET payload = excluded.payload, version = excluded.version, updated_at = CURRENT_TIMESTAMP
		WHERE excluded.version >= snapshots.version;
	`, task.ID, payload, task.Version)
	if err != nil {
		return false, fmt.Errorf("upsert snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("upsert snapshot: %w", err)
	} else if n == 0 {
		// Stale or reordered response: the stored snapshot is newer.
		return false, nil
	}
	if clearOptimistic {
		if _, err := tx.ExecContext(ctx, `DELETE FROM optimistic WHERE id = ?;`, task.ID); err != nil {
			return false, fmt.Errorf("clear optimistic on confirm: %w", err)
		}
	}
	return true, nil
}

// PullRecord is one pulled change ready to store: the server's record
// as-is for the baseline, plus an optional overlay record to keep visible
// while a local op for the id is still pending. The baseline must hold
// server truth only; mixing a pending edit into it would make a later
// revert impossible.
type PullRecord struct {
	Incoming model.Task
	Overlay  *model.Task
}

// ApplyPullBatch applies a whole pull batch and advances the pull cursor in
// one transaction. A failure anywhere leaves the cursor untouched, so the
// next pull re-fetches the same records instead of silently skipping them.
// Records without an overlay clear the optimistic layer (server truth
// wins); records with one get it written in the same transaction.
func (s *Store) ApplyPullBatch(ctx context.Context, records []PullRecord, nextSince time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin pull tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, rec := range records {
			applied, err := s.applySnapshotTx(ctx, tx, rec.Incoming, rec.Overlay == nil)
			if err != nil {
				return err
			}
			if !applied || rec.Overlay == nil || rec.Incoming.Deleted() {
				continue
			}
			payload, err := json.Marshal(rec.Overlay)
			if err != nil {
				return fmt.Errorf("marshal pull overlay: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO optimistic (id, payload, dirty_at)
				VALUES (?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, dirty_at = CURRENT_TIMESTAMP;
			`, rec.Incoming.ID, payload); err != nil {
				return fmt.Errorf("upsert pull overlay: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_state (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, kvLastPull, nextSince.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("advance pull cursor: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	for _, rec := range records {
		topic := bus.TopicTaskChanged
		if rec.Incoming.Deleted() {
			topic = bus.TopicTaskDeleted
		}
		s.publish(topic, bus.TaskChangedEvent{ID: rec.Incoming.ID, Source: "remote"})
	}
	return nil
}

// Get returns the merged view of one entity: nil if unknown or tombstoned,
// the optimistic record when one exists, the snapshot otherwise.
func (s *Store) Get(ctx context.Context, id string) (*model.Task, error) {
	tombstoned, err := s.IsTombstoned(ctx, id)
	if err != nil {
		return nil, err
	}
	if tombstoned {
		return nil, nil
	}

	for _, table := range []string{"optimistic", "snapshots"} {
		var payload []byte
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT payload FROM %s WHERE id = ?;`, table), id,
		).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", table, err)
		}
		var task model.Task
		if err := json.Unmarshal(payload, &task); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", table, err)
		}
		return &task, nil
	}
	return nil, nil
}

// Snapshot returns the server-baseline record for id, bypassing the
// optimistic layer. Used by the conflict resolver, which needs the
// previous confirmed values, not the in-flight ones.
func (s *Store) Snapshot(ctx context.Context, id string) (*model.Task, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE id = ?;`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var task model.Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot payload: %w", err)
	}
	return &task, nil
}

// List returns the merged view: optimistic preferred over snapshot,
// tombstoned ids excluded, ordered by sort order then id.
func (s *Store) List(ctx context.Context, filter Filter) ([]model.Task, error) {
	merged := make(map[string]model.Task)

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM snapshots;`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	if err := collectTasks(rows, merged); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT payload FROM optimistic;`)
	if err != nil {
		return nil, fmt.Errorf("query optimistic: %w", err)
	}
	if err := collectTasks(rows, merged); err != nil {
		return nil, err
	}

	tombstoned := make(map[string]bool)
	rows, err = s.db.QueryContext(ctx, `SELECT id FROM tombstones;`)
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		tombstoned[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tombstone rows: %w", err)
	}

	out := make([]model.Task, 0, len(merged))
	for id, task := range merged {
		if tombstoned[id] || task.Deleted() {
			continue
		}
		if filter.matches(task) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// collectTasks drains rows into dest keyed by id, later calls overwriting
// earlier ones. Closes rows.
func collectTasks(rows *sql.Rows, dest map[string]model.Task) error {
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan task payload: %w", err)
		}
		var task model.Task
		if err := json.Unmarshal(payload, &task); err != nil {
			return fmt.Errorf("unmarshal task payload: %w", err)
		}
		dest[task.ID] = task
	}
	return rows.Err()
}

// IsTombstoned reports whether id is in the tombstone set.
func (s *Store) IsTombstoned(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tombstones WHERE id = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read tombstone: %w", err)
	}
	return true, nil
}

// TombstonedAt returns the local deletion timestamp for id, or nil.
func (s *Store) TombstonedAt(ctx context.Context, id string) (*time.Time, error) {
	var deletedAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT deleted_at FROM tombstones WHERE id = ?;`, id).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tombstone timestamp: %w", err)
	}
	return &deletedAt, nil
}

// ConfirmTombstone marks a local tombstone as server-acknowledged and drops
// both live layers for the id. Called when the server acks a delete or
// reports the entity already gone. Inserts the tombstone if missing, so it
// also covers "gone" discovered without a prior local delete.
func (s *Store) ConfirmTombstone(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin confirm tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tombstones (id, deleted_at, confirmed_at)
			VALUES (?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET confirmed_at = CURRENT_TIMESTAMP;
		`, id); err != nil {
			return fmt.Errorf("confirm tombstone: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("drop snapshot on confirm: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM optimistic WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("drop optimistic on confirm: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTaskDeleted, bus.TaskChangedEvent{ID: id, Source: "remote"})
	return nil
}

// RevertOptimistic discards the optimistic entry for id, exposing the last
// confirmed snapshot again. Used when the server permanently rejects a
// mutation; keeping the rejected edit visible would lie to the user.
func (s *Store) RevertOptimistic(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM optimistic WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("revert optimistic: %w", err)
	}
	s.publish(bus.TopicTaskChanged, bus.TaskChangedEvent{ID: id, Source: "remote"})
	return nil
}

// PurgeTombstones removes server-confirmed tombstones whose confirmation is
// older than before. Unconfirmed tombstones are never purged; the delete
// still has to reach the server.
func (s *Store) PurgeTombstones(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tombstones
			WHERE confirmed_at IS NOT NULL AND confirmed_at < ?;
		`, before.UTC())
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	return purged, nil
}
