package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	kvLastPull = "last_pull_cursor"
	kvDeviceID = "device_id"
)

// SyncEvent is one row of the local sync audit log.
type SyncEvent struct {
	EventID   int64     `json:"event_id"`
	EntityID  string    `json:"entity_id"`
	EventType string    `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sync event types recorded by the engine.
const (
	EventOpPushed    = "op_pushed"
	EventOpRetried   = "op_retried"
	EventOpFailed    = "op_failed"
	EventOpRejected  = "op_rejected"
	EventConflict    = "conflict_resolved"
	EventPullApplied = "pull_applied"
)

// AppendSyncEvent records one entry in the sync audit log. Best-effort
// callers may ignore the error; the log is diagnostic, not authoritative.
func (s *Store) AppendSyncEvent(ctx context.Context, entityID, eventType, detail string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_events (entity_id, event_type, detail, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, entityID, eventType, detail)
		return err
	})
	if err != nil {
		return fmt.Errorf("append sync event: %w", err)
	}
	return nil
}

// RecentSyncEvents returns the newest events first, capped at limit.
func (s *Store) RecentSyncEvents(ctx context.Context, limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, entity_id, event_type, COALESCE(detail, ''), created_at
		FROM sync_events
		ORDER BY event_id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync events: %w", err)
	}
	defer rows.Close()

	var out []SyncEvent
	for rows.Next() {
		var ev SyncEvent
		if err := rows.Scan(&ev.EventID, &ev.EntityID, &ev.EventType, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeSyncEvents removes log entries older than before.
func (s *Store) PurgeSyncEvents(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM sync_events WHERE created_at < ?;`, before.UTC())
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge sync events: %w", err)
	}
	return purged, nil
}

// LastPullCursor returns the updated-since watermark from the last
// successful pull, or the zero time when no pull has completed yet.
func (s *Store) LastPullCursor(ctx context.Context) (time.Time, error) {
	raw, err := s.getKV(ctx, kvLastPull)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	cursor, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse pull cursor %q: %w", raw, err)
	}
	return cursor, nil
}

// SetLastPullCursor stores the pull watermark outside a pull batch. Pull
// batches advance it atomically through ApplyPullBatch instead.
func (s *Store) SetLastPullCursor(ctx context.Context, cursor time.Time) error {
	return s.setKV(ctx, kvLastPull, cursor.UTC().Format(time.RFC3339Nano))
}

// DeviceID returns the stable identifier for this installation, generating
// and persisting one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, err := s.getKV(ctx, kvDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.setKV(ctx, kvDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) getKV(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_state WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read kv %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setKV(ctx context.Context, key, value string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_state (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("write kv %s: %w", key, err)
	}
	return nil
}
