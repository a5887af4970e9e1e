package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harborline/tasksync/internal/model"
)

// PendingOp is one queued mutation awaiting push. The queue holds at most
// one op per entity; successive local edits coalesce into it. Seq advances
// on every write to the row, so a push that started before a coalescing
// edit can tell that its payload is no longer the one queued.
type PendingOp struct {
	EntityID    string
	Kind        model.OpKind
	Delta       model.Delta
	Seq         int64
	CreatedAt   time.Time
	Attempts    int
	AvailableAt time.Time
	LastError   string
	Failed      bool
}

// Retryable reports whether the op can still be pushed automatically.
func (op PendingOp) Retryable() bool {
	return !op.Failed && op.Attempts < maxAttempts
}

// Enqueue records a mutation for an entity, coalescing with any op already
// queued for it. Coalescing rules:
//
//	create  + update        -> create carrying the merged delta
//	create  + delete        -> the op is dropped entirely (never hit the server)
//	any     + delete        -> delete
//	update  + status_change -> update carrying the merged delta
//
// Coalescing keeps the original created_at so the entity does not lose its
// place in the FIFO order, and resets attempts since the payload changed.
// Created is true when a new queue row appeared; Dropped is true only for
// the create+delete case.
func (s *Store) Enqueue(ctx context.Context, entityID string, kind model.OpKind, delta model.Delta) (res EnqueueResult, err error) {
	if !model.ValidOpKind(kind) {
		return EnqueueResult{}, fmt.Errorf("enqueue: invalid op kind %q", kind)
	}
	err = retryOnBusy(ctx, 5, func() error {
		res = EnqueueResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			existingKind  string
			existingDelta []byte
		)
		row := tx.QueryRowContext(ctx,
			`SELECT kind, delta FROM pending_ops WHERE entity_id = ?;`, entityID)
		switch scanErr := row.Scan(&existingKind, &existingDelta); {
		case errors.Is(scanErr, sql.ErrNoRows):
			payload, err := json.Marshal(delta)
			if err != nil {
				return fmt.Errorf("marshal delta: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pending_ops (entity_id, kind, delta, seq, created_at, attempts, available_at)
				VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP, 0, CURRENT_TIMESTAMP);
			`, entityID, string(kind), payload); err != nil {
				return fmt.Errorf("insert pending op: %w", err)
			}
			res.Created = true
			return tx.Commit()
		case scanErr != nil:
			return fmt.Errorf("read pending op: %w", scanErr)
		}

		if kind == model.OpDelete && model.OpKind(existingKind) == model.OpCreate {
			// The create never reached the server; nothing to tell it.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM pending_ops WHERE entity_id = ?;`, entityID); err != nil {
				return fmt.Errorf("drop pending create: %w", err)
			}
			res.Dropped = true
			return tx.Commit()
		}

		mergedKind := coalesceKind(model.OpKind(existingKind), kind)
		var merged model.Delta
		if kind != model.OpDelete {
			if err := json.Unmarshal(existingDelta, &merged); err != nil {
				return fmt.Errorf("unmarshal pending delta: %w", err)
			}
			merged.Merge(delta)
		} else {
			merged = delta
		}
		payload, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal merged delta: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_ops
			SET kind = ?, delta = ?, seq = seq + 1, attempts = 0,
			    available_at = CURRENT_TIMESTAMP, last_error = NULL, failed = 0
			WHERE entity_id = ?;
		`, string(mergedKind), payload, entityID); err != nil {
			return fmt.Errorf("coalesce pending op: %w", err)
		}
		return tx.Commit()
	})
	return res, err
}

// EnqueueResult reports what Enqueue did to the queue row.
type EnqueueResult struct {
	// Created is true when the entity had no queued op before this call.
	Created bool
	// Dropped is true when an unpushed create was cancelled by a delete
	// and the queue row removed.
	Dropped bool
}

func coalesceKind(existing, incoming model.OpKind) model.OpKind {
	switch {
	case incoming == model.OpDelete:
		return model.OpDelete
	case existing == model.OpCreate:
		return model.OpCreate
	case existing == model.OpDelete:
		// Delete followed by a non-delete edit should not happen through
		// the public API; keep the delete rather than resurrect the entity.
		return model.OpDelete
	default:
		return model.OpUpdate
	}
}

// PeekReady returns the oldest non-terminal op whose backoff window has
// elapsed, or nil when the queue has nothing ready. FIFO order is by
// enqueue time, which coalescing preserves.
func (s *Store) PeekReady(ctx context.Context) (*PendingOp, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, kind, delta, seq, created_at, attempts, available_at,
		       COALESCE(last_error, ''), failed
		FROM pending_ops
		WHERE failed = 0 AND available_at <= CURRENT_TIMESTAMP
		ORDER BY created_at ASC, entity_id ASC
		LIMIT 1;
	`)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peek ready op: %w", err)
	}
	return op, nil
}

// GetPending returns the queued op for an entity, or nil.
func (s *Store) GetPending(ctx context.Context, entityID string) (*PendingOp, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, kind, delta, seq, created_at, attempts, available_at,
		       COALESCE(last_error, ''), failed
		FROM pending_ops WHERE entity_id = ?;
	`, entityID)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending op: %w", err)
	}
	return op, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOp(row rowScanner) (*PendingOp, error) {
	var (
		op         PendingOp
		kind       string
		deltaBytes []byte
		failed     int
	)
	if err := row.Scan(&op.EntityID, &kind, &deltaBytes, &op.Seq, &op.CreatedAt,
		&op.Attempts, &op.AvailableAt, &op.LastError, &failed); err != nil {
		return nil, err
	}
	op.Kind = model.OpKind(kind)
	op.Failed = failed != 0
	if err := json.Unmarshal(deltaBytes, &op.Delta); err != nil {
		return nil, fmt.Errorf("unmarshal op delta: %w", err)
	}
	return &op, nil
}

// MarkSucceeded removes the entity's op from the queue, but only while the
// row still carries the given seq. A false return means the op coalesced
// with a newer edit after it was peeked; the row stays queued so the new
// payload gets its own push.
func (s *Store) MarkSucceeded(ctx context.Context, entityID string, seq int64) (removed bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM pending_ops WHERE entity_id = ? AND seq = ?;`, entityID, seq)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark op succeeded: %w", err)
	}
	return removed, nil
}

// Drop removes the entity's op without it having succeeded, with the same
// seq guard as MarkSucceeded. Used when the server rejects the mutation; a
// payload that changed mid-flight stays queued for its own attempt.
func (s *Store) Drop(ctx context.Context, entityID string, seq int64) (removed bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM pending_ops WHERE entity_id = ? AND seq = ?;`, entityID, seq)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("drop pending op: %w", err)
	}
	return removed, nil
}

// MarkFailed records a failed push attempt. The op is scheduled for retry
// with the next backoff step, or marked terminally failed once it has
// exhausted maxAttempts. Returns the new attempt count and whether the op
// is now terminal.
func (s *Store) MarkFailed(ctx context.Context, entityID string, cause error) (attempts int, terminal bool, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx,
			`SELECT attempts FROM pending_ops WHERE entity_id = ?;`, entityID)
		var current int
		if scanErr := row.Scan(&current); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return fmt.Errorf("mark failed: no pending op for %s", entityID)
			}
			return fmt.Errorf("read attempts: %w", scanErr)
		}

		attempts = current + 1
		terminal = attempts >= maxAttempts
		if terminal {
			if _, err := tx.ExecContext(ctx, `
				UPDATE pending_ops SET attempts = ?, last_error = ?, failed = 1
				WHERE entity_id = ?;
			`, attempts, msg, entityID); err != nil {
				return fmt.Errorf("mark op terminal: %w", err)
			}
			return tx.Commit()
		}

		delay := retryBackoff[len(retryBackoff)-1]
		if attempts-1 < len(retryBackoff) {
			delay = retryBackoff[attempts-1]
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending_ops
			SET attempts = ?, last_error = ?, available_at = ?
			WHERE entity_id = ?;
		`, attempts, msg, time.Now().UTC().Add(delay), entityID); err != nil {
			return fmt.Errorf("schedule op retry: %w", err)
		}
		return tx.Commit()
	})
	return attempts, terminal, err
}

// RetryFailed resets a terminally failed op so the next cycle picks it up
// again. Explicit user action; automatic retries stop at maxAttempts.
func (s *Store) RetryFailed(ctx context.Context, entityID string) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pending_ops
			SET attempts = 0, failed = 0, last_error = NULL, available_at = CURRENT_TIMESTAMP
			WHERE entity_id = ? AND failed = 1;
		`, entityID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("retry failed op: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("retry failed op: no failed op for %s", entityID)
	}
	return nil
}

// FailedOps lists terminally failed ops, oldest first.
func (s *Store) FailedOps(ctx context.Context) ([]PendingOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, kind, delta, seq, created_at, attempts, available_at,
		       COALESCE(last_error, ''), failed
		FROM pending_ops
		WHERE failed = 1
		ORDER BY created_at ASC, entity_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query failed ops: %w", err)
	}
	defer rows.Close()

	var out []PendingOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed op: %w", err)
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

// PendingCount reports the number of non-terminal queued ops.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE failed = 0;`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending ops: %w", err)
	}
	return n, nil
}

// FailedCount reports the number of terminally failed ops.
func (s *Store) FailedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE failed = 1;`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count failed ops: %w", err)
	}
	return n, nil
}
