package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harborline/tasksync/internal/bus"
	"github.com/harborline/tasksync/internal/model"
	"github.com/harborline/tasksync/internal/remote"
	"github.com/harborline/tasksync/internal/resolve"
	"github.com/harborline/tasksync/internal/store"
)

// drain pushes every ready operation, one entity at a time. Per-op errors
// are contained here: a failing entity is marked and skipped, never
// allowed to block the rest of the queue. The returned error is only the
// last transient failure, for the aggregate status.
func (e *Engine) drain(ctx context.Context, logger *slog.Logger) error {
	var lastTransient error
	seen := make(map[string]bool)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		op, err := e.store.PeekReady(ctx)
		if err != nil {
			return fmt.Errorf("peek queue: %w", err)
		}
		if op == nil || seen[op.EntityID] {
			// A backed-off op can re-ripen during a long cycle; one
			// attempt per op per cycle keeps the loop bounded.
			return lastTransient
		}
		seen[op.EntityID] = true

		if err := e.pushOp(ctx, logger, op); err != nil {
			lastTransient = err
		}
	}
}

// pushOp attempts one operation. A non-nil return means a transient
// failure; every other outcome is fully handled here.
func (e *Engine) pushOp(ctx context.Context, logger *slog.Logger, op *store.PendingOp) error {
	logger = logger.With("entity_id", op.EntityID, "kind", string(op.Kind), "attempt", op.Attempts+1)

	confirmed, err := e.callRemote(ctx, op)
	if err == nil {
		return e.confirmOp(ctx, logger, op, confirmed)
	}

	// Stale version: fold the server's current record through the
	// resolver and retry once against the new base.
	if conflict, ok := remote.AsConflict(err); ok {
		if e.metrics != nil {
			e.metrics.Conflicts.Add(ctx, 1)
		}
		local, getErr := e.store.Get(ctx, op.EntityID)
		if getErr != nil {
			return e.failOp(ctx, logger, op, getErr)
		}
		merged := resolve.Resolve(&op.Delta, local, conflict.Current)
		_ = e.store.AppendSyncEvent(ctx, op.EntityID, store.EventConflict,
			fmt.Sprintf("server version %d", conflict.Current.Version))
		logger.Info("version conflict resolved, retrying once",
			"server_version", conflict.Current.Version)

		if merged.Deleted() {
			// The resolver decided the entity is gone; push the delete
			// instead of the edit.
			if delErr := e.remote.DeleteTask(ctx, op.EntityID); delErr != nil {
				return e.failOp(ctx, logger, op, delErr)
			}
			return e.confirmDelete(ctx, logger, op)
		}
		retried, retryErr := e.remote.UpdateTask(ctx, op.EntityID, op.Delta, conflict.Current.Version)
		if retryErr != nil {
			return e.failOp(ctx, logger, op, retryErr)
		}
		return e.confirmOp(ctx, logger, op, &retried)
	}

	if remote.IsGone(err) {
		// Nothing left to retry against; make the local view agree.
		logger.Info("entity gone remotely, tombstoning locally")
		if cErr := e.store.ConfirmTombstone(ctx, op.EntityID); cErr != nil {
			return fmt.Errorf("tombstone gone entity: %w", cErr)
		}
		removed, dErr := e.store.Drop(ctx, op.EntityID, op.Seq)
		if dErr != nil {
			return fmt.Errorf("drop op for gone entity: %w", dErr)
		}
		if removed {
			e.recordRejected(ctx, op, err)
		}
		return nil
	}

	if remote.IsPermanent(err) {
		// Definite rejection. Drop the op and expose the last confirmed
		// state again rather than keep showing an edit that will never
		// land.
		logger.Warn("operation permanently rejected", "error", err)
		removed, dErr := e.store.Drop(ctx, op.EntityID, op.Seq)
		if dErr != nil {
			return fmt.Errorf("drop rejected op: %w", dErr)
		}
		if !removed {
			// The payload changed while this push was in flight; the
			// newer edit gets its own attempt before anything is
			// reverted.
			logger.Info("rejected payload superseded mid-flight, keeping newer edit")
			return nil
		}
		if rErr := e.store.RevertOptimistic(ctx, op.EntityID); rErr != nil {
			return fmt.Errorf("revert rejected edit: %w", rErr)
		}
		e.recordRejected(ctx, op, err)
		return nil
	}

	return e.failOp(ctx, logger, op, err)
}

// callRemote dispatches by op kind. Delete acks carry no record, so the
// returned task is nil for deletes.
func (e *Engine) callRemote(ctx context.Context, op *store.PendingOp) (*model.Task, error) {
	switch op.Kind {
	case model.OpCreate:
		task, err := e.remote.CreateTask(ctx, op.EntityID, op.Delta)
		if err != nil {
			return nil, err
		}
		return &task, nil
	case model.OpDelete:
		return nil, e.remote.DeleteTask(ctx, op.EntityID)
	default: // update, status_change
		var expected int64
		if snap, err := e.store.Snapshot(ctx, op.EntityID); err == nil && snap != nil {
			expected = snap.Version
		}
		task, err := e.remote.UpdateTask(ctx, op.EntityID, op.Delta, expected)
		if err != nil {
			return nil, err
		}
		return &task, nil
	}
}

// confirmOp folds the server's authoritative record into the snapshot
// layer and clears the queue entry. When a newer edit coalesced into the
// row while this push was in flight, only the baseline advances; the
// overlay and the queue row stay so the newer payload pushes next.
func (e *Engine) confirmOp(ctx context.Context, logger *slog.Logger, op *store.PendingOp, confirmed *model.Task) error {
	if op.Kind == model.OpDelete || confirmed == nil {
		return e.confirmDelete(ctx, logger, op)
	}
	record := confirmed.Clone()
	record.LastSyncedAt = time.Now().UTC()
	removed, err := e.store.ConfirmPush(ctx, op.EntityID, op.Seq, record)
	if err != nil {
		return fmt.Errorf("confirm push: %w", err)
	}
	if !removed {
		logger.Debug("op coalesced during push, newer edit kept queued",
			"version", confirmed.Version)
		return nil
	}
	e.recordSucceeded(ctx, op)
	logger.Debug("operation confirmed", "version", confirmed.Version)
	return nil
}

func (e *Engine) confirmDelete(ctx context.Context, logger *slog.Logger, op *store.PendingOp) error {
	if err := e.store.ConfirmTombstone(ctx, op.EntityID); err != nil {
		return fmt.Errorf("confirm tombstone: %w", err)
	}
	removed, err := e.store.MarkSucceeded(ctx, op.EntityID, op.Seq)
	if err != nil {
		return fmt.Errorf("mark delete succeeded: %w", err)
	}
	if removed {
		e.recordSucceeded(ctx, op)
	}
	logger.Debug("delete confirmed")
	return nil
}

// failOp books a transient failure: backoff or, once the retry budget is
// spent, the terminal failed state. Returns the original error so drain
// can surface it in the aggregate status.
func (e *Engine) failOp(ctx context.Context, logger *slog.Logger, op *store.PendingOp, cause error) error {
	attempts, terminal, err := e.store.MarkFailed(ctx, op.EntityID, cause)
	if err != nil {
		return fmt.Errorf("mark op failed: %w", err)
	}
	if terminal {
		logger.Warn("operation failed terminally", "attempts", attempts, "error", cause)
		_ = e.store.AppendSyncEvent(ctx, op.EntityID, store.EventOpFailed, cause.Error())
		if e.metrics != nil {
			e.metrics.OpsFailed.Add(ctx, 1)
			// Terminal ops leave the pending set until an explicit retry.
			e.metrics.PendingOps.Add(ctx, -1)
		}
		if e.bus != nil {
			e.bus.Publish(bus.TopicSyncOpFailed, bus.SyncOpEvent{
				EntityID: op.EntityID,
				Kind:     string(op.Kind),
				Attempt:  attempts,
				Error:    cause.Error(),
			})
		}
		return cause
	}
	logger.Debug("operation deferred for retry", "attempts", attempts, "error", cause)
	_ = e.store.AppendSyncEvent(ctx, op.EntityID, store.EventOpRetried, cause.Error())
	if e.metrics != nil {
		e.metrics.OpRetries.Add(ctx, 1)
	}
	return cause
}

func (e *Engine) recordSucceeded(ctx context.Context, op *store.PendingOp) {
	_ = e.store.AppendSyncEvent(ctx, op.EntityID, store.EventOpPushed, string(op.Kind))
	if e.metrics != nil {
		e.metrics.OpsDrained.Add(ctx, 1)
		e.metrics.PendingOps.Add(ctx, -1)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicSyncOpSucceeded, bus.SyncOpEvent{
			EntityID: op.EntityID,
			Kind:     string(op.Kind),
			Attempt:  op.Attempts + 1,
		})
	}
}

func (e *Engine) recordRejected(ctx context.Context, op *store.PendingOp, cause error) {
	_ = e.store.AppendSyncEvent(ctx, op.EntityID, store.EventOpRejected, cause.Error())
	if e.metrics != nil {
		e.metrics.OpsRejected.Add(ctx, 1)
		e.metrics.PendingOps.Add(ctx, -1)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicSyncOpRejected, bus.SyncOpEvent{
			EntityID: op.EntityID,
			Kind:     string(op.Kind),
			Attempt:  op.Attempts + 1,
			Error:    cause.Error(),
		})
	}
}
