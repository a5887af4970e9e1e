package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harborline/tasksync/internal/model"
	"github.com/harborline/tasksync/internal/resolve"
	"github.com/harborline/tasksync/internal/store"
)

// pull fetches everything changed since the last successful pull, resolves
// each record against the overlay, and applies the whole batch atomically.
// The cursor only advances with the batch, so a failure repeats the same
// window next cycle instead of skipping records.
func (e *Engine) pull(ctx context.Context, logger *slog.Logger) error {
	since, err := e.store.LastPullCursor(ctx)
	if err != nil {
		return fmt.Errorf("read pull cursor: %w", err)
	}

	result, err := e.remote.PullChanges(ctx, since)
	if err != nil {
		return fmt.Errorf("pull changes: %w", err)
	}

	batch := make([]store.PullRecord, 0, len(result.Tasks))
	for _, incoming := range result.Tasks {
		rec, apply, err := e.resolveIncoming(ctx, incoming)
		if err != nil {
			return err
		}
		if apply {
			batch = append(batch, rec)
		}
	}

	if err := e.store.ApplyPullBatch(ctx, batch, result.NextSince); err != nil {
		return fmt.Errorf("apply pull batch: %w", err)
	}

	if e.metrics != nil {
		e.metrics.PullBatchSize.Record(ctx, int64(len(batch)))
	}
	if len(batch) > 0 {
		_ = e.store.AppendSyncEvent(ctx, "", store.EventPullApplied,
			fmt.Sprintf("%d records", len(batch)))
		logger.Debug("pull applied", "records", len(batch), "next_since", result.NextSince)
	}
	return nil
}

// resolveIncoming prepares one pulled record for storage. The server's
// record is always the new baseline. When a local op is still pending for
// the id, the resolver's merge rides along as the overlay instead of being
// folded into the baseline; the baseline must stay pure server truth so a
// later rejection can revert to it. apply is false when the record must
// not touch the store this cycle.
func (e *Engine) resolveIncoming(ctx context.Context, incoming model.Task) (rec store.PullRecord, apply bool, err error) {
	tombstoned, err := e.store.IsTombstoned(ctx, incoming.ID)
	if err != nil {
		return store.PullRecord{}, false, fmt.Errorf("check tombstone: %w", err)
	}
	if tombstoned && !incoming.Deleted() {
		// Locally deleted but still live on the server: the pending
		// delete hasn't landed yet. Applying the record would resurrect
		// it; the drain phase will push the delete.
		return store.PullRecord{}, false, nil
	}

	rec = store.PullRecord{Incoming: incoming}

	var pending *model.Delta
	if op, err := e.store.GetPending(ctx, incoming.ID); err != nil {
		return store.PullRecord{}, false, fmt.Errorf("read pending op: %w", err)
	} else if op != nil && op.Kind != model.OpDelete {
		pending = &op.Delta
	}
	if pending == nil {
		return rec, true, nil
	}

	local, err := e.store.Get(ctx, incoming.ID)
	if err != nil {
		return store.PullRecord{}, false, fmt.Errorf("read overlay: %w", err)
	}
	merged := resolve.Resolve(pending, local, incoming)
	if !merged.Deleted() {
		rec.Overlay = &merged
	}
	return rec, true, nil
}
