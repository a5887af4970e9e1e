package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/harborline/tasksync/internal/model"
	"github.com/harborline/tasksync/internal/store"
)

// ErrNotFound is returned for operations on ids absent from the merged view.
var ErrNotFound = errors.New("task not found")

// Create writes a new task optimistically and queues its push. The
// returned task is readable immediately; no network call happens on this
// path.
func (e *Engine) Create(ctx context.Context, delta model.Delta) (model.Task, error) {
	if delta.IsZero() {
		return model.Task{}, fmt.Errorf("create: empty delta")
	}
	task := delta.Apply(model.Task{
		ID:     model.NewID(),
		Status: model.StatusOpen,
	})
	if err := e.store.UpsertLocal(ctx, task); err != nil {
		return model.Task{}, fmt.Errorf("create %s: %w", task.ID, err)
	}
	if err := e.enqueue(ctx, task.ID, model.OpCreate, delta); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// Update applies a partial edit optimistically and queues its push,
// coalescing with any operation already pending for the entity.
func (e *Engine) Update(ctx context.Context, id string, delta model.Delta) (model.Task, error) {
	if delta.IsZero() {
		return model.Task{}, fmt.Errorf("update %s: empty delta", id)
	}
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return model.Task{}, fmt.Errorf("update %s: %w", id, err)
	}
	if current == nil {
		return model.Task{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	next := delta.Apply(*current)
	if err := e.store.UpsertLocal(ctx, next); err != nil {
		return model.Task{}, fmt.Errorf("update %s: %w", id, err)
	}
	if err := e.enqueue(ctx, id, model.OpUpdate, delta); err != nil {
		return model.Task{}, err
	}
	return next, nil
}

// Complete marks a task done. Status changes ride the same queue as other
// edits so they coalesce with in-flight updates for the entity.
func (e *Engine) Complete(ctx context.Context, id string) (model.Task, error) {
	done := model.StatusDone
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return model.Task{}, fmt.Errorf("complete %s: %w", id, err)
	}
	if current == nil {
		return model.Task{}, fmt.Errorf("complete %s: %w", id, ErrNotFound)
	}
	delta := model.Delta{Status: &done}
	next := delta.Apply(*current)
	if err := e.store.UpsertLocal(ctx, next); err != nil {
		return model.Task{}, fmt.Errorf("complete %s: %w", id, err)
	}
	if err := e.enqueue(ctx, id, model.OpStatusChange, delta); err != nil {
		return model.Task{}, err
	}
	return next, nil
}

// Delete tombstones a task locally and queues the remote delete. Deleting
// an id the server never saw silently discards the queued create instead.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.MarkDeletedLocal(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	res, err := e.store.Enqueue(ctx, id, model.OpDelete, model.Delta{})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if res.Dropped {
		// The create never left this device, so there is no remote state
		// to reconcile; confirm the tombstone for eventual purge.
		if err := e.store.ConfirmTombstone(ctx, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		if e.metrics != nil {
			// The dropped create was counted when it was enqueued.
			e.metrics.PendingOps.Add(ctx, -1)
		}
		return nil
	}
	if e.metrics != nil && res.Created {
		e.metrics.PendingOps.Add(ctx, 1)
	}
	e.SyncNow()
	return nil
}

// Retry resets a terminally failed operation and kicks a cycle.
func (e *Engine) Retry(ctx context.Context, id string) error {
	if err := e.store.RetryFailed(ctx, id); err != nil {
		return err
	}
	if e.metrics != nil {
		// The op rejoins the pending set it left on terminal failure.
		e.metrics.PendingOps.Add(ctx, 1)
	}
	e.SyncNow()
	return nil
}

// Get returns the merged view of one task, or ErrNotFound.
func (e *Engine) Get(ctx context.Context, id string) (model.Task, error) {
	task, err := e.store.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if task == nil {
		return model.Task{}, ErrNotFound
	}
	return *task, nil
}

// List returns the merged view.
func (e *Engine) List(ctx context.Context, filter store.Filter) ([]model.Task, error) {
	return e.store.List(ctx, filter)
}

// FailedOps lists operations that exhausted their retry budget.
func (e *Engine) FailedOps(ctx context.Context) ([]store.PendingOp, error) {
	return e.store.FailedOps(ctx)
}

func (e *Engine) enqueue(ctx context.Context, id string, kind model.OpKind, delta model.Delta) error {
	res, err := e.store.Enqueue(ctx, id, kind, delta)
	if err != nil {
		return fmt.Errorf("enqueue %s %s: %w", kind, id, err)
	}
	// Coalescing reuses the existing row; the gauge moves only when a row
	// appears or disappears.
	if e.metrics != nil && res.Created {
		e.metrics.PendingOps.Add(ctx, 1)
	}
	e.SyncNow()
	return nil
}
