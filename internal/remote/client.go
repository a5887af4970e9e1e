// Package remote is the client side of the task service API: the endpoint
// interface the sync engine drains against, its error taxonomy, and the
// optional change-notification stream.
package remote

import (
	"context"
	"time"

	"github.com/harborline/tasksync/internal/model"
)

// PullResult is one page of remote changes.
type PullResult struct {
	Tasks     []model.Task `json:"tasks"`
	NextSince time.Time    `json:"next_since"`
}

// Client is the remote task service as the sync engine sees it. Every call
// carries a bounded timeout through its context; implementations must not
// block past it. Errors are classified with IsTransient, IsPermanent, and
// AsConflict so the engine can choose between retry, drop, and re-resolve.
type Client interface {
	// CreateTask registers a new task. The server confirms the
	// client-generated id, assigns version 1, and may already include
	// AI-enriched fields.
	CreateTask(ctx context.Context, id string, delta model.Delta) (model.Task, error)

	// UpdateTask applies a partial update. The server rejects it with a
	// conflict error when its version has advanced past expectedVersion.
	UpdateTask(ctx context.Context, id string, delta model.Delta, expectedVersion int64) (model.Task, error)

	// DeleteTask soft-deletes the task remotely.
	DeleteTask(ctx context.Context, id string) error

	// PullChanges returns all records changed since the watermark, plus
	// the watermark for the next pull.
	PullChanges(ctx context.Context, since time.Time) (PullResult, error)
}
