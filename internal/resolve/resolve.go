// Package resolve merges an incoming server record with local overlay
// state. It is a pure function of its inputs; all I/O and all decisions
// about what to do with the merged record stay in the engine.
package resolve

import (
	"time"

	"github.com/harborline/tasksync/internal/model"
)

// Resolve merges an incoming server record against the local overlay state
// for the same entity.
//
//   - pending is the queued local delta for the entity, nil when the entity
//     has nothing in flight.
//   - local is the current merged overlay record, nil when the entity is
//     unknown locally.
//   - incoming is the server's record, which supplies the version and all
//     fields not overridden below.
//
// With no pending delta the server record wins outright. With a pending
// delta the user's edited fields win, re-applied on top of the server
// record so that untouched fields, including AI enrichment, take the
// server's values. A user edit invalidates its paired AI field only when
// the value actually changed (the delta application rule), so no-op edits
// never discard enrichment. A soft delete on either side makes the merged
// record deleted. The merged version is always the server's.
func Resolve(pending *model.Delta, local *model.Task, incoming model.Task) model.Task {
	merged := incoming.Clone()

	if deletedAt := deletion(local, incoming); deletedAt != nil {
		merged.DeletedAt = deletedAt
		return merged
	}

	if pending != nil && !pending.IsZero() {
		merged = pending.Apply(merged)
		// The client never invents versions; whatever the server said
		// stands even after local fields are re-applied.
		merged.Version = incoming.Version
	}
	return merged
}

// deletion returns the effective soft-delete timestamp when either side
// has tombstoned the entity, preferring the server's timestamp.
func deletion(local *model.Task, incoming model.Task) *time.Time {
	if incoming.Deleted() {
		t := *incoming.DeletedAt
		return &t
	}
	if local != nil && local.Deleted() {
		t := *local.DeletedAt
		return &t
	}
	return nil
}
