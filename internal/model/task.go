// Package model defines the synchronized task entity and the typed deltas
// used to describe local edits.
//
// Task fields partition into three classes with different merge rules:
// user-editable fields are authored locally and pushed to the server,
// AI-derived fields are written only by the remote enrichment pipeline,
// and sync metadata is owned by the server.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the user-visible lifecycle state of a task.
type Status string

const (
	StatusOpen     Status = "open"
	StatusDone     Status = "done"
	StatusArchived Status = "archived"
)

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusDone, StatusArchived:
		return true
	}
	return false
}

// Task is the synchronized entity. Values are treated as immutable: merge
// and delta application return copies rather than mutating in place.
type Task struct {
	ID string `json:"id"`

	// User-editable fields.
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	HasTime   bool       `json:"has_time,omitempty"`
	Priority  int        `json:"priority,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	ParentID  string     `json:"parent_id,omitempty"`
	SortOrder float64    `json:"sort_order,omitempty"`
	Status    Status     `json:"status"`

	// AI-derived fields. Written only by the remote enrichment pipeline;
	// the client may clear them (revert) or set DuplicateResolved, nothing else.
	CleanTitle        string   `json:"clean_title,omitempty"`
	Summary           string   `json:"summary,omitempty"`
	Entities          []string `json:"entities,omitempty"`
	Complexity        int      `json:"complexity,omitempty"`
	DuplicateIDs      []string `json:"duplicate_ids,omitempty"`
	DuplicateResolved bool     `json:"duplicate_resolved,omitempty"`

	// Sync metadata. Version is assigned by the server and never invented
	// or decremented locally.
	Version      int64      `json:"version"`
	LastSyncedAt time.Time  `json:"last_synced_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeviceID     string     `json:"device_id,omitempty"`
}

// NewID returns a client-generated task id. Client and server share the
// same id space, so an id is valid before the first sync and is never
// rewritten afterwards.
func NewID() string {
	return uuid.NewString()
}

// DisplayTitle returns the AI-cleaned title when present, otherwise the raw
// title. Client and server apply this rule identically.
func (t Task) DisplayTitle() string {
	if t.CleanTitle != "" {
		return t.CleanTitle
	}
	return t.Title
}

// DisplayNotes returns the AI summary when present, otherwise the raw notes.
func (t Task) DisplayNotes() string {
	if t.Summary != "" {
		return t.Summary
	}
	return t.Notes
}

// Deleted reports whether the task carries a soft-delete tombstone.
func (t Task) Deleted() bool {
	return t.DeletedAt != nil
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	out := t
	if t.DueAt != nil {
		due := *t.DueAt
		out.DueAt = &due
	}
	if t.DeletedAt != nil {
		del := *t.DeletedAt
		out.DeletedAt = &del
	}
	out.Tags = append([]string(nil), t.Tags...)
	out.Entities = append([]string(nil), t.Entities...)
	out.DuplicateIDs = append([]string(nil), t.DuplicateIDs...)
	return out
}
