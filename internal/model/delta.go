package model

import "time"

// Delta is a partial update to a task's user-editable fields. Nil pointers
// mean "untouched"; a set pointer carries the new value. Deltas are the only
// payload the queue stores and the only thing pushed to the server for an
// update, so an op never clobbers fields the user did not edit.
type Delta struct {
	Title     *string    `json:"title,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	ClearDue  bool       `json:"clear_due,omitempty"`
	HasTime   *bool      `json:"has_time,omitempty"`
	Priority  *int       `json:"priority,omitempty"`
	Tags      *[]string  `json:"tags,omitempty"`
	ParentID  *string    `json:"parent_id,omitempty"`
	SortOrder *float64   `json:"sort_order,omitempty"`
	Status    *Status    `json:"status,omitempty"`

	// The two permitted client-side writes to AI-derived state.
	RevertAI          bool  `json:"revert_ai,omitempty"`
	ResolveDuplicates *bool `json:"resolve_duplicates,omitempty"`
}

// IsZero reports whether the delta touches nothing.
func (d Delta) IsZero() bool {
	return d.Title == nil && d.Notes == nil && d.DueAt == nil && !d.ClearDue &&
		d.HasTime == nil && d.Priority == nil && d.Tags == nil &&
		d.ParentID == nil && d.SortOrder == nil && d.Status == nil &&
		!d.RevertAI && d.ResolveDuplicates == nil
}

// Merge folds a newer delta into d, last value per field winning. Used by
// the queue to coalesce repeated edits to one entity into a single op.
func (d *Delta) Merge(newer Delta) {
	if newer.Title != nil {
		d.Title = newer.Title
	}
	if newer.Notes != nil {
		d.Notes = newer.Notes
	}
	if newer.DueAt != nil {
		d.DueAt = newer.DueAt
		d.ClearDue = false
	}
	if newer.ClearDue {
		d.ClearDue = true
		d.DueAt = nil
	}
	if newer.HasTime != nil {
		d.HasTime = newer.HasTime
	}
	if newer.Priority != nil {
		d.Priority = newer.Priority
	}
	if newer.Tags != nil {
		d.Tags = newer.Tags
	}
	if newer.ParentID != nil {
		d.ParentID = newer.ParentID
	}
	if newer.SortOrder != nil {
		d.SortOrder = newer.SortOrder
	}
	if newer.Status != nil {
		d.Status = newer.Status
	}
	if newer.RevertAI {
		d.RevertAI = true
	}
	if newer.ResolveDuplicates != nil {
		d.ResolveDuplicates = newer.ResolveDuplicates
	}
}

// Apply returns a copy of base with the delta's fields written. AI-derived
// fields paired with an edited user field are invalidated only when the new
// value differs from both the previous raw value and the previous AI value,
// so a no-op edit never discards enrichment. The same rule runs on the
// server; divergence here would show users different titles per device.
func (d Delta) Apply(base Task) Task {
	out := base.Clone()
	if d.Title != nil {
		if *d.Title != base.Title && *d.Title != base.CleanTitle {
			out.CleanTitle = ""
		}
		out.Title = *d.Title
	}
	if d.Notes != nil {
		if *d.Notes != base.Notes && *d.Notes != base.Summary {
			out.Summary = ""
		}
		out.Notes = *d.Notes
	}
	if d.DueAt != nil {
		due := *d.DueAt
		out.DueAt = &due
	}
	if d.ClearDue {
		out.DueAt = nil
		out.HasTime = false
	}
	if d.HasTime != nil {
		out.HasTime = *d.HasTime
	}
	if d.Priority != nil {
		out.Priority = *d.Priority
	}
	if d.Tags != nil {
		out.Tags = append([]string(nil), (*d.Tags)...)
	}
	if d.ParentID != nil {
		out.ParentID = *d.ParentID
	}
	if d.SortOrder != nil {
		out.SortOrder = *d.SortOrder
	}
	if d.Status != nil {
		out.Status = *d.Status
	}
	if d.RevertAI {
		out.CleanTitle = ""
		out.Summary = ""
		out.Entities = nil
		out.Complexity = 0
		out.DuplicateIDs = nil
		out.DuplicateResolved = false
	}
	if d.ResolveDuplicates != nil {
		out.DuplicateResolved = *d.ResolveDuplicates
	}
	return out
}

// OpKind names the four mutation intents the queue carries.
type OpKind string

const (
	OpCreate       OpKind = "create"
	OpUpdate       OpKind = "update"
	OpDelete       OpKind = "delete"
	OpStatusChange OpKind = "status_change"
)

// ValidOpKind reports whether k is a known operation kind.
func ValidOpKind(k OpKind) bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpStatusChange:
		return true
	}
	return false
}
