package model_test

import (
	"testing"
	"time"

	"github.com/harborline/tasksync/internal/model"
)

func strp(s string) *string          { return &s }
func intp(i int) *int                { return &i }
func statusp(s model.Status) *model.Status { return &s }

func TestDeltaMergeLastWins(t *testing.T) {
	d := model.Delta{Title: strp("first"), Priority: intp(1)}
	d.Merge(model.Delta{Title: strp("second"), Notes: strp("added")})

	if *d.Title != "second" {
		t.Errorf("title = %q, want second", *d.Title)
	}
	if *d.Priority != 1 {
		t.Errorf("priority = %d, want untouched 1", *d.Priority)
	}
	if d.Notes == nil || *d.Notes != "added" {
		t.Error("notes not merged")
	}
}

func TestDeltaMergeDueAndClearDueExclusive(t *testing.T) {
	due := time.Now()
	d := model.Delta{DueAt: &due}
	d.Merge(model.Delta{ClearDue: true})
	if d.DueAt != nil || !d.ClearDue {
		t.Error("clear_due should supersede earlier due date")
	}

	d.Merge(model.Delta{DueAt: &due})
	if d.ClearDue || d.DueAt == nil {
		t.Error("a later due date should supersede clear_due")
	}
}

func TestDeltaIsZero(t *testing.T) {
	if !(model.Delta{}).IsZero() {
		t.Error("empty delta should be zero")
	}
	if (model.Delta{RevertAI: true}).IsZero() {
		t.Error("revert delta should not be zero")
	}
	if (model.Delta{Title: strp("")}).IsZero() {
		t.Error("set pointer should not be zero")
	}
}

func TestApplyChangedTitleClearsCleanTitle(t *testing.T) {
	base := model.Task{Title: "buy milk", CleanTitle: "Buy milk"}
	out := model.Delta{Title: strp("buy milk and eggs")}.Apply(base)
	if out.CleanTitle != "" {
		t.Errorf("clean title = %q, want cleared", out.CleanTitle)
	}
	if out.Title != "buy milk and eggs" {
		t.Errorf("title = %q", out.Title)
	}
}

func TestApplyNoopTitleKeepsCleanTitle(t *testing.T) {
	base := model.Task{Title: "buy milk", CleanTitle: "Buy milk"}

	// Re-saving the same raw value must not discard enrichment.
	out := model.Delta{Title: strp("buy milk")}.Apply(base)
	if out.CleanTitle != "Buy milk" {
		t.Errorf("clean title = %q, want preserved", out.CleanTitle)
	}

	// Saving a value equal to the AI value is also a no-op edit.
	out = model.Delta{Title: strp("Buy milk")}.Apply(base)
	if out.CleanTitle != "Buy milk" {
		t.Errorf("clean title = %q, want preserved when matching AI value", out.CleanTitle)
	}
}

func TestApplyNotesMirrorsTitleRule(t *testing.T) {
	base := model.Task{Notes: "long rambling notes", Summary: "Short summary"}
	out := model.Delta{Notes: strp("long rambling notes")}.Apply(base)
	if out.Summary != "Short summary" {
		t.Error("no-op notes edit should keep summary")
	}
	out = model.Delta{Notes: strp("different notes")}.Apply(base)
	if out.Summary != "" {
		t.Error("real notes edit should clear summary")
	}
}

func TestApplyRevertAI(t *testing.T) {
	base := model.Task{
		Title:        "x",
		CleanTitle:   "X",
		Summary:      "s",
		Entities:     []string{"milk"},
		Complexity:   3,
		DuplicateIDs: []string{"t9"},
	}
	out := model.Delta{RevertAI: true}.Apply(base)
	if out.CleanTitle != "" || out.Summary != "" || out.Entities != nil ||
		out.Complexity != 0 || out.DuplicateIDs != nil || out.DuplicateResolved {
		t.Errorf("revert left AI fields populated: %+v", out)
	}
	if out.Title != "x" {
		t.Error("revert must not touch user fields")
	}
}

func TestApplyDoesNotMutateBase(t *testing.T) {
	base := model.Task{Title: "a", Tags: []string{"one"}}
	out := model.Delta{Tags: &[]string{"two"}}.Apply(base)
	if base.Tags[0] != "one" {
		t.Error("Apply mutated base tags")
	}
	if out.Tags[0] != "two" {
		t.Error("Apply dropped new tags")
	}
}

func TestApplyStatusAndClearDue(t *testing.T) {
	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	base := model.Task{Status: model.StatusOpen, DueAt: &due, HasTime: true}
	out := model.Delta{Status: statusp(model.StatusDone), ClearDue: true}.Apply(base)
	if out.Status != model.StatusDone {
		t.Errorf("status = %q", out.Status)
	}
	if out.DueAt != nil || out.HasTime {
		t.Error("clear_due should drop both due date and has_time")
	}
}

func TestValidOpKind(t *testing.T) {
	for _, k := range []model.OpKind{model.OpCreate, model.OpUpdate, model.OpDelete, model.OpStatusChange} {
		if !model.ValidOpKind(k) {
			t.Errorf("%q should be valid", k)
		}
	}
	if model.ValidOpKind("upsert") {
		t.Error("unknown kind accepted")
	}
}
