package resolve_test

import (
	"testing"
	"time"

	"github.com/harborline/tasksync/internal/model"
	"github.com/harborline/tasksync/internal/resolve"
)

func strp(s string) *string { return &s }

func TestResolve_ServerWinsWithoutPendingDelta(t *testing.T) {
	local := &model.Task{ID: "t1", Title: "old title", Version: 3}
	incoming := model.Task{
		ID:         "t1",
		Title:      "buy milk",
		CleanTitle: "Buy milk",
		Priority:   2,
		Version:    5,
	}

	merged := resolve.Resolve(nil, local, incoming)
	if merged.Title != "buy milk" || merged.CleanTitle != "Buy milk" {
		t.Fatalf("server record should win outright: %+v", merged)
	}
	if merged.Version != 5 {
		t.Fatalf("expected server version 5, got %d", merged.Version)
	}
}

func TestResolve_PendingFieldsWinOverServer(t *testing.T) {
	incoming := model.Task{
		ID:         "t1",
		Title:      "buy milk",
		CleanTitle: "Buy milk",
		Priority:   2,
		Version:    7,
	}
	pending := &model.Delta{Priority: intp(5)}

	merged := resolve.Resolve(pending, nil, incoming)
	if merged.Priority != 5 {
		t.Fatalf("pending priority must win, got %d", merged.Priority)
	}
	if merged.Title != "buy milk" || merged.CleanTitle != "Buy milk" {
		t.Fatalf("untouched fields must take server values: %+v", merged)
	}
	if merged.Version != 7 {
		t.Fatalf("version must be the server's, got %d", merged.Version)
	}
}

func TestResolve_NoOpTitleEditKeepsAITitle(t *testing.T) {
	incoming := model.Task{
		ID:         "t1",
		Title:      "buy milk",
		CleanTitle: "Buy milk",
		Version:    2,
	}

	// Re-saving the same raw title is a no-op edit.
	merged := resolve.Resolve(&model.Delta{Title: strp("buy milk")}, nil, incoming)
	if merged.CleanTitle != "Buy milk" {
		t.Fatalf("no-op edit must not clear AI title, got %q", merged.CleanTitle)
	}

	// Typing the AI-cleaned value back is also a no-op.
	merged = resolve.Resolve(&model.Delta{Title: strp("Buy milk")}, nil, incoming)
	if merged.CleanTitle != "Buy milk" {
		t.Fatalf("matching the AI value must not clear it, got %q", merged.CleanTitle)
	}
}

func TestResolve_RealTitleEditClearsAITitle(t *testing.T) {
	incoming := model.Task{
		ID:         "t1",
		Title:      "buy milk",
		CleanTitle: "Buy milk",
		Version:    2,
	}

	merged := resolve.Resolve(&model.Delta{Title: strp("buy milk and eggs")}, nil, incoming)
	if merged.CleanTitle != "" {
		t.Fatalf("diverging edit must clear AI title, got %q", merged.CleanTitle)
	}
	if merged.Title != "buy milk and eggs" {
		t.Fatalf("unexpected merged title %q", merged.Title)
	}
}

func TestResolve_SoftDeleteWinsFromEitherSide(t *testing.T) {
	deletedAt := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	incoming := model.Task{ID: "t1", Title: "gone", Version: 4, DeletedAt: &deletedAt}
	merged := resolve.Resolve(&model.Delta{Title: strp("edited anyway")}, nil, incoming)
	if !merged.Deleted() {
		t.Fatalf("server delete must win over pending edit")
	}

	local := &model.Task{ID: "t1", Title: "local", Version: 3, DeletedAt: &deletedAt}
	merged = resolve.Resolve(nil, local, model.Task{ID: "t1", Title: "alive", Version: 4})
	if !merged.Deleted() {
		t.Fatalf("local delete must win over live server record")
	}
	if merged.Version != 4 {
		t.Fatalf("deleted merge must still carry server version, got %d", merged.Version)
	}
}

func TestResolve_RevertAIClearsEnrichment(t *testing.T) {
	incoming := model.Task{
		ID:         "t1",
		Title:      "plan trip",
		CleanTitle: "Plan trip",
		Summary:    "A trip plan",
		Entities:   []string{"trip"},
		Complexity: 4,
		Version:    9,
	}

	merged := resolve.Resolve(&model.Delta{RevertAI: true}, nil, incoming)
	if merged.CleanTitle != "" || merged.Summary != "" || merged.Entities != nil || merged.Complexity != 0 {
		t.Fatalf("revert must clear all AI fields: %+v", merged)
	}
	if merged.Title != "plan trip" {
		t.Fatalf("revert must keep the raw title, got %q", merged.Title)
	}
}

func TestResolve_PureNoInputMutation(t *testing.T) {
	local := &model.Task{ID: "t1", Title: "local", Tags: []string{"a"}, Version: 1}
	incoming := model.Task{ID: "t1", Title: "server", Tags: []string{"b"}, Version: 2}
	pending := &model.Delta{Tags: &[]string{"c"}}

	merged := resolve.Resolve(pending, local, incoming)
	merged.Tags[0] = "mutated"

	if incoming.Tags[0] != "b" || local.Tags[0] != "a" {
		t.Fatalf("inputs mutated: incoming=%v local=%v", incoming.Tags, local.Tags)
	}
}

func intp(i int) *int { return &i }
