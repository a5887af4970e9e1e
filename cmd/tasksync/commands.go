package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/harborline/tasksync/internal/config"
	"github.com/harborline/tasksync/internal/engine"
	"github.com/harborline/tasksync/internal/model"
	"github.com/harborline/tasksync/internal/store"
	"github.com/harborline/tasksync/internal/telemetry"
)

// openLocal wires a store and engine for direct CLI use. Writes land in the
// overlay and queue; a running daemon picks them up on its next cycle.
func openLocal(quiet bool) (*engine.Engine, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config load: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}
	st, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		closer.Close()
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	eng := engine.New(st, nil, nil, nil, logger)
	cleanup := func() {
		_ = st.Close()
		_ = closer.Close()
	}
	return eng, cleanup, nil
}

// taskFlags holds the editable fields shared by add and edit.
type taskFlags struct {
	notes    string
	due      string
	priority int
	tags     string
	parent   string
}

func registerTaskFlags(fs *flag.FlagSet, tf *taskFlags) {
	fs.StringVar(&tf.notes, "notes", "", "task notes")
	fs.StringVar(&tf.due, "due", "", "due date (2006-01-02 or RFC3339 for a specific time)")
	fs.IntVar(&tf.priority, "priority", 0, "priority (higher is more urgent)")
	fs.StringVar(&tf.tags, "tags", "", "comma-separated tags")
	fs.StringVar(&tf.parent, "parent", "", "parent task id")
}

func (tf taskFlags) delta(fs *flag.FlagSet) (model.Delta, error) {
	var d model.Delta
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["notes"] {
		notes := tf.notes
		d.Notes = &notes
	}
	if set["due"] {
		if tf.due == "" {
			d.ClearDue = true
		} else {
			due, hasTime, err := parseDue(tf.due)
			if err != nil {
				return d, err
			}
			d.DueAt = &due
			d.HasTime = &hasTime
		}
	}
	if set["priority"] {
		p := tf.priority
		d.Priority = &p
	}
	if set["tags"] {
		tags := splitTags(tf.tags)
		d.Tags = &tags
	}
	if set["parent"] {
		parent := tf.parent
		d.ParentID = &parent
	}
	return d, nil
}

func parseDue(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid due %q (want 2006-01-02 or RFC3339)", raw)
	}
	return t, false, nil
}

func splitTags(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func runAddCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	var tf taskFlags
	registerTaskFlags(fs, &tf)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	title := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if title == "" {
		fmt.Fprintln(os.Stderr, "usage: tasksync add <title> [options]")
		return 2
	}

	delta, err := tf.delta(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	delta.Title = &title

	eng, cleanup, err := openLocal(interactiveStdout())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	task, err := eng.Create(ctx, delta)
	if err != nil {
		fmt.Fprintf(os.Stderr, "add: %v\n", err)
		return 1
	}
	fmt.Printf("added %s  %s\n", shortID(task.ID), task.DisplayTitle())
	return 0
}

func runListCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status (open, done, archived)")
	tag := fs.String("tag", "", "filter by tag")
	asJSON := fs.Bool("json", false, "print tasks as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var filter store.Filter
	if *status != "" {
		st := model.Status(*status)
		if !model.ValidStatus(st) {
			fmt.Fprintf(os.Stderr, "unknown status %q\n", *status)
			return 2
		}
		filter.Status = &st
	}
	filter.Tag = *tag

	eng, cleanup, err := openLocal(interactiveStdout())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	tasks, err := eng.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(tasks)
		return 0
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return 0
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%s  %-8s  %s", shortID(t.ID), t.Status, t.DisplayTitle())
		if t.DueAt != nil {
			if t.HasTime {
				line += "  due " + t.DueAt.Local().Format("2006-01-02 15:04")
			} else {
				line += "  due " + t.DueAt.Format("2006-01-02")
			}
		}
		if t.Version == 0 {
			line += "  (not yet synced)"
		}
		fmt.Println(line)
	}
	return 0
}

func runDoneCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tasksync done <id>")
		return 2
	}
	eng, cleanup, err := openLocal(interactiveStdout())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	id, err := resolveID(ctx, eng, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	task, err := eng.Complete(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "done: %v\n", err)
		return 1
	}
	fmt.Printf("done %s  %s\n", shortID(task.ID), task.DisplayTitle())
	return 0
}

func runEditCommand(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: tasksync edit <id> [options]")
		return 2
	}
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	var tf taskFlags
	title := fs.String("title", "", "new title")
	registerTaskFlags(fs, &tf)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	delta, err := tf.delta(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "title" {
			delta.Title = title
		}
	})
	if delta.IsZero() {
		fmt.Fprintln(os.Stderr, "edit: nothing to change")
		return 2
	}

	eng, cleanup, err := openLocal(interactiveStdout())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	id, err := resolveID(ctx, eng, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	task, err := eng.Update(ctx, id, delta)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edit: %v\n", err)
		return 1
	}
	fmt.Printf("updated %s  %s\n", shortID(task.ID), task.DisplayTitle())
	return 0
}

func runRemoveCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tasksync rm <id>")
		return 2
	}
	eng, cleanup, err := openLocal(interactiveStdout())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	id, err := resolveID(ctx, eng, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := eng.Delete(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "rm: %v\n", err)
		return 1
	}
	fmt.Printf("deleted %s\n", shortID(id))
	return 0
}

func runRetryCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tasksync retry <id>")
		return 2
	}
	eng, cleanup, err := openLocal(interactiveStdout())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	id, err := resolveFailedID(ctx, eng, args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := eng.Retry(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "retry: %v\n", err)
		return 1
	}
	fmt.Printf("retry queued for %s\n", shortID(id))
	// Best effort: nudge a running daemon so the retry is not stuck
	// waiting for the next ticker.
	_ = triggerDaemonSync(ctx)
	return 0
}

func runFailedCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tasksync failed")
		return 2
	}
	eng, cleanup, err := openLocal(interactiveStdout())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	ops, err := eng.FailedOps(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		return 1
	}
	if len(ops) == 0 {
		fmt.Println("no failed operations")
		return 0
	}
	for _, op := range ops {
		fmt.Printf("%s  %-13s  attempts=%d  %s\n",
			shortID(op.EntityID), op.Kind, op.Attempts, op.LastError)
	}
	fmt.Println("\nrun 'tasksync retry <id>' to try again")
	return 0
}

func runSyncCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tasksync sync")
		return 2
	}
	if err := triggerDaemonSync(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sync: %v (is the daemon running?)\n", err)
		return 1
	}
	fmt.Println("sync triggered")
	return 0
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: tasksync status")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		"http://"+cfg.StatusAddr+"/status", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v (is the daemon running?)\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "status: unexpected HTTP %d\n", resp.StatusCode)
		return 1
	}

	var body struct {
		State        string     `json:"state"`
		PendingCount int        `json:"pending_count"`
		FailedCount  int        `json:"failed_count"`
		LastError    string     `json:"last_error"`
		LastSyncAt   *time.Time `json:"last_sync_at"`
		Online       bool       `json:"online"`
		DeviceID     string     `json:"device_id"`
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read status: %v\n", err)
		return 1
	}
	if err := json.Unmarshal(data, &body); err != nil {
		fmt.Fprintf(os.Stderr, "decode status: %v\n", err)
		return 1
	}

	fmt.Printf("state:    %s\n", body.State)
	fmt.Printf("online:   %v\n", body.Online)
	fmt.Printf("pending:  %d\n", body.PendingCount)
	fmt.Printf("failed:   %d\n", body.FailedCount)
	if body.LastSyncAt != nil && !body.LastSyncAt.IsZero() {
		fmt.Printf("last sync: %s\n", body.LastSyncAt.Local().Format(time.RFC1123))
	}
	if body.LastError != "" {
		fmt.Printf("last error: %s\n", body.LastError)
	}
	if body.DeviceID != "" {
		fmt.Printf("device:   %s\n", body.DeviceID)
	}
	return 0
}

func triggerDaemonSync(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		"http://"+cfg.StatusAddr+"/sync", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected HTTP %d", resp.StatusCode)
	}
	return nil
}

// resolveID accepts a full task id or an unambiguous prefix of one.
func resolveID(ctx context.Context, eng *engine.Engine, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty task id")
	}
	if _, err := eng.Get(ctx, raw); err == nil {
		return raw, nil
	}
	tasks, err := eng.List(ctx, store.Filter{})
	if err != nil {
		return "", err
	}
	var match string
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, raw) {
			if match != "" {
				return "", fmt.Errorf("id prefix %q is ambiguous", raw)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no task matches %q", raw)
	}
	return match, nil
}

// resolveFailedID matches a full id or prefix against the failed op list,
// which includes entities (deleted ones, say) absent from the merged view.
func resolveFailedID(ctx context.Context, eng *engine.Engine, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty task id")
	}
	ops, err := eng.FailedOps(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, op := range ops {
		if op.EntityID == raw {
			return raw, nil
		}
		if strings.HasPrefix(op.EntityID, raw) {
			if match != "" {
				return "", fmt.Errorf("id prefix %q is ambiguous", raw)
			}
			match = op.EntityID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no failed operation matches %q", raw)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
