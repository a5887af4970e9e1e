// Package retention runs the scheduled purge of sync residue: confirmed
// tombstones past their retention window and old sync log entries. Live
// data is never touched; an unconfirmed tombstone stays until the server
// acknowledges the delete, however old it gets.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/harborline/tasksync/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and policy for the purger.
type Config struct {
	Store         *store.Store
	Logger        *slog.Logger
	Schedule      string // cron expression; default nightly at 03:00
	TombstoneDays int    // confirmed tombstones older than this are purged
	SyncEventDays int    // sync log entries older than this are purged
}

// Purger fires the purge on a cron schedule.
type Purger struct {
	store         *store.Store
	logger        *slog.Logger
	schedule      cronlib.Schedule
	tombstoneDays int
	syncEventDays int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPurger validates the schedule and builds a purger.
func NewPurger(cfg Config) (*Purger, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tombstoneDays := cfg.TombstoneDays
	if tombstoneDays <= 0 {
		tombstoneDays = 30
	}
	syncEventDays := cfg.SyncEventDays
	if syncEventDays <= 0 {
		syncEventDays = 14
	}
	return &Purger{
		store:         cfg.Store,
		logger:        logger.With("component", "retention"),
		schedule:      schedule,
		tombstoneDays: tombstoneDays,
		syncEventDays: syncEventDays,
	}, nil
}

// Start begins the schedule loop in a background goroutine.
func (p *Purger) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("retention purger started",
		"tombstone_days", p.tombstoneDays, "sync_event_days", p.syncEventDays)
}

// Stop cancels the loop and waits for it to exit.
func (p *Purger) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("retention purger stopped")
}

func (p *Purger) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		next := p.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			p.RunOnce(ctx)
		}
	}
}

// RunOnce purges immediately, outside the schedule. Used by the loop and
// by the CLI's explicit maintenance command.
func (p *Purger) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	tombstones, err := p.store.PurgeTombstones(ctx, now.AddDate(0, 0, -p.tombstoneDays))
	if err != nil {
		p.logger.Error("tombstone purge failed", "error", err)
	}
	events, err := p.store.PurgeSyncEvents(ctx, now.AddDate(0, 0, -p.syncEventDays))
	if err != nil {
		p.logger.Error("sync event purge failed", "error", err)
	}
	p.logger.Info("retention purge finished",
		"tombstones", tombstones, "sync_events", events)
}
