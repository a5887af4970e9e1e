// Package engine drives synchronization: it drains the pending-operation
// queue against the remote service, pulls remote changes back through the
// conflict resolver, and exposes the facade the rest of the app talks to.
//
// The primary concurrency invariant: at most one sync cycle runs at a
// time. Every trigger (interval tick, connectivity-regained edge, explicit
// SyncNow, change notification) funnels into a one-slot channel, so a
// trigger arriving mid-cycle coalesces into exactly one follow-up cycle.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harborline/tasksync/internal/bus"
	"github.com/harborline/tasksync/internal/connectivity"
	"github.com/harborline/tasksync/internal/otel"
	"github.com/harborline/tasksync/internal/remote"
	"github.com/harborline/tasksync/internal/shared"
	"github.com/harborline/tasksync/internal/store"
)

// Aggregate sync states surfaced to the UI.
const (
	StateSynced  = "synced"
	StateSyncing = "syncing"
	StateOffline = "offline"
	StateError   = "error"
)

// DefaultSyncInterval is the steady-state cycle cadence while online.
const DefaultSyncInterval = 30 * time.Second

// Status is the aggregate the presentation layer polls or observes.
// Per-operation errors never escape the engine in any other form.
type Status struct {
	State        string    `json:"state"`
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
	LastError    string    `json:"last_error,omitempty"`
	LastSyncAt   time.Time `json:"last_sync_at,omitempty"`
}

// Engine coordinates the overlay store, the operation queue, and the
// remote service.
type Engine struct {
	store   *store.Store
	remote  remote.Client
	monitor connectivity.Monitor
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	interval time.Duration
	trigger  chan struct{}

	mu         sync.Mutex
	syncing    bool
	lastError  string
	lastSyncAt time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// Option tweaks an Engine.
type Option func(*Engine)

// WithSyncInterval overrides the steady-state cycle cadence.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithMetrics attaches telemetry instruments. Without it the engine simply
// does not record metrics.
func WithMetrics(m *otel.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New wires an engine. monitor may be nil, in which case the engine
// assumes connectivity and relies on the error taxonomy to notice outages.
func New(st *store.Store, client remote.Client, monitor connectivity.Monitor, eventBus *bus.Bus, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    st,
		remote:   client,
		monitor:  monitor,
		bus:      eventBus,
		logger:   logger.With("component", "engine"),
		interval: DefaultSyncInterval,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the sync loop. No-op when already running.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx)
}

// Stop cancels the loop and waits for it to exit. Any in-flight operation
// is abandoned mid-request; it remains queued with its attempt count
// intact, so nothing is lost across a shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SyncNow requests an immediate cycle. Never blocks: if a cycle is running
// the request coalesces into the already-pending follow-up.
func (e *Engine) SyncNow() {
	select {
	case e.trigger <- struct{}{}:
	default:
		if e.metrics != nil {
			e.metrics.CyclesCoalesced.Add(context.Background(), 1)
		}
	}
}

// Online reports the connectivity view the engine acts on.
func (e *Engine) Online() bool {
	if e.monitor == nil {
		return true
	}
	return e.monitor.Online()
}

// Status returns the aggregate state for the UI.
func (e *Engine) Status(ctx context.Context) Status {
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		e.logger.Warn("pending count failed", "error", err)
	}
	failed, err := e.store.FailedCount(ctx)
	if err != nil {
		e.logger.Warn("failed count failed", "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		PendingCount: pending,
		FailedCount:  failed,
		LastError:    e.lastError,
		LastSyncAt:   e.lastSyncAt,
	}
	switch {
	case e.syncing:
		st.State = StateSyncing
	case !e.Online():
		st.State = StateOffline
	case failed > 0 || e.lastError != "":
		st.State = StateError
	default:
		st.State = StateSynced
	}
	return st
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	var connCh <-chan bus.Event
	if e.bus != nil {
		sub := e.bus.Subscribe(bus.TopicConnectivity)
		defer e.bus.Unsubscribe(sub)
		connCh = sub.Ch()
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.Online() {
				e.runCycle(ctx)
			}
		case <-e.trigger:
			e.runCycle(ctx)
		case ev := <-connCh:
			if edge, ok := ev.Payload.(bus.ConnectivityEvent); ok && edge.Online {
				e.runCycle(ctx)
			}
		}
	}
}

// runCycle executes one Draining then Pulling pass. Callers are all on the
// run goroutine, so cycles never overlap.
func (e *Engine) runCycle(ctx context.Context) {
	cycleID := shared.NewTraceID()
	ctx = shared.WithCycleID(ctx, cycleID)
	logger := e.logger.With("cycle_id", cycleID)

	e.setSyncing(true)
	e.publishState(ctx)
	start := time.Now()

	drainErr := e.drain(ctx, logger)
	pullErr := e.pull(ctx, logger)

	e.mu.Lock()
	e.syncing = false
	switch {
	case pullErr != nil:
		e.lastError = pullErr.Error()
	case drainErr != nil:
		e.lastError = drainErr.Error()
	default:
		e.lastError = ""
		e.lastSyncAt = time.Now().UTC()
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.CycleDuration.Record(ctx, time.Since(start).Seconds())
	}
	logger.Debug("sync cycle finished",
		"duration_ms", time.Since(start).Milliseconds(),
		"drain_error", errString(drainErr),
		"pull_error", errString(pullErr))
	e.publishState(ctx)
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
}

func (e *Engine) publishState(ctx context.Context) {
	if e.bus == nil {
		return
	}
	st := e.Status(ctx)
	e.bus.Publish(bus.TopicSyncState, bus.SyncStateEvent{
		State:        st.State,
		PendingCount: st.PendingCount,
		LastError:    st.LastError,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
