// Package connectivity tracks whether the remote service is reachable and
// announces transitions on the event bus. The sync engine only consumes
// the Monitor interface; anything that can answer "online?" and raise a
// became-online edge can drive it.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/harborline/tasksync/internal/bus"
)

// Monitor is the engine's view of network state.
type Monitor interface {
	// Online reports the last observed reachability.
	Online() bool
}

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

// Prober polls the remote health endpoint and publishes connectivity
// transitions. Only edges are published; a quiet link stays quiet.
type Prober struct {
	healthURL string
	interval  time.Duration
	bus       *bus.Bus
	logger    *slog.Logger
	client    *http.Client

	mu     sync.Mutex
	online bool
	cancel context.CancelFunc
	done   chan struct{}
}

// ProberOption tweaks a Prober.
type ProberOption func(*Prober)

// WithProbeInterval overrides the poll cadence.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithProbeClient swaps the HTTP client, mostly for tests.
func WithProbeClient(hc *http.Client) ProberOption {
	return func(p *Prober) { p.client = hc }
}

// NewProber builds a monitor that GETs healthURL on a ticker. It starts
// pessimistic; the first successful probe raises the online edge, which
// doubles as the "app started with connectivity" trigger.
func NewProber(healthURL string, eventBus *bus.Bus, logger *slog.Logger, opts ...ProberOption) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		healthURL: healthURL,
		interval:  defaultProbeInterval,
		bus:       eventBus,
		logger:    logger.With("component", "connectivity"),
		client:    &http.Client{Timeout: defaultProbeTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Online reports the last probe result.
func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Start begins probing. No-op when already running.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	online := p.check(ctx)

	p.mu.Lock()
	changed := online != p.online
	p.online = online
	p.mu.Unlock()

	if !changed {
		return
	}
	p.logger.Info("connectivity changed", "online", online)
	if p.bus != nil {
		p.bus.Publish(bus.TopicConnectivity, bus.ConnectivityEvent{Online: online})
	}
}

func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
