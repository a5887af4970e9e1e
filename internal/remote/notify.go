package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// notifyReconnectDelay paces reconnect attempts after a dropped stream.
const notifyReconnectDelay = 5 * time.Second

// changeFrame is what the server pushes when any task changes remotely.
// The payload is advisory; a frame only means "pull soon".
type changeFrame struct {
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id,omitempty"`
}

// Notifier subscribes to the task service's change stream and invokes
// onChange for every pushed frame, so the engine can pull immediately
// instead of waiting out the sync interval. It is best-effort: the ticker
// remains the correctness backstop, so dial and read failures only log
// and reconnect.
type Notifier struct {
	url      string
	token    string
	onChange func()
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier builds a notifier for the websocket endpoint at url
// (ws:// or wss://). onChange must be non-blocking.
func NewNotifier(url, token string, onChange func(), logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:      url,
		token:    token,
		onChange: onChange,
		logger:   logger.With("component", "notify"),
	}
}

// Start launches the subscription loop. No-op when already running or when
// no endpoint is configured.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil || strings.TrimSpace(n.url) == "" {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.run(ctx)
}

// Stop tears the stream down and waits for the loop to exit.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.cancel, n.done = nil, nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)
	for {
		if err := n.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Debug("change stream dropped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(notifyReconnectDelay):
		}
	}
}

func (n *Notifier) listen(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if n.token != "" {
		opts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + n.token},
		}
	}
	conn, _, err := websocket.Dial(ctx, n.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	n.logger.Info("change stream connected", "url", n.url)

	for {
		var frame changeFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		n.onChange()
	}
}
