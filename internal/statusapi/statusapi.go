// Package statusapi serves a small localhost HTTP surface for
// inspecting the sync daemon: a health probe and a JSON status view.
package statusapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/harborline/tasksync/internal/engine"
	"github.com/harborline/tasksync/internal/store"
)

type Config struct {
	Engine *engine.Engine
	Store  *store.Store
	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	srv    *http.Server
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/sync", s.handleSync)
	return mux
}

// Start binds addr and serves in the background. The listener is bound
// synchronously so callers see port conflicts at startup.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.Handler()}
	go func() {
		s.logger.Info("status api listening", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status api server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.PendingCount(ctx); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"online":  s.cfg.Engine.Online(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleSync requests an immediate cycle. The request returns as soon as
// the trigger is queued; poll /status to observe the result.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.cfg.Engine.SyncNow()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"triggered": true})
}

type statusPayload struct {
	engine.Status
	Online       bool              `json:"online"`
	DeviceID     string            `json:"device_id,omitempty"`
	LastPull     *time.Time        `json:"last_pull,omitempty"`
	RecentEvents []store.SyncEvent `json:"recent_events"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	payload := statusPayload{
		Status: s.cfg.Engine.Status(ctx),
		Online: s.cfg.Engine.Online(),
	}
	if id, err := s.cfg.Store.DeviceID(ctx); err == nil {
		payload.DeviceID = id
	}
	if cursor, err := s.cfg.Store.LastPullCursor(ctx); err == nil && !cursor.IsZero() {
		payload.LastPull = &cursor
	}
	events, err := s.cfg.Store.RecentSyncEvents(ctx, 20)
	if err != nil {
		s.logger.Warn("status: list sync events", "error", err)
		events = nil
	}
	if events == nil {
		events = []store.SyncEvent{}
	}
	payload.RecentEvents = events

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
