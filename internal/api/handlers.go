package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/RizDevStudio/bot/internal/models"
	"github.com/RizDevStudio/bot/internal/recovery"
)

// QueueStats is the read side of the outbound queue.
type QueueStats interface {
	Len() int
	Stats() (sent, failed int)
}

// DedupStats is the read side of the dedup store.
type DedupStats interface {
	Counts() (welcomed, processed int)
}

// Sweeper runs and reports backlog sweeps.
type Sweeper interface {
	Sweep(ctx context.Context, trigger string) (recovery.SweepReport, error)
	LastReport() (recovery.SweepReport, bool)
	Running() bool
}

// Server serves the status endpoints.
type Server struct {
	ctx       context.Context
	queue     QueueStats
	dedup     DedupStats
	sweeper   Sweeper
	startedAt time.Time

	mu    sync.RWMutex
	state models.ConnectionState
}

// NewServer creates a status server. Manual sweeps run under ctx, so they
// stop when the bot shuts down. The connection state starts as disconnected
// until the transport reports otherwise.
func NewServer(ctx context.Context, queue QueueStats, dedup DedupStats, sweeper Sweeper) *Server {
	return &Server{
		ctx:       ctx,
		queue:     queue,
		dedup:     dedup,
		sweeper:   sweeper,
		startedAt: time.Now(),
		state:     models.StateDisconnected,
	}
}

// SetState records the latest connection state.
func (s *Server) SetState(state models.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// State returns the latest connection state.
func (s *Server) State() models.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Handler returns the routes of the status server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/sweep", s.sweepHandler)
	return mux
}

// healthHandler reports the connection state (GET /health). A logged out
// session is unhealthy; anything else may still recover on its own.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	state := s.State()
	healthData := map[string]interface{}{
		"status":     "healthy",
		"connection": state,
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	switch state {
	case models.StateLoggedOut:
		healthData["status"] = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case models.StateConnected:
	default:
		healthData["status"] = "degraded"
	}
	writeJSONResponse(w, statusCode, healthData)
}

// statsHandler returns queue, dedup and sweep counters (GET /stats).
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("statsHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	sent, failed := s.queue.Stats()
	welcomed, processed := s.dedup.Counts()
	stats := map[string]interface{}{
		"connection":     s.State(),
		"queue_length":   s.queue.Len(),
		"replies_sent":   sent,
		"replies_failed": failed,
		"welcomed":       welcomed,
		"processed":      processed,
		"sweep_running":  s.sweeper.Running(),
	}
	if report, ok := s.sweeper.LastReport(); ok {
		stats["last_sweep"] = report
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// sweepHandler runs a backlog sweep now and returns its report (POST /sweep).
// The sweep outlives a client that disconnects early but not the server.
func (s *Server) sweepHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	report, err := s.sweeper.Sweep(s.ctx, recovery.TriggerManual)
	switch {
	case errors.Is(err, recovery.ErrSweepInProgress):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	case err != nil:
		slog.Error("sweepHandler: sweep failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: err.Error(),
			Result:  report,
		})
	default:
		writeJSONResponse(w, http.StatusOK, models.Success(report))
	}
}
