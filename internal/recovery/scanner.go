// Package recovery re-reads recent chat history and feeds registration
// commands the live handler missed back into the pipeline.
//
// A sweep runs shortly after every (re)connect and on a fixed interval.
// Messages already handled are skipped, so sweeps are safe to repeat.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RizDevStudio/bot/internal/command"
	"github.com/RizDevStudio/bot/internal/models"
	"github.com/RizDevStudio/bot/internal/pipeline"
	"github.com/RizDevStudio/bot/internal/util"
)

// Defaults for sweep timing and window sizing.
const (
	DefaultInitialDelay = 10 * time.Second
	DefaultInterval     = 15 * time.Minute
	DefaultMinPause     = 300 * time.Millisecond
	DefaultMaxPause     = 2 * time.Second

	MinWindow = 20
	MaxWindow = 50
)

// Sweep triggers.
const (
	TriggerConnected = "connected"
	TriggerInterval  = "interval"
	TriggerManual    = "manual"
)

// ErrSweepInProgress is returned when a sweep is requested while one runs.
var ErrSweepInProgress = errors.New("backlog sweep already in progress")

// History is the read side of the message log.
type History interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	RecentMessages(ctx context.Context, chatID string, limit int) ([]models.InboundMessage, error)
}

// Handler is the pipeline entry point sweeps feed.
type Handler interface {
	Handle(ctx context.Context, msg models.InboundMessage) pipeline.Outcome
	Seen(externalID string) bool
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	ID            string         `json:"id"`
	Trigger       string         `json:"trigger"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Conversations int            `json:"conversations"`
	Candidates    int            `json:"candidates"`
	Submitted     int            `json:"submitted"`
	Skipped       int            `json:"skipped"`
	Outcomes      map[string]int `json:"outcomes,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Scanner runs backlog sweeps.
type Scanner struct {
	history History
	handler Handler

	initialDelay       time.Duration
	minPause, maxPause time.Duration

	mu          sync.Mutex
	running     bool
	last        *SweepReport
	cancelDelay context.CancelFunc
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithInitialDelay sets the wait between a connect and its sweep.
func WithInitialDelay(d time.Duration) Option {
	return func(s *Scanner) {
		if d >= 0 {
			s.initialDelay = d
		}
	}
}

// WithPause sets the random pause between conversations.
func WithPause(min, max time.Duration) Option {
	return func(s *Scanner) {
		s.minPause, s.maxPause = min, max
	}
}

// NewScanner creates a Scanner reading from history and feeding handler.
func NewScanner(history History, handler Handler, opts ...Option) *Scanner {
	s := &Scanner{
		history:      history,
		handler:      handler,
		initialDelay: DefaultInitialDelay,
		minPause:     DefaultMinPause,
		maxPause:     DefaultMaxPause,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WindowSize returns how many recent messages to read for a conversation
// with the given unread count.
func WindowSize(unread int) int {
	n := unread * 2
	if n < MinWindow {
		return MinWindow
	}
	if n > MaxWindow {
		return MaxWindow
	}
	return n
}

// OnConnected schedules a sweep InitialDelay after a connect. A newer connect
// replaces a sweep that has not started yet.
func (s *Scanner) OnConnected(ctx context.Context) {
	delayCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancelDelay != nil {
		s.cancelDelay()
	}
	s.cancelDelay = cancel
	s.mu.Unlock()

	slog.Info("Scanner.OnConnected: sweep scheduled", "delay", s.initialDelay)
	go func() {
		defer cancel()
		t := time.NewTimer(s.initialDelay)
		defer t.Stop()
		select {
		case <-delayCtx.Done():
			return
		case <-t.C:
		}
		if _, err := s.Sweep(ctx, TriggerConnected); err != nil && !errors.Is(err, ErrSweepInProgress) {
			slog.Error("Scanner.OnConnected: sweep failed", "error", err)
		}
	}()
}

// LastReport returns the most recent finished sweep, if any.
func (s *Scanner) LastReport() (SweepReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return SweepReport{}, false
	}
	return *s.last, true
}

// Running reports whether a sweep is in progress.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sweep scans every direct conversation once. It returns ErrSweepInProgress
// without doing anything if another sweep is running.
func (s *Scanner) Sweep(ctx context.Context, trigger string) (SweepReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.Debug("Scanner.Sweep: skipped, already running", "trigger", trigger)
		return SweepReport{}, ErrSweepInProgress
	}
	s.running = true
	s.mu.Unlock()

	report := SweepReport{
		ID:        util.GenerateSweepID(),
		Trigger:   trigger,
		StartedAt: time.Now(),
		Outcomes:  make(map[string]int),
	}
	err := s.sweep(ctx, &report)
	report.FinishedAt = time.Now()
	if err != nil {
		report.Error = err.Error()
	}

	s.mu.Lock()
	s.running = false
	s.last = &report
	s.mu.Unlock()

	slog.Info("Scanner.Sweep: completed", "id", report.ID, "trigger", trigger,
		"conversations", report.Conversations, "candidates", report.Candidates,
		"submitted", report.Submitted, "skipped", report.Skipped,
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return report, err
}

func (s *Scanner) sweep(ctx context.Context, report *SweepReport) error {
	convs, err := s.history.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	var direct []models.Conversation
	for _, c := range convs {
		if c.Kind == models.ChatKindDirect {
			direct = append(direct, c)
		}
	}
	slog.Info("Scanner.Sweep: starting", "id", report.ID, "trigger", report.Trigger, "conversations", len(direct))

	for i, conv := range direct {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Conversations++
		if err := s.scanConversation(ctx, conv, report); err != nil {
			slog.Warn("Scanner.Sweep: conversation failed", "chat", conv.ID, "error", err)
		}
		if i < len(direct)-1 {
			if err := sleepCtx(ctx, util.RandomDuration(s.minPause, s.maxPause)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scanner) scanConversation(ctx context.Context, conv models.Conversation, report *SweepReport) error {
	limit := WindowSize(conv.UnreadCount)
	msgs, err := s.history.RecentMessages(ctx, conv.ID, limit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
	})

	for _, msg := range msgs {
		if msg.FromMe || !msg.IsDirect() || command.Parse(msg.Body).Kind != models.CommandRegistration {
			continue
		}
		report.Candidates++
		if s.handler.Seen(msg.ExternalID) {
			report.Skipped++
			continue
		}
		outcome := s.handler.Handle(ctx, msg)
		report.Outcomes[outcome.String()]++
		if outcome == pipeline.OutcomeSubmitted {
			report.Submitted++
		}
		slog.Debug("Scanner.Sweep: recovered message", "chat", conv.ID, "id", msg.ExternalID, "outcome", outcome.String())
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
