// Package api bootstraps the attendance bot and serves its status endpoints.
//
// Run wires the transport, dedup store, registration client, outbound queue,
// pipeline, backlog scanner and scheduler together and blocks until a signal
// arrives or the WhatsApp session is logged out.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/RizDevStudio/bot/internal/lockfile"
	"github.com/RizDevStudio/bot/internal/messaging"
	"github.com/RizDevStudio/bot/internal/models"
	"github.com/RizDevStudio/bot/internal/outbound"
	"github.com/RizDevStudio/bot/internal/pipeline"
	"github.com/RizDevStudio/bot/internal/recovery"
	"github.com/RizDevStudio/bot/internal/registration"
	"github.com/RizDevStudio/bot/internal/scheduler"
	"github.com/RizDevStudio/bot/internal/store"
	"github.com/RizDevStudio/bot/internal/whatsapp"
)

// Default configuration constants
const (
	DefaultServerAddr      = ":8080"
	DefaultStateDir        = "/var/lib/absensibot"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultHeaderTimeout   = 5 * time.Second
)

// ErrLoggedOut is returned by Run when the WhatsApp session was revoked.
// The device has to be paired again before the bot can restart.
var ErrLoggedOut = errors.New("whatsapp session logged out")

// Opts holds configuration options for the bot.
type Opts struct {
	Addr     string
	StateDir string

	APIURL     string
	APISecret  string
	APITimeout time.Duration

	PhoneStrategy string
	SchoolName    string

	MinDelay, MaxDelay time.Duration
	MinGap, MaxGap     time.Duration
	RatePerMinute      float64

	SweepInitialDelay time.Duration
	SweepInterval     time.Duration
	FlushInterval     time.Duration
}

// Option defines a configuration option for the bot.
type Option func(*Opts)

// WithAddr sets the status server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithStateDir sets the directory holding the lock file and dedup files.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// WithRegistrationAPI sets the registration endpoint and its bearer secret.
func WithRegistrationAPI(url, secret string) Option {
	return func(o *Opts) {
		o.APIURL = url
		o.APISecret = secret
	}
}

// WithAPITimeout bounds each registration call.
func WithAPITimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.APITimeout = d
	}
}

// WithPhoneStrategy selects how the phone of a three-field command is found.
func WithPhoneStrategy(strategy string) Option {
	return func(o *Opts) {
		o.PhoneStrategy = strategy
	}
}

// WithSchoolName sets the school named in the welcome text.
func WithSchoolName(name string) Option {
	return func(o *Opts) {
		o.SchoolName = name
	}
}

// WithQueueDelay sets the randomized pause before each reply.
func WithQueueDelay(min, max time.Duration) Option {
	return func(o *Opts) {
		o.MinDelay, o.MaxDelay = min, max
	}
}

// WithQueueGap sets the randomized gap between consecutive replies.
func WithQueueGap(min, max time.Duration) Option {
	return func(o *Opts) {
		o.MinGap, o.MaxGap = min, max
	}
}

// WithRatePerMinute caps replies per minute. Zero disables the cap.
func WithRatePerMinute(n float64) Option {
	return func(o *Opts) {
		o.RatePerMinute = n
	}
}

// WithSweepTiming sets the delay after a connect and the periodic interval
// of the backlog sweep.
func WithSweepTiming(initialDelay, interval time.Duration) Option {
	return func(o *Opts) {
		o.SweepInitialDelay, o.SweepInterval = initialDelay, interval
	}
}

// WithFlushInterval sets how often the dedup sets are persisted.
func WithFlushInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.FlushInterval = d
	}
}

func defaultOpts() Opts {
	return Opts{
		Addr:              DefaultServerAddr,
		StateDir:          DefaultStateDir,
		APITimeout:        registration.DefaultTimeout,
		PhoneStrategy:     pipeline.StrategySender,
		SchoolName:        pipeline.DefaultSchoolName,
		MinDelay:          outbound.DefaultMinDelay,
		MaxDelay:          outbound.DefaultMaxDelay,
		MinGap:            outbound.DefaultMinGap,
		MaxGap:            outbound.DefaultMaxGap,
		RatePerMinute:     outbound.DefaultRatePerMinute,
		SweepInitialDelay: recovery.DefaultInitialDelay,
		SweepInterval:     recovery.DefaultInterval,
		FlushInterval:     store.DefaultFlushInterval,
	}
}

// Run starts the bot and blocks until SIGINT/SIGTERM or a logout.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, apiOpts []Option) error {
	cfg := defaultOpts()
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.APIURL == "" {
		return fmt.Errorf("registration API URL not configured")
	}

	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Run: failed to release lock", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(storeOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Run: failed to close store", "error", err)
		}
	}()

	var persister store.Persister = st
	if _, inMemory := st.(*store.InMemoryStore); inMemory {
		fp, err := store.NewFilePersister(cfg.StateDir)
		if err != nil {
			return err
		}
		slog.Info("Run: dedup sets persisted as JSON files", "dir", cfg.StateDir)
		persister = fp
	}
	dedup := store.NewDedupStore(persister)
	if err := dedup.Load(ctx); err != nil {
		return err
	}

	submitter, err := registration.NewClient(cfg.APIURL, cfg.APISecret, registration.WithTimeout(cfg.APITimeout))
	if err != nil {
		return err
	}

	waClient, err := whatsapp.NewClient(ctx, waOpts...)
	if err != nil {
		return err
	}
	svc := messaging.NewWhatsAppService(waClient, st)

	queue := outbound.NewQueue(svc.SendMessage,
		outbound.WithDelay(cfg.MinDelay, cfg.MaxDelay),
		outbound.WithGap(cfg.MinGap, cfg.MaxGap),
		outbound.WithRatePerMinute(cfg.RatePerMinute),
	)

	resolver, err := pipeline.NewPhoneResolver(cfg.PhoneStrategy, svc.ResolvePhone)
	if err != nil {
		return err
	}
	pipe := pipeline.New(dedup, submitter, queue,
		pipeline.WithSchoolName(cfg.SchoolName),
		pipeline.WithPhoneResolver(resolver),
	)
	scanner := recovery.NewScanner(svc, pipe, recovery.WithInitialDelay(cfg.SweepInitialDelay))

	sched := scheduler.NewScheduler()
	if err := sched.Every(cfg.SweepInterval, "backlog-sweep", func() {
		if _, err := scanner.Sweep(ctx, recovery.TriggerInterval); err != nil && !errors.Is(err, recovery.ErrSweepInProgress) {
			slog.Error("Run: periodic sweep failed", "error", err)
		}
	}); err != nil {
		sched.Stop()
		return err
	}
	if err := sched.Every(cfg.FlushInterval, "dedup-flush", func() {
		if err := dedup.Flush(ctx); err != nil {
			slog.Error("Run: periodic dedup flush failed", "error", err)
		}
	}); err != nil {
		sched.Stop()
		return err
	}

	server := NewServer(ctx, queue, dedup, scanner)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: DefaultHeaderTimeout,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Run(ctx)
	}()

	go func() {
		slog.Info("Status server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("status server failed: %w", err)
		}
	}()

	go func() {
		if err := svc.Start(ctx); err != nil {
			errCh <- fmt.Errorf("failed to start WhatsApp service: %w", err)
		}
	}()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- consume(ctx, svc, pipe, scanner, server)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case runErr = <-errCh:
	case runErr = <-loopErr:
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Run: status server shutdown failed", "error", err)
	}
	sched.Stop()
	wg.Wait()
	if err := svc.Stop(); err != nil {
		slog.Warn("Run: WhatsApp service stop failed", "error", err)
	}
	if err := dedup.Flush(shutdownCtx); err != nil {
		slog.Error("Run: final dedup flush failed", "error", err)
	}
	sent, failed := queue.Stats()
	welcomed, processed := dedup.Counts()
	slog.Info("Bot stopped", "sent", sent, "failed", failed, "welcomed", welcomed, "processed", processed)
	return runErr
}

type messageHandler interface {
	Handle(ctx context.Context, msg models.InboundMessage) pipeline.Outcome
}

type connectHook interface {
	OnConnected(ctx context.Context)
}

// consume feeds live messages to the pipeline and reacts to connection
// changes. It returns nil when ctx ends or the service closes its channels,
// and ErrLoggedOut on logout.
func consume(ctx context.Context, svc messaging.Service, handler messageHandler, hook connectHook, server *Server) error {
	inbound := svc.Inbound()
	states := svc.States()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			outcome := handler.Handle(ctx, msg)
			slog.Debug("Inbound message handled", "id", msg.ExternalID, "sender", msg.SenderID, "outcome", outcome)
		case state, ok := <-states:
			if !ok {
				return nil
			}
			server.SetState(state)
			switch state {
			case models.StateConnected:
				hook.OnConnected(ctx)
			case models.StateLoggedOut:
				slog.Error("WhatsApp session logged out; pair the device again to resume")
				return ErrLoggedOut
			case models.StateLoginRequired:
				slog.Warn("WhatsApp login required")
			}
		}
	}
}
