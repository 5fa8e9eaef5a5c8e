package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/RizDevStudio/bot/internal/models"
	"github.com/RizDevStudio/bot/internal/pipeline"
	"github.com/RizDevStudio/bot/internal/recovery"
	"github.com/RizDevStudio/bot/internal/testutil"
)

type fakeQueue struct{ length, sent, failed int }

func (q fakeQueue) Len() int                  { return q.length }
func (q fakeQueue) Stats() (sent, failed int) { return q.sent, q.failed }

type fakeDedup struct{ welcomed, processed int }

func (d fakeDedup) Counts() (int, int) { return d.welcomed, d.processed }

type fakeSweeper struct {
	report  recovery.SweepReport
	err     error
	last    *recovery.SweepReport
	running bool
	calls   int
	ctxErr  error
}

func (f *fakeSweeper) Sweep(ctx context.Context, trigger string) (recovery.SweepReport, error) {
	f.calls++
	f.ctxErr = ctx.Err()
	f.report.Trigger = trigger
	return f.report, f.err
}

func (f *fakeSweeper) LastReport() (recovery.SweepReport, bool) {
	if f.last == nil {
		return recovery.SweepReport{}, false
	}
	return *f.last, true
}

func (f *fakeSweeper) Running() bool { return f.running }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		state      models.ConnectionState
		wantCode   int
		wantStatus string
	}{
		{models.StateConnected, http.StatusOK, "healthy"},
		{models.StateDisconnected, http.StatusOK, "degraded"},
		{models.StateLoginRequired, http.StatusOK, "degraded"},
		{models.StateLoggedOut, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			s := NewServer(context.Background(), fakeQueue{}, fakeDedup{}, &fakeSweeper{})
			s.SetState(tt.state)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			testutil.AssertHTTPStatus(t, tt.wantCode, rec.Code, "GET /health")
			body := testutil.AssertJSONResponse(t, rec, tt.wantStatus)
			if body["connection"] != string(tt.state) {
				t.Errorf("connection = %v, want %s", body["connection"], tt.state)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(context.Background(), fakeQueue{}, fakeDedup{}, &fakeSweeper{})
	tests := []struct {
		method, path, allow string
	}{
		{http.MethodPost, "/health", http.MethodGet},
		{http.MethodDelete, "/stats", http.MethodGet},
		{http.MethodGet, "/sweep", http.MethodPost},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: status code = %d, want 405", tt.method, tt.path, rec.Code)
		}
		if got := rec.Header().Get("Allow"); got != tt.allow {
			t.Errorf("%s %s: Allow = %q, want %q", tt.method, tt.path, got, tt.allow)
		}
	}
}

func TestStatsHandler(t *testing.T) {
	last := &recovery.SweepReport{ID: "sweep_1", Trigger: recovery.TriggerInterval, Submitted: 2}
	s := NewServer(context.Background(), fakeQueue{length: 3, sent: 10, failed: 1}, fakeDedup{welcomed: 7, processed: 4}, &fakeSweeper{last: last, running: true})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "GET /stats")
	body := testutil.AssertJSONResponse(t, rec, "ok")
	result, ok := body["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("result missing: %v", body)
	}
	want := map[string]float64{
		"queue_length":   3,
		"replies_sent":   10,
		"replies_failed": 1,
		"welcomed":       7,
		"processed":      4,
	}
	for key, v := range want {
		if result[key] != v {
			t.Errorf("%s = %v, want %v", key, result[key], v)
		}
	}
	if result["sweep_running"] != true {
		t.Errorf("sweep_running = %v, want true", result["sweep_running"])
	}
	sweep, ok := result["last_sweep"].(map[string]interface{})
	if !ok || sweep["id"] != "sweep_1" {
		t.Errorf("last_sweep = %v, want report sweep_1", result["last_sweep"])
	}
}

func TestStatsHandlerWithoutSweep(t *testing.T) {
	s := NewServer(context.Background(), fakeQueue{}, fakeDedup{}, &fakeSweeper{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	result := testutil.AssertJSONResponse(t, rec, "ok")["result"].(map[string]interface{})
	if _, ok := result["last_sweep"]; ok {
		t.Errorf("last_sweep present before any sweep: %v", result["last_sweep"])
	}
}

func TestSweepHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"success", nil, http.StatusOK},
		{"in progress", recovery.ErrSweepInProgress, http.StatusConflict},
		{"failure", errors.New("list failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sweeper := &fakeSweeper{report: recovery.SweepReport{ID: "sweep_x", Candidates: 3}, err: tt.err}
			s := NewServer(context.Background(), fakeQueue{}, fakeDedup{}, sweeper)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sweep", nil))

			testutil.AssertHTTPStatus(t, tt.wantCode, rec.Code, "POST /sweep")
			if sweeper.calls != 1 {
				t.Errorf("Sweep called %d times, want 1", sweeper.calls)
			}
			if sweeper.report.Trigger != recovery.TriggerManual {
				t.Errorf("trigger = %q, want %q", sweeper.report.Trigger, recovery.TriggerManual)
			}
			if tt.err == nil {
				result := testutil.AssertJSONResponse(t, rec, "ok")["result"].(map[string]interface{})
				if result["id"] != "sweep_x" {
					t.Errorf("report id = %v, want sweep_x", result["id"])
				}
			}
		})
	}
}

func TestSweepHandler_StopsWithServerContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sweeper := &fakeSweeper{}
	s := NewServer(ctx, fakeQueue{}, fakeDedup{}, sweeper)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sweep", nil))
	if sweeper.ctxErr != nil {
		t.Fatalf("sweep context already done before shutdown: %v", sweeper.ctxErr)
	}

	cancel()
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sweep", nil))
	if !errors.Is(sweeper.ctxErr, context.Canceled) {
		t.Errorf("sweep context err = %v, want context.Canceled after shutdown", sweeper.ctxErr)
	}
}

func TestSweepHandler_OutlivesClient(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := NewServer(context.Background(), fakeQueue{}, fakeDedup{}, sweeper)

	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/sweep", nil).WithContext(reqCtx)
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)
	if sweeper.ctxErr != nil {
		t.Errorf("a disconnected client must not cancel the sweep, got %v", sweeper.ctxErr)
	}
}

// fakeService is a messaging.Service driven by the test through its channels.
type fakeService struct {
	inbound chan models.InboundMessage
	states  chan models.ConnectionState
}

func newFakeService() *fakeService {
	return &fakeService{
		inbound: make(chan models.InboundMessage, 10),
		states:  make(chan models.ConnectionState, 10),
	}
}

func (f *fakeService) SendMessage(ctx context.Context, to, body string) error { return nil }
func (f *fakeService) Start(ctx context.Context) error                        { return nil }
func (f *fakeService) Stop() error                                            { return nil }
func (f *fakeService) Inbound() <-chan models.InboundMessage                  { return f.inbound }
func (f *fakeService) States() <-chan models.ConnectionState                  { return f.states }
func (f *fakeService) Conversations(ctx context.Context) ([]models.Conversation, error) {
	return nil, nil
}
func (f *fakeService) RecentMessages(ctx context.Context, chatID string, limit int) ([]models.InboundMessage, error) {
	return nil, nil
}
func (f *fakeService) ResolvePhone(ctx context.Context, senderID string) (string, error) {
	return "", nil
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
}

func (h *recordingHandler) Handle(ctx context.Context, msg models.InboundMessage) pipeline.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, msg.ExternalID)
	return pipeline.OutcomeIgnored
}

type countingHook struct {
	mu    sync.Mutex
	calls int
}

func (h *countingHook) OnConnected(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
}

func TestConsumeDispatchesMessagesAndStates(t *testing.T) {
	svc := newFakeService()
	handler := &recordingHandler{}
	hook := &countingHook{}
	server := NewServer(context.Background(), fakeQueue{}, fakeDedup{}, &fakeSweeper{})

	svc.states <- models.StateConnected
	svc.inbound <- models.InboundMessage{ExternalID: "m1"}
	svc.inbound <- models.InboundMessage{ExternalID: "m2"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consume(ctx, svc, handler, hook, server) }()

	testutil.Eventually(t, 2*time.Second, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		hook.mu.Lock()
		defer hook.mu.Unlock()
		return len(handler.seen) == 2 && hook.calls == 1
	}, "both messages and the connect handled")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("consume returned %v, want nil", err)
	}

	if handler.seen[0] != "m1" || handler.seen[1] != "m2" {
		t.Errorf("handled order = %v, want [m1 m2]", handler.seen)
	}
	if hook.calls != 1 {
		t.Errorf("OnConnected called %d times, want 1", hook.calls)
	}
	if server.State() != models.StateConnected {
		t.Errorf("server state = %s, want connected", server.State())
	}
}

func TestConsumeStopsOnLogout(t *testing.T) {
	svc := newFakeService()
	server := NewServer(context.Background(), fakeQueue{}, fakeDedup{}, &fakeSweeper{})
	svc.states <- models.StateLoggedOut

	err := consume(context.Background(), svc, &recordingHandler{}, &countingHook{}, server)
	if !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("consume returned %v, want ErrLoggedOut", err)
	}
	if server.State() != models.StateLoggedOut {
		t.Errorf("server state = %s, want logged_out", server.State())
	}
}

func TestConsumeReturnsWhenChannelsClose(t *testing.T) {
	svc := newFakeService()
	close(svc.inbound)

	err := consume(context.Background(), svc, &recordingHandler{}, &countingHook{}, NewServer(context.Background(), fakeQueue{}, fakeDedup{}, &fakeSweeper{}))
	if err != nil {
		t.Fatalf("consume returned %v, want nil", err)
	}
}

func TestRunRequiresRegistrationURL(t *testing.T) {
	err := Run(nil, nil, []Option{WithStateDir(t.TempDir())})
	if err == nil {
		t.Fatal("Run without a registration URL should fail")
	}
}

func TestOptions(t *testing.T) {
	cfg := defaultOpts()
	for _, opt := range []Option{
		WithAddr(":9090"),
		WithRegistrationAPI("http://api.test/register", "secret"),
		WithAPITimeout(3 * time.Second),
		WithPhoneStrategy(pipeline.StrategyParticipant),
		WithSchoolName("SMA 1"),
		WithQueueDelay(time.Second, 2*time.Second),
		WithQueueGap(0, time.Second),
		WithRatePerMinute(0),
		WithSweepTiming(time.Second, time.Minute),
		WithFlushInterval(30 * time.Second),
	} {
		opt(&cfg)
	}
	if cfg.Addr != ":9090" || cfg.APIURL != "http://api.test/register" || cfg.APISecret != "secret" {
		t.Errorf("address/API options not applied: %+v", cfg)
	}
	if cfg.APITimeout != 3*time.Second || cfg.PhoneStrategy != pipeline.StrategyParticipant || cfg.SchoolName != "SMA 1" {
		t.Errorf("pipeline options not applied: %+v", cfg)
	}
	if cfg.MinDelay != time.Second || cfg.MaxDelay != 2*time.Second || cfg.MinGap != 0 || cfg.MaxGap != time.Second || cfg.RatePerMinute != 0 {
		t.Errorf("queue options not applied: %+v", cfg)
	}
	if cfg.SweepInitialDelay != time.Second || cfg.SweepInterval != time.Minute || cfg.FlushInterval != 30*time.Second {
		t.Errorf("timing options not applied: %+v", cfg)
	}
}
