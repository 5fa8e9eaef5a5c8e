package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RizDevStudio/bot/internal/models"
	"github.com/RizDevStudio/bot/internal/registration"
	"github.com/RizDevStudio/bot/internal/store"
	"github.com/RizDevStudio/bot/internal/validation"
)

type sentReply struct {
	target, payload string
}

type fakeReplier struct {
	mu      sync.Mutex
	replies []sentReply
}

func (f *fakeReplier) Enqueue(target, payload string) <-chan error {
	f.mu.Lock()
	f.replies = append(f.replies, sentReply{target, payload})
	f.mu.Unlock()
	done := make(chan error, 1)
	done <- nil
	return done
}

func (f *fakeReplier) all() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReply(nil), f.replies...)
}

type fakeSubmitter struct {
	mu     sync.Mutex
	calls  []validation.Registration
	result registration.Result
	err    error
	panic  bool
}

func (f *fakeSubmitter) Submit(_ context.Context, reg validation.Registration) (registration.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reg)
	if f.panic {
		panic("boom")
	}
	return f.result, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func successSubmitter() *fakeSubmitter {
	return &fakeSubmitter{result: registration.Result{Outcome: registration.OutcomeSuccess, StatusCode: 200}}
}

type harness struct {
	p       *Pipeline
	dedup   *store.DedupStore
	sub     *fakeSubmitter
	replies *fakeReplier
}

func newHarness(sub *fakeSubmitter, opts ...Option) *harness {
	h := &harness{
		dedup:   store.NewDedupStore(nil),
		sub:     sub,
		replies: &fakeReplier{},
	}
	h.p = New(h.dedup, sub, h.replies, opts...)
	return h
}

func directMsg(id, body string) models.InboundMessage {
	return models.InboundMessage{
		SenderID:   "6289999999999@s.whatsapp.net",
		ExternalID: id,
		Body:       body,
		ReceivedAt: time.Now(),
		ChatKind:   models.ChatKindDirect,
	}
}

func TestHandle_GuardDropsSilently(t *testing.T) {
	tests := []struct {
		name string
		msg  models.InboundMessage
	}{
		{"self-authored", func() models.InboundMessage { m := directMsg("1", "ABSENSI#12345#Budi#0812345678"); m.FromMe = true; return m }()},
		{"empty body", directMsg("2", "")},
		{"group chat", func() models.InboundMessage { m := directMsg("3", "halo"); m.ChatKind = models.ChatKindGroup; return m }()},
		{"broadcast", func() models.InboundMessage { m := directMsg("4", "halo"); m.ChatKind = models.ChatKindBroadcast; return m }()},
		{"newsletter", func() models.InboundMessage { m := directMsg("5", "halo"); m.ChatKind = models.ChatKindNewsletter; return m }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(successSubmitter())
			if got := h.p.Handle(context.Background(), tt.msg); got != OutcomeIgnored {
				t.Errorf("Handle() = %v, want ignored", got)
			}
			if n := len(h.replies.all()); n != 0 {
				t.Errorf("got %d replies, want 0", n)
			}
			if h.dedup.HasWelcomed(tt.msg.SenderID) {
				t.Error("dropped message must not mark sender welcomed")
			}
		})
	}
}

func TestHandle_WelcomeThenReminder(t *testing.T) {
	h := newHarness(successSubmitter(), WithSchoolName("SMA Contoh"))
	ctx := context.Background()

	if got := h.p.Handle(ctx, directMsg("m1", "halo")); got != OutcomeWelcomeSent {
		t.Fatalf("first = %v, want welcome_sent", got)
	}
	if got := h.p.Handle(ctx, directMsg("m2", "selamat pagi")); got != OutcomeReminderSent {
		t.Fatalf("second = %v, want reminder_sent", got)
	}

	replies := h.replies.all()
	if len(replies) != 2 {
		t.Fatalf("got %d replies, want 2", len(replies))
	}
	if !strings.Contains(replies[0].payload, "Absensi SMA Contoh") {
		t.Errorf("welcome does not name the school: %q", replies[0].payload)
	}
	if strings.Contains(replies[1].payload, "Halo") {
		t.Errorf("reminder repeated the welcome: %q", replies[1].payload)
	}
	if replies[0].target != "6289999999999@s.whatsapp.net" {
		t.Errorf("reply target = %q", replies[0].target)
	}
	if h.sub.count() != 0 {
		t.Error("unrecognized messages must not reach the API")
	}
}

func TestHandle_MalformedArity(t *testing.T) {
	h := newHarness(successSubmitter())
	if got := h.p.Handle(context.Background(), directMsg("m1", "ABSENSI#123456")); got != OutcomeMalformedArity {
		t.Fatalf("Handle() = %v, want malformed_arity", got)
	}
	replies := h.replies.all()
	if len(replies) != 1 || !strings.Contains(replies[0].payload, "ditemukan 2 bagian") {
		t.Errorf("unexpected reply: %+v", replies)
	}
	if !strings.Contains(replies[0].payload, "3 atau 4") {
		t.Errorf("reply does not state the expected count: %q", replies[0].payload)
	}
}

func TestHandle_ValidationFailFast(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"all bad reports NISN", "ABSENSI#12#ab#123", "NISN minimal 5 digit"},
		{"non-numeric NISN", "ABSENSI#12ab34#Budi Santoso#081234567890", "NISN harus berupa angka"},
		{"short name", "ABSENSI#0012345678#Bu#081234567890", "Nama minimal 3 karakter"},
		{"bad phone length", "ABSENSI#0012345678#Budi Santoso#0812", "Nomor HP harus 10-15 digit angka"},
		{"bad phone prefix", "ABSENSI#0012345678#Budi Santoso#7812345678901", "Nomor HP harus diawali 62 atau 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(successSubmitter())
			if got := h.p.Handle(context.Background(), directMsg("m", tt.body)); got != OutcomeValidationFailed {
				t.Fatalf("Handle() = %v, want validation_failed", got)
			}
			replies := h.replies.all()
			if len(replies) != 1 || !strings.Contains(replies[0].payload, tt.want) {
				t.Errorf("reply = %+v, want it to contain %q", replies, tt.want)
			}
			if h.sub.count() != 0 {
				t.Error("invalid registration reached the API")
			}
		})
	}
}

func TestHandle_EndToEndConfirmation(t *testing.T) {
	h := newHarness(successSubmitter())
	msg := directMsg("ext-1", "ABSENSI#0012345678#Budi Santoso#081234567890")

	if got := h.p.Handle(context.Background(), msg); got != OutcomeSubmitted {
		t.Fatalf("Handle() = %v, want submitted", got)
	}

	if h.sub.count() != 1 {
		t.Fatalf("API called %d times, want 1", h.sub.count())
	}
	reg := h.sub.calls[0]
	if reg.NISN() != "0012345678" || reg.ParentName() != "Budi Santoso" || reg.Phone() != "6281234567890" {
		t.Errorf("submitted %q %q %q", reg.NISN(), reg.ParentName(), reg.Phone())
	}

	replies := h.replies.all()
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	for _, want := range []string{"NISN: 0012345678", "Budi Santoso", "6281234567890"} {
		if !strings.Contains(replies[0].payload, want) {
			t.Errorf("confirmation missing %q: %q", want, replies[0].payload)
		}
	}
	if !h.dedup.IsProcessed("ext-1") {
		t.Error("message not marked processed after success")
	}
	if !h.dedup.HasWelcomed(msg.SenderID) {
		t.Error("registering sender not marked welcomed")
	}
}

func TestHandle_Idempotent(t *testing.T) {
	h := newHarness(successSubmitter())
	msg := directMsg("ext-dup", "ABSENSI#0012345678#Budi Santoso#081234567890")

	first := h.p.Handle(context.Background(), msg)
	second := h.p.Handle(context.Background(), msg)

	if first != OutcomeSubmitted || second != OutcomeAlreadyProcessed {
		t.Errorf("outcomes = %v, %v", first, second)
	}
	if h.sub.count() != 1 {
		t.Errorf("API called %d times, want 1", h.sub.count())
	}
	if n := len(h.replies.all()); n != 1 {
		t.Errorf("got %d replies, want 1", n)
	}
	if !h.p.Seen("ext-dup") {
		t.Error("Seen() = false for processed message")
	}
}

func TestHandle_APIFailureMapping(t *testing.T) {
	tests := []struct {
		name      string
		result    registration.Result
		err       error
		want      Outcome
		replyHas  string
		processed bool
	}{
		{"duplicate", registration.Result{Outcome: registration.OutcomeDuplicate, StatusCode: 409}, nil, OutcomeAPIDuplicate, "sudah terdaftar", false},
		{"auth", registration.Result{Outcome: registration.OutcomeAuthFailed, StatusCode: 401}, nil, OutcomeAPIAuthFailed, "hubungi pihak sekolah", false},
		{"rejected with message", registration.Result{Outcome: registration.OutcomeRejected, StatusCode: 422, Message: "NISN tidak ditemukan"}, nil, OutcomeAPIRejected, "NISN tidak ditemukan", false},
		{"unreachable", registration.Result{Outcome: registration.OutcomeUnreachable}, errors.New("connection refused"), OutcomeAPIUnreachable, "tidak dapat dihubungi", false},
		{"unknown", registration.Result{Outcome: registration.OutcomeUnknown, StatusCode: 500}, nil, OutcomeAPIUnknown, "Gagal menyimpan data", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(&fakeSubmitter{result: tt.result, err: tt.err})
			msg := directMsg("ext", "ABSENSI#0012345678#Budi Santoso#081234567890")

			if got := h.p.Handle(context.Background(), msg); got != tt.want {
				t.Fatalf("Handle() = %v, want %v", got, tt.want)
			}
			replies := h.replies.all()
			if len(replies) != 1 || !strings.Contains(replies[0].payload, tt.replyHas) {
				t.Errorf("reply = %+v, want it to contain %q", replies, tt.replyHas)
			}
			if h.dedup.IsProcessed("ext") != tt.processed {
				t.Errorf("IsProcessed = %v, want %v", !tt.processed, tt.processed)
			}

			// A later sweep must not answer the same message again.
			if got := h.p.Handle(context.Background(), msg); got != OutcomeAlreadyProcessed {
				t.Errorf("second Handle() = %v, want already_processed", got)
			}
			if h.sub.count() != 1 {
				t.Errorf("API called %d times, want 1", h.sub.count())
			}
		})
	}
}

func TestHandle_ThreeFieldPhoneStrategies(t *testing.T) {
	lookup := func(_ context.Context, senderID string) (string, error) {
		if senderID == "123456789@lid" {
			return "6285555555555", nil
		}
		return "", errors.New("no mapping")
	}

	tests := []struct {
		name        string
		strategy    string
		senderID    string
		senderPhone string
		want        Outcome
		wantPhone   string
	}{
		{"sender with phone", StrategySender, "6281111111111@s.whatsapp.net", "6281111111111", OutcomeSubmitted, "6281111111111"},
		{"sender without phone", StrategySender, "123456789@lid", "", OutcomePhoneUnavailable, ""},
		{"participant mapped", StrategyParticipant, "123456789@lid", "", OutcomeSubmitted, "6285555555555"},
		{"participant falls back", StrategyParticipant, "6282222222222@s.whatsapp.net", "6282222222222", OutcomeSubmitted, "6282222222222"},
		{"participant unresolved", StrategyParticipant, "999@lid", "", OutcomePhoneUnavailable, ""},
		{"explicit rejects 3-field", StrategyExplicit, "6281111111111@s.whatsapp.net", "6281111111111", OutcomePhoneUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, err := NewPhoneResolver(tt.strategy, lookup)
			if err != nil {
				t.Fatalf("NewPhoneResolver: %v", err)
			}
			h := newHarness(successSubmitter(), WithPhoneResolver(resolver))
			msg := directMsg("ext", "ABSENSI#0012345678#Budi Santoso")
			msg.SenderID = tt.senderID
			msg.SenderPhone = tt.senderPhone

			if got := h.p.Handle(context.Background(), msg); got != tt.want {
				t.Fatalf("Handle() = %v, want %v", got, tt.want)
			}
			if tt.wantPhone != "" {
				if h.sub.count() != 1 || h.sub.calls[0].Phone() != tt.wantPhone {
					t.Errorf("submitted phone mismatch, calls=%d", h.sub.count())
				}
			} else if h.sub.count() != 0 {
				t.Error("API called without a phone number")
			}
		})
	}
}

func TestHandle_ThreeFieldInvalidNISNBeatsMissingPhone(t *testing.T) {
	h := newHarness(successSubmitter())
	msg := directMsg("ext", "ABSENSI#12#Budi Santoso")
	if got := h.p.Handle(context.Background(), msg); got != OutcomeValidationFailed {
		t.Fatalf("Handle() = %v, want validation_failed", got)
	}
	if r := h.replies.all(); len(r) != 1 || !strings.Contains(r[0].payload, "NISN minimal 5 digit") {
		t.Errorf("reply = %+v", r)
	}
}

func TestHandle_RecoversFromPanic(t *testing.T) {
	sub := &fakeSubmitter{panic: true}
	h := newHarness(sub)

	got := h.p.Handle(context.Background(), directMsg("p1", "ABSENSI#0012345678#Budi Santoso#081234567890"))
	if got != OutcomeAPIUnknown {
		t.Fatalf("Handle() = %v, want api_unknown_failure", got)
	}
	if r := h.replies.all(); len(r) != 1 || !strings.Contains(r[0].payload, "Gagal menyimpan data") {
		t.Errorf("reply = %+v", r)
	}

	// The pipeline stays usable after a panic.
	sub.mu.Lock()
	sub.panic = false
	sub.result = registration.Result{Outcome: registration.OutcomeSuccess}
	sub.mu.Unlock()
	if got := h.p.Handle(context.Background(), directMsg("p2", "ABSENSI#0012345678#Budi Santoso#081234567890")); got != OutcomeSubmitted {
		t.Errorf("Handle() after panic = %v, want submitted", got)
	}
}

func TestHandle_ConcurrentCallsSerialize(t *testing.T) {
	h := newHarness(successSubmitter())
	msg := directMsg("same", "ABSENSI#0012345678#Budi Santoso#081234567890")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.p.Handle(context.Background(), msg)
		}()
	}
	wg.Wait()

	if h.sub.count() != 1 {
		t.Errorf("API called %d times, want 1", h.sub.count())
	}
}
