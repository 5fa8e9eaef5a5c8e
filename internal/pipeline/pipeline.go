// Package pipeline turns inbound chat messages into registration submissions
// and replies.
//
// Each message walks a linear state machine: guard, classify, validate,
// submit, reply. Runs are serialized so no two messages interleave their
// dedup reads and writes.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/RizDevStudio/bot/internal/command"
	"github.com/RizDevStudio/bot/internal/models"
	"github.com/RizDevStudio/bot/internal/registration"
	"github.com/RizDevStudio/bot/internal/validation"
)

// DefaultSchoolName appears in the welcome text.
const DefaultSchoolName = "SMK N 4 Bandar Lampung"

// Outcome is the terminal state a message reached.
type Outcome int

const (
	OutcomeIgnored          Outcome = iota // self-authored, empty or non-direct
	OutcomeAlreadyProcessed                // seen before, dropped silently
	OutcomeWelcomeSent
	OutcomeReminderSent
	OutcomeMalformedArity
	OutcomeValidationFailed
	OutcomePhoneUnavailable
	OutcomeSubmitted
	OutcomeAPIDuplicate
	OutcomeAPIAuthFailed
	OutcomeAPIRejected
	OutcomeAPIUnreachable
	OutcomeAPIUnknown
)

var outcomeNames = map[Outcome]string{
	OutcomeIgnored:          "ignored",
	OutcomeAlreadyProcessed: "already_processed",
	OutcomeWelcomeSent:      "welcome_sent",
	OutcomeReminderSent:     "reminder_sent",
	OutcomeMalformedArity:   "malformed_arity",
	OutcomeValidationFailed: "validation_failed",
	OutcomePhoneUnavailable: "phone_unavailable",
	OutcomeSubmitted:        "submitted",
	OutcomeAPIDuplicate:     "api_duplicate",
	OutcomeAPIAuthFailed:    "api_auth_failed",
	OutcomeAPIRejected:      "api_rejected",
	OutcomeAPIUnreachable:   "api_unreachable",
	OutcomeAPIUnknown:       "api_unknown_failure",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// Silent reports whether the outcome produced no reply.
func (o Outcome) Silent() bool {
	return o == OutcomeIgnored || o == OutcomeAlreadyProcessed
}

// DedupStore is the subset of store.DedupStore the pipeline uses.
type DedupStore interface {
	HasWelcomed(senderID string) bool
	MarkWelcomed(senderID string) bool
	IsProcessed(externalID string) bool
	MarkProcessed(externalID string) bool
}

// Replier queues a reply for delivery.
type Replier interface {
	Enqueue(target, payload string) <-chan error
}

// Pipeline processes inbound messages one at a time.
type Pipeline struct {
	dedup     DedupStore
	submitter registration.Submitter
	replies   Replier
	phones    PhoneResolver
	school    string

	mu sync.Mutex
	// answered holds IDs that already got a non-success reply in this process,
	// so sweeps do not repeat the same error to the user.
	answered map[string]struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSchoolName sets the school named in the welcome text.
func WithSchoolName(name string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.school = name
		}
	}
}

// WithPhoneResolver sets how 3-field registrations get a phone number.
func WithPhoneResolver(r PhoneResolver) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.phones = r
		}
	}
}

// New creates a Pipeline. The default phone strategy is StrategySender.
func New(dedup DedupStore, submitter registration.Submitter, replies Replier, opts ...Option) *Pipeline {
	p := &Pipeline{
		dedup:     dedup,
		submitter: submitter,
		replies:   replies,
		phones:    senderResolver{},
		school:    DefaultSchoolName,
		answered:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Seen reports whether the message was already handled to a terminal reply,
// either persisted as processed or answered in this process.
func (p *Pipeline) Seen(externalID string) bool {
	if externalID == "" {
		return false
	}
	if p.dedup.IsProcessed(externalID) {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.answered[externalID]
	return ok
}

// Handle runs msg through the pipeline. Live events and backlog sweeps use
// the same entry point. At most one reply is enqueued per call.
func (p *Pipeline) Handle(ctx context.Context, msg models.InboundMessage) (outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pipeline.Handle: recovered from panic", "id", msg.ExternalID, "sender", msg.SenderID, "panic", r, "stack", string(debug.Stack()))
			p.reply(msg, unknownFailureText())
			p.markAnswered(msg)
			outcome = OutcomeAPIUnknown
		}
	}()

	if reason := guard(msg); reason != "" {
		slog.Debug("Pipeline.Handle: dropped", "id", msg.ExternalID, "sender", msg.SenderID, "reason", reason)
		return OutcomeIgnored
	}
	if msg.ExternalID != "" {
		if _, ok := p.answered[msg.ExternalID]; ok || p.dedup.IsProcessed(msg.ExternalID) {
			slog.Debug("Pipeline.Handle: already processed", "id", msg.ExternalID)
			return OutcomeAlreadyProcessed
		}
	}

	cmd := command.Parse(msg.Body)
	slog.Debug("Pipeline.Handle: classified", "id", msg.ExternalID, "sender", msg.SenderID, "kind", cmd.Kind.String())

	switch cmd.Kind {
	case models.CommandUnrecognized:
		return p.handleUnrecognized(msg)
	case models.CommandMalformedArity:
		p.reply(msg, malformedText(cmd.Parts, p.allowShort()))
		p.markAnswered(msg)
		return OutcomeMalformedArity
	default:
		outcome = p.handleRegistration(ctx, msg, cmd)
	}
	slog.Info("Pipeline.Handle: done", "id", msg.ExternalID, "sender", msg.SenderID, "outcome", outcome.String())
	return outcome
}

func guard(msg models.InboundMessage) string {
	switch {
	case msg.FromMe:
		return "self-authored"
	case msg.Body == "":
		return "empty body"
	case !msg.IsDirect():
		return "not a direct chat"
	default:
		return ""
	}
}

func (p *Pipeline) handleUnrecognized(msg models.InboundMessage) Outcome {
	if p.dedup.HasWelcomed(msg.SenderID) {
		p.reply(msg, reminderText())
		return OutcomeReminderSent
	}
	p.reply(msg, welcomeText(p.school, p.allowShort()))
	p.dedup.MarkWelcomed(msg.SenderID)
	slog.Info("Pipeline.Handle: welcomed new sender", "sender", msg.SenderID, "name", msg.DisplayName)
	return OutcomeWelcomeSent
}

func (p *Pipeline) handleRegistration(ctx context.Context, msg models.InboundMessage, cmd models.ParsedCommand) Outcome {
	phoneRaw := cmd.PhoneRaw
	if !cmd.HasPhone {
		phone, err := p.phones.Resolve(ctx, msg)
		if err != nil {
			// NISN and name errors still take precedence.
			if _, verr := validation.ValidateNISN(cmd.NISNRaw); verr != nil {
				return p.rejectValidation(msg, verr)
			}
			if _, verr := validation.ValidateName(cmd.NameRaw); verr != nil {
				return p.rejectValidation(msg, verr)
			}
			slog.Warn("Pipeline.Handle: phone unavailable", "id", msg.ExternalID, "sender", msg.SenderID, "strategy", p.phones.Strategy(), "error", err)
			p.reply(msg, phoneUnavailableText())
			p.markAnswered(msg)
			return OutcomePhoneUnavailable
		}
		phoneRaw = phone
	}

	reg, err := validation.Validate(cmd.NISNRaw, cmd.NameRaw, phoneRaw)
	if err != nil {
		return p.rejectValidation(msg, err)
	}

	// Registering counts as first contact.
	p.dedup.MarkWelcomed(msg.SenderID)

	res, err := p.submitter.Submit(ctx, reg)
	if err != nil && res.Outcome != registration.OutcomeUnreachable {
		slog.Error("Pipeline.Handle: submit failed", "id", msg.ExternalID, "error", err)
	}

	switch res.Outcome {
	case registration.OutcomeSuccess:
		if msg.ExternalID != "" {
			p.dedup.MarkProcessed(msg.ExternalID)
		}
		p.reply(msg, confirmationText(reg.NISN(), reg.ParentName(), reg.Phone()))
		return OutcomeSubmitted
	case registration.OutcomeDuplicate:
		p.reply(msg, duplicateText(reg.NISN()))
		p.markAnswered(msg)
		return OutcomeAPIDuplicate
	case registration.OutcomeAuthFailed:
		slog.Error("Pipeline.Handle: registration API rejected credentials", "status", res.StatusCode)
		p.reply(msg, authFailedText())
		p.markAnswered(msg)
		return OutcomeAPIAuthFailed
	case registration.OutcomeRejected:
		p.reply(msg, rejectedText(res.Message))
		p.markAnswered(msg)
		return OutcomeAPIRejected
	case registration.OutcomeUnreachable:
		p.reply(msg, unreachableText())
		p.markAnswered(msg)
		return OutcomeAPIUnreachable
	default:
		slog.Warn("Pipeline.Handle: unexpected API response", "status", res.StatusCode, "message", res.Message)
		p.reply(msg, unknownFailureText())
		p.markAnswered(msg)
		return OutcomeAPIUnknown
	}
}

func (p *Pipeline) rejectValidation(msg models.InboundMessage, err error) Outcome {
	var verr *validation.Error
	text := err.Error()
	if errors.As(err, &verr) {
		text = verr.Message
		slog.Info("Pipeline.Handle: validation failed", "id", msg.ExternalID, "field", verr.Field, "reason", verr.Reason)
	}
	p.reply(msg, validationText(text))
	p.markAnswered(msg)
	return OutcomeValidationFailed
}

func (p *Pipeline) allowShort() bool {
	return p.phones.Strategy() != StrategyExplicit
}

// markAnswered must be called with p.mu held.
func (p *Pipeline) markAnswered(msg models.InboundMessage) {
	if msg.ExternalID != "" {
		p.answered[msg.ExternalID] = struct{}{}
	}
}

func (p *Pipeline) reply(msg models.InboundMessage, text string) {
	done := p.replies.Enqueue(msg.SenderID, text)
	go func(id string) {
		if err := <-done; err != nil {
			slog.Warn("Pipeline.reply: reply not delivered", "id", id, "to", msg.SenderID, "error", err)
		}
	}(msg.ExternalID)
}
