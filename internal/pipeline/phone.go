package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/RizDevStudio/bot/internal/models"
)

// ErrPhoneUnavailable means the sender's real phone number could not be
// determined for a 3-field registration.
var ErrPhoneUnavailable = errors.New("sender phone number unavailable")

// Phone resolution strategies.
const (
	StrategySender      = "sender"
	StrategyParticipant = "participant"
	StrategyExplicit    = "explicit"
)

// PhoneResolver supplies the parent's phone number when the command omits it.
type PhoneResolver interface {
	Resolve(ctx context.Context, msg models.InboundMessage) (string, error)
	Strategy() string
}

// PhoneLookup maps a sender identity to a phone number through the transport.
type PhoneLookup func(ctx context.Context, senderID string) (string, error)

// NewPhoneResolver returns the resolver for strategy. lookup is only used by
// the participant strategy and may be nil otherwise.
func NewPhoneResolver(strategy string, lookup PhoneLookup) (PhoneResolver, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", StrategySender:
		return senderResolver{}, nil
	case StrategyParticipant:
		if lookup == nil {
			return nil, fmt.Errorf("phone strategy %q requires a lookup", StrategyParticipant)
		}
		return participantResolver{lookup: lookup}, nil
	case StrategyExplicit:
		return explicitResolver{}, nil
	default:
		return nil, fmt.Errorf("unknown phone strategy %q", strategy)
	}
}

// senderResolver uses the number the transport attached to the message.
type senderResolver struct{}

func (senderResolver) Resolve(_ context.Context, msg models.InboundMessage) (string, error) {
	if msg.SenderPhone == "" {
		return "", ErrPhoneUnavailable
	}
	return msg.SenderPhone, nil
}

func (senderResolver) Strategy() string { return StrategySender }

// participantResolver asks the transport's identity mapping first.
type participantResolver struct {
	lookup PhoneLookup
}

func (r participantResolver) Resolve(ctx context.Context, msg models.InboundMessage) (string, error) {
	phone, err := r.lookup(ctx, msg.SenderID)
	if err == nil && phone != "" {
		return phone, nil
	}
	if err != nil {
		slog.Debug("participantResolver.Resolve: lookup failed, falling back to sender phone", "sender", msg.SenderID, "error", err)
	}
	return senderResolver{}.Resolve(ctx, msg)
}

func (participantResolver) Strategy() string { return StrategyParticipant }

// explicitResolver never infers a number; the 4-field form is required.
type explicitResolver struct{}

func (explicitResolver) Resolve(context.Context, models.InboundMessage) (string, error) {
	return "", ErrPhoneUnavailable
}

func (explicitResolver) Strategy() string { return StrategyExplicit }
