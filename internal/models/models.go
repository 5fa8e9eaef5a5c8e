// Package models defines the core data structures for the attendance bot.
//
// It includes inbound/outbound message types and connection states, which are
// shared across the transport, pipeline, queue and recovery modules.
package models

import (
	"time"
)

// ChatKind classifies the conversation an inbound message arrived on.
type ChatKind string

const (
	// ChatKindDirect is a one-to-one conversation with a single user.
	ChatKindDirect ChatKind = "direct"
	// ChatKindGroup is a multi-participant group chat.
	ChatKindGroup ChatKind = "group"
	// ChatKindBroadcast is a broadcast list or status update.
	ChatKindBroadcast ChatKind = "broadcast"
	// ChatKindNewsletter is a channel/newsletter.
	ChatKindNewsletter ChatKind = "newsletter"
	// ChatKindUnknown is anything the transport could not classify.
	ChatKindUnknown ChatKind = "unknown"
)

// InboundMessage is a decoded message delivered by the transport.
// It is immutable once received.
type InboundMessage struct {
	SenderID    string    `json:"sender_id"`   // canonical chat identity (JID string)
	ExternalID  string    `json:"external_id"` // transport-assigned message ID
	Body        string    `json:"body"`
	ReceivedAt  time.Time `json:"received_at"`
	DisplayName string    `json:"display_name,omitempty"`
	SenderPhone string    `json:"sender_phone,omitempty"` // digits only, empty when unknown
	ChatKind    ChatKind  `json:"chat_kind"`
	FromMe      bool      `json:"from_me"`
}

// IsDirect reports whether the message came from an eligible one-to-one chat.
func (m InboundMessage) IsDirect() bool {
	return m.ChatKind == ChatKindDirect
}

// OutboundJob is a reply waiting in the outbound queue. Never mutated after creation.
type OutboundJob struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Payload    string    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Conversation summarizes a chat known to the message log.
type Conversation struct {
	ID            string    `json:"id"`
	Kind          ChatKind  `json:"kind"`
	UnreadCount   int       `json:"unread_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// ConnectionState is a transport lifecycle transition.
type ConnectionState string

const (
	StateConnected     ConnectionState = "connected"
	StateDisconnected  ConnectionState = "disconnected"
	StateLoggedOut     ConnectionState = "logged_out"
	StateLoginRequired ConnectionState = "login_required"
)
