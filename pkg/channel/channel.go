// Package channel defines the contract between the courier core and chat
// channel adapters (Telegram, Slack, iMessage, ...). Concrete adapters live
// outside this repo; the core treats them as opaque message transports.
package channel

import (
	"context"
	"time"
)

// Chat types carried on inbound messages.
const (
	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"
)

// Capabilities describes what an adapter's underlying platform supports.
// The core degrades gracefully around missing capabilities.
type Capabilities struct {
	CanEdit          bool `json:"can_edit"`
	CanDelete        bool `json:"can_delete"`
	CanTyping        bool `json:"can_typing"`
	CanReply         bool `json:"can_reply"`
	MaxMessageLength int  `json:"max_message_length,omitempty"`
}

// InboundMessage is one message received from a chat platform.
type InboundMessage struct {
	ID       string `json:"id"`
	Channel  string `json:"channel"`
	ChatType string `json:"chat_type"`
	ChatID   string `json:"chat_id"`

	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`

	// ReplyToID is the platform message id this message replies to, when
	// the platform exposes threading.
	ReplyToID string `json:"reply_to_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// WasMentioned is true when the agent was addressed in a group chat.
	WasMentioned bool `json:"was_mentioned"`

	// IsSelfSend is true for messages the agent itself sent.
	IsSelfSend bool `json:"is_self_send"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Handler receives inbound messages from an adapter.
type Handler func(ctx context.Context, msg InboundMessage) error

// Adapter is one chat platform connection.
type Adapter interface {
	// Name returns the unique channel identifier ("telegram", "slack").
	Name() string

	// Capabilities reports platform support.
	Capabilities() Capabilities

	// Start begins listening for inbound messages.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// Send delivers text to a chat and returns the platform message id.
	Send(ctx context.Context, chatID, text string) (messageID string, err error)

	// Edit replaces the text of a previously sent message.
	Edit(ctx context.Context, chatID, messageID, text string) error

	// Delete removes a previously sent message.
	Delete(ctx context.Context, chatID, messageID string) error

	// Typing toggles the platform typing indicator.
	Typing(ctx context.Context, chatID string, active bool) error

	// AskQuestion delivers an interactive question (option buttons where
	// the platform supports them) and returns the message id for reply
	// correlation.
	AskQuestion(ctx context.Context, chatID, text string) (messageID string, err error)

	// OnMessage registers the inbound handler. Must be called before Start.
	OnMessage(handler Handler)
}
