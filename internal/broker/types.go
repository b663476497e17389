// Package broker mediates approval and question requests between running
// agents and the humans who answer them, over direct clients or chat
// channels, with exactly-once resolution.
package broker

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind distinguishes approvals (yes/no on a tool call) from questions
// (free-form or option-based).
type Kind string

const (
	KindApproval Kind = "approval"
	KindQuestion Kind = "question"
)

// Origin records which surface the request is being answered on.
type Origin string

const (
	// OriginDirect waits for a WebSocket client response.
	OriginDirect Origin = "direct"

	// OriginChannel sends the request through a chat channel adapter.
	OriginChannel Origin = "channel"
)

// Status is the lifecycle state of a request. Exactly one transition out of
// pending ever happens.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAnswered  Status = "answered"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Source identifies who produced a resolution.
type Source string

const (
	SourceUser    Source = "user"
	SourceChannel Source = "channel"
	SourceTimeout Source = "timeout"
	SourceSystem  Source = "system"
)

// Request is one pending approval or question.
type Request struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	SessionKey string `json:"session_key"`
	Origin     Origin `json:"origin"`

	// Approval fields.
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`

	// Question fields.
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
	Multi    bool     `json:"multi,omitempty"`

	// Channel routing, set for channel-origin requests.
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Resolution is the single outcome of a request.
type Resolution struct {
	RequestID string    `json:"request_id"`
	Status    Status    `json:"status"`
	Source    Source    `json:"source"`
	Approved  bool      `json:"approved"`
	Message   string    `json:"message,omitempty"`
	Answers   []string  `json:"answers,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

var (
	// ErrNotFound means no request with that id is or was recently pending.
	ErrNotFound = errors.New("request not found")

	// ErrAlreadyResolved means the request was resolved before this attempt.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrMaxPending means too many requests are waiting.
	ErrMaxPending = errors.New("too many pending requests")
)
