// Package hub fans out run events to subscribed WebSocket clients with
// replay-before-live continuity and backpressure protection.
package hub

import (
	"encoding/json"
	"strings"
)

// Event names published through the hub. Names under the durable prefix are
// persisted to the event log and carry a sequence number on the wire;
// everything else is broadcast-only.
const (
	// DurablePrefix marks event types persisted to the event log.
	DurablePrefix = "agent."

	EventRunStarted   = "agent.run.started"
	EventRunCompleted = "agent.run.completed"
	EventRunError     = "agent.run.error"
	EventRunAborted   = "agent.run.aborted"

	EventTurnStarted   = "agent.turn.started"
	EventTurnCompleted = "agent.turn.completed"

	// EventTurnResult carries a turn-final result. Multi-turn engines emit
	// one per turn; the last is echoed again by the run-completed event.
	EventTurnResult = "agent.turn.result"

	EventToolStarted   = "agent.tool.started"
	EventToolCompleted = "agent.tool.completed"
	EventToolNotice    = "agent.tool.notice"

	EventApprovalRequested = "agent.approval.requested"
	EventApprovalResolved  = "agent.approval.resolved"
	EventQuestionAsked     = "agent.question.asked"
	EventQuestionResolved  = "agent.question.resolved"

	// Ephemeral stream events: high-volume, reconstructable from the final
	// text, so never persisted.
	EventStreamDelta    = "stream.delta"
	EventStreamThinking = "stream.thinking"
	EventStreamBatch    = "stream.batch"

	// EventSnapshot hydrates a new subscriber with the current run state.
	EventSnapshot = "snapshot"
)

// Event is one broadcastable occurrence. SessionKey scopes delivery to
// subscribers of that session; an empty key broadcasts to every
// authenticated connection.
type Event struct {
	Name       string `json:"event"`
	SessionKey string `json:"session_key,omitempty"`
	Data       any    `json:"data,omitempty"`

	// Seq is assigned at persistence time for durable events.
	Seq int64 `json:"seq,omitempty"`
}

// Durable reports whether this event type is persisted to the event log.
func (e Event) Durable() bool {
	return strings.HasPrefix(e.Name, DurablePrefix)
}

// pushFrame is the wire envelope for server-to-client pushes.
type pushFrame struct {
	Event   string `json:"event"`
	Session string `json:"session,omitempty"`
	Data    any    `json:"data,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
}

// batchFrame carries coalesced stream deltas as one envelope.
type batchFrame struct {
	Deltas []json.RawMessage `json:"deltas"`
}

// clientMessage is a request from the client over the socket.
type clientMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// subscribe / unsubscribe
	Sessions []subscribeCursor `json:"sessions,omitempty"`

	// prompt / abort / inject
	Session  string `json:"session,omitempty"`
	Channel  string `json:"channel,omitempty"`
	ChatType string `json:"chat_type,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Prompt   string `json:"prompt,omitempty"`

	// approval / question responses
	RequestID string   `json:"request_id,omitempty"`
	Approved  bool     `json:"approved,omitempty"`
	Message   string   `json:"message,omitempty"`
	Answers   []string `json:"answers,omitempty"`

	// ping keepalive carries nothing extra
}

// subscribeCursor names one session and the replay position after which the
// client needs events.
type subscribeCursor struct {
	Key      string `json:"key"`
	AfterSeq int64  `json:"after_seq"`
}

// Client request types.
const (
	TypeAuth           = "auth"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypePrompt         = "prompt"
	TypeAbort          = "abort"
	TypeApproval       = "approval_response"
	TypeQuestionAnswer = "question_answer"
	TypeError          = "error"
	TypeAck            = "ack"
)
