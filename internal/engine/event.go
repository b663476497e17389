package engine

import "encoding/json"

// EventType represents the type of event emitted during execution.
type EventType int

const (
	// EventTypeInit carries the engine session identity and resume token.
	EventTypeInit EventType = iota
	// EventTypeTextDelta indicates streamed content from the model.
	EventTypeTextDelta
	// EventTypeThinking indicates model reasoning output (ephemeral display).
	EventTypeThinking
	// EventTypeTurnStart indicates a user-visible text turn began.
	EventTypeTurnStart
	// EventTypeTurnEnd indicates a user-visible text turn ended.
	EventTypeTurnEnd
	// EventTypeToolStart indicates a tool invocation began.
	EventTypeToolStart
	// EventTypeToolEnd indicates a tool invocation finished.
	EventTypeToolEnd
	// EventTypeResult indicates a turn-final result with usage. Engines with
	// persistent multi-turn sessions may emit several per run.
	EventTypeResult
	// EventTypeError indicates the engine failed.
	EventTypeError
)

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolStartEvent describes a tool invocation beginning.
type ToolStartEvent struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolEndEvent describes a tool invocation finishing.
type ToolEndEvent struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ResultEvent is the turn-final result.
type ResultEvent struct {
	Text string `json:"text"`

	Usage *Usage `json:"usage,omitempty"`

	// SentMessage is true when the agent explicitly performed a
	// send-message action during the turn, so callers should not
	// deliver Text a second time.
	SentMessage bool `json:"sent_message,omitempty"`
}

// InitEvent carries the engine session identity.
type InitEvent struct {
	SessionID   string `json:"session_id"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// Event is the tagged union of everything an engine run can produce.
type Event struct {
	Type      EventType       `json:"type"`
	Init      *InitEvent      `json:"init,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolStart *ToolStartEvent `json:"tool_start,omitempty"`
	ToolEnd   *ToolEndEvent   `json:"tool_end,omitempty"`
	Result    *ResultEvent    `json:"result,omitempty"`
	Err       error           `json:"-"`
	ErrorMsg  string          `json:"error,omitempty"`
}

// NewInitEvent creates an init event.
func NewInitEvent(sessionID, resumeToken string) Event {
	return Event{
		Type: EventTypeInit,
		Init: &InitEvent{SessionID: sessionID, ResumeToken: resumeToken},
	}
}

// NewTextDeltaEvent creates a streamed content event.
func NewTextDeltaEvent(text string) Event {
	return Event{Type: EventTypeTextDelta, Text: text}
}

// NewThinkingEvent creates a thinking event.
func NewThinkingEvent(text string) Event {
	return Event{Type: EventTypeThinking, Text: text}
}

// NewToolStartEvent creates a tool start event.
func NewToolStartEvent(callID, name string, input json.RawMessage) Event {
	return Event{
		Type:      EventTypeToolStart,
		ToolStart: &ToolStartEvent{ToolCallID: callID, ToolName: name, Input: input},
	}
}

// NewToolEndEvent creates a tool end event.
func NewToolEndEvent(callID, name, output string, isError bool, durationMs int64) Event {
	return Event{
		Type: EventTypeToolEnd,
		ToolEnd: &ToolEndEvent{
			ToolCallID: callID,
			ToolName:   name,
			Output:     output,
			IsError:    isError,
			DurationMs: durationMs,
		},
	}
}

// NewResultEvent creates a turn-final result event.
func NewResultEvent(text string, usage *Usage, sentMessage bool) Event {
	return Event{
		Type:   EventTypeResult,
		Result: &ResultEvent{Text: text, Usage: usage, SentMessage: sentMessage},
	}
}

// NewErrorEvent creates an error event.
func NewErrorEvent(err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{Type: EventTypeError, Err: err, ErrorMsg: msg}
}
