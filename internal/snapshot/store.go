// Package snapshot keeps the in-memory current state of in-flight runs so a
// client connecting mid-run can hydrate without replaying full history.
package snapshot

import (
	"sync"
	"time"
)

// Status is the coarse run phase shown to subscribers.
type Status string

const (
	StatusThinking   Status = "thinking"
	StatusResponding Status = "responding"
	StatusToolUse    Status = "tool_use"
	StatusIdle       Status = "idle"
)

// ToolRun summarizes one tool invocation within the current run.
type ToolRun struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// PendingRequest summarizes an unresolved approval or question.
type PendingRequest struct {
	RequestID string   `json:"request_id"`
	ToolName  string   `json:"tool_name,omitempty"`
	Question  string   `json:"question,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// Snapshot is the current state of one session's run. Values returned by the
// store are copies; mutating them does not affect the stored state.
type Snapshot struct {
	SessionKey      string          `json:"session_key"`
	Status          Status          `json:"status"`
	StreamedText    string          `json:"streamed_text"`
	CurrentTool     *ToolRun        `json:"current_tool,omitempty"`
	CompletedTools  []ToolRun       `json:"completed_tools,omitempty"`
	PendingApproval *PendingRequest `json:"pending_approval,omitempty"`
	PendingQuestion *PendingRequest `json:"pending_question,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Store holds snapshots for sessions with an active run.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{snapshots: make(map[string]*Snapshot)}
}

// Begin creates the snapshot for a starting run, replacing any stale one.
func (s *Store) Begin(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[sessionKey] = &Snapshot{
		SessionKey: sessionKey,
		Status:     StatusThinking,
		UpdatedAt:  time.Now(),
	}
}

// End removes the snapshot when the run terminates.
func (s *Store) End(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, sessionKey)
}

// Get returns a copy of the session's snapshot, if one exists.
func (s *Store) Get(sessionKey string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[sessionKey]
	if !ok {
		return Snapshot{}, false
	}

	out := *snap
	out.CompletedTools = append([]ToolRun(nil), snap.CompletedTools...)
	if snap.CurrentTool != nil {
		tool := *snap.CurrentTool
		out.CurrentTool = &tool
	}
	if snap.PendingApproval != nil {
		req := *snap.PendingApproval
		out.PendingApproval = &req
	}
	if snap.PendingQuestion != nil {
		req := *snap.PendingQuestion
		out.PendingQuestion = &req
	}
	return out, true
}

// Len returns the number of live snapshots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// SetStatus updates the run phase.
func (s *Store) SetStatus(sessionKey string, status Status) {
	s.mutate(sessionKey, func(snap *Snapshot) {
		snap.Status = status
	})
}

// AppendText accumulates streamed text and marks the run responding.
func (s *Store) AppendText(sessionKey, text string) {
	s.mutate(sessionKey, func(snap *Snapshot) {
		snap.StreamedText += text
		snap.Status = StatusResponding
	})
}

// ResetText clears accumulated text at a turn boundary.
func (s *Store) ResetText(sessionKey string) {
	s.mutate(sessionKey, func(snap *Snapshot) {
		snap.StreamedText = ""
	})
}

// StartTool records the currently running tool.
func (s *Store) StartTool(sessionKey, callID, toolName string) {
	s.mutate(sessionKey, func(snap *Snapshot) {
		snap.CurrentTool = &ToolRun{ToolCallID: callID, ToolName: toolName}
		snap.Status = StatusToolUse
	})
}

// FinishTool moves the current tool to the completed list.
func (s *Store) FinishTool(sessionKey, callID string, isError bool, durationMs int64) {
	s.mutate(sessionKey, func(snap *Snapshot) {
		tool := snap.CurrentTool
		if tool == nil || tool.ToolCallID != callID {
			tool = &ToolRun{ToolCallID: callID}
		}
		tool.IsError = isError
		tool.DurationMs = durationMs
		snap.CompletedTools = append(snap.CompletedTools, *tool)
		snap.CurrentTool = nil
		snap.Status = StatusThinking
	})
}

// SetPendingApproval records an unresolved approval request.
func (s *Store) SetPendingApproval(sessionKey string, req *PendingRequest) {
	s.mutate(sessionKey, func(snap *Snapshot) {
		snap.PendingApproval = req
	})
}

// ClearPendingApproval removes the pending approval marker.
func (s *Store) ClearPendingApproval(sessionKey string) {
	s.mutate(sessionKey, func(snap *Snapshot) {
		snap.PendingApproval = nil
	})
}

// SetPendingQuestion records an unresolved interactive question.
func (s *Store) SetPendingQuestion(sessionKey string, req *PendingRequest) {
	s.mutate(sessionKey, func(snap *Snapshot) {
		snap.PendingQuestion = req
	})
}

// ClearPendingQuestion removes the pending question marker.
func (s *Store) ClearPendingQuestion(sessionKey string) {
	s.mutate(sessionKey, func(snap *Snapshot) {
		snap.PendingQuestion = nil
	})
}

// mutate applies fn under the lock. Missing sessions are a no-op: the run
// already ended and late engine events must not resurrect state.
func (s *Store) mutate(sessionKey string, fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[sessionKey]
	if !ok {
		return
	}
	fn(snap)
	snap.UpdatedAt = time.Now()
}
