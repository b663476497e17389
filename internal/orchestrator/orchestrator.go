// Package orchestrator owns the run lifecycle: per-session serialization,
// engine event translation, approval gating, persistence, and fan-out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"courier/internal/broker"
	"courier/internal/engine"
	"courier/internal/hub"
	"courier/internal/snapshot"
	"courier/internal/storage"
	"courier/pkg/logger"
)

// Publisher broadcasts run events.
type Publisher interface {
	Publish(ev hub.Event) error
}

// ApprovalBroker blocks tool calls on human approval.
type ApprovalBroker interface {
	RequestApproval(ctx context.Context, req *broker.Request) (*broker.Resolution, error)
}

// CredentialGate reports whether engine credentials are usable.
type CredentialGate interface {
	Expired() bool
}

// ReauthFlow drives interactive re-authentication when credentials expire.
type ReauthFlow interface {
	Begin(ctx context.Context, sessionKey string) error
}

// Config tunes the orchestrator.
type Config struct {
	// QueueSize bounds pending runs per session.
	QueueSize int

	// IdleTimeout reaps idle session workers.
	IdleTimeout time.Duration

	// PruneGrace delays event-log pruning after a run settles so clients
	// that were briefly offline can still replay it. Zero disables pruning.
	PruneGrace time.Duration
}

// SubmitRequest describes one prompt to run.
type SubmitRequest struct {
	Channel  string
	ChatType string
	ChatID   string
	Prompt   string

	// ExtraContext is prepended system context (channel metadata or a
	// back-reference for a late answer).
	ExtraContext string

	// FromChannel marks prompts arriving over a chat channel; approvals for
	// these route back through the channel instead of direct clients.
	FromChannel bool
}

// RunResult is the settled outcome of a run's final turn.
type RunResult struct {
	RunID       string        `json:"run_id"`
	Text        string        `json:"text"`
	Usage       *engine.Usage `json:"usage,omitempty"`
	SentMessage bool          `json:"sent_message,omitempty"`
}

// liveRun tracks an in-flight run for Inject/Abort/Interrupt.
type liveRun struct {
	runID  string
	handle engine.Handle
	cancel context.CancelFunc
}

// Orchestrator serializes runs per session and translates engine events into
// persisted, broadcast run events.
type Orchestrator struct {
	cfg    Config
	db     *storage.DB
	eng    engine.Engine
	pub    Publisher
	snaps  *snapshot.Store
	broker ApprovalBroker
	policy *broker.Policy
	gate   CredentialGate
	reauth ReauthFlow

	queue *runQueue

	mu   sync.Mutex
	live map[string]*liveRun
}

// New creates an orchestrator. broker, gate, and reauth may be nil.
func New(cfg Config, db *storage.DB, eng engine.Engine, pub Publisher, snaps *snapshot.Store, approvals ApprovalBroker, policy *broker.Policy) *Orchestrator {
	if policy == nil {
		policy = broker.DefaultPolicy()
	}
	return &Orchestrator{
		cfg:    cfg,
		db:     db,
		eng:    eng,
		pub:    pub,
		snaps:  snaps,
		broker: approvals,
		policy: policy,
		queue:  newRunQueue(cfg.QueueSize, cfg.IdleTimeout),
		live:   make(map[string]*liveRun),
	}
}

// SetCredentialGate installs the credential check and re-auth flow.
func (o *Orchestrator) SetCredentialGate(gate CredentialGate, reauth ReauthFlow) {
	o.gate = gate
	o.reauth = reauth
}

// Submit queues the prompt on the session's lane and blocks until the run
// fully settles. Runs for the same session never overlap; a prompt arriving
// mid-run waits its turn.
//
// When credentials are expired the submit short-circuits into the re-auth
// flow and returns (nil, nil): there is no run to report on.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*RunResult, error) {
	sessionKey := storage.SessionKey(req.Channel, req.ChatType, req.ChatID)

	var out *RunResult
	resultCh, err := o.queue.Enqueue(sessionKey, ctx, func(runCtx context.Context) error {
		res, err := o.execute(runCtx, sessionKey, req)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}

	return out, <-resultCh
}

// Inject delivers text into the session's live run. It returns true only
// when a run is in flight and its engine accepts injection; otherwise the
// caller should submit normally.
func (o *Orchestrator) Inject(sessionKey, text string) bool {
	o.mu.Lock()
	lr := o.live[sessionKey]
	o.mu.Unlock()

	if lr == nil || lr.handle == nil {
		return false
	}
	if err := lr.handle.Inject(text); err != nil {
		if !errors.Is(err, engine.ErrNotSupported) {
			logger.Warn().Err(err).Str("session", sessionKey).Msg("Injection failed")
		}
		return false
	}
	logger.Info().Str("session", sessionKey).Str("run_id", lr.runID).Msg("Injected message into live run")
	return true
}

// Abort hard-stops the session's active run by cancelling its context. The
// run settles as aborted; queued prompts stay queued.
func (o *Orchestrator) Abort(sessionKey string) error {
	o.mu.Lock()
	lr := o.live[sessionKey]
	o.mu.Unlock()

	if lr == nil {
		return ErrNoActiveRun
	}
	logger.Info().Str("session", sessionKey).Str("run_id", lr.runID).Msg("Aborting run")
	lr.cancel()
	return nil
}

// Interrupt asks the live run's engine for a graceful mid-turn stop.
func (o *Orchestrator) Interrupt(sessionKey string) error {
	o.mu.Lock()
	lr := o.live[sessionKey]
	o.mu.Unlock()

	if lr == nil {
		return ErrNoActiveRun
	}
	if lr.handle == nil {
		return engine.ErrNotSupported
	}
	return lr.handle.Interrupt()
}

// Pending counts queued (not yet started) runs for a session.
func (o *Orchestrator) Pending(sessionKey string) int {
	return o.queue.Pending(sessionKey)
}

// Shutdown drains in-flight runs up to the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, lr := range o.live {
		lr.cancel()
	}
	o.mu.Unlock()
	return o.queue.Shutdown(ctx)
}

// execute drives one run from session lookup to settlement. It runs on the
// session's lane worker, so it is the only writer for this session.
func (o *Orchestrator) execute(ctx context.Context, sessionKey string, req SubmitRequest) (*RunResult, error) {
	session, err := o.db.UpsertSession(req.Channel, req.ChatType, req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}

	if o.gate != nil && o.gate.Expired() {
		logger.Warn().Str("session", sessionKey).Msg("Credentials expired, starting re-auth flow")
		if o.reauth != nil {
			if err := o.reauth.Begin(ctx, sessionKey); err != nil {
				return nil, fmt.Errorf("begin re-auth: %w", err)
			}
		}
		return nil, nil
	}

	runID := ulid.Make().String()

	if err := o.db.SetActiveRun(sessionKey, true); err != nil {
		return nil, fmt.Errorf("mark active run: %w", err)
	}
	o.snaps.Begin(sessionKey)

	defer func() {
		if err := o.db.SetActiveRun(sessionKey, false); err != nil {
			logger.Error().Err(err).Str("session", sessionKey).Msg("Failed to clear active run")
		}
		o.snaps.End(sessionKey)
		o.schedulePrune(sessionKey)
	}()

	o.publish(hub.Event{
		Name:       hub.EventRunStarted,
		SessionKey: sessionKey,
		Data:       map[string]string{"run_id": runID, "prompt": req.Prompt},
	})

	spec := engine.RunSpec{
		SessionKey:   sessionKey,
		Prompt:       req.Prompt,
		ResumeToken:  session.ResumeToken,
		ExtraContext: req.ExtraContext,
		Approver:     o.approverFor(sessionKey, req),
	}

	// Abort cancels runCtx; the engine unwinds and closes its stream.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, handle, err := o.startEngine(runCtx, sessionKey, spec)
	if err != nil {
		o.publishError(sessionKey, runID, err)
		return nil, err
	}

	o.mu.Lock()
	o.live[sessionKey] = &liveRun{runID: runID, handle: handle, cancel: cancel}
	o.mu.Unlock()

	result, runErr := o.consume(runCtx, sessionKey, runID, events)

	o.mu.Lock()
	delete(o.live, sessionKey)
	o.mu.Unlock()

	if err := o.db.TouchSession(sessionKey); err != nil {
		logger.Error().Err(err).Str("session", sessionKey).Msg("Failed to touch session")
	}

	switch {
	case runCtx.Err() != nil:
		o.publish(hub.Event{
			Name:       hub.EventRunAborted,
			SessionKey: sessionKey,
			Data:       map[string]string{"run_id": runID},
		})
		return nil, ErrRunAborted

	case runErr != nil:
		if errors.Is(runErr, engine.ErrAuthExpired) && o.reauth != nil {
			if err := o.reauth.Begin(context.WithoutCancel(ctx), sessionKey); err != nil {
				logger.Error().Err(err).Str("session", sessionKey).Msg("Failed to start re-auth flow")
			}
		}
		o.publishError(sessionKey, runID, runErr)
		return nil, runErr

	default:
		if result == nil {
			result = &RunResult{}
		}
		result.RunID = runID
		o.publish(hub.Event{
			Name:       hub.EventRunCompleted,
			SessionKey: sessionKey,
			Data:       result,
		})
		return result, nil
	}
}

// startEngine runs the engine, clearing a rejected resume token and retrying
// once from scratch.
func (o *Orchestrator) startEngine(ctx context.Context, sessionKey string, spec engine.RunSpec) (<-chan engine.Event, engine.Handle, error) {
	events, handle, err := o.eng.Run(ctx, spec)
	if err == nil {
		return events, handle, nil
	}

	if errors.Is(err, engine.ErrResumeFailed) && spec.ResumeToken != "" {
		logger.Warn().Str("session", sessionKey).Msg("Resume rejected, retrying without token")
		if clearErr := o.db.ClearResumeToken(sessionKey); clearErr != nil {
			logger.Error().Err(clearErr).Str("session", sessionKey).Msg("Failed to clear resume token")
		}
		spec.ResumeToken = ""
		return o.eng.Run(ctx, spec)
	}
	return nil, nil, err
}

// consume translates the engine stream into snapshot updates and broadcast
// events. It returns the last turn-final result and any engine error.
func (o *Orchestrator) consume(ctx context.Context, sessionKey, runID string, events <-chan engine.Event) (*RunResult, error) {
	var result *RunResult
	var runErr error

	for ev := range events {
		if ctx.Err() != nil {
			// Drain the rest; the engine is unwinding from the cancel.
			continue
		}

		switch ev.Type {
		case engine.EventTypeInit:
			if err := o.db.SetSessionID(sessionKey, ev.Init.SessionID); err != nil {
				logger.Error().Err(err).Str("session", sessionKey).Msg("Failed to store session id")
			}
			if ev.Init.ResumeToken != "" {
				if err := o.db.SetResumeToken(sessionKey, ev.Init.ResumeToken); err != nil {
					logger.Error().Err(err).Str("session", sessionKey).Msg("Failed to store resume token")
				}
			}

		case engine.EventTypeTextDelta:
			o.snaps.AppendText(sessionKey, ev.Text)
			o.publish(hub.Event{
				Name:       hub.EventStreamDelta,
				SessionKey: sessionKey,
				Data:       map[string]string{"text": ev.Text},
			})

		case engine.EventTypeThinking:
			o.snaps.SetStatus(sessionKey, snapshot.StatusThinking)
			o.publish(hub.Event{
				Name:       hub.EventStreamThinking,
				SessionKey: sessionKey,
				Data:       map[string]string{"text": ev.Text},
			})

		case engine.EventTypeTurnStart:
			o.snaps.ResetText(sessionKey)
			o.publish(hub.Event{Name: hub.EventTurnStarted, SessionKey: sessionKey})

		case engine.EventTypeTurnEnd:
			o.publish(hub.Event{Name: hub.EventTurnCompleted, SessionKey: sessionKey})

		case engine.EventTypeToolStart:
			o.snaps.StartTool(sessionKey, ev.ToolStart.ToolCallID, ev.ToolStart.ToolName)
			o.publish(hub.Event{
				Name:       hub.EventToolStarted,
				SessionKey: sessionKey,
				Data:       ev.ToolStart,
			})

		case engine.EventTypeToolEnd:
			o.snaps.FinishTool(sessionKey, ev.ToolEnd.ToolCallID, ev.ToolEnd.IsError, ev.ToolEnd.DurationMs)
			o.publish(hub.Event{
				Name:       hub.EventToolCompleted,
				SessionKey: sessionKey,
				Data:       ev.ToolEnd,
			})

		case engine.EventTypeResult:
			result = &RunResult{
				RunID:       runID,
				Text:        ev.Result.Text,
				Usage:       ev.Result.Usage,
				SentMessage: ev.Result.SentMessage,
			}
			// Each turn-final result is durable so observers see
			// intermediate texts from multi-turn engines, not just the
			// last one at stream end.
			o.publish(hub.Event{
				Name:       hub.EventTurnResult,
				SessionKey: sessionKey,
				Data:       result,
			})

		case engine.EventTypeError:
			runErr = ev.Err
			if runErr == nil {
				runErr = errors.New(ev.ErrorMsg)
			}
		}
	}

	return result, runErr
}

func (o *Orchestrator) publishError(sessionKey, runID string, err error) {
	o.publish(hub.Event{
		Name:       hub.EventRunError,
		SessionKey: sessionKey,
		Data:       map[string]string{"run_id": runID, "error": err.Error()},
	})
}

func (o *Orchestrator) publish(ev hub.Event) {
	if o.pub == nil {
		return
	}
	if err := o.pub.Publish(ev); err != nil {
		logger.Error().Err(err).Str("event", ev.Name).Str("session", ev.SessionKey).Msg("Failed to publish event")
	}
}

// schedulePrune trims the session's settled events after the grace window.
func (o *Orchestrator) schedulePrune(sessionKey string) {
	if o.cfg.PruneGrace <= 0 {
		return
	}

	upTo, err := o.db.MaxSeq(sessionKey)
	if err != nil || upTo == 0 {
		return
	}

	time.AfterFunc(o.cfg.PruneGrace, func() {
		n, err := o.db.PruneEvents(sessionKey, upTo)
		if err != nil {
			logger.Error().Err(err).Str("session", sessionKey).Msg("Event prune failed")
			return
		}
		if n > 0 {
			logger.Debug().Str("session", sessionKey).Int64("pruned", n).Msg("Pruned settled events")
		}
	})
}

// toolGate adapts the broker into the engine's Approver contract.
type toolGate struct {
	o          *Orchestrator
	sessionKey string
	req        SubmitRequest
}

func (o *Orchestrator) approverFor(sessionKey string, req SubmitRequest) engine.Approver {
	return &toolGate{o: o, sessionKey: sessionKey, req: req}
}

// ApproveTool classifies the call and, when required, blocks on a human
// decision routed to the surface the prompt came from.
func (g *toolGate) ApproveTool(ctx context.Context, toolName string, input []byte) (bool, error) {
	switch g.o.policy.Classify(toolName, string(input)) {
	case broker.ActionAuto:
		return true, nil

	case broker.ActionNotify:
		g.o.publish(hub.Event{
			Name:       hub.EventToolNotice,
			SessionKey: g.sessionKey,
			Data:       map[string]string{"tool_name": toolName, "input": string(input)},
		})
		return true, nil
	}

	if g.o.broker == nil {
		logger.Warn().Str("tool", toolName).Msg("Approval required but no broker configured, denying")
		return false, nil
	}

	req := &broker.Request{
		SessionKey: g.sessionKey,
		ToolName:   toolName,
		Input:      input,
		Origin:     broker.OriginDirect,
	}
	if g.req.FromChannel {
		req.Origin = broker.OriginChannel
		req.Channel = g.req.Channel
		req.ChatID = g.req.ChatID
	}

	res, err := g.o.broker.RequestApproval(ctx, req)
	if err != nil {
		return false, err
	}
	return res.Approved, nil
}
