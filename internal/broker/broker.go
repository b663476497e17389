package broker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"courier/internal/hub"
	"courier/internal/snapshot"
	"courier/pkg/logger"
)

const (
	defaultChannelTimeout = 120 * time.Second
	defaultMultiTimeout   = 300 * time.Second
	defaultReplyWindow    = 45 * time.Minute
	defaultMaxPending     = 100
	defaultResolvedCache  = 256
)

// Publisher broadcasts broker lifecycle events.
type Publisher interface {
	Publish(ev hub.Event) error
}

// Asker delivers a question to a chat channel and returns the outbound
// message id for reply correlation.
type Asker interface {
	Ask(ctx context.Context, channel, chatID, text string) (messageID string, err error)
}

// StateStore mirrors pending requests into the session snapshot.
type StateStore interface {
	SetPendingApproval(sessionKey string, req *snapshot.PendingRequest)
	ClearPendingApproval(sessionKey string)
	SetPendingQuestion(sessionKey string, req *snapshot.PendingRequest)
	ClearPendingQuestion(sessionKey string)
}

// Config tunes broker timeouts and capacities.
type Config struct {
	// ApprovalTimeout bounds direct-origin waits. Zero waits forever.
	ApprovalTimeout time.Duration

	// ChannelQuestionTimeout bounds single-answer channel waits.
	ChannelQuestionTimeout time.Duration

	// MultiQuestionTimeout bounds multi-answer channel waits.
	MultiQuestionTimeout time.Duration

	// ReplyWindow is how far back recency-based reply correlation reaches.
	ReplyWindow time.Duration

	MaxPending        int
	ResolvedCacheSize int
}

func (c *Config) fill() {
	if c.ChannelQuestionTimeout <= 0 {
		c.ChannelQuestionTimeout = defaultChannelTimeout
	}
	if c.MultiQuestionTimeout <= 0 {
		c.MultiQuestionTimeout = defaultMultiTimeout
	}
	if c.ReplyWindow <= 0 {
		c.ReplyWindow = defaultReplyWindow
	}
	if c.MaxPending <= 0 {
		c.MaxPending = defaultMaxPending
	}
	if c.ResolvedCacheSize <= 0 {
		c.ResolvedCacheSize = defaultResolvedCache
	}
}

// pendingRequest tracks one in-flight request.
type pendingRequest struct {
	request *Request
	done    chan *Resolution
	timer   *time.Timer

	// messageID is the outbound chat message carrying the question, used
	// for reply-to correlation.
	messageID string
}

// resolvedEntry keeps enough of a finished request to answer duplicates and
// build late-reply back-references.
type resolvedEntry struct {
	request    *Request
	resolution *Resolution
}

// Broker owns the pending-request table and its exactly-once resolution.
type Broker struct {
	cfg   Config
	pub   Publisher
	asker Asker
	state StateStore

	mu      sync.RWMutex
	pending map[string]*pendingRequest
	// byMessage maps channel+"/"+messageID to the pending request id.
	byMessage map[string]string

	resolved *lru.Cache[string, *resolvedEntry]
}

// New creates a broker. asker and state may be nil when the corresponding
// surface is not configured.
func New(cfg Config, pub Publisher, asker Asker, state StateStore) *Broker {
	cfg.fill()
	cache, _ := lru.New[string, *resolvedEntry](cfg.ResolvedCacheSize)
	return &Broker{
		cfg:       cfg,
		pub:       pub,
		asker:     asker,
		state:     state,
		pending:   make(map[string]*pendingRequest),
		byMessage: make(map[string]string),
		resolved:  cache,
	}
}

// RequestApproval blocks until the approval is resolved, times out, or the
// context is cancelled. Context cancellation (the run was aborted) resolves
// the request as cancelled and returns the context error.
func (b *Broker) RequestApproval(ctx context.Context, req *Request) (*Resolution, error) {
	req.Kind = KindApproval
	return b.await(ctx, req)
}

// AskQuestion blocks until the question is answered, times out, or the
// context is cancelled. A channel-origin timeout resolves with the first
// option so the run can proceed conservatively.
func (b *Broker) AskQuestion(ctx context.Context, req *Request) (*Resolution, error) {
	req.Kind = KindQuestion
	return b.await(ctx, req)
}

func (b *Broker) await(ctx context.Context, req *Request) (*Resolution, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.CreatedAt = time.Now()
	if req.Origin == "" {
		req.Origin = OriginDirect
	}

	timeout := b.timeoutFor(req)
	if timeout > 0 {
		req.ExpiresAt = req.CreatedAt.Add(timeout)
	}

	pr := &pendingRequest{
		request: req,
		done:    make(chan *Resolution, 1),
	}

	b.mu.Lock()
	if len(b.pending) >= b.cfg.MaxPending {
		b.mu.Unlock()
		return nil, ErrMaxPending
	}
	b.pending[req.ID] = pr
	b.mu.Unlock()

	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() {
			b.handleTimeout(req.ID)
		})
	}

	b.setSnapshotPending(req)
	b.publishRequested(req)

	logger.Info().
		Str("request_id", req.ID).
		Str("kind", string(req.Kind)).
		Str("origin", string(req.Origin)).
		Str("session", req.SessionKey).
		Msg("Request created")

	if req.Origin == OriginChannel && b.asker != nil {
		msgID, err := b.asker.Ask(ctx, req.Channel, req.ChatID, b.formatPrompt(req))
		if err != nil {
			logger.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to deliver request to channel")
		} else if msgID != "" {
			b.mu.Lock()
			if p, ok := b.pending[req.ID]; ok {
				p.messageID = msgID
				b.byMessage[req.Channel+"/"+msgID] = req.ID
			}
			b.mu.Unlock()
		}
	}

	select {
	case res := <-pr.done:
		b.clearSnapshotPending(req)
		b.publishResolved(req, res)
		return res, nil

	case <-ctx.Done():
		res := &Resolution{
			RequestID: req.ID,
			Status:    StatusCancelled,
			Source:    SourceSystem,
			Message:   "request cancelled",
			DecidedAt: time.Now(),
		}
		b.finish(req.ID, res)
		b.clearSnapshotPending(req)
		b.publishResolved(req, res)
		return res, ctx.Err()
	}
}

// Resolve settles a pending request. A second attempt for the same id gets
// ErrAlreadyResolved; an unknown id gets ErrNotFound.
func (b *Broker) Resolve(requestID string, source Source, approved bool, message string, answers []string) error {
	b.mu.Lock()
	pr, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		if _, was := b.resolved.Get(requestID); was {
			return ErrAlreadyResolved
		}
		return ErrNotFound
	}
	b.removeLocked(pr)
	b.mu.Unlock()

	res := &Resolution{
		RequestID: requestID,
		Status:    StatusAnswered,
		Source:    source,
		Approved:  approved,
		Message:   message,
		Answers:   answers,
		DecidedAt: time.Now(),
	}
	b.resolved.Add(requestID, &resolvedEntry{request: pr.request, resolution: res})

	logger.Info().
		Str("request_id", requestID).
		Str("source", string(source)).
		Bool("approved", approved).
		Msg("Request resolved")

	select {
	case pr.done <- res:
	default:
	}
	return nil
}

// handleTimeout settles a request that nobody answered in time.
func (b *Broker) handleTimeout(requestID string) {
	b.mu.Lock()
	pr, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.removeLocked(pr)
	b.mu.Unlock()

	res := &Resolution{
		RequestID: requestID,
		Status:    StatusTimeout,
		Source:    SourceTimeout,
		Message:   "request timed out",
		DecidedAt: time.Now(),
	}
	if pr.request.Kind == KindQuestion && len(pr.request.Options) > 0 {
		res.Answers = []string{pr.request.Options[0]}
	}
	b.resolved.Add(requestID, &resolvedEntry{request: pr.request, resolution: res})

	logger.Warn().
		Str("request_id", requestID).
		Str("kind", string(pr.request.Kind)).
		Msg("Request timed out")

	select {
	case pr.done <- res:
	default:
	}
}

// finish records a cancellation without delivering to the done channel; the
// waiter already returned.
func (b *Broker) finish(requestID string, res *Resolution) {
	b.mu.Lock()
	pr, ok := b.pending[requestID]
	if ok {
		b.removeLocked(pr)
	}
	b.mu.Unlock()

	if ok {
		b.resolved.Add(requestID, &resolvedEntry{request: pr.request, resolution: res})
	}
}

// removeLocked deletes a pending entry and stops its timer. Caller holds b.mu.
func (b *Broker) removeLocked(pr *pendingRequest) {
	if pr.timer != nil {
		pr.timer.Stop()
	}
	delete(b.pending, pr.request.ID)
	if pr.messageID != "" {
		delete(b.byMessage, pr.request.Channel+"/"+pr.messageID)
	}
}

// GetPending returns a pending request by id.
func (b *Broker) GetPending(requestID string) (*Request, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pr, ok := b.pending[requestID]; ok {
		return pr.request, true
	}
	return nil, false
}

// ListPending returns all pending requests.
func (b *Broker) ListPending() []*Request {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Request, 0, len(b.pending))
	for _, pr := range b.pending {
		out = append(out, pr.request)
	}
	return out
}

// PendingCount returns the number of pending requests.
func (b *Broker) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Close cancels every pending request so blocked runs can unwind.
func (b *Broker) Close() {
	b.mu.Lock()
	prs := make([]*pendingRequest, 0, len(b.pending))
	for _, pr := range b.pending {
		prs = append(prs, pr)
	}
	for _, pr := range prs {
		b.removeLocked(pr)
	}
	b.mu.Unlock()

	for _, pr := range prs {
		res := &Resolution{
			RequestID: pr.request.ID,
			Status:    StatusCancelled,
			Source:    SourceSystem,
			Message:   "broker closed",
			DecidedAt: time.Now(),
		}
		select {
		case pr.done <- res:
		default:
		}
	}
}

func (b *Broker) timeoutFor(req *Request) time.Duration {
	if req.Origin == OriginChannel {
		if req.Multi {
			return b.cfg.MultiQuestionTimeout
		}
		return b.cfg.ChannelQuestionTimeout
	}
	return b.cfg.ApprovalTimeout
}

func (b *Broker) setSnapshotPending(req *Request) {
	if b.state == nil || req.SessionKey == "" {
		return
	}
	pending := &snapshot.PendingRequest{
		RequestID: req.ID,
		ToolName:  req.ToolName,
		Question:  req.Question,
		Options:   req.Options,
	}
	if req.Kind == KindApproval {
		b.state.SetPendingApproval(req.SessionKey, pending)
	} else {
		b.state.SetPendingQuestion(req.SessionKey, pending)
	}
}

func (b *Broker) clearSnapshotPending(req *Request) {
	if b.state == nil || req.SessionKey == "" {
		return
	}
	if req.Kind == KindApproval {
		b.state.ClearPendingApproval(req.SessionKey)
	} else {
		b.state.ClearPendingQuestion(req.SessionKey)
	}
}

func (b *Broker) publishRequested(req *Request) {
	if b.pub == nil {
		return
	}
	name := hub.EventApprovalRequested
	if req.Kind == KindQuestion {
		name = hub.EventQuestionAsked
	}
	if err := b.pub.Publish(hub.Event{Name: name, SessionKey: req.SessionKey, Data: req}); err != nil {
		logger.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to publish request event")
	}
}

func (b *Broker) publishResolved(req *Request, res *Resolution) {
	if b.pub == nil {
		return
	}
	name := hub.EventApprovalResolved
	if req.Kind == KindQuestion {
		name = hub.EventQuestionResolved
	}
	if err := b.pub.Publish(hub.Event{Name: name, SessionKey: req.SessionKey, Data: res}); err != nil {
		logger.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to publish resolution event")
	}
}

// formatPrompt renders the chat message for a channel-origin request. The
// trailing marker lets a user answer by echoing it when their client cannot
// reply to a specific message.
func (b *Broker) formatPrompt(req *Request) string {
	var sb strings.Builder
	if req.Kind == KindApproval {
		sb.WriteString("Approval needed: ")
		sb.WriteString(req.ToolName)
		if len(req.Input) > 0 {
			sb.WriteString("\n")
			sb.WriteString(truncate(string(req.Input), 500))
		}
		sb.WriteString("\nReply yes/no.")
	} else {
		sb.WriteString(req.Question)
		for i, opt := range req.Options {
			sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, opt))
		}
	}
	sb.WriteString(" [")
	sb.WriteString(Marker(req.ID))
	sb.WriteString("]")
	return sb.String()
}

// Marker is the short inline correlation tag for a request.
func Marker(requestID string) string {
	id := strings.ReplaceAll(requestID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "#" + id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var markerPattern = regexp.MustCompile(`#([0-9a-fA-F]{8})`)

// HandleChannelReply routes an inbound chat message against outstanding
// requests. Correlation tries, in order: the reply-to message id, an inline
// marker echo, then the most recent pending request for the chat inside the
// reply window.
//
// It returns handled=true when the message settled a pending request. When
// the message correlates to an already-resolved request, handled is false
// and backref carries the original question so the caller can forward the
// text as a fresh message with context. The original request never reopens.
func (b *Broker) HandleChannelReply(channel, chatID, replyToID, text string) (handled bool, backref string) {
	req, late := b.correlate(channel, chatID, replyToID, text)
	if req == nil {
		return false, ""
	}
	if late {
		return false, backrefFor(req)
	}

	var err error
	if req.Kind == KindApproval {
		err = b.Resolve(req.ID, SourceChannel, isAffirmative(text), strings.TrimSpace(text), nil)
	} else {
		err = b.Resolve(req.ID, SourceChannel, false, "", parseAnswers(req, text))
	}
	if err != nil {
		// Lost a race with another resolver or the timeout.
		return false, backrefFor(req)
	}
	return true, ""
}

// correlate finds the request an inbound message refers to. late is true
// when the match is a resolved request from the retention cache.
func (b *Broker) correlate(channel, chatID, replyToID, text string) (req *Request, late bool) {
	b.mu.RLock()
	if replyToID != "" {
		if id, ok := b.byMessage[channel+"/"+replyToID]; ok {
			if pr, ok := b.pending[id]; ok {
				b.mu.RUnlock()
				return pr.request, false
			}
		}
	}

	if m := markerPattern.FindStringSubmatch(text); m != nil {
		prefix := strings.ToLower(m[1])
		for id, pr := range b.pending {
			if strings.HasPrefix(strings.ReplaceAll(id, "-", ""), prefix) {
				b.mu.RUnlock()
				return pr.request, false
			}
		}
		b.mu.RUnlock()
		for _, id := range b.resolved.Keys() {
			if strings.HasPrefix(strings.ReplaceAll(id, "-", ""), prefix) {
				if entry, ok := b.resolved.Get(id); ok {
					return entry.request, true
				}
			}
		}
		b.mu.RLock()
	}

	// Recency fallback: newest pending request for this chat.
	cutoff := time.Now().Add(-b.cfg.ReplyWindow)
	var newest *Request
	for _, pr := range b.pending {
		r := pr.request
		if r.Origin != OriginChannel || r.Channel != channel || r.ChatID != chatID {
			continue
		}
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	b.mu.RUnlock()
	return newest, false
}

func backrefFor(req *Request) string {
	if req.Kind == KindQuestion {
		return "Re: " + req.Question
	}
	return "Re: approval for " + req.ToolName
}

var affirmatives = map[string]bool{
	"yes": true, "y": true, "ok": true, "okay": true,
	"approve": true, "approved": true, "allow": true,
	"sure": true, "go ahead": true, "do it": true,
}

// isAffirmative interprets a chat reply as an approval decision.
func isAffirmative(text string) bool {
	t := strings.ToLower(strings.TrimSpace(markerPattern.ReplaceAllString(text, "")))
	t = strings.Trim(t, ".!")
	return affirmatives[t]
}

// parseAnswers maps a chat reply onto the question's options. Numbered
// replies select by position; otherwise text is matched against options
// case-insensitively, falling back to the raw text.
func parseAnswers(req *Request, text string) []string {
	t := markerPattern.ReplaceAllString(text, "")
	t = strings.TrimSpace(strings.ReplaceAll(t, "[]", ""))

	parts := []string{t}
	if req.Multi {
		parts = strings.Split(t, ",")
	}

	var answers []string
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil && n >= 1 && n <= len(req.Options) {
			answers = append(answers, req.Options[n-1])
			continue
		}
		matched := p
		for _, opt := range req.Options {
			if strings.EqualFold(opt, p) {
				matched = opt
				break
			}
		}
		answers = append(answers, matched)
	}
	return answers
}
