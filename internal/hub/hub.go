package hub

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"courier/internal/snapshot"
	"courier/internal/storage"
	"courier/pkg/logger"
)

const (
	// Authenticated connections with no client activity for this long are
	// closed by the sweep.
	heartbeatTimeout = 30 * time.Second

	// How often the zombie sweep runs.
	sweepInterval = 5 * time.Second

	// Rows fetched per replay page.
	replayPageSize = 200
)

// EventLog is the slice of the storage layer the hub needs for persistence
// and replay.
type EventLog interface {
	AppendEvent(sessionKey, eventType string, payload json.RawMessage) (int64, error)
	EventsAfter(cursors []storage.Cursor, limit int) ([]*storage.EventRow, error)
}

// Snapshots hydrates new subscribers with current run state.
type Snapshots interface {
	Get(sessionKey string) (snapshot.Snapshot, bool)
}

// PromptRequest is an inbound prompt from a direct client.
type PromptRequest struct {
	SessionKey string
	Channel    string
	ChatType   string
	ChatID     string
	Prompt     string
}

// Handlers are the callbacks the hub invokes for client requests.
type Handlers struct {
	// OnPrompt submits a prompt for execution. Called on its own goroutine.
	OnPrompt func(req PromptRequest) error

	// OnAbort hard-stops the session's active run.
	OnAbort func(sessionKey string) error

	// OnApproval resolves a pending approval request.
	OnApproval func(requestID string, approved bool, message string) error

	// OnAnswer resolves a pending question request.
	OnAnswer func(requestID string, answers []string) error
}

// Hub maintains the set of active connections and fans out events.
type Hub struct {
	log       EventLog
	snaps     Snapshots
	authToken string

	mu       sync.RWMutex
	clients  map[*Conn]bool
	sessions map[string]map[*Conn]bool
	handlers Handlers

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a hub backed by the given event log and snapshot store.
func New(log EventLog, snaps Snapshots, authToken string) *Hub {
	return &Hub{
		log:       log,
		snaps:     snaps,
		authToken: authToken,
		clients:   make(map[*Conn]bool),
		sessions:  make(map[string]map[*Conn]bool),
		stopCh:    make(chan struct{}),
	}
}

// SetHandlers installs the request callbacks. Must be called before serving.
func (h *Hub) SetHandlers(handlers Handlers) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = handlers
}

// Run drives the heartbeat sweep until Stop is called.
func (h *Hub) Run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// Stop terminates the sweep loop and closes every connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	for _, c := range h.snapshotClients() {
		c.closeWithReason(websocket.CloseGoingAway, "server shutdown")
	}
}

// ServeWS upgrades an HTTP request into a hub connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	c := newConn(h, ws)

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	logger.Info().Str("client_id", c.id).Msg("WebSocket client connected")

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish persists a durable event (assigning its seq) and fans it out to
// the relevant authenticated connections. Slow connections over the
// backpressure budget are closed rather than skipped.
func (h *Hub) Publish(ev Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	if ev.Durable() {
		if ev.SessionKey == "" {
			return fmt.Errorf("durable event %s requires a session key", ev.Name)
		}
		seq, err := h.log.AppendEvent(ev.SessionKey, ev.Name, payload)
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		ev.Seq = seq
	}

	isDelta := ev.Name == EventStreamDelta

	var frame []byte
	if !isDelta {
		frame, err = json.Marshal(pushFrame{
			Event:   ev.Name,
			Session: ev.SessionKey,
			Data:    json.RawMessage(payload),
			Seq:     ev.Seq,
		})
		if err != nil {
			return fmt.Errorf("marshal event frame: %w", err)
		}
	}

	var overBudget []*Conn

	h.mu.RLock()
	for _, c := range h.targetsLocked(ev.SessionKey) {
		if ev.Durable() && ev.Seq <= c.watermark[ev.SessionKey] {
			// Already delivered via replay.
			continue
		}
		if c.overBudget() {
			overBudget = append(overBudget, c)
			continue
		}
		if isDelta {
			c.enqueueDelta(ev.SessionKey, json.RawMessage(payload))
		} else {
			c.enqueueFrame(frame)
		}
	}
	h.mu.RUnlock()

	for _, c := range overBudget {
		logger.Warn().
			Str("client_id", c.id).
			Int64("buffered", c.buffered.Load()).
			Msg("Connection over backpressure budget, closing")
		c.closeWithReason(websocket.ClosePolicyViolation, CloseReasonBackpressure)
	}

	return nil
}

// targetsLocked returns delivery targets for a session key (or all
// authenticated connections for a global event). Caller holds h.mu.
func (h *Hub) targetsLocked(sessionKey string) []*Conn {
	var targets []*Conn
	if sessionKey == "" {
		for c := range h.clients {
			if c.authenticated {
				targets = append(targets, c)
			}
		}
		return targets
	}

	for c := range h.sessions[sessionKey] {
		targets = append(targets, c)
	}
	return targets
}

// Subscribe registers the connection for the requested sessions. For each
// session it synchronously drains the event log from the supplied cursor,
// then sends the live snapshot if one exists, and only then marks the
// subscription live. Holding the hub lock for the drain keeps any concurrent
// publish ordered strictly after replay.
func (h *Hub) Subscribe(c *Conn, cursors []subscribeCursor) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !c.authenticated {
		return 0, fmt.Errorf("connection not authenticated")
	}

	total := 0
	for _, cur := range cursors {
		replayed, lastSeq, err := h.replayLocked(c, cur)
		if err != nil {
			return total, fmt.Errorf("replay %s: %w", cur.Key, err)
		}
		total += replayed

		if snap, ok := h.snaps.Get(cur.Key); ok {
			data, err := json.Marshal(pushFrame{
				Event:   EventSnapshot,
				Session: cur.Key,
				Data:    snap,
			})
			if err == nil {
				c.enqueueFrame(data)
			}
		}

		c.sessions[cur.Key] = true
		c.watermark[cur.Key] = lastSeq
		if h.sessions[cur.Key] == nil {
			h.sessions[cur.Key] = make(map[*Conn]bool)
		}
		h.sessions[cur.Key][c] = true
	}

	return total, nil
}

// replayLocked drains persisted events after the cursor into the connection.
func (h *Hub) replayLocked(c *Conn, cur subscribeCursor) (int, int64, error) {
	replayed := 0
	lastSeq := cur.AfterSeq

	for {
		rows, err := h.log.EventsAfter([]storage.Cursor{{SessionKey: cur.Key, AfterSeq: lastSeq}}, replayPageSize)
		if err != nil {
			return replayed, lastSeq, err
		}

		for _, row := range rows {
			data, err := json.Marshal(pushFrame{
				Event:   row.EventType,
				Session: row.SessionKey,
				Data:    row.Payload,
				Seq:     row.Seq,
			})
			if err != nil {
				continue
			}
			c.enqueueFrame(data)
			replayed++
			lastSeq = row.Seq
		}

		if len(rows) < replayPageSize {
			return replayed, lastSeq, nil
		}
	}
}

// Unsubscribe removes the connection from the given sessions.
func (h *Hub) Unsubscribe(c *Conn, sessionKeys []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, key := range sessionKeys {
		delete(c.sessions, key)
		delete(c.watermark, key)
		if conns, ok := h.sessions[key]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(h.sessions, key)
			}
		}
	}
}

// unregister removes a connection from all hub state.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for key := range c.sessions {
			if conns, ok := h.sessions[key]; ok {
				delete(conns, c)
				if len(conns) == 0 {
					delete(h.sessions, key)
				}
			}
		}
	}
	h.mu.Unlock()

	logger.Info().Str("client_id", c.id).Msg("WebSocket client disconnected")
}

// sweep closes authenticated connections with no recent client activity.
func (h *Hub) sweep() {
	cutoff := time.Now().Add(-heartbeatTimeout)

	var stale []*Conn
	h.mu.RLock()
	for c := range h.clients {
		if c.authenticated && c.idleSince().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		logger.Info().Str("client_id", c.id).Msg("Closing idle connection")
		c.closeWithReason(websocket.CloseGoingAway, "heartbeat timeout")
	}
}

func (h *Hub) snapshotClients() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	return conns
}

// handleMessage dispatches one client request.
func (h *Hub) handleMessage(c *Conn, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to parse client message")
		c.sendError("INVALID_MESSAGE", "failed to parse message")
		return
	}

	if msg.Type == TypeAuth {
		h.handleAuth(c, msg)
		return
	}
	if msg.Type == TypePing {
		data, _ := json.Marshal(pushFrame{Event: TypePong})
		c.enqueueFrame(data)
		return
	}

	h.mu.RLock()
	authed := c.authenticated
	handlers := h.handlers
	h.mu.RUnlock()

	if !authed {
		c.sendError("UNAUTHENTICATED", "authenticate first")
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		replayed, err := h.Subscribe(c, msg.Sessions)
		if err != nil {
			c.sendError("SUBSCRIBE_FAILED", err.Error())
			return
		}
		c.sendAck(msg.ID, map[string]int{"replayed": replayed})

	case TypeUnsubscribe:
		keys := make([]string, 0, len(msg.Sessions))
		for _, s := range msg.Sessions {
			keys = append(keys, s.Key)
		}
		h.Unsubscribe(c, keys)
		c.sendAck(msg.ID, nil)

	case TypePrompt:
		if msg.Prompt == "" {
			c.sendError("INVALID_REQUEST", "prompt is required")
			return
		}
		if handlers.OnPrompt == nil {
			c.sendError("UNAVAILABLE", "prompt handler not configured")
			return
		}
		req := PromptRequest{
			SessionKey: msg.Session,
			Channel:    msg.Channel,
			ChatType:   msg.ChatType,
			ChatID:     msg.ChatID,
			Prompt:     msg.Prompt,
		}
		go func() {
			if err := handlers.OnPrompt(req); err != nil {
				logger.Error().Err(err).Str("client_id", c.id).Msg("Prompt failed")
				c.sendError("PROMPT_FAILED", err.Error())
			}
		}()
		c.sendAck(msg.ID, nil)

	case TypeAbort:
		if msg.Session == "" {
			c.sendError("INVALID_REQUEST", "abort requires session")
			return
		}
		if handlers.OnAbort == nil {
			c.sendError("UNAVAILABLE", "abort handler not configured")
			return
		}
		if err := handlers.OnAbort(msg.Session); err != nil {
			c.sendError("ABORT_FAILED", err.Error())
			return
		}
		c.sendAck(msg.ID, nil)

	case TypeApproval:
		if msg.RequestID == "" {
			c.sendError("INVALID_REQUEST", "approval response requires request_id")
			return
		}
		if handlers.OnApproval == nil {
			c.sendError("UNAVAILABLE", "approval handler not configured")
			return
		}
		if err := handlers.OnApproval(msg.RequestID, msg.Approved, msg.Message); err != nil {
			c.sendError("APPROVAL_ERROR", err.Error())
			return
		}
		c.sendAck(msg.ID, nil)

	case TypeQuestionAnswer:
		if msg.RequestID == "" {
			c.sendError("INVALID_REQUEST", "answer requires request_id")
			return
		}
		if handlers.OnAnswer == nil {
			c.sendError("UNAVAILABLE", "answer handler not configured")
			return
		}
		if err := handlers.OnAnswer(msg.RequestID, msg.Answers); err != nil {
			c.sendError("ANSWER_ERROR", err.Error())
			return
		}
		c.sendAck(msg.ID, nil)

	default:
		c.sendError("UNKNOWN_TYPE", "unknown message type: "+msg.Type)
	}
}

// handleAuth validates the shared-secret token.
func (h *Hub) handleAuth(c *Conn, msg clientMessage) {
	if h.authToken == "" || subtle.ConstantTimeCompare([]byte(msg.Token), []byte(h.authToken)) != 1 {
		logger.Warn().Str("client_id", c.id).Msg("Authentication failed")
		c.sendError("AUTH_FAILED", "invalid token")
		return
	}

	h.mu.Lock()
	c.authenticated = true
	h.mu.Unlock()

	c.sendAck(msg.ID, map[string]string{"connect_id": c.id})
	logger.Info().Str("client_id", c.id).Msg("Client authenticated")
}
