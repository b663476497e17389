package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"courier/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024 // 1MB

	// Outbound frames queued per connection before overflow.
	sendQueueSize = 512

	// maxBuffered is the backpressure threshold: a connection whose
	// outstanding outbound bytes exceed this at publish time is closed.
	maxBuffered = 2 << 20 // 2 MiB

	// batchInterval is how long stream deltas coalesce before flushing.
	batchInterval = 16 * time.Millisecond

	// CloseReasonBackpressure tells the client it fell behind and must
	// reconnect and replay from its cursor.
	CloseReasonBackpressure = "backpressure"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Desktop clients connect from app origins
	},
}

// Conn represents one WebSocket client connection.
type Conn struct {
	hub  *Hub
	conn *websocket.Conn
	id   string

	send     chan []byte
	buffered atomic.Int64
	closed   atomic.Bool
	lastSeen atomic.Int64

	// Guarded by hub.mu: authentication and subscription state.
	authenticated bool
	sessions      map[string]bool
	// watermark holds, per subscribed session, the highest seq already
	// delivered by replay; live durable events at or below it are skipped.
	watermark map[string]int64

	// Delta batching. All enqueues pass through batchMu so a batch flush
	// always precedes any later non-delta frame.
	batchMu      sync.Mutex
	batchPending map[string][]json.RawMessage
	batchTimers  map[string]*time.Timer

	closeOnce sync.Once
}

func newConn(hub *Hub, ws *websocket.Conn) *Conn {
	c := &Conn{
		hub:          hub,
		conn:         ws,
		id:           uuid.New().String(),
		send:         make(chan []byte, sendQueueSize),
		sessions:     make(map[string]bool),
		watermark:    make(map[string]int64),
		batchPending: make(map[string][]json.RawMessage),
		batchTimers:  make(map[string]*time.Timer),
	}
	c.lastSeen.Store(time.Now().UnixNano())
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// touch records client activity for the heartbeat sweep.
func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// idleSince returns the time of the last client activity.
func (c *Conn) idleSince() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// enqueueDelta buffers a stream delta for coalesced delivery.
func (c *Conn) enqueueDelta(sessionKey string, data json.RawMessage) {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()

	c.batchPending[sessionKey] = append(c.batchPending[sessionKey], data)
	if _, ok := c.batchTimers[sessionKey]; !ok {
		c.batchTimers[sessionKey] = time.AfterFunc(batchInterval, func() {
			c.flushDeltas(sessionKey)
		})
	}
}

// enqueueFrame flushes any pending delta batches, then queues the frame.
// Flushing first keeps causal order: a tool result is never observed before
// the text that preceded it.
func (c *Conn) enqueueFrame(frame []byte) {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()

	c.flushAllLocked()
	c.push(frame)
}

// flushDeltas flushes the pending batch for one session (timer callback).
func (c *Conn) flushDeltas(sessionKey string) {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	c.flushSessionLocked(sessionKey)
}

func (c *Conn) flushAllLocked() {
	for sessionKey := range c.batchPending {
		c.flushSessionLocked(sessionKey)
	}
}

func (c *Conn) flushSessionLocked(sessionKey string) {
	pending := c.batchPending[sessionKey]
	if timer, ok := c.batchTimers[sessionKey]; ok {
		timer.Stop()
		delete(c.batchTimers, sessionKey)
	}
	delete(c.batchPending, sessionKey)

	if len(pending) == 0 {
		return
	}

	var frame pushFrame
	if len(pending) == 1 {
		frame = pushFrame{Event: EventStreamDelta, Session: sessionKey, Data: pending[0]}
	} else {
		frame = pushFrame{Event: EventStreamBatch, Session: sessionKey, Data: batchFrame{Deltas: pending}}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to marshal delta batch")
		return
	}
	c.push(data)
}

// push queues raw bytes for the write pump. A full queue means the client
// cannot keep up; it is closed rather than silently skipped so it can
// reconnect and replay without gaps.
func (c *Conn) push(data []byte) {
	if c.closed.Load() {
		return
	}

	c.buffered.Add(int64(len(data)))
	select {
	case c.send <- data:
	default:
		c.buffered.Add(-int64(len(data)))
		logger.Warn().Str("client_id", c.id).Msg("Send queue overflow, closing connection")
		go c.closeWithReason(websocket.ClosePolicyViolation, CloseReasonBackpressure)
	}
}

// overBudget reports whether outstanding outbound bytes exceed the
// backpressure threshold.
func (c *Conn) overBudget() bool {
	return c.buffered.Load() > maxBuffered
}

// closeWithReason sends a close frame with the given code and unregisters.
func (c *Conn) closeWithReason(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()

		c.hub.unregister(c)
	})
}

// readPump pumps messages from the WebSocket connection to the hub.
func (c *Conn) readPump() {
	defer c.closeWithReason(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			return
		}

		c.touch()
		c.hub.handleMessage(c, message)
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			err := c.conn.WriteMessage(websocket.TextMessage, message)
			c.buffered.Add(-int64(len(message)))
			if err != nil {
				logger.Error().Err(err).Str("client_id", c.id).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError sends an error frame to the client.
func (c *Conn) sendError(code, message string) {
	frame := pushFrame{
		Event: TypeError,
		Data:  map[string]string{"code": code, "message": message},
	}
	data, _ := json.Marshal(frame)
	c.enqueueFrame(data)
}

// sendAck acknowledges a client request by id.
func (c *Conn) sendAck(id string, data any) {
	frame := pushFrame{
		Event: TypeAck,
		Data:  map[string]any{"id": id, "result": data},
	}
	raw, _ := json.Marshal(frame)
	c.enqueueFrame(raw)
}
