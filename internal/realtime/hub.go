package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// DefaultSendBuffer is the per-connection outbound queue size.
	DefaultSendBuffer = 256

	// relayBuffer bounds events waiting for the relay; overflow is dropped.
	relayBuffer = 1024
)

// Outbound event types.
const (
	EventPollCreated         = "poll:created"
	EventPollStarted         = "poll:started"
	EventPollEnded           = "poll:ended"
	EventPollUpdated         = "poll:updated"
	EventResultsUpdated      = "results:updated"
	EventParticipantsUpdated = "participants:update"
	EventMessageReceived     = "message:received"
	EventError               = "error"
	EventKicked              = "participant:kicked"
	EventJoined              = "joined"
)

// Relay mirrors room events to an external channel. It never feeds events back into the hub.
type Relay interface {
	PublishPollEvent(pollID uuid.UUID, event string, payload []byte) error
}

type relayEvent struct {
	pollID uuid.UUID
	event  string
	data   []byte
}

// Hub maintains poll_id -> set of connections and fans events out to them.
// Publish holds the hub lock while enqueuing, so every connection in a room sees
// that room's events in publish order. Relay calls run on a separate goroutine
// in the same order; Publish never waits on them.
type Hub struct {
	mu         sync.Mutex
	clients    map[string]*Client
	rooms      map[uuid.UUID]map[string]*Client
	closed     bool
	relay      Relay
	relayQueue chan relayEvent
	logger     *zap.Logger
}

// NewHub creates a hub. relay may be nil.
func NewHub(logger *zap.Logger, relay Relay) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[uuid.UUID]map[string]*Client),
		relay:   relay,
		logger:  logger,
	}
	if relay != nil {
		h.relayQueue = make(chan relayEvent, relayBuffer)
		go h.runRelay()
	}
	return h
}

func (h *Hub) runRelay() {
	for e := range h.relayQueue {
		if err := h.relay.PublishPollEvent(e.pollID, e.event, e.data); err != nil {
			h.logger.Warn("relay publish failed", zap.String("event", e.event), zap.String("poll_id", e.pollID.String()), zap.Error(err))
		}
	}
}

// Register adds a connection with no room. Returns false once the hub is closed.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.ID] = c
	h.logger.Debug("client connected", zap.String("connection_id", c.ID), zap.String("identity_id", c.Identity.ID.String()))
	return true
}

// Unregister removes a connection and closes its outbound queue. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.ID] == c {
		h.dropLocked(c)
	}
	h.logger.Debug("client disconnected", zap.String("connection_id", c.ID))
}

func (h *Hub) dropLocked(c *Client) {
	delete(h.clients, c.ID)
	if c.room != uuid.Nil {
		if m, ok := h.rooms[c.room]; ok {
			delete(m, c.ID)
			if len(m) == 0 {
				delete(h.rooms, c.room)
			}
		}
		c.room = uuid.Nil
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Join moves a connection into pollID's room, leaving any previous room.
func (h *Hub) Join(connectionID string, pollID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connectionID]
	if !ok {
		return false
	}
	if c.room == pollID {
		return true
	}
	if c.room != uuid.Nil {
		if m := h.rooms[c.room]; m != nil {
			delete(m, c.ID)
			if len(m) == 0 {
				delete(h.rooms, c.room)
			}
		}
	}
	if h.rooms[pollID] == nil {
		h.rooms[pollID] = make(map[string]*Client)
	}
	h.rooms[pollID][c.ID] = c
	c.room = pollID
	return true
}

// Leave removes a connection from pollID's room if it is there.
func (h *Hub) Leave(connectionID string, pollID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connectionID]
	if !ok || c.room != pollID {
		return
	}
	if m := h.rooms[pollID]; m != nil {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.rooms, pollID)
		}
	}
	c.room = uuid.Nil
}

func encode(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}

// Publish sends an event to every connection in pollID's room and mirrors it to the relay.
// A connection whose queue is full is disconnected instead of silently missing events.
func (h *Hub) Publish(pollID uuid.UUID, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode event failed", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.Lock()
	for _, c := range h.rooms[pollID] {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("send buffer full, disconnecting", zap.String("connection_id", c.ID), zap.String("poll_id", pollID.String()))
			h.dropLocked(c)
		}
	}
	if h.relayQueue != nil && !h.closed {
		select {
		case h.relayQueue <- relayEvent{pollID: pollID, event: event, data: data}:
		default:
			h.logger.Warn("relay queue full, dropping event", zap.String("event", event), zap.String("poll_id", pollID.String()))
		}
	}
	h.mu.Unlock()
}

// SendTo sends an event to a single connection.
func (h *Hub) SendTo(connectionID string, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Error("encode event failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connectionID]
	if !ok {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
		h.dropLocked(c)
	}
}

// Disconnect closes a connection's outbound queue; its write pump then closes the socket.
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connectionID]; ok {
		h.dropLocked(c)
	}
}

// RoomSize returns the number of connections in pollID's room.
func (h *Hub) RoomSize(pollID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[pollID])
}

// Connected reports whether connectionID is registered.
func (h *Hub) Connected(connectionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[connectionID]
	return ok
}

// Close disconnects every connection and rejects new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, c := range h.clients {
		h.dropLocked(c)
	}
	if h.relayQueue != nil {
		close(h.relayQueue)
	}
	h.logger.Info("realtime hub closed")
}
