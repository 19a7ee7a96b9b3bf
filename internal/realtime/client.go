package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Dispatcher handles inbound events. Dispatch is called sequentially per connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Client, msg WSMessage)
	Disconnected(c *Client)
}

// Client represents a single WebSocket connection.
type Client struct {
	ID       string
	Identity models.Identity

	// guarded by hub.mu
	room   uuid.UUID
	closed bool

	hub    *Hub
	conn   *websocket.Conn
	send   chan WSMessage
	logger *zap.Logger
}

// NewClient creates a connection record with an outbound queue of the given size.
func NewClient(id string, identity models.Identity, hub *Hub, buffer int, logger *zap.Logger) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ID:       id,
		Identity: identity,
		hub:      hub,
		send:     make(chan WSMessage, buffer),
		logger:   logger,
	}
}

// Outbound returns the connection's queue. The write pump drains it; tests read it directly.
func (c *Client) Outbound() <-chan WSMessage {
	return c.send
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, dispatcher Dispatcher, validate func(token string) (models.Identity, error), sendBuffer int, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		identity, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(uuid.New().String(), identity, hub, sendBuffer, logger)
		client.conn = conn
		if !hub.Register(client) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			_ = conn.Close()
			return
		}
		go client.writePump()
		client.readPump(dispatcher)
	}
}

func (c *Client) readPump(dispatcher Dispatcher) {
	defer func() {
		c.hub.Unregister(c)
		dispatcher.Disconnected(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("connection_id", c.ID), zap.Error(err))
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		dispatcher.Dispatch(context.Background(), c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
