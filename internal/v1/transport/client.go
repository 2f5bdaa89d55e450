package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metrics"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
	"github.com/gorilla/websocket"
)

var errBackpressure = errors.New("transport: subscriber send buffer full")

// wsConnection is the subset of *websocket.Conn the Client depends on,
// mirrored as an interface for test doubles.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// priorityEvents bypass the regular send channel: approval/error/critical
// state events must not queue behind a burst of regular traffic.
var priorityEvents = map[string]bool{
	"approval_pending":    true,
	"approval_granted":    true,
	"approval_rejected":   true,
	"approval_cancelled":  true,
	"approval_timed_out":  true,
	"approval_success":    true,
	"approval_error":      true,
	"new_member_request":  true,
	"swap_error":          true,
	"kick_error":          true,
	"membership_error":    true,
	"broadcast_error":     true,
	"user_kicked":         true,
	"ownership_transferred": true,
	"room_state_updated":  true,
}

// Client is one WebSocket connection, attached to exactly one namespace.
// It implements types.ClientInterface (outbound, from domain handlers'
// point of view) and types.Subscriber (inbound from the EventBus).
type Client struct {
	conn      wsConnection
	connID    types.ConnIDType
	userID    types.UserIDType
	namespace string
	router    types.Router

	send         chan []byte
	prioritySend chan []byte

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewClient constructs a Client bound to namespace, reading/writing
// through conn and dispatching inbound envelopes to router.
func NewClient(conn wsConnection, connID types.ConnIDType, userID types.UserIDType, namespace string, router types.Router, sendBufferSize int) *Client {
	if sendBufferSize <= 0 {
		sendBufferSize = 256
	}
	return &Client{
		conn:         conn,
		connID:       connID,
		userID:       userID,
		namespace:    namespace,
		router:       router,
		send:         make(chan []byte, sendBufferSize),
		prioritySend: make(chan []byte, sendBufferSize),
	}
}

// ConnID satisfies both types.ClientInterface and types.Subscriber.
func (c *Client) ConnID() types.ConnIDType { return c.connID }

// UserID satisfies types.ClientInterface.
func (c *Client) UserID() types.UserIDType { return c.userID }

// Send marshals payload into an envelope and queues it for delivery.
func (c *Client) Send(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal outbound payload", "event", event, "error", err)
		return
	}
	if err := c.Deliver(event, raw); err != nil {
		slog.Warn("dropping client after failed delivery", "connId", c.connID, "event", event, "error", err)
		c.Disconnect()
	}
}

// SendError is a convenience wrapper around Send for the many `<domain>_error`
// events in the protocol.
func (c *Client) SendError(event, message string) {
	c.Send(event, map[string]string{"message": message})
}

// Deliver satisfies types.Subscriber: the EventBus calls this for every
// message published on c's namespace. A full channel is treated as
// backpressure and returns an error so the bus evicts this subscriber.
func (c *Client) Deliver(event string, payload json.RawMessage) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	env := types.Envelope{Namespace: c.namespace, Event: event, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	target := c.send
	if priorityEvents[event] {
		target = c.prioritySend
	}

	select {
	case target <- data:
		return nil
	default:
		return errBackpressure
	}
}

// Disconnect closes the underlying connection, unblocking readPump/writePump.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *Client) readPump(onDisconnect func()) {
	defer func() {
		onDisconnect()
		c.conn.Close()
		metrics.ActiveWebSocketConnections.Dec()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("failed to unmarshal inbound envelope", "connId", c.connID, "error", err)
			continue
		}
		env.Namespace = c.namespace

		c.router.Route(context.Background(), c, env)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	const writeWait = 10 * time.Second

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}
}

var _ types.ClientInterface = (*Client)(nil)
var _ types.Subscriber = (*Client)(nil)
