package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrSendBuffer   = errors.New("client send buffer full")
)

// Authorizer reports whether ownerID may watch projectID.
type Authorizer func(ctx context.Context, ownerID, projectID string) error

// Client represents a WebSocket client connection. It implements Conn and
// may be subscribed to several projects at once.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	ownerID        string
	clientID       string
	authorize      Authorizer
	maxMessageSize int64

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn, ownerID, clientID string, authorize Authorizer, maxMessageSize int64) *Client {
	return &Client{
		hub:            hub,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		done:           make(chan struct{}),
		ownerID:        ownerID,
		clientID:       clientID,
		authorize:      authorize,
		maxMessageSize: maxMessageSize,
		subs:           make(map[string]*Subscription),
	}
}

// Send queues data without blocking.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBuffer
	}
}

// Close stops the pumps. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Subscribe checks ownership and registers the client for projectID.
func (c *Client) Subscribe(ctx context.Context, projectID string) error {
	if projectID == "" {
		return errors.New("project_id is required")
	}
	if c.authorize != nil {
		if err := c.authorize(ctx, c.ownerID, projectID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[projectID]; ok {
		return nil
	}
	c.subs[projectID] = c.hub.Subscribe(projectID, c)
	slog.Info("client subscribed", "project_id", projectID, "client_id", c.clientID)
	return nil
}

// Unsubscribe removes the client from projectID.
func (c *Client) Unsubscribe(projectID string) {
	c.mu.Lock()
	sub, ok := c.subs[projectID]
	delete(c.subs, projectID)
	c.mu.Unlock()

	if ok {
		c.hub.Unsubscribe(sub)
	}
}

// ReadPump reads messages from the WebSocket connection.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.cleanup()
		c.hub.Unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "error", err)
			}
			return
		}

		c.handleMessage(ctx, message)
	}
}

// WritePump writes messages to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(CodeInvalidJSON, "invalid JSON message")
		return
	}

	switch msg.Action {
	case "subscribe":
		if err := c.Subscribe(ctx, msg.ProjectID); err != nil {
			slog.Debug("subscribe rejected", "project_id", msg.ProjectID, "error", err)
			if msg.ProjectID == "" {
				c.sendError(CodeInvalidProject, err.Error())
			} else {
				c.sendError(CodeForbidden, "project not found")
			}
			return
		}
		c.sendJSON(NewSubscribedMessage(msg.ProjectID))

	case "unsubscribe":
		c.Unsubscribe(msg.ProjectID)
		c.sendJSON(NewUnsubscribedMessage(msg.ProjectID))

	case "ping":
		c.sendJSON(NewPongMessage())

	default:
		c.sendError(CodeUnknownAction, "unknown action: "+msg.Action)
	}
}

func (c *Client) cleanup() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		c.hub.Unsubscribe(sub)
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal message", "error", err)
		return
	}

	if err := c.Send(data); err != nil {
		slog.Warn("client send failed, dropping message", "error", err, "client_id", c.clientID)
	}
}

func (c *Client) sendError(code, message string) {
	c.sendJSON(NewErrorMessage(code, message))
}
