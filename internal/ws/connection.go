package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bingosuite/cdpbridge/internal/inspector"
	"github.com/bingosuite/cdpbridge/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 << 20

	codeInvalidRequest = -32600
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSlowConnection   = errors.New("send buffer full")
)

// Connection is one DevTools client. Its id doubles as the session token the
// bridge tracks breakpoints and pending requests under.
type Connection struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	log  *logging.Logger

	send     chan []byte
	requests chan Request

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func NewConnection(conn *websocket.Conn, hub *Hub) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       uuid.NewString(),
		conn:     conn,
		hub:      hub,
		log:      logging.New("Connection"),
		send:     make(chan []byte, connectionSendBufferSize),
		requests: make(chan Request, requestBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Connection) Session() string {
	return c.id
}

// Notify sends a notification to this connection only.
func (c *Connection) Notify(method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	msg, err := json.Marshal(Notification{Method: method, Params: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	return c.enqueue(msg)
}

func (c *Connection) enqueue(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSlowConnection
	}
}

// CloseSend stops the write pump once everything queued so far is written.
func (c *Connection) CloseSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Connection) ReadPump() {
	defer func() {
		close(c.requests)
		c.cancel()
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			c.log.Debugf("connection %s close error: %v", c.id, err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.log.Warnf("connection %s unexpected close: %v", c.id, err)
			return
		}
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			c.log.Warnf("connection %s sent a malformed request: %s", c.id, data)
			c.reply(Response{ID: req.ID, Error: &inspector.Error{Code: codeInvalidRequest, Message: "Message must have integer 'id' and string 'method' properties"}})
			continue
		}
		select {
		case c.requests <- req:
		case <-c.ctx.Done():
			return
		}
	}
}

// serveRequests handles requests one at a time, in arrival order.
func (c *Connection) serveRequests(handler Handler, timeout time.Duration) {
	for req := range c.requests {
		ctx, cancel := c.ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(c.ctx, timeout)
		}
		c.log.Debugf("connection %s -> %s #%d", c.id, req.Method, req.ID)
		result, perr := handler.HandleRequest(ctx, c, req.Method, req.Params)
		cancel()

		resp := Response{ID: req.ID, Result: result, Error: perr}
		if perr == nil && len(result) == 0 {
			resp.Result = json.RawMessage("{}")
		}
		c.reply(resp)
	}
}

func (c *Connection) reply(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Errorf("encode response #%d: %v", resp.ID, err)
		return
	}
	if err := c.enqueue(data); err != nil {
		c.log.Debugf("connection %s dropped response #%d: %v", c.id, resp.ID, err)
	}
}

func (c *Connection) WritePump() {
	defer func() {
		if err := c.conn.Close(); err != nil {
			c.log.Debugf("connection %s close error: %v", c.id, err)
		}
	}()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.log.Warnf("connection %s write error: %v", c.id, err)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		c.log.Debugf("connection %s close frame: %v", c.id, err)
	}
}
