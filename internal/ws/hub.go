package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bingosuite/cdpbridge/internal/inspector"
	"github.com/bingosuite/cdpbridge/internal/logging"
)

const (
	connectionSendBufferSize = 256
	requestBufferSize        = 64
	eventBufferSize          = 256
	hubTickerInterval        = 1 * time.Minute
)

// Handler serves the DevTools sessions of one target.
type Handler interface {
	SessionOpened(peer inspector.Peer)
	SessionClosed(peer inspector.Peer)
	HandleRequest(ctx context.Context, peer inspector.Peer, method string, params json.RawMessage) (json.RawMessage, *inspector.Error)
}

// outgoing is an encoded notification for every connection, or for the one
// whose session is set.
type outgoing struct {
	session string
	data    []byte
}

// Hub fans notifications of one target out to all of its connections.
type Hub struct {
	targetID string
	handler  Handler
	log      *logging.Logger

	connections map[*Connection]struct{}

	register   chan *Connection
	unregister chan *Connection
	events     chan outgoing

	done      chan struct{}
	closeOnce sync.Once

	onShutdown func(targetID string) // callback for shutdown on server

	idleTimeout    time.Duration
	requestTimeout time.Duration
	lastActivity   time.Time

	mu sync.RWMutex
}

func NewHub(targetID string, handler Handler, idleTimeout, requestTimeout time.Duration) *Hub {
	return &Hub{
		targetID:       targetID,
		handler:        handler,
		log:            logging.New("Hub"),
		connections:    make(map[*Connection]struct{}),
		register:       make(chan *Connection),
		unregister:     make(chan *Connection),
		events:         make(chan outgoing, eventBufferSize),
		done:           make(chan struct{}),
		idleTimeout:    idleTimeout,
		requestTimeout: requestTimeout,
		lastActivity:   time.Now(),
	}
}

func (h *Hub) tickInterval() time.Duration {
	if h.idleTimeout > 0 && h.idleTimeout/2 < hubTickerInterval {
		return h.idleTimeout / 2
	}
	return hubTickerInterval
}

func (h *Hub) Run() {
	ticker := time.NewTicker(h.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Check idle timeout
			h.mu.RLock()
			idle := len(h.connections) == 0 && time.Since(h.lastActivity) > h.idleTimeout
			h.mu.RUnlock()
			if h.idleTimeout > 0 && idle {
				h.log.Infof("target %s idle for %v, shutting down", h.targetID, h.idleTimeout)
				h.Close()
			}

		case c := <-h.register:
			h.mu.Lock()
			h.connections[c] = struct{}{}
			h.lastActivity = time.Now()
			count := len(h.connections)
			h.mu.Unlock()
			h.log.Infof("connection %s attached to target %s (%d total)", c.id, h.targetID, count)
			h.handler.SessionOpened(c)
			go c.serveRequests(h.handler, h.requestTimeout)

		case c := <-h.unregister:
			h.remove(c)

		case event := <-h.events:
			h.mu.Lock()
			h.lastActivity = time.Now()
			h.mu.Unlock()

			h.mu.RLock()
			var slowConnections []*Connection
			for c := range h.connections {
				if event.session != "" && c.id != event.session {
					continue
				}
				if err := c.enqueue(event.data); err != nil {
					slowConnections = append(slowConnections, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slowConnections {
				h.log.Warnf("connection %s is slow; dropping it from target %s", c.id, h.targetID)
				h.remove(c)
			}

		case <-h.done:
			h.mu.Lock()
			remaining := make([]*Connection, 0, len(h.connections))
			for c := range h.connections {
				remaining = append(remaining, c)
			}
			h.mu.Unlock()
			for _, c := range remaining {
				h.remove(c)
			}
			if h.onShutdown != nil {
				h.onShutdown(h.targetID)
			}
			return
		}
	}
}

// remove detaches c and ends its session. It runs on the Run goroutine only.
func (h *Hub) remove(c *Connection) {
	h.mu.Lock()
	_, ok := h.connections[c]
	delete(h.connections, c)
	h.lastActivity = time.Now()
	count := len(h.connections)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.CloseSend()
	h.handler.SessionClosed(c)
	h.log.Infof("connection %s detached from target %s (%d remaining)", c.id, h.targetID, count)
}

// Public APIs
func (h *Hub) Register(c *Connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Notify broadcasts a notification to every connection of the hub.
func (h *Hub) Notify(method string, params json.RawMessage) {
	h.send("", method, params)
}

// NotifySession sends a notification to the connection of session only. It
// is dropped when that connection is gone. Ordering with broadcasts is kept.
func (h *Hub) NotifySession(session, method string, params json.RawMessage) {
	h.send(session, method, params)
}

func (h *Hub) send(session, method string, params json.RawMessage) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	data, err := json.Marshal(Notification{Method: method, Params: params})
	if err != nil {
		h.log.Errorf("encode %s: %v", method, err)
		return
	}
	select {
	case h.events <- outgoing{session: session, data: data}:
	case <-h.done:
	}
}

func (h *Hub) TargetID() string {
	return h.targetID
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close ends every session and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) Done() <-chan struct{} {
	return h.done
}
