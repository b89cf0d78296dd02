package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bingosuite/cdpbridge/config"
	"github.com/bingosuite/cdpbridge/internal/logging"
)

var ErrTargetNotFound = errors.New("target not found")

type target struct {
	hub   *Hub
	title string
	url   string
}

type Server struct {
	addr     string
	config   config.WebSocketConfig
	log      *logging.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	httpMu sync.Mutex
	http   *http.Server

	targets map[string]*target
	mu      sync.RWMutex
}

func NewServer(addr string, cfg *config.WebSocketConfig) *Server {
	if cfg == nil {
		cfg = &config.Default().WebSocket
	}
	s := &Server{
		addr:    addr,
		config:  *cfg,
		log:     logging.New("Server"),
		mux:     http.NewServeMux(),
		targets: make(map[string]*target),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.mux.HandleFunc("GET /json", s.listTargets)
	s.mux.HandleFunc("GET /json/list", s.listTargets)
	s.mux.HandleFunc("GET /json/version", s.version)
	s.mux.HandleFunc("GET "+devtoolsPath+"{id}", s.attach)
	return s
}

// Handler exposes the routes for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.ServeListener(ln)
}

func (s *Server) ServeListener(ln net.Listener) error {
	srv := &http.Server{Handler: s.mux}
	s.httpMu.Lock()
	s.http = srv
	s.httpMu.Unlock()

	s.log.Infof("DevTools endpoint on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// AddTarget publishes a debuggable target served by handler and returns its hub.
func (s *Server) AddTarget(title, url string, handler Handler) *Hub {
	id := uuid.NewString()
	hub := NewHub(id, handler, s.config.IdleTimeout, s.config.RequestTimeout)
	hub.onShutdown = s.removeTarget

	s.mu.Lock()
	s.targets[id] = &target{hub: hub, title: title, url: url}
	s.mu.Unlock()

	go hub.Run()
	s.log.Infof("created target %s (%s)", id, title)
	return hub
}

// GetHub retrieves the hub of an existing target.
func (s *Server) GetHub(targetID string) (*Hub, error) {
	s.mu.RLock()
	t, exists := s.targets[targetID]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	return t.hub, nil
}

func (s *Server) removeTarget(targetID string) {
	s.mu.Lock()
	delete(s.targets, targetID)
	s.mu.Unlock()
	s.log.Infof("removed target %s", targetID)
}

// Targets lists the published targets as seen from host.
func (s *Server) Targets(host string) []Target {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Target, 0, len(s.targets))
	for id, t := range s.targets {
		endpoint := host + devtoolsPath + id
		out = append(out, Target{
			Description:          "cdpbridge instance",
			DevtoolsFrontendURL:  frontendURL + endpoint,
			ID:                   id,
			Title:                t.title,
			Type:                 targetType,
			URL:                  t.url,
			WebSocketDebuggerURL: "ws://" + endpoint,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.Targets(r.Host))
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, VersionInfo{Browser: browserName, ProtocolVersion: protocolVersion})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("encoding response: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) attach(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	hub, err := s.GetHub(id)
	if err != nil {
		s.log.Warnf("%v", err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if s.config.MaxSessions > 0 && hub.Len() >= s.config.MaxSessions {
		s.log.Warnf("max sessions (%d) reached on target %s", s.config.MaxSessions, id)
		http.Error(w, fmt.Sprintf("max sessions (%d) reached", s.config.MaxSessions), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := NewConnection(conn, hub)
	if !hub.Register(c) {
		s.log.Warnf("target %s closed during attach", id)
		_ = conn.Close()
		return
	}
	go c.WritePump()
	go c.ReadPump()
}

// Shutdown closes every target and stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	hubs := make([]*Hub, 0, len(s.targets))
	for _, t := range s.targets {
		hubs = append(hubs, t.hub)
	}
	s.mu.RUnlock()

	s.log.Infof("shutting down server, closing %d target(s)", len(hubs))
	for _, hub := range hubs {
		hub.Close()
	}

	s.httpMu.Lock()
	srv := s.http
	s.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
