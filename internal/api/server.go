// Package api bridges the connection manager to a UI process over a
// WebSocket.
//
// Clients send {id, op, params} requests and receive a response for each,
// every core event, and terminal output for the terminals they opened. The
// server also exposes /metrics and /health. Upgrades must carry the server's
// token.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/yzhelezko/thermic-core/internal/config"
	"github.com/yzhelezko/thermic-core/internal/connmgr"
	"github.com/yzhelezko/thermic-core/internal/logging"
	"github.com/yzhelezko/thermic-core/internal/metrics"
)

// TokenHeader carries the bridge token on the upgrade request.
const TokenHeader = "X-Auth-Token"

// Options configure a Server.
type Options struct {
	Listen string

	// Config supplies saved connections for connect requests by name.
	Config *config.AppConfig

	// Token must accompany every upgrade, in the X-Auth-Token header or
	// the token query parameter. Empty generates a random one.
	Token string

	// CheckOrigin nil keeps gorilla's same-origin check.
	CheckOrigin func(r *http.Request) bool

	Logger *log.Entry
}

// Server is the WebSocket bridge.
type Server struct {
	mgr      *connmgr.Manager
	opts     Options
	log      *log.Entry
	upgrader websocket.Upgrader
	routes   map[string]route

	mu         sync.Mutex
	clients    map[string]*client
	httpServer *http.Server
}

// NewServer creates a bridge for mgr.
func NewServer(mgr *connmgr.Manager, opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = config.DefaultAPIListen
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Token == "" {
		opts.Token = uuid.NewString()
	}

	s := &Server{
		mgr:  mgr,
		opts: opts,
		log:  opts.Logger.WithField("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		clients: make(map[string]*client),
	}
	s.routes = s.buildRoutes()
	return s
}

// Token returns the token clients must present.
func (s *Server) Token() string {
	return s.opts.Token
}

// Handler serves /ws, /metrics and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens on the configured address and serves in the background.
// It returns the bound address.
func (s *Server) Start() (string, error) {
	listener, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}

	srv := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("api server stopped")
		}
	}()

	addr := listener.Addr().String()
	s.log.WithField("addr", addr).Info("api server listening")
	return addr, nil
}

// Shutdown disconnects every client and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	srv := s.httpServer
	s.mu.Unlock()

	for _, c := range clients {
		c.cancel()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.mgr.Sessions()),
	})
}

func (s *Server) authorized(r *http.Request) bool {
	token := r.Header.Get(TokenHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) == 1
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.log.WithField("remote", r.RemoteAddr).Warn("rejected websocket without a valid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn, s.log)
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	c.log.Info("client connected")

	sub := s.mgr.Subscribe()
	c.wg.Add(1)
	go c.forwardEvents(sub)
	go c.writePump()

	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()

		c.close()
		c.mu.Lock()
		for id := range c.terminals {
			s.mgr.CloseTerminal(id)
		}
		c.mu.Unlock()
		c.conn.Close()
		c.log.Info("client disconnected")
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("websocket read failed")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.deliver(Message{Type: TypeResponse, Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		s.dispatch(c, req)
	}
}

func (s *Server) dispatch(c *client, req Request) {
	r, ok := s.routes[req.Op]
	if !ok {
		c.deliver(Message{Type: TypeResponse, ID: req.ID, Error: fmt.Sprintf("unknown op %q", req.Op)})
		return
	}

	run := func() {
		result, err := r.fn(c.ctx, c, req.Params)
		msg := Message{Type: TypeResponse, ID: req.ID, Result: result}
		if err != nil {
			msg.Result = nil
			msg.Error = err.Error()
			msg.ErrorKind = errorKind(err)
			c.log.WithError(err).WithField("op", req.Op).Debug("request failed")
		}
		c.deliver(msg)
	}

	if !r.async {
		run()
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		run()
	}()
}
