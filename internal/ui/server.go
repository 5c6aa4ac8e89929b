// Package ui serves the local panel: a websocket endpoint the terminal
// front-end connects to for the terminal stream and connection status.
package ui

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"github.com/tabbridge/tabbridge/internal/protocol"
)

const (
	// DefaultAddr is the loopback address the panel listens on.
	DefaultAddr = "127.0.0.1:8766"

	// PanelPath is the websocket endpoint path.
	PanelPath = "/panel"

	sendBuffer   = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 512 * 1024
)

// PanelRouter is the slice of the router the panel server needs: inbound
// envelope handling plus the synchronous liveness probe.
type PanelRouter interface {
	HandlePanel(*protocol.Envelope) bool
	Pong() *protocol.Envelope
}

// Server accepts panel websocket connections and fans backend traffic out
// to them. It implements the router's PanelSink.
type Server struct {
	addr     string
	router   PanelRouter
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
	stopped bool

	httpServer *http.Server
	ln         net.Listener
	log        pslog.Logger
}

// client is one panel connection with its own write goroutine, so a slow
// panel never blocks delivery to the others.
type client struct {
	conn *websocket.Conn
	send chan *protocol.Envelope
	done chan struct{}
	once sync.Once
	srv  *Server

	// Terminal keystrokes are rate limited per connection.
	inputLimiter *rate.Limiter
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Config configures the panel server.
type Config struct {
	Addr   string
	Router PanelRouter
	Logger pslog.Logger
}

// New creates a panel server. Call Start to begin accepting connections.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Server{
		addr:    cfg.Addr,
		router:  cfg.Router,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback only; the listener address is the access control.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With("component", "panel"),
	}
}

// Start binds the listener and serves in the background. Binding first
// surfaces a port conflict to the caller instead of a background log line.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(PanelPath, s.handlePanel)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("panel listen on %s: %w", s.addr, err)
	}
	s.httpServer = &http.Server{Handler: mux}
	s.ln = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("panel server stopped", "error", err)
		}
	}()

	s.log.Info("panel listening", "addr", s.addr, "path", PanelPath)
	return nil
}

// Shutdown closes all panel connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for c := range s.clients {
		c.close()
	}
	s.clients = make(map[*client]bool)
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Deliver fans one envelope out to every connected panel. Non-blocking: a
// panel whose buffer is full loses the frame, never stalls the router.
func (s *Server) Deliver(env *protocol.Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	for c := range s.clients {
		select {
		case <-c.done:
		case c.send <- env:
		default:
			s.log.Debug("panel send buffer full, dropping frame", "type", env.Type)
		}
	}
}

// Addr reports the bound listener address, useful when configured with
// port zero.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount reports the number of connected panels.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("panel upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:         ws,
		send:         make(chan *protocol.Envelope, sendBuffer),
		done:         make(chan struct{}),
		srv:          s,
		inputLimiter: rate.NewLimiter(rate.Limit(1000), 10),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.clients[c] = true
	s.mu.Unlock()
	s.log.Info("panel connected", "clients", s.ClientCount())

	// Status snapshot so a reconnecting panel renders the right state
	// before the next broadcast.
	c.send <- statusSnapshot(s.router.Pong())

	go c.writePump()
	go c.readPump()
}

// statusSnapshot turns the liveness probe answer into the status envelope
// shape the panel already understands.
func statusSnapshot(pong *protocol.Envelope) *protocol.Envelope {
	return protocol.ConnectionStatus(pong.State, "")
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case env := <-c.send:
			data, err := env.Encode()
			if err != nil {
				c.srv.log.Warn("unencodable panel frame", "type", env.Type, "error", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *client) readPump() {
	defer func() {
		c.srv.mu.Lock()
		delete(c.srv.clients, c)
		c.srv.mu.Unlock()
		c.close()
		c.srv.log.Info("panel disconnected", "clients", c.srv.ClientCount())
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.srv.log.Warn("panel read error", "error", err)
			}
			return
		}

		env, err := protocol.Parse(data)
		if err != nil {
			c.srv.log.Warn("dropping malformed panel frame", "error", err)
			continue
		}
		c.handle(env)
	}
}

// handle routes one inbound panel envelope. Liveness pings are answered
// here, synchronously, straight back to the asking panel.
func (c *client) handle(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		c.reply(c.srv.router.Pong())

	case protocol.TypeTerminalInput:
		if !c.inputLimiter.Allow() {
			c.srv.log.Debug("terminal input rate limited")
			return
		}
		if !c.srv.router.HandlePanel(env) {
			c.reply(protocol.ConnectionStatus("disconnected", "terminal input dropped, backend not connected"))
		}

	default:
		c.srv.router.HandlePanel(env)
	}
}

// reply sends directly to this panel, bypassing the broadcast path.
func (c *client) reply(env *protocol.Envelope) {
	select {
	case <-c.done:
	case c.send <- env:
	default:
		c.srv.log.Debug("panel send buffer full, dropping reply", "type", env.Type)
	}
}
