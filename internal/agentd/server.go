// Package agentd is a development backend: the websocket endpoint the
// bridge daemon dials. It runs a shell behind a pty, streams its output as
// terminal frames, and exposes an HTTP endpoint that turns POST bodies into
// browser requests so capability actions can be exercised with curl.
package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/tabbridge/tabbridge/internal/protocol"
)

const (
	// DefaultAddr matches the bridge's default backend endpoint.
	DefaultAddr = "127.0.0.1:8765"

	// BridgePath is the websocket endpoint path.
	BridgePath = "/bridge"

	defaultCols    = 80
	defaultRows    = 24
	writeWait      = 10 * time.Second
	pingInterval   = 15 * time.Second
	requestTimeout = 35 * time.Second
)

// Config configures the development backend.
type Config struct {
	Addr string

	// Shell overrides $SHELL for the bridged session.
	Shell string

	// NoShell skips the pty session; terminal frames are then dropped.
	// Used by tests and by setups that only exercise browser actions.
	NoShell bool

	Logger pslog.Logger
}

// Server accepts one bridge connection and drives it.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	bridge  *bridgeConn
	pending map[string]chan *protocol.Envelope
	seq     atomic.Uint64

	httpServer *http.Server
	ln         net.Listener
	log        pslog.Logger
}

// bridgeConn is the currently attached bridge with its shell session.
type bridgeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	session *shellSession
	done    chan struct{}
	once    sync.Once
}

func (b *bridgeConn) close() {
	b.once.Do(func() {
		close(b.done)
		b.ws.Close()
		if b.session != nil {
			b.session.Close()
		}
	})
}

func (b *bridgeConn) send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return b.ws.WriteMessage(websocket.TextMessage, data)
}

// New creates a development backend server.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Server{
		cfg:     cfg,
		pending: make(map[string]chan *protocol.Envelope),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With("component", "agentd"),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(BridgePath, s.handleBridge)
	mux.HandleFunc("/request", s.handleRequest)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("agentd listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("agentd server stopped", "error", err)
		}
	}()

	s.log.Info("agentd listening", "addr", s.Addr(), "path", BridgePath)
	return nil
}

// Addr reports the bound listener address.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown closes the bridge connection and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.bridge != nil {
		s.bridge.close()
		s.bridge = nil
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Connected reports whether a bridge is currently attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge != nil
}

// Request issues one browser request over the attached bridge and waits
// for its response.
func (s *Server) Request(ctx context.Context, action string, params any) (*protocol.Envelope, error) {
	s.mu.Lock()
	bridge := s.bridge
	s.mu.Unlock()
	if bridge == nil {
		return nil, fmt.Errorf("no bridge connected")
	}

	id := fmt.Sprintf("agentd-%d", s.seq.Add(1))
	env, err := protocol.BrowserRequest(action, id, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Envelope, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := bridge.send(env); err != nil {
		return nil, fmt.Errorf("send browser-request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("bridge upgrade failed", "error", err)
		return
	}

	b := &bridgeConn{ws: ws, done: make(chan struct{})}
	if !s.cfg.NoShell {
		session, err := startShell(s.cfg.Shell, defaultCols, defaultRows)
		if err != nil {
			s.log.Error("shell start failed", "error", err)
			ws.Close()
			return
		}
		b.session = session
	}

	// One bridge at a time; a new connection displaces the old one.
	s.mu.Lock()
	old := s.bridge
	s.bridge = b
	s.mu.Unlock()
	if old != nil {
		s.log.Info("replacing bridge connection")
		old.close()
	}
	s.log.Info("bridge connected", "remote", ws.RemoteAddr().String())

	if b.session != nil {
		go s.pumpShell(b)
	}
	go s.keepAlive(b)
	go s.readBridge(b)
}

// pumpShell copies pty output to the bridge as terminal frames.
func (s *Server) pumpShell(b *bridgeConn) {
	buf := make([]byte, 4096)
	for {
		n, err := b.session.Read(buf)
		if n > 0 {
			if err := b.send(protocol.TerminalOutput(string(buf[:n]))); err != nil {
				return
			}
		}
		if err != nil {
			select {
			case <-b.done:
			default:
				s.log.Info("shell session ended", "error", err)
			}
			return
		}
	}
}

func (s *Server) keepAlive(b *bridgeConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if err := b.send(&protocol.Envelope{Type: protocol.TypePing}); err != nil {
				return
			}
		}
	}
}

func (s *Server) readBridge(b *bridgeConn) {
	defer func() {
		b.close()
		s.mu.Lock()
		if s.bridge == b {
			s.bridge = nil
		}
		s.mu.Unlock()
		s.log.Info("bridge disconnected")
	}()

	for {
		_, data, err := b.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			s.log.Warn("dropping malformed bridge frame", "error", err)
			continue
		}
		s.handleEnvelope(b, env)
	}
}

func (s *Server) handleEnvelope(b *bridgeConn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTerminalInput:
		if b.session == nil {
			return
		}
		data, err := env.TerminalData()
		if err != nil {
			s.log.Warn("bad terminal-input payload", "error", err)
			return
		}
		if _, err := b.session.Write([]byte(data)); err != nil {
			s.log.Warn("pty write failed", "error", err)
		}

	case protocol.TypeTerminalResize:
		if b.session == nil {
			return
		}
		if env.Cols > 0 && env.Rows > 0 {
			if err := b.session.Resize(env.Cols, env.Rows); err != nil {
				s.log.Warn("pty resize failed", "error", err)
			}
		}

	case protocol.TypeBrowserResponse:
		s.mu.Lock()
		ch := s.pending[env.RequestID]
		s.mu.Unlock()
		if ch == nil {
			s.log.Debug("dropping unmatched browser-response", "requestId", env.RequestID)
			return
		}
		select {
		case ch <- env:
		default:
		}

	case protocol.TypePong:
		s.log.Debug("bridge pong", "state", env.State)

	default:
		s.log.Warn("dropping unroutable bridge envelope", "type", env.Type)
	}
}

// requestBody is the POST /request payload.
type requestBody struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// handleRequest turns an HTTP POST into a browser request on the bridge
// and relays the response.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	if body.Action == "" {
		http.Error(w, "action is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var params any
	if len(body.Params) > 0 {
		params = body.Params
	}
	resp, err := s.Request(ctx, body.Action, params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	data, err := resp.Encode()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}
