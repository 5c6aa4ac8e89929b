// Package conn owns the single duplex socket to the agent backend.
//
// Only the Manager may write to or transition the socket. Every other
// component reaches it through Connect/Send/Reconnect and the status
// callback.
package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/tabbridge/tabbridge/internal/protocol"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateError is terminal: reached after the reconnect attempt budget is
	// spent. Only an explicit Reconnect leaves it.
	StateError State = "error"
)

// Config configures a Manager.
type Config struct {
	// BackendURL is the websocket endpoint of the agent backend.
	BackendURL string

	// ReconnectDelay is the fixed interval between reconnect attempts.
	ReconnectDelay time.Duration

	// MaxAttempts caps consecutive failed connect attempts before the
	// manager parks in StateError.
	MaxAttempts int

	// KeepAliveInterval is the unconditional tick that re-invokes Connect
	// when the observed state is disconnected. Safety net against lost
	// reconnect timers.
	KeepAliveInterval time.Duration

	// DialTimeout bounds a single dial.
	DialTimeout time.Duration

	// OnEnvelope receives every well-formed inbound envelope.
	OnEnvelope func(*protocol.Envelope)

	// OnStatus is the fire-and-forget status broadcast. It may be nil; it
	// must not block.
	OnStatus func(state State, message string)

	Logger pslog.Logger
}

// Defaults for zero-valued config fields.
const (
	DefaultBackendURL        = "ws://127.0.0.1:8765/bridge"
	DefaultReconnectDelay    = 3 * time.Second
	DefaultMaxAttempts       = 10
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultDialTimeout       = 5 * time.Second
)

// Manager maintains the backend connection, reconnecting on failure at a
// fixed interval up to a fixed attempt budget.
type Manager struct {
	cfg Config
	log pslog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	stateMsg string
	attempts int
	closed   bool

	// writeMu serializes writes; gorilla/websocket allows one writer.
	writeMu sync.Mutex

	// statusCh feeds broadcastLoop so the subscriber sees transitions in
	// order. Publication never blocks a state change.
	statusCh chan statusUpdate

	ctx    context.Context
	cancel context.CancelFunc
}

type statusUpdate struct {
	state State
	msg   string
}

// NewManager creates a Manager. Call Start to begin connecting.
func NewManager(cfg Config) *Manager {
	if cfg.BackendURL == "" {
		cfg.BackendURL = DefaultBackendURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Manager{
		cfg:      cfg,
		log:      log.With("component", "conn"),
		state:    StateDisconnected,
		statusCh: make(chan statusUpdate, 16),
	}
}

// Start kicks off the initial connect and the keep-alive tick. It returns
// immediately; connection progress is reported through OnStatus.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.broadcastLoop()
	go m.keepAlive()
	m.Connect()
}

// broadcastLoop delivers queued status updates to the subscriber one at a
// time, preserving transition order.
func (m *Manager) broadcastLoop() {
	done := m.connCtx().Done()
	for {
		select {
		case u := <-m.statusCh:
			if m.cfg.OnStatus != nil {
				m.cfg.OnStatus(u.state, u.msg)
			}
		case <-done:
			return
		}
	}
}

// Connect establishes the backend connection. It is idempotent: a call
// while connected or connecting is a no-op, and StateError is left only by
// Reconnect.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateConnecting, "")
	m.mu.Unlock()

	go m.dial()
}

func (m *Manager) dial() {
	ctx, cancel := context.WithTimeout(m.connCtx(), m.cfg.DialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.BackendURL, nil)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		// Counted at completion time, under the lock, so a manual
		// reconnect issued during the dial keeps its counter reset.
		m.attempts++
		attempts := m.attempts
		if attempts >= m.cfg.MaxAttempts {
			msg := fmt.Sprintf("connection failed after %d attempts: %v", attempts, err)
			m.setStateLocked(StateError, msg)
			m.mu.Unlock()
			m.log.Error("backend unreachable, giving up", "attempts", attempts, "err", err)
			return
		}
		m.setStateLocked(StateDisconnected, fmt.Sprintf("attempt %d failed", attempts))
		m.mu.Unlock()
		m.log.Warn("backend dial failed", "attempt", attempts, "err", err)
		m.scheduleReconnect()
		return
	}

	m.conn = ws
	m.attempts = 0
	m.setStateLocked(StateConnected, "")
	m.mu.Unlock()

	m.log.Info("backend connected", "url", m.cfg.BackendURL)
	go m.readLoop(ws)
}

// readLoop consumes inbound messages until the socket closes.
func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleClosed(ws, err)
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			// Malformed inbound payload is a transport error: recover
			// locally, never tear the connection down over it.
			m.log.Warn("dropping malformed inbound message", "err", err)
			continue
		}
		if m.cfg.OnEnvelope != nil {
			m.cfg.OnEnvelope(env)
		}
	}
}

func (m *Manager) handleClosed(ws *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != ws {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	ws.Close()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateDisconnected, "connection lost")
	m.mu.Unlock()

	m.log.Warn("backend connection closed", "err", err)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	delay := m.cfg.ReconnectDelay
	go func() {
		select {
		case <-time.After(delay):
			m.Connect()
		case <-m.connCtx().Done():
		}
	}()
}

// keepAlive re-invokes Connect on a fixed tick whenever the state is
// disconnected. Independent of the reconnect delay.
func (m *Manager) keepAlive() {
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if st, _ := m.State(); st == StateDisconnected {
				m.Connect()
			}
		case <-m.connCtx().Done():
			return
		}
	}
}

// Send writes one envelope to the backend. It fails fast with false when
// not connected; nothing is queued across disconnects.
func (m *Manager) Send(env *protocol.Envelope) bool {
	m.mu.Lock()
	ws := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || ws == nil {
		return false
	}

	data, err := env.Encode()
	if err != nil {
		m.log.Error("encode outbound envelope failed", "type", env.Type, "err", err)
		return false
	}

	m.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		m.log.Warn("backend write failed", "type", env.Type, "err", err)
		return false
	}
	return true
}

// Reconnect is the manual reconnect trigger: it resets the attempt counter,
// clears a terminal error state, and re-invokes Connect.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	if m.state == StateError {
		m.setStateLocked(StateDisconnected, "")
	}
	m.mu.Unlock()
	m.Connect()
}

// State returns the current state and its message (set for StateError).
func (m *Manager) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.stateMsg
}

// Attempts returns the current failed-attempt count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Close tears the connection down permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ws := m.conn
	m.conn = nil
	cancel := m.cancel
	m.setStateLocked(StateDisconnected, "shutting down")
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
}

// setStateLocked transitions state and queues the status broadcast for
// broadcastLoop. Delivery happens outside the lock, in transition order; a
// slow subscriber never blocks a state change.
func (m *Manager) setStateLocked(state State, msg string) {
	if m.state == state && m.stateMsg == msg {
		return
	}
	m.state = state
	m.stateMsg = msg
	if m.cfg.OnStatus == nil {
		return
	}
	u := statusUpdate{state: state, msg: msg}
	select {
	case m.statusCh <- u:
	default:
		// Full queue: drop the oldest update so the latest state still
		// gets through.
		select {
		case <-m.statusCh:
		default:
		}
		select {
		case m.statusCh <- u:
		default:
		}
	}
}

func (m *Manager) connCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}
