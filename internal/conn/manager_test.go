package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabbridge/tabbridge/internal/protocol"
)

// wsTestServer accepts one websocket connection at a time and records
// received envelopes.
type wsTestServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []*protocol.Envelope
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ts := &wsTestServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, ws)
		ts.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Parse(data)
			if err != nil {
				continue
			}
			ts.mu.Lock()
			ts.received = append(ts.received, env)
			ts.mu.Unlock()
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *wsTestServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *wsTestServer) closeConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		c.Close()
	}
	ts.conns = nil
}

func (ts *wsTestServer) receivedCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.received)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManagerConnects(t *testing.T) {
	ts := newWSTestServer(t)

	var statusMu sync.Mutex
	var statuses []State
	m := NewManager(Config{
		BackendURL: ts.URL(),
		OnStatus: func(s State, msg string) {
			statusMu.Lock()
			statuses = append(statuses, s)
			statusMu.Unlock()
		},
	})
	defer m.Close()
	m.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		st, _ := m.State()
		return st == StateConnected
	})

	if m.Attempts() != 0 {
		t.Errorf("Expected attempt counter reset on connect, got %d", m.Attempts())
	}

	statusMu.Lock()
	defer statusMu.Unlock()
	sawConnecting := false
	for _, s := range statuses {
		if s == StateConnecting {
			sawConnecting = true
		}
	}
	if !sawConnecting {
		t.Error("Expected a connecting status broadcast")
	}
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	m := NewManager(Config{BackendURL: "ws://127.0.0.1:1/bridge"})
	defer m.Close()

	if ok := m.Send(protocol.TerminalInput("x")); ok {
		t.Fatal("Expected Send to fail while disconnected")
	}
}

func TestSendDeliversWhenConnected(t *testing.T) {
	ts := newWSTestServer(t)
	m := NewManager(Config{BackendURL: ts.URL()})
	defer m.Close()
	m.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		st, _ := m.State()
		return st == StateConnected
	})

	if ok := m.Send(protocol.TerminalInput("echo hi\r")); !ok {
		t.Fatal("Expected Send to succeed while connected")
	}
	waitFor(t, 2*time.Second, func() bool { return ts.receivedCount() == 1 })
}

func TestReconnectAfterServerClose(t *testing.T) {
	ts := newWSTestServer(t)
	m := NewManager(Config{
		BackendURL:     ts.URL(),
		ReconnectDelay: 20 * time.Millisecond,
	})
	defer m.Close()
	m.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		st, _ := m.State()
		return st == StateConnected
	})

	ts.closeConns()

	// Must pass through disconnected and come back on its own.
	waitFor(t, 2*time.Second, func() bool {
		st, _ := m.State()
		return st == StateDisconnected || st == StateConnecting
	})
	waitFor(t, 2*time.Second, func() bool {
		st, _ := m.State()
		return st == StateConnected
	})
}

func TestAttemptBudgetExhaustion(t *testing.T) {
	// Nothing listens on this address; dials fail immediately.
	m := NewManager(Config{
		BackendURL:        "ws://127.0.0.1:1/bridge",
		ReconnectDelay:    10 * time.Millisecond,
		MaxAttempts:       3,
		DialTimeout:       100 * time.Millisecond,
		KeepAliveInterval: time.Hour,
	})
	defer m.Close()
	m.Start(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		st, _ := m.State()
		return st == StateError
	})

	if m.Attempts() != 3 {
		t.Errorf("Expected 3 failed attempts, got %d", m.Attempts())
	}

	// Terminal state: no automatic attempt may be scheduled.
	time.Sleep(50 * time.Millisecond)
	st, msg := m.State()
	if st != StateError {
		t.Fatalf("Expected to stay in error state, got %v", st)
	}
	if msg == "" {
		t.Error("Expected error state to carry a message")
	}
}

func TestManualReconnectResetsCounter(t *testing.T) {
	m := NewManager(Config{
		BackendURL:        "ws://127.0.0.1:1/bridge",
		ReconnectDelay:    10 * time.Millisecond,
		MaxAttempts:       2,
		DialTimeout:       100 * time.Millisecond,
		KeepAliveInterval: time.Hour,
	})
	defer m.Close()
	m.Start(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		st, _ := m.State()
		return st == StateError
	})

	m.Reconnect()

	// The reconnect trigger zeroes the counter before dialing again.
	waitFor(t, 2*time.Second, func() bool { return m.Attempts() <= 2 })
	st, _ := m.State()
	if st == StateError {
		// A fresh error is only legal after the budget is spent again.
		if m.Attempts() < 2 {
			t.Errorf("Error state with %d attempts after manual reconnect", m.Attempts())
		}
	}
}

func TestStatusDeliveryPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	m := NewManager(Config{
		BackendURL:        "ws://127.0.0.1:1/bridge",
		MaxAttempts:       1,
		DialTimeout:       100 * time.Millisecond,
		KeepAliveInterval: time.Hour,
		OnStatus: func(s State, msg string) {
			if s == StateConnecting {
				// A slow subscriber must not observe later states first.
				time.Sleep(30 * time.Millisecond)
			}
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})
	defer m.Close()
	m.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != StateConnecting {
		t.Fatalf("Expected connecting delivered first, got %v", seen)
	}
	if seen[1] != StateError {
		t.Fatalf("Expected error delivered after connecting, got %v", seen)
	}
}

func TestReconnectDuringDialKeepsReset(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch n := calls.Add(1); {
		case n <= 2:
			http.Error(w, "not yet", http.StatusServiceUnavailable)
		case n == 3:
			<-release
			http.Error(w, "not yet", http.StatusServiceUnavailable)
		default:
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	m := NewManager(Config{
		BackendURL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectDelay:    10 * time.Millisecond,
		MaxAttempts:       3,
		DialTimeout:       2 * time.Second,
		KeepAliveInterval: time.Hour,
	})
	defer m.Close()
	m.Start(context.Background())

	// Two fast failures, then the third dial stalls in the handler.
	waitFor(t, 2*time.Second, func() bool {
		return calls.Load() >= 3 && m.Attempts() == 2
	})

	m.Reconnect()
	close(release)

	// The stalled dial's failure must count from the reset counter, not
	// push the stale count over the cap into the terminal error state.
	waitFor(t, 5*time.Second, func() bool {
		st, _ := m.State()
		return st == StateConnected
	})
}

func TestConnectIdempotentWhileConnected(t *testing.T) {
	ts := newWSTestServer(t)
	m := NewManager(Config{BackendURL: ts.URL()})
	defer m.Close()
	m.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		st, _ := m.State()
		return st == StateConnected
	})

	m.Connect()
	m.Connect()
	time.Sleep(50 * time.Millisecond)

	ts.mu.Lock()
	n := len(ts.conns)
	ts.mu.Unlock()
	if n != 1 {
		t.Errorf("Expected a single connection, got %d", n)
	}
}
