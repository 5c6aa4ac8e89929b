// Package router is the coordination core: it routes every envelope from
// the backend socket and the panel to exactly one destination, dispatches
// browser requests to the capability endpoint, and guarantees exactly one
// response per request identifier.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"github.com/tabbridge/tabbridge/internal/conn"
	"github.com/tabbridge/tabbridge/internal/protocol"
)

// Capability executes one browser action. Implemented by browser.Client.
type Capability interface {
	Dispatch(ctx context.Context, action string, params json.RawMessage) (any, error)
}

// Connection is the slice of the connection manager the router uses. The
// router never touches the socket directly.
type Connection interface {
	Send(*protocol.Envelope) bool
	Reconnect()
	State() (conn.State, string)
}

// PanelSink receives envelopes destined for the UI panel. Deliver must not
// block; a sink with no listeners just drops.
type PanelSink interface {
	Deliver(*protocol.Envelope)
}

// DefaultRequestTimeout bounds a capability dispatch before the router
// answers with a timeout failure on the caller's behalf.
const DefaultRequestTimeout = 30 * time.Second

// Router routes envelopes between the backend connection, the capability
// endpoint and the panel.
type Router struct {
	conn       Connection
	capability Capability
	panel      PanelSink
	pending    *pendingTable
	timeout    time.Duration
	log        pslog.Logger
}

// Config configures a Router.
type Config struct {
	Connection     Connection
	Capability     Capability
	RequestTimeout time.Duration
	Logger         pslog.Logger
}

// New creates a Router. Attach the panel sink with SetPanel before inbound
// traffic starts; a nil panel only mutes panel-bound envelopes.
func New(cfg Config) *Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Router{
		conn:       cfg.Connection,
		capability: cfg.Capability,
		pending:    newPendingTable(),
		timeout:    cfg.RequestTimeout,
		log:        log.With("component", "router"),
	}
}

// SetPanel attaches the panel sink.
func (r *Router) SetPanel(p PanelSink) {
	r.panel = p
}

// HandleBackend routes one envelope arriving on the backend socket.
func (r *Router) HandleBackend(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTerminalOutput:
		r.deliverPanel(env)

	case protocol.TypeBrowserRequest:
		go r.dispatch(env)

	case protocol.TypeConnectionStatus:
		r.deliverPanel(env)

	case protocol.TypePing:
		state, _ := r.conn.State()
		r.conn.Send(protocol.Pong(string(state)))

	case protocol.TypeBrowserResponse:
		// We never originate browser-requests toward the backend; a
		// response here is a raced-out or misdirected reply.
		r.log.Warn("dropping unexpected browser-response from backend", "requestId", env.RequestID)

	default:
		r.log.Warn("dropping unroutable backend envelope", "type", env.Type)
	}
}

// HandlePanel routes one envelope arriving from the panel. The boolean is
// the send outcome for terminal frames; the panel surfaces it, nothing is
// thrown or queued.
func (r *Router) HandlePanel(env *protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeTerminalInput, protocol.TypeTerminalResize:
		ok := r.conn.Send(env)
		if !ok {
			r.log.Debug("terminal frame dropped, backend not connected", "type", env.Type)
		}
		return ok

	case protocol.TypeConnectionStatus:
		if env.Status == protocol.StatusReconnect {
			r.conn.Reconnect()
			return true
		}
		r.log.Warn("dropping panel connection-status", "status", env.Status)
		return false

	default:
		r.log.Warn("dropping unroutable panel envelope", "type", env.Type)
		return false
	}
}

// Pong answers the panel liveness probe synchronously from current state,
// independent of the status broadcast path.
func (r *Router) Pong() *protocol.Envelope {
	state, _ := r.conn.State()
	return protocol.Pong(string(state))
}

// OnStatus is wired to the connection manager's broadcast; it fans the
// status out to the panel.
func (r *Router) OnStatus(state conn.State, message string) {
	r.deliverPanel(protocol.ConnectionStatus(string(state), message))
}

// dispatch runs one browser-request and sends back exactly one response
// carrying the original identifier, whatever happens.
func (r *Router) dispatch(env *protocol.Envelope) {
	id := env.RequestID
	if id == "" {
		// Nothing to correlate a response to; this is the one failure
		// shape that is log-only by policy.
		r.log.Warn("dropping browser-request without requestId", "action", env.Action)
		return
	}

	if !protocol.KnownAction(env.Action) {
		r.sendResponse(protocol.ErrorResponse(id, fmt.Sprintf("unknown action %q", env.Action)))
		return
	}

	token := r.pending.begin(id)

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	// The timeout finisher races the result finisher for the claim; the
	// loser's response is dropped unsent.
	timer := time.AfterFunc(r.timeout, func() {
		if r.pending.finish(id, token) {
			r.sendResponse(protocol.ErrorResponse(id, fmt.Sprintf("request timed out after %s", r.timeout)))
		}
	})
	defer timer.Stop()

	data, err := r.capability.Dispatch(ctx, env.Action, env.Params)
	if !r.pending.finish(id, token) {
		r.log.Debug("discarding late result for raced-out request", "requestId", id)
		return
	}

	if err != nil {
		r.sendResponse(protocol.ErrorResponse(id, err.Error()))
		return
	}
	resp, err := protocol.SuccessResponse(id, data)
	if err != nil {
		r.sendResponse(protocol.ErrorResponse(id, fmt.Sprintf("unencodable result: %v", err)))
		return
	}
	r.sendResponse(resp)
}

func (r *Router) sendResponse(env *protocol.Envelope) {
	if !r.conn.Send(env) {
		r.log.Warn("response lost, backend not connected", "requestId", env.RequestID)
	}
}

func (r *Router) deliverPanel(env *protocol.Envelope) {
	if r.panel != nil {
		r.panel.Deliver(env)
	}
}

// Inflight reports the number of requests currently being dispatched.
func (r *Router) Inflight() int {
	return r.pending.inflight()
}
