// Package protocol defines the JSON envelope protocol spoken on the
// backend socket and on the panel boundary.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the kind of envelope crossing the socket.
// Each type has a specific set of populated fields defined on Envelope.
type MessageType string

const (
	// TypeTerminalInput carries terminal bytes from the panel toward the backend.
	TypeTerminalInput MessageType = "terminal-input"

	// TypeTerminalOutput carries terminal bytes from the backend toward the panel.
	TypeTerminalOutput MessageType = "terminal-output"

	// TypeTerminalResize announces a new terminal geometry (cols, rows).
	TypeTerminalResize MessageType = "terminal-resize"

	// TypeBrowserRequest asks the coordinator to run a browser capability
	// action. Carries action, requestId and optional params.
	TypeBrowserRequest MessageType = "browser-request"

	// TypeBrowserResponse answers a browser-request. Carries the original
	// requestId, a success flag, and either data or error.
	TypeBrowserResponse MessageType = "browser-response"

	// TypeConnectionStatus broadcasts socket state to the panel. Inbound
	// from the panel, status "reconnect" is the manual reconnect command.
	TypeConnectionStatus MessageType = "connection-status"

	// TypePing is the panel liveness probe. Answered synchronously with a
	// pong regardless of socket state.
	TypePing MessageType = "ping"

	// TypePong answers a ping, carrying the current connection state.
	TypePong MessageType = "pong"
)

// Browser capability actions. The set is closed; anything else yields an
// error response naming the action.
const (
	ActionReadDOM           = "read-dom"
	ActionReadSelection     = "read-selection"
	ActionReadURL           = "read-url"
	ActionCaptureScreenshot = "capture-screenshot"
	ActionExecuteCode       = "execute-code"
	ActionMutateDOM         = "mutate-dom"
	ActionReadConsoleLogs   = "read-console-logs"
)

// KnownAction reports whether action is in the fixed capability set.
func KnownAction(action string) bool {
	switch action {
	case ActionReadDOM, ActionReadSelection, ActionReadURL,
		ActionCaptureScreenshot, ActionExecuteCode, ActionMutateDOM,
		ActionReadConsoleLogs:
		return true
	}
	return false
}

// Connection status values carried by connection-status envelopes.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusError        = "error"

	// StatusReconnect is only valid inbound from the panel; it triggers
	// a manual reconnect with a reset attempt counter.
	StatusReconnect = "reconnect"
)

// Envelope is one discriminated message unit. Field names are the wire
// contract and must not change; which fields are populated depends on Type.
type Envelope struct {
	Type MessageType `json:"type"`

	// Terminal frames: Data holds the byte payload as a JSON string.
	// Browser responses: Data holds the arbitrary result value.
	Data json.RawMessage `json:"data,omitempty"`

	// terminal-resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// browser-request
	Action    string          `json:"action,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`

	// browser-response
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// connection-status
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	// pong
	State string `json:"state,omitempty"`
}

// Parse errors.
var (
	ErrMissingType = errors.New("envelope has no type field")
)

// UnknownTypeError reports an envelope whose discriminant is outside the
// fixed set. It is a distinct error case so callers can answer rather than
// silently drop.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown envelope type %q", e.Type)
}

// Parse decodes one wire message into an Envelope. Malformed JSON and
// unrecognized discriminants are distinct errors.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	switch env.Type {
	case TypeTerminalInput, TypeTerminalOutput, TypeTerminalResize,
		TypeBrowserRequest, TypeBrowserResponse, TypeConnectionStatus,
		TypePing, TypePong:
		return &env, nil
	}
	return nil, &UnknownTypeError{Type: string(env.Type)}
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// TerminalData decodes the byte payload of a terminal frame.
func (e *Envelope) TerminalData() (string, error) {
	if len(e.Data) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", fmt.Errorf("terminal data is not a string: %w", err)
	}
	return s, nil
}

// TerminalInput builds a terminal-input envelope.
func TerminalInput(data string) *Envelope {
	return &Envelope{Type: TypeTerminalInput, Data: mustRaw(data)}
}

// TerminalOutput builds a terminal-output envelope.
func TerminalOutput(data string) *Envelope {
	return &Envelope{Type: TypeTerminalOutput, Data: mustRaw(data)}
}

// TerminalResize builds a terminal-resize envelope.
func TerminalResize(cols, rows int) *Envelope {
	return &Envelope{Type: TypeTerminalResize, Cols: cols, Rows: rows}
}

// BrowserRequest builds a browser-request envelope. params may be nil.
func BrowserRequest(action, requestID string, params any) (*Envelope, error) {
	env := &Envelope{Type: TypeBrowserRequest, Action: action, RequestID: requestID}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal request params: %w", err)
		}
		env.Params = raw
	}
	return env, nil
}

// SuccessResponse builds a browser-response envelope carrying data.
func SuccessResponse(requestID string, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal response data: %w", err)
	}
	ok := true
	return &Envelope{
		Type:      TypeBrowserResponse,
		RequestID: requestID,
		Success:   &ok,
		Data:      raw,
	}, nil
}

// ErrorResponse builds a failed browser-response envelope.
func ErrorResponse(requestID, message string) *Envelope {
	failed := false
	return &Envelope{
		Type:      TypeBrowserResponse,
		RequestID: requestID,
		Success:   &failed,
		Error:     message,
	}
}

// ConnectionStatus builds a connection-status envelope.
func ConnectionStatus(status, message string) *Envelope {
	return &Envelope{Type: TypeConnectionStatus, Status: status, Message: message}
}

// Pong builds the answer to a liveness probe.
func Pong(state string) *Envelope {
	return &Envelope{Type: TypePong, State: state}
}

func mustRaw(s string) json.RawMessage {
	raw, err := json.Marshal(s)
	if err != nil {
		// json.Marshal of a string cannot fail
		panic(err)
	}
	return raw
}
