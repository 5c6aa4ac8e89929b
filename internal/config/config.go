// Package config holds the daemon configuration: defaults, validation and
// the KDL file loader.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Default endpoint and tuning values. Flags and the config file override
// them; absent settings keep these.
const (
	DefaultBackendURL  = "ws://127.0.0.1:8765/bridge"
	DefaultPanelAddr   = "127.0.0.1:8766"
	DefaultDevToolsURL = "ws://127.0.0.1:9222"

	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxAttempts    = 10
	DefaultKeepalive      = 15 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultCallTimeout    = 10 * time.Second
	DefaultSettleDelay    = 300 * time.Millisecond
	DefaultRingCapacity   = 500
)

// Config is the resolved daemon configuration.
type Config struct {
	// BackendURL is the websocket endpoint of the agent backend.
	BackendURL string

	// PanelAddr is the loopback address the panel server binds.
	PanelAddr string

	// DevToolsURL is the browser's DevTools websocket endpoint. Empty
	// means launch a headless browser instead of attaching.
	DevToolsURL string

	// Headless launches an owned headless browser even when a DevTools
	// URL is configured.
	Headless bool

	ReconnectDelay time.Duration
	MaxAttempts    int
	Keepalive      time.Duration
	DialTimeout    time.Duration

	// RequestTimeout bounds one browser-request end to end.
	RequestTimeout time.Duration

	// CallTimeout bounds a single DevTools evaluation.
	CallTimeout time.Duration

	// SettleDelay is the wait after attaching console capture before the
	// first read, so in-flight events land in the ring.
	SettleDelay time.Duration

	// RingCapacity is the per-tab console record cap.
	RingCapacity int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		BackendURL:     DefaultBackendURL,
		PanelAddr:      DefaultPanelAddr,
		DevToolsURL:    DefaultDevToolsURL,
		ReconnectDelay: DefaultReconnectDelay,
		MaxAttempts:    DefaultMaxAttempts,
		Keepalive:      DefaultKeepalive,
		DialTimeout:    DefaultDialTimeout,
		RequestTimeout: DefaultRequestTimeout,
		CallTimeout:    DefaultCallTimeout,
		SettleDelay:    DefaultSettleDelay,
		RingCapacity:   DefaultRingCapacity,
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.BackendURL, "ws://") && !strings.HasPrefix(c.BackendURL, "wss://") {
		return fmt.Errorf("backend url must be ws:// or wss://, got %q", c.BackendURL)
	}
	if c.PanelAddr == "" {
		return fmt.Errorf("panel address must not be empty")
	}
	if c.DevToolsURL != "" && !strings.HasPrefix(c.DevToolsURL, "ws://") && !strings.HasPrefix(c.DevToolsURL, "wss://") {
		return fmt.Errorf("devtools url must be ws:// or wss://, got %q", c.DevToolsURL)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max reconnect attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive, got %s", c.ReconnectDelay)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.RingCapacity < 1 {
		return fmt.Errorf("console ring capacity must be at least 1, got %d", c.RingCapacity)
	}
	return nil
}
