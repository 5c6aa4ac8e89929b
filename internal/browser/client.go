package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"pkt.systems/pslog"

	"github.com/tabbridge/tabbridge/internal/console"
)

// Config configures the browser client.
type Config struct {
	// DevToolsURL is the debugging endpoint of a running browser.
	DevToolsURL string

	// Headless launches a private headless instance instead of attaching
	// to DevToolsURL. Used by tests and local development.
	Headless bool

	// SettleDelay is how long the first console-log read waits after
	// attaching, to catch immediately-pending events.
	SettleDelay time.Duration

	// CallTimeout bounds a single capability call against the tab.
	CallTimeout time.Duration

	Logger pslog.Logger
}

const (
	DefaultDevToolsURL = "ws://127.0.0.1:9222"
	DefaultSettleDelay = 300 * time.Millisecond
	DefaultCallTimeout = 10 * time.Second
)

// Client executes capability actions against the active tab of one browser
// instance over the DevTools protocol.
type Client struct {
	cfg     Config
	log     pslog.Logger
	capture *console.Capture

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	mu   sync.Mutex
	tabs map[target.ID]*tabHandle
}

type tabHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient connects the client to a browser. With cfg.Headless it launches
// its own instance; otherwise it attaches to cfg.DevToolsURL.
func NewClient(cfg Config, capture *console.Capture) *Client {
	if cfg.DevToolsURL == "" {
		cfg.DevToolsURL = DefaultDevToolsURL
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if cfg.Headless {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	} else {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.DevToolsURL)
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &Client{
		cfg:           cfg,
		log:           log.With("component", "browser"),
		capture:       capture,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		tabs:          make(map[target.ID]*tabHandle),
	}
}

// Close tears down all tab attachments and the browser connection.
func (c *Client) Close() {
	c.mu.Lock()
	for id, h := range c.tabs {
		h.cancel()
		delete(c.tabs, id)
	}
	c.mu.Unlock()
	c.browserCancel()
	c.allocCancel()
}

// ResolveActiveTab picks the tab capability calls target: the first allowed
// page target whose document is visible, falling back to the first allowed
// page target. Resolution fails when no page target exists or every page
// target's address is in the disallowed scheme set.
func (c *Client) ResolveActiveTab(ctx context.Context) (Tab, context.Context, error) {
	infos, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return Tab{}, nil, fmt.Errorf("list targets: %w", err)
	}

	var pages []*target.Info
	for _, info := range infos {
		if info.Type == "page" {
			pages = append(pages, info)
		}
	}
	c.pruneClosed(pages)
	if len(pages) == 0 {
		return Tab{}, nil, ErrNoActiveTab
	}

	chosen, err := chooseTab(pages, c.isVisible)
	if err != nil {
		return Tab{}, nil, err
	}

	tabCtx, err := c.tabContext(chosen.TargetID)
	if err != nil {
		return Tab{}, nil, err
	}
	tab := Tab{ID: string(chosen.TargetID), URL: chosen.URL, Title: chosen.Title}
	return tab, tabCtx, nil
}

// chooseTab picks from the page targets the first allowed one whose
// document is visible, falling back to the first allowed one. Pages on
// disallowed schemes are never chosen, even as fallback.
func chooseTab(pages []*target.Info, visible func(target.ID) bool) (*target.Info, error) {
	var fallback *target.Info
	for _, info := range pages {
		if !AllowedURL(info.URL) {
			continue
		}
		if fallback == nil {
			fallback = info
		}
		if visible(info.TargetID) {
			return info, nil
		}
	}
	if fallback == nil {
		return nil, &DisallowedURLError{URL: pages[0].URL}
	}
	return fallback, nil
}

// isVisible checks document.visibilityState with a short deadline; any
// failure just means "not this one".
func (c *Client) isVisible(id target.ID) bool {
	tabCtx, err := c.tabContext(id)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(tabCtx, time.Second)
	defer cancel()
	var state string
	if err := chromedp.Run(ctx, chromedp.Evaluate(`document.visibilityState`, &state)); err != nil {
		return false
	}
	return state == "visible"
}

// tabContext returns a cached chromedp context bound to the target,
// creating it on first use. The context must stay alive across calls so
// console listeners keep firing.
func (c *Client) tabContext(id target.ID) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.tabs[id]; ok {
		return h.ctx, nil
	}
	ctx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(id))
	c.tabs[id] = &tabHandle{ctx: ctx, cancel: cancel}
	return ctx, nil
}

// pruneClosed drops tab handles and debug sessions for targets that no
// longer exist. A closed tab destroys its session and ring.
func (c *Client) pruneClosed(open []*target.Info) {
	alive := make(map[target.ID]bool, len(open))
	for _, info := range open {
		alive[info.TargetID] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range c.tabs {
		if !alive[id] {
			h.cancel()
			delete(c.tabs, id)
			if c.capture != nil {
				c.capture.Teardown(string(id))
			}
			c.log.Info("tab closed, session discarded", "tab", string(id))
		}
	}
}

// evalInTab runs one injected expression in the tab and decodes its common
// result envelope. An ok:false envelope becomes an error.
func (c *Client) evalInTab(tabCtx context.Context, script string) (*evalEnvelope, error) {
	ctx, cancel := context.WithTimeout(tabCtx, c.cfg.CallTimeout)
	defer cancel()

	var env evalEnvelope
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &env)); err != nil {
		return nil, fmt.Errorf("tab evaluation failed: %w", err)
	}
	if !env.OK {
		if env.Error == "" {
			return nil, errors.New("tab evaluation failed")
		}
		return nil, errors.New(env.Error)
	}
	return &env, nil
}

// screenshot captures the visible tab area as a base64 data URL.
func (c *Client) screenshot(tabCtx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(tabCtx, c.cfg.CallTimeout)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("capture rejected: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf), nil
}
