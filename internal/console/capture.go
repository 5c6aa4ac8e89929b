package console

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"pkt.systems/pslog"
)

// maxFormattedArgs bounds how many console arguments are rendered into the
// record text; the rest are summarized by count.
const maxFormattedArgs = 5

// maxPreviewProperties bounds object preview rendering.
const maxPreviewProperties = 5

// Capture owns the set of tabs subscribed to the browser's debug event
// streams and their log rings. A session never exists without a ring.
type Capture struct {
	mu       sync.Mutex
	sessions map[string]*session
	capacity int
	log      pslog.Logger

	// listen and enable wrap the chromedp calls so tests can observe
	// registration without a browser.
	listen func(ctx context.Context, fn func(ev any))
	enable func(ctx context.Context) error
}

type session struct {
	ring     *Ring
	attached bool

	// listening is set once the event listener is registered. Listeners
	// cannot be unregistered, so registration happens at most once per
	// session lifetime.
	listening bool
}

// NewCapture creates a Capture with the given per-tab ring capacity.
func NewCapture(capacity int, logger pslog.Logger) *Capture {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	c := &Capture{
		sessions: make(map[string]*session),
		capacity: capacity,
		log:      logger.With("component", "console"),
	}
	c.listen = chromedp.ListenTarget
	c.enable = func(ctx context.Context) error {
		return chromedp.Run(ctx, runtime.Enable(), cdplog.Enable())
	}
	return c
}

// Attach subscribes the tab's debug event streams into its ring, creating
// the session on first use. tabCtx must be a chromedp context bound to the
// tab's target. Attaching an already-attached tab is a no-op.
func (c *Capture) Attach(tabCtx context.Context, tabID string) error {
	c.mu.Lock()
	s, ok := c.sessions[tabID]
	if !ok {
		s = &session{ring: NewRing(c.capacity)}
		c.sessions[tabID] = s
	}
	if s.attached {
		c.mu.Unlock()
		return nil
	}
	s.attached = true
	register := !s.listening
	s.listening = true
	c.mu.Unlock()

	// Re-attach after a rejected enable or a detach only re-enables the
	// event domains; the listener from the first attach is still live.
	if register {
		c.listen(tabCtx, func(ev any) {
			c.handleEvent(tabID, ev)
		})
		go func() {
			<-tabCtx.Done()
			c.Detach(tabID)
		}()
	}

	if err := c.enable(tabCtx); err != nil {
		c.mu.Lock()
		s.attached = false
		c.mu.Unlock()
		return fmt.Errorf("debug attach failed: %w", err)
	}

	c.log.Info("console capture attached", "tab", tabID)
	return nil
}

// Attached reports whether the tab currently has an active subscription.
func (c *Capture) Attached(tabID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[tabID]
	return ok && s.attached
}

// Detach stops populating the tab's ring but leaves existing records intact
// for pending reads. Used when another debugger takes the target over.
func (c *Capture) Detach(tabID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[tabID]; ok {
		s.attached = false
	}
}

// Teardown removes the session and its ring entirely (tab closed).
func (c *Capture) Teardown(tabID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, tabID)
}

// Records returns the tab's retained records filtered by level group, and
// optionally clears the ring after the read.
func (c *Capture) Records(tabID, group string, clear bool) []Record {
	c.mu.Lock()
	s, ok := c.sessions[tabID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	records := s.ring.Snapshot(group)
	if clear {
		s.ring.Clear()
	}
	return records
}

// handleEvent normalizes one debug event into the tab's ring. Events for a
// detached session are dropped; the ring is not retroactively populated.
func (c *Capture) handleEvent(tabID string, ev any) {
	c.mu.Lock()
	s, ok := c.sessions[tabID]
	if !ok || !s.attached {
		c.mu.Unlock()
		return
	}
	ring := s.ring
	c.mu.Unlock()

	switch e := ev.(type) {
	case *inspector.EventDetached:
		// Another debugger took the target over. Stop claiming the
		// session is live; the ring stays for pending reads.
		c.Detach(tabID)
		c.log.Info("console capture detached externally", "tab", tabID, "reason", e.Reason)
	case *runtime.EventConsoleAPICalled:
		ring.Append(normalizeConsoleCall(e))
	case *cdplog.EventEntryAdded:
		if e.Entry != nil {
			ring.Append(normalizeLogEntry(e.Entry))
		}
	case *runtime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			ring.Append(normalizeException(e.ExceptionDetails))
		}
	}
}

// normalizeConsoleCall maps a console API invocation to a Record.
func normalizeConsoleCall(e *runtime.EventConsoleAPICalled) Record {
	rec := Record{
		Level:     consoleLevel(e.Type),
		Text:      formatArgs(e.Args),
		Timestamp: eventTime(e.Timestamp),
		Stack:     formatStack(e.StackTrace),
	}
	if e.StackTrace != nil && len(e.StackTrace.CallFrames) > 0 {
		f := e.StackTrace.CallFrames[0]
		rec.Source = fmt.Sprintf("%s:%d:%d", f.URL, f.LineNumber, f.ColumnNumber)
	}
	return rec
}

// normalizeLogEntry maps a browser-originated log entry to a Record.
func normalizeLogEntry(entry *cdplog.Entry) Record {
	rec := Record{
		Level:     logLevel(entry.Level),
		Text:      entry.Text,
		Timestamp: eventTime(entry.Timestamp),
	}
	if entry.URL != "" {
		rec.Source = fmt.Sprintf("%s:%d", entry.URL, entry.LineNumber)
	}
	return rec
}

// normalizeException maps an uncaught exception to an error Record.
func normalizeException(d *runtime.ExceptionDetails) Record {
	text := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		text = d.Exception.Description
	}
	rec := Record{
		Level:     LevelError,
		Text:      text,
		Timestamp: time.Now(),
		Stack:     formatStack(d.StackTrace),
	}
	if d.URL != "" {
		rec.Source = fmt.Sprintf("%s:%d:%d", d.URL, d.LineNumber, d.ColumnNumber)
	}
	return rec
}

// consoleLevel maps console API call types onto the fixed level set.
func consoleLevel(t runtime.APIType) Level {
	switch t {
	case runtime.APITypeError, runtime.APITypeAssert:
		return LevelError
	case runtime.APITypeWarning:
		return LevelWarning
	case runtime.APITypeInfo:
		return LevelInfo
	case runtime.APITypeDebug:
		return LevelDebug
	default:
		return LevelLog
	}
}

// logLevel maps browser log entry levels onto the fixed level set.
func logLevel(l cdplog.Level) Level {
	switch l {
	case cdplog.LevelError:
		return LevelError
	case cdplog.LevelWarning:
		return LevelWarning
	case cdplog.LevelInfo:
		return LevelInfo
	default:
		return LevelLog
	}
}

// formatArgs renders console arguments by runtime value kind: strings
// verbatim, primitives stringified, undefined as a literal, objects as a
// short preview.
func formatArgs(args []*runtime.RemoteObject) string {
	var parts []string
	for i, arg := range args {
		if i >= maxFormattedArgs {
			parts = append(parts, fmt.Sprintf("… (%d more)", len(args)-maxFormattedArgs))
			break
		}
		parts = append(parts, formatRemoteObject(arg))
	}
	return strings.Join(parts, " ")
}

func formatRemoteObject(o *runtime.RemoteObject) string {
	if o == nil {
		return ""
	}
	switch o.Type {
	case runtime.TypeString:
		var s string
		if len(o.Value) > 0 && json.Unmarshal(o.Value, &s) == nil {
			return s
		}
		return o.Description
	case runtime.TypeNumber, runtime.TypeBoolean, runtime.TypeBigint:
		if len(o.Value) > 0 {
			return strings.TrimSpace(string(o.Value))
		}
		return o.Description
	case runtime.TypeUndefined:
		return "undefined"
	case runtime.TypeFunction:
		return "function"
	default:
		return previewObject(o)
	}
}

// previewObject renders an object argument as {k: v, …} from its preview,
// falling back to the description.
func previewObject(o *runtime.RemoteObject) string {
	if o.Preview == nil || len(o.Preview.Properties) == 0 {
		if o.Description != "" {
			return o.Description
		}
		if len(o.Value) > 0 {
			return string(o.Value)
		}
		return "null"
	}
	var b strings.Builder
	b.WriteString("{")
	for i, p := range o.Preview.Properties {
		if i >= maxPreviewProperties {
			b.WriteString(", …")
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", p.Name, p.Value)
	}
	b.WriteString("}")
	return b.String()
}

// formatStack renders a call stack one line per frame: function name (or an
// anonymous marker), source address, line and column.
func formatStack(st *runtime.StackTrace) string {
	if st == nil || len(st.CallFrames) == 0 {
		return ""
	}
	lines := make([]string, 0, len(st.CallFrames))
	for _, f := range st.CallFrames {
		name := f.FunctionName
		if name == "" {
			name = "<anonymous>"
		}
		lines = append(lines, fmt.Sprintf("%s (%s:%d:%d)", name, f.URL, f.LineNumber, f.ColumnNumber))
	}
	return strings.Join(lines, "\n")
}

func eventTime(ts *runtime.Timestamp) time.Time {
	if ts == nil {
		return time.Now()
	}
	return ts.Time()
}
