package console

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/inspector"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/runtime"
)

func TestConsoleLevelMapping(t *testing.T) {
	cases := []struct {
		in   runtime.APIType
		want Level
	}{
		{runtime.APITypeError, LevelError},
		{runtime.APITypeAssert, LevelError},
		{runtime.APITypeWarning, LevelWarning},
		{runtime.APITypeInfo, LevelInfo},
		{runtime.APITypeDebug, LevelDebug},
		{runtime.APITypeLog, LevelLog},
		{runtime.APITypeDir, LevelLog},
	}
	for _, tc := range cases {
		if got := consoleLevel(tc.in); got != tc.want {
			t.Errorf("consoleLevel(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestFormatArgsByValueKind(t *testing.T) {
	args := []*runtime.RemoteObject{
		{Type: runtime.TypeString, Value: []byte(`"hello"`)},
		{Type: runtime.TypeNumber, Value: []byte(`42`)},
		{Type: runtime.TypeBoolean, Value: []byte(`true`)},
		{Type: runtime.TypeUndefined},
	}
	got := formatArgs(args)
	if got != "hello 42 true undefined" {
		t.Errorf("Unexpected formatting: %q", got)
	}
}

func TestFormatArgsTruncation(t *testing.T) {
	var args []*runtime.RemoteObject
	for i := 0; i < 8; i++ {
		args = append(args, &runtime.RemoteObject{Type: runtime.TypeNumber, Value: []byte(`1`)})
	}
	got := formatArgs(args)
	if !strings.Contains(got, "(3 more)") {
		t.Errorf("Expected truncation marker for 8 args, got %q", got)
	}
}

func TestFormatObjectPreview(t *testing.T) {
	obj := &runtime.RemoteObject{
		Type: runtime.TypeObject,
		Preview: &runtime.ObjectPreview{
			Properties: []*runtime.PropertyPreview{
				{Name: "id", Value: "7"},
				{Name: "name", Value: "tab"},
			},
		},
	}
	got := formatRemoteObject(obj)
	if got != "{id: 7, name: tab}" {
		t.Errorf("Unexpected object preview: %q", got)
	}
}

func TestFormatStack(t *testing.T) {
	st := &runtime.StackTrace{
		CallFrames: []*runtime.CallFrame{
			{FunctionName: "handleClick", URL: "https://app.test/main.js", LineNumber: 10, ColumnNumber: 4},
			{FunctionName: "", URL: "https://app.test/main.js", LineNumber: 22, ColumnNumber: 1},
		},
	}
	got := formatStack(st)
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 stack lines, got %d", len(lines))
	}
	if lines[0] != "handleClick (https://app.test/main.js:10:4)" {
		t.Errorf("Unexpected frame line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "<anonymous> ") {
		t.Errorf("Expected anonymous marker, got %q", lines[1])
	}
}

func TestNormalizeLogEntry(t *testing.T) {
	rec := normalizeLogEntry(&cdplog.Entry{
		Level:      cdplog.LevelWarning,
		Text:       "mixed content",
		URL:        "https://app.test/",
		LineNumber: 3,
	})
	if rec.Level != LevelWarning {
		t.Errorf("Expected warning level, got %q", rec.Level)
	}
	if rec.Text != "mixed content" {
		t.Errorf("Unexpected text: %q", rec.Text)
	}
	if rec.Source != "https://app.test/:3" {
		t.Errorf("Unexpected source: %q", rec.Source)
	}
}

func TestNormalizeException(t *testing.T) {
	rec := normalizeException(&runtime.ExceptionDetails{
		Text:       "Uncaught",
		Exception:  &runtime.RemoteObject{Description: "TypeError: x is not a function"},
		URL:        "https://app.test/main.js",
		LineNumber: 5,
	})
	if rec.Level != LevelError {
		t.Errorf("Expected error level, got %q", rec.Level)
	}
	if rec.Text != "TypeError: x is not a function" {
		t.Errorf("Expected exception description as text, got %q", rec.Text)
	}
}

func TestDetachKeepsRing(t *testing.T) {
	c := NewCapture(10, nil)
	c.sessions["tab-1"] = &session{ring: NewRing(10), attached: true}

	c.handleEvent("tab-1", &runtime.EventConsoleAPICalled{
		Type: runtime.APITypeLog,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeString, Value: []byte(`"before detach"`)}},
	})

	c.Detach("tab-1")

	// Detached sessions stop accumulating but keep existing records.
	c.handleEvent("tab-1", &runtime.EventConsoleAPICalled{
		Type: runtime.APITypeLog,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeString, Value: []byte(`"after detach"`)}},
	})

	records := c.Records("tab-1", "", false)
	if len(records) != 1 {
		t.Fatalf("Expected 1 record after detach, got %d", len(records))
	}
	if records[0].Text != "before detach" {
		t.Errorf("Unexpected surviving record: %q", records[0].Text)
	}
}

func TestRecordsClearAfterRead(t *testing.T) {
	c := NewCapture(10, nil)
	c.sessions["tab-1"] = &session{ring: NewRing(10), attached: true}
	c.handleEvent("tab-1", &runtime.EventConsoleAPICalled{
		Type: runtime.APITypeError,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeString, Value: []byte(`"boom"`)}},
	})

	got := c.Records("tab-1", "error", true)
	if len(got) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(got))
	}
	if again := c.Records("tab-1", "", false); len(again) != 0 {
		t.Fatalf("Expected empty ring after clearing read, got %d", len(again))
	}
}

func TestAttachRegistersListenerOnce(t *testing.T) {
	c := NewCapture(10, nil)
	var listens int
	var handler func(ev any)
	c.listen = func(ctx context.Context, fn func(ev any)) {
		listens++
		handler = fn
	}
	fail := true
	c.enable = func(ctx context.Context) error {
		if fail {
			return errors.New("target busy")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := c.Attach(ctx, "tab-1"); err == nil {
		t.Fatal("Expected first attach to fail")
	}
	fail = false
	if err := c.Attach(ctx, "tab-1"); err != nil {
		t.Fatalf("Re-attach failed: %v", err)
	}
	c.Detach("tab-1")
	if err := c.Attach(ctx, "tab-1"); err != nil {
		t.Fatalf("Attach after detach failed: %v", err)
	}

	if listens != 1 {
		t.Fatalf("Expected a single listener registration, got %d", listens)
	}

	handler(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeLog,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeString, Value: []byte(`"once"`)}},
	})
	if got := c.Records("tab-1", "", false); len(got) != 1 {
		t.Fatalf("Expected one record per event, got %d", len(got))
	}
}

func TestExternalDetachStopsCapture(t *testing.T) {
	c := NewCapture(10, nil)
	c.sessions["tab-1"] = &session{ring: NewRing(10), attached: true, listening: true}

	c.handleEvent("tab-1", &runtime.EventConsoleAPICalled{
		Type: runtime.APITypeLog,
		Args: []*runtime.RemoteObject{{Type: runtime.TypeString, Value: []byte(`"before takeover"`)}},
	})
	c.handleEvent("tab-1", &inspector.EventDetached{Reason: "replaced_with_devtools"})

	if c.Attached("tab-1") {
		t.Fatal("Expected session detached after external takeover")
	}
	records := c.Records("tab-1", "", false)
	if len(records) != 1 || records[0].Text != "before takeover" {
		t.Fatalf("Expected ring preserved across external detach, got %v", records)
	}
}

func TestContextCancelDetaches(t *testing.T) {
	c := NewCapture(10, nil)
	c.listen = func(ctx context.Context, fn func(ev any)) {}
	c.enable = func(ctx context.Context) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Attach(ctx, "tab-1"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for c.Attached("tab-1") {
		if time.Now().After(deadline) {
			t.Fatal("Expected detach after tab context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTeardownRemovesSession(t *testing.T) {
	c := NewCapture(10, nil)
	c.sessions["tab-1"] = &session{ring: NewRing(10), attached: true}
	c.Teardown("tab-1")
	if c.Attached("tab-1") {
		t.Error("Expected session gone after teardown")
	}
	if got := c.Records("tab-1", "", false); got != nil {
		t.Errorf("Expected nil records for torn-down tab, got %v", got)
	}
}
