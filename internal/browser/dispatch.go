package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tabbridge/tabbridge/internal/console"
	"github.com/tabbridge/tabbridge/internal/protocol"
)

// Dispatch runs one capability action and returns its result payload.
// Validation failures, resolution failures and target-execution failures
// all come back as errors; the router turns them into exactly one error
// response per request.
func (c *Client) Dispatch(ctx context.Context, action string, params json.RawMessage) (any, error) {
	switch action {
	case protocol.ActionReadDOM:
		var p ReadDOMParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return c.readDOM(ctx, p)

	case protocol.ActionReadSelection:
		return c.readSelection(ctx)

	case protocol.ActionReadURL:
		return c.readURL(ctx)

	case protocol.ActionCaptureScreenshot:
		return c.captureScreenshot(ctx)

	case protocol.ActionExecuteCode:
		var p ExecuteCodeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Script == "" {
			return nil, errors.New("execute-code requires a script")
		}
		return c.executeCode(ctx, p)

	case protocol.ActionMutateDOM:
		var p MutateDOMParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return c.mutateDOM(ctx, p)

	case protocol.ActionReadConsoleLogs:
		var p ReadConsoleLogsParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return c.readConsoleLogs(ctx, p)
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

func (c *Client) readDOM(ctx context.Context, p ReadDOMParams) (any, error) {
	_, tabCtx, err := c.ResolveActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	env, err := c.evalInTab(tabCtx, readDOMScript(p))
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"html":  env.HTML,
		"url":   env.URL,
		"title": env.Title,
	}
	if p.IncludeStyles {
		result["styles"] = env.Styles
	}
	return result, nil
}

func (c *Client) readSelection(ctx context.Context) (any, error) {
	_, tabCtx, err := c.ResolveActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	env, err := c.evalInTab(tabCtx, selectionScript())
	if err != nil {
		return nil, err
	}
	text := ""
	if env.Text != nil {
		text = *env.Text
	}
	return map[string]any{
		"text":  text,
		"url":   env.URL,
		"title": env.Title,
	}, nil
}

func (c *Client) readURL(ctx context.Context) (any, error) {
	tab, _, err := c.ResolveActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"url":   tab.URL,
		"title": tab.Title,
		"tabId": tab.ID,
	}, nil
}

func (c *Client) captureScreenshot(ctx context.Context) (any, error) {
	_, tabCtx, err := c.ResolveActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	dataURL, err := c.screenshot(tabCtx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"dataUrl": dataURL,
		"format":  "png",
	}, nil
}

func (c *Client) executeCode(ctx context.Context, p ExecuteCodeParams) (any, error) {
	_, tabCtx, err := c.ResolveActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	env, err := c.evalInTab(tabCtx, executeScript(p.Script))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"result": env.Value,
	}, nil
}

func (c *Client) mutateDOM(ctx context.Context, p MutateDOMParams) (any, error) {
	_, tabCtx, err := c.ResolveActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	env, err := c.evalInTab(tabCtx, mutateScript(p))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"modifiedCount": env.ModifiedCount,
		"summary":       env.Summary,
	}, nil
}

// readConsoleLogs lazily establishes the tab's debug session, waits out the
// settle delay on first attach, then reads the ring. An attach rejection is
// the action's failure, distinct from an empty ring.
func (c *Client) readConsoleLogs(ctx context.Context, p ReadConsoleLogsParams) (any, error) {
	tab, tabCtx, err := c.ResolveActiveTab(ctx)
	if err != nil {
		return nil, err
	}
	if c.capture == nil {
		return nil, errors.New("console capture unavailable")
	}
	if !c.capture.Attached(tab.ID) {
		if err := c.capture.Attach(tabCtx, tab.ID); err != nil {
			return nil, err
		}
		select {
		case <-time.After(c.cfg.SettleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	records := c.capture.Records(tab.ID, p.Level, p.Clear)
	if records == nil {
		records = []console.Record{}
	}
	return map[string]any{
		"logs":  records,
		"count": len(records),
	}, nil
}
