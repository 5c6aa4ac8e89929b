package browser

import (
	"encoding/json"
	"fmt"
)

// ReadDOMParams configures a read-dom action. Selector defaults to the
// document root.
type ReadDOMParams struct {
	Selector      string `json:"selector,omitempty"`
	IncludeStyles bool   `json:"includeStyles,omitempty"`
}

// ExecuteCodeParams configures an execute-code action.
type ExecuteCodeParams struct {
	Script string `json:"script"`
}

// MutateDOMParams configures a mutate-dom action. Value is a pointer so an
// absent value is distinguishable from an explicit empty string.
type MutateDOMParams struct {
	Selector      string  `json:"selector"`
	Action        string  `json:"action"`
	Value         *string `json:"value,omitempty"`
	AttributeName string  `json:"attributeName,omitempty"`
	All           bool    `json:"all,omitempty"`
}

// ReadConsoleLogsParams configures a read-console-logs action.
type ReadConsoleLogsParams struct {
	Level string `json:"level,omitempty"`
	Clear bool   `json:"clear,omitempty"`
}

// Mutation actions. Closed set; anything else is a validation failure.
const (
	MutateSetInnerHTML    = "set-inner-html"
	MutateSetOuterHTML    = "set-outer-html"
	MutateSetText         = "set-text"
	MutateSetAttribute    = "set-attribute"
	MutateRemoveAttribute = "remove-attribute"
	MutateAddClass        = "add-class"
	MutateRemoveClass     = "remove-class"
	MutateRemove          = "remove"
	MutateInsertBefore    = "insert-before"
	MutateInsertAfter     = "insert-after"
)

// Validate checks the mutate-dom precondition table. Each missing required
// argument is a distinct named failure, raised before any mutation runs.
func (p *MutateDOMParams) Validate() error {
	if p.Selector == "" {
		return fmt.Errorf("mutate-dom requires a selector")
	}
	if p.Action == "" {
		return fmt.Errorf("mutate-dom requires an action")
	}
	switch p.Action {
	case MutateSetAttribute:
		if p.AttributeName == "" {
			return fmt.Errorf("action %q requires attributeName", p.Action)
		}
		if p.Value == nil {
			return fmt.Errorf("action %q requires value", p.Action)
		}
	case MutateRemoveAttribute:
		if p.AttributeName == "" {
			return fmt.Errorf("action %q requires attributeName", p.Action)
		}
	case MutateAddClass, MutateRemoveClass, MutateInsertBefore, MutateInsertAfter,
		MutateSetInnerHTML, MutateSetOuterHTML, MutateSetText:
		if p.Value == nil {
			return fmt.Errorf("action %q requires value", p.Action)
		}
	case MutateRemove:
		// No extra arguments.
	default:
		return fmt.Errorf("unknown mutation action %q", p.Action)
	}
	return nil
}

// decodeParams unmarshals raw request params into dst, tolerating absent
// params for actions whose fields are all optional.
func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
