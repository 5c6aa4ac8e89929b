// Package browser is the capability endpoint: it executes the fixed set of
// tab actions against the active browser tab over the DevTools protocol.
package browser

import (
	"errors"
	"fmt"
	"strings"
)

// Tab identifies the resolved active tab.
type Tab struct {
	ID    string `json:"tabId"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ErrNoActiveTab is returned when no page target can be resolved.
var ErrNoActiveTab = errors.New("no active tab")

// disallowedPrefixes are privileged/internal URL schemes capability calls
// must never touch. Checked before any endpoint call.
var disallowedPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"chrome-error://",
	"devtools://",
	"edge://",
	"about:",
	"view-source:",
}

// DisallowedURLError reports an active tab whose address is off limits.
type DisallowedURLError struct {
	URL string
}

func (e *DisallowedURLError) Error() string {
	return fmt.Sprintf("cannot access restricted page %q", e.URL)
}

// AllowedURL reports whether capability operations may target the address.
func AllowedURL(url string) bool {
	for _, prefix := range disallowedPrefixes {
		if strings.HasPrefix(url, prefix) {
			return false
		}
	}
	return true
}
