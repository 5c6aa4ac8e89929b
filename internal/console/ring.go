// Package console captures per-tab console, log and exception events from
// the browser into bounded rings, outside the request/response flow.
package console

import (
	"sync"
	"time"
)

// Level is the severity of a captured record.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
	LevelLog     Level = "log"
	LevelDebug   Level = "debug"
)

// Record is one normalized console/log/exception event.
type Record struct {
	Level     Level     `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Stack     string    `json:"stack,omitempty"`
}

// MatchesGroup reports whether a record level falls in the named filter
// group. Groups: "error" → error, "warning" → warning, "info" → info+log.
// An empty group matches everything; an unknown group matches nothing.
func MatchesGroup(group string, level Level) bool {
	switch group {
	case "":
		return true
	case "error":
		return level == LevelError
	case "warning":
		return level == LevelWarning
	case "info":
		return level == LevelInfo || level == LevelLog
	}
	return false
}

// Ring stores the most recent records up to a fixed capacity. Oldest
// records are evicted first; length never exceeds the cap.
type Ring struct {
	mu      sync.Mutex
	records []Record
	cap     int
}

// DefaultCapacity is the per-tab record cap.
const DefaultCapacity = 500

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{cap: capacity}
}

// Append adds a record, evicting from the front when over capacity.
func (r *Ring) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if excess := len(r.records) - r.cap; excess > 0 {
		r.records = append(r.records[:0:0], r.records[excess:]...)
	}
}

// Snapshot returns the retained records in arrival order, filtered by the
// given level group ("" for all).
func (r *Ring) Snapshot(group string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if MatchesGroup(group, rec.Level) {
			out = append(out, rec)
		}
	}
	return out
}

// Clear discards all records.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}

// Len returns the number of retained records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
