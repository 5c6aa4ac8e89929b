package console

import (
	"fmt"
	"testing"
	"time"
)

func TestRingCapacityInvariant(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 35; i++ {
		r.Append(Record{Level: LevelLog, Text: fmt.Sprintf("msg-%d", i), Timestamp: time.Now()})
		if r.Len() > 10 {
			t.Fatalf("Ring exceeded capacity after %d appends: %d", i+1, r.Len())
		}
	}

	records := r.Snapshot("")
	if len(records) != 10 {
		t.Fatalf("Expected 10 retained records, got %d", len(records))
	}
	// Retained records are the most recent, in arrival order.
	for i, rec := range records {
		want := fmt.Sprintf("msg-%d", 25+i)
		if rec.Text != want {
			t.Errorf("Record %d: expected %q, got %q", i, want, rec.Text)
		}
	}
}

func TestRingLevelGroupFilter(t *testing.T) {
	r := NewRing(50)
	r.Append(Record{Level: LevelError, Text: "boom"})
	r.Append(Record{Level: LevelWarning, Text: "careful"})
	r.Append(Record{Level: LevelInfo, Text: "fyi"})
	r.Append(Record{Level: LevelLog, Text: "plain"})
	r.Append(Record{Level: LevelError, Text: "boom2"})

	errs := r.Snapshot("error")
	if len(errs) != 2 {
		t.Fatalf("Expected 2 error records, got %d", len(errs))
	}
	for _, rec := range errs {
		if rec.Level != LevelError {
			t.Errorf("Non-error record in error filter: %v", rec.Level)
		}
	}

	// The info group covers both info and default console.log records.
	info := r.Snapshot("info")
	if len(info) != 2 {
		t.Fatalf("Expected 2 info-group records, got %d", len(info))
	}

	if n := len(r.Snapshot("warning")); n != 1 {
		t.Errorf("Expected 1 warning record, got %d", n)
	}
	if n := len(r.Snapshot("")); n != 5 {
		t.Errorf("Expected all 5 records unfiltered, got %d", n)
	}
	if n := len(r.Snapshot("verbose")); n != 0 {
		t.Errorf("Expected unknown group to match nothing, got %d", n)
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing(10)
	r.Append(Record{Level: LevelLog, Text: "x"})
	r.Append(Record{Level: LevelLog, Text: "y"})
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("Expected empty ring after clear, got %d", r.Len())
	}
	if got := r.Snapshot(""); len(got) != 0 {
		t.Fatalf("Expected empty snapshot after clear, got %d", len(got))
	}
}
