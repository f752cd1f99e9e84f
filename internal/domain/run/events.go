package run

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is one upstream-reported status fragment. Events are kept as an
// ordered, append-once log for diagnostics and error extraction.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Message   string          `json:"message,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// IsError reports whether the event describes a failure.
func (e Event) IsError() bool {
	kind := strings.ToLower(e.Kind)
	return kind == "error" || strings.Contains(kind, "error") || strings.Contains(kind, "failed")
}

// LastErrorMessage scans the event log in reverse for an error-typed entry
// and returns a human-readable message from it. It returns the fallback when
// no error event is present.
func LastErrorMessage(events []Event, fallback string) string {
	for i := len(events) - 1; i >= 0; i-- {
		if !events[i].IsError() {
			continue
		}
		if events[i].Message != "" {
			return events[i].Message
		}
		if len(events[i].Raw) > 0 {
			return string(events[i].Raw)
		}
	}
	return fallback
}
