package kodosumi

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/masumi-network/kodosumi-masumi-bridge/internal/domain/run"
)

// Phase is the interpreted upstream execution state of a launched run.
type Phase int

const (
	// PhaseStarting means the run was accepted but not yet observed running.
	PhaseStarting Phase = iota
	// PhaseRunning means the run is executing. This is also the fallback for
	// ambiguous status documents: assuming RUNNING keeps polling alive,
	// whereas guessing completion would end the run on bad data.
	PhaseRunning
	// PhaseFinished means the run completed and a final payload exists.
	PhaseFinished
	// PhaseError means the run failed upstream.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseFinished:
		return "finished"
	case PhaseError:
		return "error"
	default:
		return "running"
	}
}

// StatusDocument is the tagged union of the two status shapes the upstream
// platform has produced over time: a status-field-bearing new form and an
// elements-bearing legacy form. Exactly one of the two fields is set.
type StatusDocument struct {
	New    *NewFormat
	Legacy *LegacyFormat
}

// NewFormat is the current upstream status shape.
type NewFormat struct {
	Status  string          `json:"status"`
	Final   string          `json:"final"`
	Error   string          `json:"error"`
	Members []StatusElement `json:"elements"`
}

// LegacyFormat is the historical shape: a bare list of event elements.
type LegacyFormat struct {
	Elements []StatusElement `json:"elements"`
}

// StatusElement is one upstream event fragment.
type StatusElement struct {
	Kind      string          `json:"kind"`
	Timestamp float64         `json:"timestamp"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload"`
}

// ParseStatusDocument decodes a raw upstream status response into the tagged
// union. A document carrying a status field is the new form, regardless of
// whether elements are also present; a document with only elements is legacy.
func ParseStatusDocument(data []byte) (StatusDocument, error) {
	var probe struct {
		Status   *string         `json:"status"`
		Elements json.RawMessage `json:"elements"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return StatusDocument{}, fmt.Errorf("parsing status document: %w", err)
	}

	if probe.Status != nil {
		var nf NewFormat
		if err := json.Unmarshal(data, &nf); err != nil {
			return StatusDocument{}, fmt.Errorf("parsing new-format status: %w", err)
		}
		return StatusDocument{New: &nf}, nil
	}

	var lf LegacyFormat
	if err := json.Unmarshal(data, &lf); err != nil {
		return StatusDocument{}, fmt.Errorf("parsing legacy-format status: %w", err)
	}
	return StatusDocument{Legacy: &lf}, nil
}

// Phase maps the document to an execution phase. The mapping is total:
// anything unrecognized is treated as still running rather than guessing
// completion.
func (d StatusDocument) Phase() Phase {
	switch {
	case d.New != nil:
		return d.New.phase()
	case d.Legacy != nil:
		return d.Legacy.phase()
	default:
		return PhaseRunning
	}
}

func (nf *NewFormat) phase() Phase {
	switch strings.ToLower(nf.Status) {
	case "finished", "completed", "done", "success":
		return PhaseFinished
	case "error", "failed", "crashed":
		return PhaseError
	case "starting", "pending", "queued":
		if nf.Final != "" {
			return PhaseFinished
		}
		return PhaseStarting
	case "running", "active", "in_progress":
		if nf.Final != "" {
			return PhaseFinished
		}
		return PhaseRunning
	default:
		if nf.Final != "" {
			return PhaseFinished
		}
		if nf.Error != "" {
			return PhaseError
		}
		return PhaseRunning
	}
}

func (lf *LegacyFormat) phase() Phase {
	sawError := false
	for _, el := range lf.Elements {
		switch strings.ToLower(el.Kind) {
		case "final", "result":
			return PhaseFinished
		case "error", "crash", "failed":
			sawError = true
		}
	}
	if sawError {
		return PhaseError
	}
	return PhaseRunning
}

// FinalResult returns the final output payload when the document carries one.
// New-format documents hold it in the final field as a JSON-encoded string;
// legacy documents hold it in a final-kinded element.
func (d StatusDocument) FinalResult() (json.RawMessage, bool) {
	if d.New != nil && d.New.Final != "" {
		return normalizeFinal(d.New.Final), true
	}
	if d.Legacy != nil {
		for i := len(d.Legacy.Elements) - 1; i >= 0; i-- {
			el := d.Legacy.Elements[i]
			kind := strings.ToLower(el.Kind)
			if kind == "final" || kind == "result" {
				if len(el.Payload) > 0 {
					return el.Payload, true
				}
				return normalizeFinal(el.Message), true
			}
		}
	}
	return nil, false
}

// normalizeFinal keeps valid JSON as-is and quotes anything else so the
// stored result is always a JSON value.
func normalizeFinal(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

// Events converts the document's elements into the run domain's event log.
func (d StatusDocument) Events() []run.Event {
	var elements []StatusElement
	switch {
	case d.New != nil:
		elements = d.New.Members
	case d.Legacy != nil:
		elements = d.Legacy.Elements
	}

	events := make([]run.Event, 0, len(elements))
	for _, el := range elements {
		var ts time.Time
		if el.Timestamp > 0 {
			sec := int64(el.Timestamp)
			nsec := int64((el.Timestamp - float64(sec)) * float64(time.Second))
			ts = time.Unix(sec, nsec).UTC()
		}
		events = append(events, run.Event{
			Timestamp: ts,
			Kind:      el.Kind,
			Message:   el.Message,
			Raw:       el.Payload,
		})
	}
	return events
}
