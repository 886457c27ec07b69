package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrUnknownType marks a well-formed event whose type this build does not
// understand. Callers skip these lines.
var ErrUnknownType = errors.New("unknown event type")

// ParseLine decodes one stdout line. Three outcomes:
//   - a JSON object with a known "type" parses into that event
//   - a JSON object with an unknown "type" returns ErrUnknownType
//   - anything else becomes an info-level log event carrying the raw line
//
// Plain print statements in a training script therefore still land in the
// run's log stream instead of being lost.
func ParseLine(line string) (*Event, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, errors.New("empty line")
	}

	if strings.HasPrefix(trimmed, "{") {
		var ev Event
		if err := json.Unmarshal([]byte(trimmed), &ev); err == nil && ev.Type != "" {
			if !knownTypes[ev.Type] {
				return nil, ErrUnknownType
			}
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}
			if ev.Type == EventLog && ev.Level == "" {
				ev.Level = "INFO"
			}
			return &ev, nil
		}
	}

	return PlainLogEvent(trimmed, "INFO"), nil
}

// PlainLogEvent wraps a raw output line as a log event. The supervisor uses
// ERROR for stderr lines and INFO for unstructured stdout.
func PlainLogEvent(line, level string) *Event {
	return &Event{
		Type:      EventLog,
		Level:     level,
		Message:   line,
		Timestamp: time.Now().UTC(),
	}
}

// EncodeLine renders an event as a single JSON line without the trailing
// newline. Used for the on-disk event buffer and the SSE stream.
func EncodeLine(ev *Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
