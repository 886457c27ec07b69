// Package protocol defines the line-delimited JSON event stream emitted by
// training processes on stdout, one event per line.
package protocol

import "time"

// EventType discriminates runner events via the "type" field.
type EventType string

const (
	EventLog      EventType = "log"
	EventMetric   EventType = "metric"
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
	EventArtifact EventType = "artifact"
	EventDevice   EventType = "device"
)

// knownTypes gates parsing; unknown types are skipped, not failed, so a
// newer runner can emit event kinds an older supervisor ignores.
var knownTypes = map[EventType]bool{
	EventLog:      true,
	EventMetric:   true,
	EventProgress: true,
	EventStatus:   true,
	EventArtifact: true,
	EventDevice:   true,
}

// Terminal status values a runner may report in a status event.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Event is a single runner event. Only the fields for the given Type are
// populated; the rest stay at their zero values.
type Event struct {
	Type EventType `json:"type"`

	// log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// metric
	Key   string  `json:"key,omitempty"`
	Value float64 `json:"value,omitempty"`
	Step  int64   `json:"step,omitempty"`

	// progress
	Current int64 `json:"current,omitempty"`
	Total   int64 `json:"total,omitempty"`

	// status; ErrorDetail carries the runner's failure description.
	State       string `json:"state,omitempty"`
	ErrorDetail string `json:"error,omitempty"`

	// artifact; SHA256 is the digest the runner computed over the file.
	Path   string `json:"path,omitempty"`
	Kind   string `json:"kind,omitempty"`
	SHA256 string `json:"sha256,omitempty"`

	// device
	Name string `json:"name,omitempty"`

	Timestamp time.Time `json:"ts,omitempty"`
}
