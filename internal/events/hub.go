package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Engine event types published on the hub.
const (
	TypeRunStarted   = "run-started"
	TypeRunLog       = "run-log"
	TypeRunMetric    = "run-metric"
	TypeRunProgress  = "run-progress"
	TypeRunStatus    = "run-status"
	TypeRunArtifact  = "run-artifact"
	TypeRunDevice    = "run-device"
	TypeRunError     = "run-error"
	TypeRunCompleted = "run-completed"
)

type Event struct {
	ID    int64     `json:"id"`
	Type  string    `json:"type"`
	RunID string    `json:"run_id,omitempty"`
	At    time.Time `json:"at"`
	Data  []byte    `json:"data"` // JSON payload
}

// Filter narrows a subscription or snapshot. Zero value matches everything.
type Filter struct {
	RunID string
	Types []string
}

func (f Filter) matches(ev Event) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

func (h *Hub) Publish(eventType, runID string, data any) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:    id,
		Type:  eventType,
		RunID: runID,
		At:    time.Now().UTC(),
		Data:  payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		// Don't let slow clients block the supervisor.
		select {
		case sub.ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a consumer for events matching the filter. The
// returned cancel func must be called exactly once.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{ch: ch, filter: filter}

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID matching the
// filter, oldest-first. lastID 0 returns the full buffered window.
func (h *Hub) SnapshotSince(lastID int64, filter Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID && filter.matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
