package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	h := NewHub(16)

	ch, cancel := h.Subscribe(Filter{})
	defer cancel()

	h.Publish(TypeRunStarted, "r1", map[string]string{"run_id": "r1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeRunStarted || ev.RunID != "r1" || ev.ID != 1 {
			t.Fatalf("event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeFiltersByRun(t *testing.T) {
	t.Parallel()
	h := NewHub(16)

	ch, cancel := h.Subscribe(Filter{RunID: "r2"})
	defer cancel()

	h.Publish(TypeRunLog, "r1", nil)
	h.Publish(TypeRunLog, "r2", nil)

	select {
	case ev := <-ch:
		if ev.RunID != "r2" {
			t.Fatalf("leaked event for run %q", ev.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	h := NewHub(16)

	ch, cancel := h.Subscribe(Filter{Types: []string{TypeRunMetric}})
	defer cancel()

	h.Publish(TypeRunLog, "r1", nil)
	h.Publish(TypeRunMetric, "r1", nil)

	select {
	case ev := <-ch:
		if ev.Type != TypeRunMetric {
			t.Fatalf("leaked event type %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	h := NewHub(16)

	_, cancel := h.Subscribe(Filter{})
	defer cancel()

	// Overfill the subscriber channel; Publish must not stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(TypeRunLog, "r1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSnapshotSince(t *testing.T) {
	t.Parallel()
	h := NewHub(8)

	for i := 0; i < 5; i++ {
		h.Publish(TypeRunLog, "r1", nil)
	}

	all := h.SnapshotSince(0, Filter{})
	if len(all) != 5 {
		t.Fatalf("snapshot size = %d, want 5", len(all))
	}
	tail := h.SnapshotSince(all[2].ID, Filter{})
	if len(tail) != 2 {
		t.Fatalf("tail size = %d, want 2", len(tail))
	}
	if tail[0].ID <= all[2].ID {
		t.Fatal("snapshot should only include newer events")
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	t.Parallel()
	h := NewHub(4)

	for i := 0; i < 10; i++ {
		h.Publish(TypeRunLog, "r1", nil)
	}
	snap := h.SnapshotSince(0, Filter{})
	if len(snap) != 4 {
		t.Fatalf("snapshot size = %d, want 4", len(snap))
	}
	if snap[0].ID != 7 || snap[3].ID != 10 {
		t.Fatalf("ring window: first=%d last=%d", snap[0].ID, snap[3].ID)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()
	h := NewHub(4)

	ch, cancel := h.Subscribe(Filter{})
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
}
