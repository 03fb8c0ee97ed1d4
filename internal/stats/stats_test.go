package stats

import (
	"strings"
	"testing"
	"time"

	"affibot/internal/eventbus"
)

func TestRecordAndSnapshot(t *testing.T) {
	c := New()
	now := time.Now()
	c.record(eventbus.Event{Type: eventbus.TypeForwarded, Time: now})
	c.record(eventbus.Event{Type: eventbus.TypeForwarded, Time: now.Add(time.Second)})
	c.record(eventbus.Event{Type: eventbus.TypeDuplicate})
	c.record(eventbus.Event{Type: eventbus.TypeDropped})
	c.record(eventbus.Event{Type: eventbus.TypeShortenFallback})
	c.record(eventbus.Event{Type: eventbus.TypeAlerted})
	c.record(eventbus.Event{Type: "unknown"})

	s := c.Snapshot()
	if s.Forwarded != 2 || s.Duplicates != 1 || s.Dropped != 1 ||
		s.ShortenFallbacks != 1 || s.Alerts != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if !s.LastForward.Equal(now.Add(time.Second)) {
		t.Fatalf("last forward = %v", s.LastForward)
	}
}

func TestFormat(t *testing.T) {
	c := New()
	c.record(eventbus.Event{Type: eventbus.TypeForwarded, Time: time.Now()})
	out := c.Snapshot().Format()
	for _, want := range []string{"forwarded: 1", "duplicates skipped: 0", "last forward:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("format missing %q:\n%s", want, out)
		}
	}
}
