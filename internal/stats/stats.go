// Package stats aggregates pipeline outcome events for the /stats command
// and the periodic operator digest.
package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"affibot/internal/eventbus"
)

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Since            time.Time
	Forwarded        int64
	Duplicates       int64
	Dropped          int64
	Alerts           int64
	ShortenFallbacks int64
	LastForward      time.Time
}

// Format renders the snapshot as a short operator-facing report.
func (s Snapshot) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "since %s\n", s.Since.Format(time.RFC3339))
	fmt.Fprintf(&b, "forwarded: %d\n", s.Forwarded)
	fmt.Fprintf(&b, "duplicates skipped: %d\n", s.Duplicates)
	fmt.Fprintf(&b, "dropped: %d\n", s.Dropped)
	fmt.Fprintf(&b, "shortener fallbacks: %d\n", s.ShortenFallbacks)
	fmt.Fprintf(&b, "alerts sent: %d", s.Alerts)
	if !s.LastForward.IsZero() {
		fmt.Fprintf(&b, "\nlast forward: %s", s.LastForward.Format(time.RFC3339))
	}
	return b.String()
}

// Collector consumes bus events and keeps running totals. Events may be
// dropped under load, so totals are best-effort.
type Collector struct {
	mu   sync.Mutex
	snap Snapshot
}

func New() *Collector {
	return &Collector{snap: Snapshot{Since: time.Now()}}
}

// Run subscribes to bus and aggregates until ctx is done. Intended to run
// under the supervisor.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.record(e)
		}
	}
}

func (c *Collector) record(e eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.Type {
	case eventbus.TypeForwarded:
		c.snap.Forwarded++
		c.snap.LastForward = e.Time
	case eventbus.TypeDuplicate:
		c.snap.Duplicates++
	case eventbus.TypeDropped:
		c.snap.Dropped++
	case eventbus.TypeAlerted:
		c.snap.Alerts++
	case eventbus.TypeShortenFallback:
		c.snap.ShortenFallbacks++
	}
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}
