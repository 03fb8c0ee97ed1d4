// Package eventbus decouples the forwarding pipeline from its observers:
// the stats aggregator and the digest scheduler subscribe, the pipeline
// publishes outcomes.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Outcome event types published by the pipeline.
const (
	TypeForwarded       = "forwarded"
	TypeDuplicate       = "duplicate"
	TypeDropped         = "dropped"
	TypeAlerted         = "alerted"
	TypeShortenFallback = "shorten_fallback"
	TypeFlushed         = "flushed"
)

// Event is a small in-memory signal.
//
// Contract: Publish never blocks and slow subscribers drop events, so
// observers must tolerate gaps.
type Event struct {
	Type string
	Time time.Time
	// Keys carries the product keys involved, when the event has any.
	Keys []string
	// Detail is a short human-readable note for digests and logs.
	Detail string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so sends happen without holding the lock.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A subscriber may unsubscribe concurrently and close its channel;
		// recover covers the send-on-closed race.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
