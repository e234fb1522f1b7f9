package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a state transition or log line published by the scheduler loop.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events; Subscription.Dropped reports how many,
//     so an observer can resynchronize from a full snapshot.
//
// Data must be JSON-serializable; it is written to observers verbatim.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) *Subscription
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
	cancel  func()
}

// Dropped returns the number of events that were discarded because the
// subscriber's buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*Subscription{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		// A concurrent Close may close the channel under us; recover from
		// the resulting send-on-closed panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				s.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)
	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub
}
