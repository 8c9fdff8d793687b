package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber buffer used when Subscribe is
// called with a non-positive size.
const DefaultBufferSize = 256

// Publisher is the send side of the bus. Publish never blocks and never fails.
type Publisher interface {
	Publish(ev Event)
}

type BusOption func(*Bus)

func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// Bus fans events out to every live subscriber. A subscriber whose buffer is
// full misses the event; the producer is never held up.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	bufferSize int

	totalPublished atomic.Int64
	totalDropped   atomic.Int64
}

var _ Publisher = (*Bus)(nil)

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type Subscription struct {
	C <-chan Event

	ch   chan Event
	bus  *Bus
	once sync.Once
}

// Close detaches the subscription and closes C. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
		s.bus.mu.Unlock()
	})
}

// Subscribe registers a new receiver. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = b.bufferSize
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.totalPublished.Add(1)
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.totalDropped.Add(1)
		}
	}
}

// Close detaches and closes every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

type BusStats struct {
	Subscribers    int   `json:"subscribers"`
	TotalPublished int64 `json:"total_published"`
	TotalDropped   int64 `json:"total_dropped"`
}

func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return BusStats{
		Subscribers:    n,
		TotalPublished: b.totalPublished.Load(),
		TotalDropped:   b.totalDropped.Load(),
	}
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
