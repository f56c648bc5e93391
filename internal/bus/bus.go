// SPDX-License-Identifier: MIT

// Package bus is the in-process pub/sub channel carrying link, sensor and
// session events between roomd components. It is not durable and offers no
// replay: a subscriber only sees events published after it subscribed.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/roomkit/roomd/internal/metrics"
)

// Kind identifies the event family.
type Kind string

const (
	KindLinkUp          Kind = "link_up"
	KindLinkDown        Kind = "link_down"
	KindLog             Kind = "log"
	KindSensor          Kind = "sensor"
	KindButton          Kind = "button"
	KindCommandResolved Kind = "command_resolved"
	KindSessionChanged  Kind = "session_changed"
	KindAuth            Kind = "auth"
)

// Event is an immutable, short-lived record published on the bus.
// Only the fields relevant to the Kind are set.
type Event struct {
	Kind Kind
	At   time.Time
	Raw  string // original wire line, when the event came off the link

	// Log / sensor / button frames
	Module string
	Text   string
	Sensor string
	Value  string

	// Command resolution
	CorrelationID string
	Err           string

	// Session lifecycle
	SessionID string
	Status    string
}

// Policy selects what Publish does when a subscriber's buffer is full.
type Policy int

const (
	// Drop discards the event for that subscriber and counts the drop.
	Drop Policy = iota
	// Block waits for buffer space, publish-context cancellation or the
	// subscriber closing.
	Block
)

// Bus fans events out to all current subscribers. Each subscriber owns a
// bounded buffer; the overflow policy is fixed at construction. Buffering is
// never unbounded, and no lock is held while delivering, so a slow subscriber
// can always still Close itself.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	buffer int
	policy Policy
	closed bool
}

// New creates a bus whose subscribers each get a buffer of the given size.
func New(buffer int, policy Policy) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{buffer: buffer, policy: policy}
}

// Subscribe registers a new subscriber and returns its event stream. The
// stream is lazy, infinite and non-restartable; Close it when done.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{b: b, ch: make(chan Event, b.buffer), quit: make(chan struct{})}
	b.mu.Lock()
	if b.closed {
		close(s.ch)
		s.done = true
	} else {
		b.subs = append(b.subs, s)
	}
	b.mu.Unlock()
	return s
}

// Publish delivers ev to every subscriber according to the overflow policy.
// With the Block policy the publish context bounds the wait. Delivery happens
// outside the bus lock; the in-flight counter taken under the lock is what
// lets Close wait for senders before closing the channel.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	for _, s := range subs {
		s.inflight.Add(1)
	}
	policy := b.policy
	b.mu.RUnlock()

	for _, s := range subs {
		s.send(ctx, ev, policy)
		s.inflight.Done()
	}
}

// Close terminates every subscriber stream. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	for _, s := range subs {
		s.done = true
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	b        *Bus
	ch       chan Event
	quit     chan struct{}
	inflight sync.WaitGroup
	done     bool // guarded by b.mu
}

// C returns the subscriber's event channel. It is closed when either the
// subscription or the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscriber, aborts any publish blocked on it and closes
// its channel.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	if s.done {
		s.b.mu.Unlock()
		return
	}
	s.done = true
	out := s.b.subs[:0]
	for _, c := range s.b.subs {
		if c != s {
			out = append(out, c)
		}
	}
	s.b.subs = out
	s.b.mu.Unlock()

	s.finish()
}

// finish aborts pending sends, waits them out and closes the channel. The
// subscription must already be detached so no new sends can start.
func (s *Subscription) finish() {
	close(s.quit)
	s.inflight.Wait()
	close(s.ch)
}

func (s *Subscription) send(ctx context.Context, ev Event, policy Policy) {
	switch policy {
	case Block:
		select {
		case s.ch <- ev:
			return
		case <-s.quit:
		case <-ctx.Done():
		}
	default:
		select {
		case s.ch <- ev:
			return
		default:
		}
	}
	metrics.IncBusDrop(string(ev.Kind))
}
