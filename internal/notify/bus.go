// Package notify is the in-process notification bus. Publishers never block:
// an event that does not fit in a subscriber's buffer is dropped for that
// subscriber and logged.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic names an event stream.
type Topic string

const (
	TopicApprovalPending  Topic = "approval.pending"
	TopicApprovalResolved Topic = "approval.resolved"
	TopicResearchComplete Topic = "research.complete"
	TopicResearchError    Topic = "research.error"
	TopicRiskChange       Topic = "alert.risk_change"
)

// Topics lists every topic the engine publishes.
var Topics = []Topic{
	TopicApprovalPending,
	TopicApprovalResolved,
	TopicResearchComplete,
	TopicResearchError,
	TopicRiskChange,
}

// Event is a single notification.
type Event struct {
	ID        string         `json:"id"`
	Topic     Topic          `json:"topic"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(e Event)
}

// DefaultBufferSize is used when the bus is created with a non-positive size.
const DefaultBufferSize = 64

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewBus creates a bus whose subscriptions buffer up to bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: bufferSize,
	}
}

// Subscription receives events for a set of topics.
type Subscription struct {
	bus    *Bus
	topics map[Topic]bool
	ch     chan Event
	once   sync.Once
}

// C returns the event channel. It is closed by Close or Bus.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s)
		close(s.ch)
	})
}

// Subscribe registers for the given topics, or every topic when none are given.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	s := &Subscription{
		bus:    b,
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Event, b.buffer),
	}
	for _, t := range topics {
		s.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.wants(e.Topic) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			zap.L().Warn("notify: subscriber buffer full, dropping event",
				zap.String("topic", string(e.Topic)),
				zap.String("event_id", e.ID),
			)
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
	}
}

// Sink receives events from the bus.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// Attach forwards events on the given topics to sink until ctx is done or the
// bus closes. The returned wait func blocks until the forwarder has exited.
func (b *Bus) Attach(ctx context.Context, sink Sink, topics ...Topic) (wait func()) {
	sub := b.Subscribe(topics...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C():
				if !ok {
					return
				}
				if err := sink.Deliver(ctx, e); err != nil {
					zap.L().Error("notify: sink delivery failed",
						zap.String("topic", string(e.Topic)),
						zap.Error(err),
					)
				}
			}
		}
	}()
	return func() { <-done }
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}
