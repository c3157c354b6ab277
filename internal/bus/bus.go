// Package bus is the in-process topic publish/subscribe substrate.
//
// Topics are plain strings. A subscription to Wildcard receives every message, and a
// subscription ending in ":*" receives every topic sharing its prefix. Delivery is
// at-most-once per subscriber, in publish order, and only while subscribed.
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Wildcard subscribes to every topic.
const Wildcard = "*"

// DefaultBuffer bounds the pending queue of a subscription.
const DefaultBuffer = 1024

var ErrClosed = errors.New("subscription closed")

// Message is a single published payload.
type Message struct {
	Seq         uint64
	Topic       string
	Publisher   string
	Payload     any
	PublishedAt time.Time
}

// Listener observes every publish synchronously, independent of subscriptions.
type Listener func(Message)

// Bus fans messages out to subscribers.
type Bus struct {
	mu        sync.RWMutex
	exact     map[string]map[uint64]*Subscription
	prefixes  map[string]map[uint64]*Subscription
	listeners []Listener
	nextID    uint64
	seq       atomic.Uint64
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{
		exact:    make(map[string]map[uint64]*Subscription),
		prefixes: make(map[string]map[uint64]*Subscription),
	}
}

// AddListener registers a process-wide listener.
func (b *Bus) AddListener(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Subscribe registers interest in topic. A buffer <= 0 uses DefaultBuffer.
// When the buffer is full the oldest pending message is dropped.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		topic:  topic,
		bus:    b,
		limit:  buffer,
		notify: make(chan struct{}, 1),
	}
	index, key := b.exact, topic
	if prefix, ok := prefixOf(topic); ok {
		index, key = b.prefixes, prefix
	}
	if index[key] == nil {
		index[key] = make(map[uint64]*Subscription)
	}
	index[key][sub.id] = sub
	return sub
}

// Publish delivers payload to every matching subscriber and returns how many received it.
func (b *Bus) Publish(topic string, payload any, publisher string) int {
	msg := Message{
		Seq:         b.seq.Add(1),
		Topic:       topic,
		Publisher:   publisher,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.exact[topic]))
	for _, s := range b.exact[topic] {
		targets = append(targets, s)
	}
	if topic != Wildcard {
		for _, s := range b.exact[Wildcard] {
			targets = append(targets, s)
		}
	}
	for prefix, subs := range b.prefixes {
		if !strings.HasPrefix(topic, prefix) {
			continue
		}
		for _, s := range subs {
			targets = append(targets, s)
		}
	}
	listeners := append([]Listener(nil), b.listeners...)
	// Enqueue under the read lock so Close cannot race a half-finished fan-out.
	delivered := 0
	for _, s := range targets {
		if s.push(msg) {
			delivered++
		}
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		l(msg)
	}
	return delivered
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.exact {
		n += len(subs)
	}
	for _, subs := range b.prefixes {
		n += len(subs)
	}
	return n
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	index, key := b.exact, s.topic
	if prefix, ok := prefixOf(s.topic); ok {
		index, key = b.prefixes, prefix
	}
	delete(index[key], s.id)
	if len(index[key]) == 0 {
		delete(index, key)
	}
}

func prefixOf(topic string) (string, bool) {
	if topic != Wildcard && strings.HasSuffix(topic, ":*") {
		return strings.TrimSuffix(topic, "*"), true
	}
	return "", false
}

// Subscription is a consumer handle yielding messages in publish order.
type Subscription struct {
	id     uint64
	topic  string
	bus    *Bus
	limit  int
	notify chan struct{}

	mu      sync.Mutex
	queue   []Message
	closed  bool
	dropped uint64
}

// Topic returns the registered topic or pattern.
func (s *Subscription) Topic() string { return s.topic }

// Dropped counts messages discarded because the buffer overflowed.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending returns the number of queued messages.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) push(msg Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until a message is available, the context ends, or the subscription closes.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Message{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// TryNext returns the next queued message without blocking.
func (s *Subscription) TryNext() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Message{}, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

// Close detaches the subscription. Pending messages are discarded.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.bus.remove(s)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
