package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func next(t *testing.T, s *Subscription) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("next on %s: %v", s.Topic(), err)
	}
	return msg
}

func TestPublishMatchesExactWildcardAndPrefix(t *testing.T) {
	b := New()
	exact := b.Subscribe("jobs:gpu", 0)
	all := b.Subscribe(Wildcard, 0)
	prefix := b.Subscribe("jobs:*", 0)
	other := b.Subscribe("jobs:cpu", 0)

	if n := b.Publish("jobs:gpu", "payload", "tester"); n != 3 {
		t.Fatalf("expected 3 deliveries got %d", n)
	}
	for _, s := range []*Subscription{exact, all, prefix} {
		msg := next(t, s)
		if msg.Payload != "payload" || msg.Publisher != "tester" || msg.Topic != "jobs:gpu" {
			t.Fatalf("unexpected message on %s: %+v", s.Topic(), msg)
		}
	}
	if _, ok := other.TryNext(); ok {
		t.Fatalf("jobs:cpu subscriber should not receive jobs:gpu")
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	b := New()
	b.Publish("jobs:gpu", 1, "p")
	late := b.Subscribe("jobs:gpu", 0)
	if _, ok := late.TryNext(); ok {
		t.Fatalf("late subscriber received a message published before it subscribed")
	}
	b.Publish("jobs:gpu", 2, "p")
	if msg := next(t, late); msg.Payload != 2 {
		t.Fatalf("expected payload 2 got %v", msg.Payload)
	}
}

func TestOrderingAndCloseIsolation(t *testing.T) {
	b := New()
	a := b.Subscribe("t", 0)
	c := b.Subscribe("t", 0)
	for i := 0; i < 5; i++ {
		b.Publish("t", i, "p")
	}
	a.Close()
	for i := 0; i < 5; i++ {
		if msg := next(t, c); msg.Payload != i {
			t.Fatalf("expected %d got %v", i, msg.Payload)
		}
	}
	if _, err := a.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed got %v", err)
	}
	if b.Subscribers() != 1 {
		t.Fatalf("expected one live subscriber, got %d", b.Subscribers())
	}
	if n := b.Publish("t", "after", "p"); n != 1 {
		t.Fatalf("expected one delivery after close, got %d", n)
	}
}

func TestListenersSeeEveryPublish(t *testing.T) {
	b := New()
	var seen []string
	b.AddListener(func(m Message) { seen = append(seen, m.Topic) })
	b.Publish("a", nil, "p")
	b.Publish("b:c", nil, "p")
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b:c" {
		t.Fatalf("listener saw %v", seen)
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	b := New()
	s := b.Subscribe("t", 2)
	b.Publish("t", 1, "p")
	b.Publish("t", 2, "p")
	b.Publish("t", 3, "p")
	if s.Dropped() != 1 {
		t.Fatalf("expected one drop got %d", s.Dropped())
	}
	if msg := next(t, s); msg.Payload != 2 {
		t.Fatalf("expected oldest surviving payload 2 got %v", msg.Payload)
	}
}

func TestNextHonoursContext(t *testing.T) {
	b := New()
	s := b.Subscribe("t", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded got %v", err)
	}
}
