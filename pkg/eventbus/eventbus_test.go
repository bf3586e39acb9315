package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSub struct {
	topics []string

	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newCaptureSub(topics ...string) *captureSub {
	return &captureSub{topics: topics, notify: make(chan struct{}, 16)}
}

func (s *captureSub) Topics() []string { return s.topics }

func (s *captureSub) Handle(ctx context.Context, evt Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *captureSub) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		if len(s.events) >= n {
			out := append([]Event(nil), s.events...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
}

func TestPublishReachesTopicSubscribers(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	threat := newCaptureSub(TopicThreatUpdate)
	locked := newCaptureSub(TopicSessionLocked)
	bus.Register(threat)
	bus.Register(locked)

	require.NoError(t, bus.Publish(context.Background(), Event{
		Topic:        TopicThreatUpdate,
		SessionToken: "sess-1",
		Payload:      42,
	}))

	got := threat.wait(t, 1)
	require.Equal(t, "sess-1", got[0].SessionToken)
	require.Equal(t, 42, got[0].Payload)

	locked.mu.Lock()
	defer locked.mu.Unlock()
	require.Empty(t, locked.events, "other topics are not delivered")
}

func TestMultiTopicSubscriber(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	sub := newCaptureSub(TopicThreatUpdate, TopicSessionLocked)
	bus.Register(sub)

	require.NoError(t, bus.Publish(context.Background(), Event{Topic: TopicThreatUpdate}))
	require.NoError(t, bus.Publish(context.Background(), Event{Topic: TopicSessionLocked}))
	sub.wait(t, 2)
}

func TestPublishHonorsContext(t *testing.T) {
	bus := NewBus(0) // unbuffered, nothing draining after Close
	bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, Event{Topic: TopicThreatUpdate})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
