// Package eventbus is a small in-memory pub/sub bus. The scoring service
// uses it to decouple heartbeat adjudication from websocket broadcast: the
// handler publishes a verdict event and returns; the hub fans it out.
package eventbus

import (
	"context"
	"sync"
)

// Topics published by the scoring service.
const (
	TopicThreatUpdate  = "threat.update"
	TopicSessionLocked = "session.locked"
)

// Event is one message on the bus. SessionToken scopes delivery-side
// routing; Payload is topic-specific.
type Event struct {
	Topic        string
	SessionToken string
	Payload      any
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber receives events for the topics it declares.
type Subscriber interface {
	Handle(ctx context.Context, evt Event)
	Topics() []string
}

// Bus is an in-memory, asynchronous Publisher. Events are dispatched from a
// single loop goroutine; each subscriber runs on its own goroutine so a slow
// consumer cannot stall the bus.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]Subscriber
	queue chan Event
	stop  chan struct{}
	done  chan struct{}
}

// NewBus constructs a Bus with the given queue depth and starts its
// dispatch loop.
func NewBus(buffer int) *Bus {
	b := &Bus{
		subs:  make(map[string][]Subscriber),
		queue: make(chan Event, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stop:
			return
		}
	}
}

// Close stops the dispatch loop. Queued but undelivered events are dropped.
func (b *Bus) Close() {
	close(b.stop)
	<-b.done
}

// Register adds a subscriber for all of its declared topics.
func (b *Bus) Register(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.Topics() {
		b.subs[t] = append(b.subs[t], sub)
	}
}

// Publish enqueues an event, blocking only when the queue is full.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[evt.Topic]...)
	b.mu.RUnlock()
	for _, s := range subs {
		go s.Handle(context.Background(), evt)
	}
}
