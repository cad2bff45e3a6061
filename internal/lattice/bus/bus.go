// Package bus is the process-wide event substrate. It carries two planes:
//
//   - Telemetry: synchronous emission of (event, measurements, metadata) to
//     registered handlers. Event names are dot-joined paths rooted at
//     "lattice" (e.g. "lattice.intent.transitioned"). Handlers run in the
//     caller's goroutine and must not block.
//   - Topic pub/sub: named string topics with typed messages. Delivery is
//     best-effort in-process, FIFO per subscriber per topic. A subscriber
//     that stops draining its channel is dropped from the subscription list
//     so a slow observer can never stall a publisher.
//
// Messages are tagged struct values defined by the producing packages;
// subscribers type-switch to multiplex several topics over one channel.
package bus

import (
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-subscription channel depth. Subscribers that fall
// this far behind are unsubscribed rather than blocking publishers.
const DefaultBuffer = 256

// TelemetryHandler receives every telemetry emission. Handlers must be fast
// and must not panic; a panicking handler is recovered and logged but stays
// registered.
type TelemetryHandler func(event string, measurements map[string]int64, metadata map[string]any)

// Bus is the shared event substrate. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription

	tmu      sync.RWMutex
	handlers []TelemetryHandler
}

// Subscription is a registration on one topic. Receive from C; call
// Unsubscribe when done. C is closed on unsubscribe and on forced drop.
type Subscription struct {
	topic string
	C     chan any
	bus   *Bus
	once  sync.Once
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]*Subscription)}
}

// Subscribe registers a new subscriber on topic with the default buffer.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeBuffered(topic, DefaultBuffer)
}

// SubscribeBuffered registers a new subscriber with an explicit buffer depth.
func (b *Bus) SubscribeBuffered(topic string, depth int) *Subscription {
	if depth <= 0 {
		depth = DefaultBuffer
	}
	sub := &Subscription{topic: topic, C: make(chan any, depth), bus: b}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.topic, s)
		close(s.C)
	})
}

// Topic returns the topic this subscription is registered on.
func (s *Subscription) Topic() string { return s.topic }

func (b *Bus) remove(topic string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, candidate := range subs {
		if candidate == sub {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}

// Publish delivers msg to every current subscriber of topic. Subscribers with
// a full buffer are dropped (their channel is closed) so the sequence any
// surviving subscriber observes is a prefix-preserving subsequence of what
// was published while it was subscribed.
func (b *Bus) Publish(topic string, msg any) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.C <- msg:
		default:
			slog.Warn("bus: dropping slow subscriber", "topic", topic)
			sub.Unsubscribe()
		}
	}
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// RegisterTelemetry adds a telemetry handler. Registration happens at init
// time; handlers are never removed during steady state.
func (b *Bus) RegisterTelemetry(h TelemetryHandler) {
	b.tmu.Lock()
	b.handlers = append(b.handlers, h)
	b.tmu.Unlock()
}

// Emit synchronously invokes every telemetry handler with the event path and
// its measurements/metadata. A panicking handler is recovered so telemetry
// can never take down the emitting subsystem.
func (b *Bus) Emit(event string, measurements map[string]int64, metadata map[string]any) {
	b.tmu.RLock()
	handlers := b.handlers
	b.tmu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus: telemetry handler panicked", "event", event, "panic", r)
				}
			}()
			h(event, measurements, metadata)
		}()
	}
}
