package bus

import (
	"fmt"
	"sync"
	"time"

	"hearth/internal/logging"
)

// Event is a single published message on the bus.
type Event struct {
	Topic   string
	Payload any
	Time    time.Time
}

// Handler consumes one event. A returned error is recorded against the
// subscriber's system name; it never stops delivery to later subscribers.
type Handler func(Event) error

// ErrorRecorder receives subscriber failures. The error middleware satisfies
// this; the bus depends only on the narrow interface to avoid a cycle.
type ErrorRecorder interface {
	RecordError(system string, err error)
}

type subscription struct {
	system  string
	handler Handler
}

// Bus is the in-process publish/subscribe hub owned by the supervisor.
// Delivery is synchronous on the publisher's goroutine, in subscribe order.
// There is no persistence and no back-pressure.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]subscription
	recorder ErrorRecorder
	logger   logging.Logger
}

// New creates an empty bus.
func New(logger logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logging.OrNop(logger),
	}
}

// SetErrorRecorder wires the error middleware in after construction. The
// middleware itself publishes on the bus, so the two are linked post-hoc.
func (b *Bus) SetErrorRecorder(recorder ErrorRecorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorder = recorder
}

// Subscribe registers handler under the subscriber's system name.
// Unknown topics are rejected so typos surface at wiring time.
func (b *Bus) Subscribe(topic, system string, handler Handler) error {
	if !KnownTopic(topic) {
		return fmt.Errorf("subscribe to unregistered topic %q", topic)
	}
	if handler == nil {
		return fmt.Errorf("nil handler for topic %q", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{system: system, handler: handler})
	return nil
}

// Unsubscribe removes every handler registered under system for topic.
func (b *Bus) Unsubscribe(topic, system string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[topic][:0]
	for _, sub := range b.subs[topic] {
		if sub.system != system {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = kept
	}
}

// UnsubscribeAll removes every handler registered under system on any topic.
func (b *Bus) UnsubscribeAll(system string) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.subs))
	for topic := range b.subs {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		b.Unsubscribe(topic, system)
	}
}

// Publish delivers payload to every subscriber of topic, synchronously and in
// subscribe order. A failing subscriber is recorded and skipped over; the
// publisher never blocks on anything but its own subscribers' work.
func (b *Bus) Publish(topic string, payload any) error {
	if !KnownTopic(topic) {
		return fmt.Errorf("publish to unregistered topic %q", topic)
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	recorder := b.recorder
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload, Time: time.Now()}
	for _, sub := range subs {
		if err := b.deliver(sub, evt); err != nil {
			b.logger.Warn("subscriber %s failed on %s: %v", sub.system, topic, err)
			if recorder != nil {
				recorder.RecordError(sub.system, err)
			}
		}
	}
	return nil
}

func (b *Bus) deliver(sub subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.handler(evt)
}

// SubscriberCount returns the number of handlers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
