package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
)

// Topic is a typed event channel name. Publishing and subscribing go through
// the same Topic value so payload types cannot drift.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic carrying payloads of type T.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name.
func (t Topic[T]) Name() string {
	return t.name
}

// subscription is one registered handler.
type subscription struct {
	id      int
	handler func(any)
}

// Bus is a synchronous in-process pub/sub. Each handler runs in its own
// recover scope, so a panicking subscriber neither breaks other subscribers
// nor the publishing call.
//
// A nil *Bus is valid and drops everything.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   int
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		logger:   logger.With("component", "eventbus"),
		handlers: make(map[string][]subscription),
	}
}

// Subscribe registers fn for topic and returns a function removing it.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) func() {
	if b == nil {
		return func() {}
	}

	wrapped := func(payload any) {
		if v, ok := payload.(T); ok {
			fn(v)
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic.name] = append(b.handlers[topic.name], subscription{id: id, handler: wrapped})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic.name, id) })
	}
}

// Publish delivers payload to every subscriber of topic, in subscription
// order, and returns how many handlers completed without panicking.
func Publish[T any](b *Bus, topic Topic[T], payload T) int {
	if b == nil {
		return 0
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[topic.name]))
	copy(subs, b.handlers[topic.name])
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if b.deliver(topic.name, sub, payload) {
			delivered++
		}
	}
	return delivered
}

// SubscriberCount returns the number of handlers on a topic name.
func (b *Bus) SubscriberCount(name string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}

// Reset removes every subscription.
func (b *Bus) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.handlers = make(map[string][]subscription)
	b.mu.Unlock()
}

func (b *Bus) deliver(name string, sub subscription, payload any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event handler panicked",
				"topic", name,
				"subscription", sub.id,
				"panic", fmt.Sprint(r),
			)
			ok = false
		}
	}()
	sub.handler(payload)
	return true
}

func (b *Bus) remove(name string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[name]
	for i, sub := range subs {
		if sub.id == id {
			b.handlers[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[name]) == 0 {
		delete(b.handlers, name)
	}
}
