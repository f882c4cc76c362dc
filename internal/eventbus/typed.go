package eventbus

import "fmt"

// Topic publishes and consumes payloads of a single type on one topic.
type Topic[T any] struct {
	bus  EventBus
	name string
	key  func(T) string
}

// NewTopic binds a typed topic to bus. key selects the ordering key of a
// payload.
func NewTopic[T any](bus EventBus, name string, key func(T) string) *Topic[T] {
	return &Topic[T]{bus: bus, name: name, key: key}
}

// Publish sends v.
func (t *Topic[T]) Publish(v T) error {
	return t.bus.Publish(&Event{Topic: t.name, Key: t.key(v), Payload: v})
}

// Subscribe registers fn for every payload of the topic.
func (t *Topic[T]) Subscribe(fn func(T) error) error {
	return t.bus.Subscribe(t.name, func(event *Event) error {
		v, ok := event.Payload.(T)
		if !ok {
			return fmt.Errorf("eventbus: topic %s: unexpected payload %T", t.name, event.Payload)
		}
		return fn(v)
	})
}
