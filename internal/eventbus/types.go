package eventbus

// Event is one message on the bus. Events with the same Key are delivered
// in publish order.
type Event struct {
	Topic   string `json:"topic"`
	Key     string `json:"key"`
	Payload any    `json:"payload"`

	// closed by the partition once every earlier event has been handled
	barrier chan struct{}
}

// Handler processes one event.
type Handler func(event *Event) error

// partition is one ordered consumer queue.
type partition struct {
	id    int
	queue chan *Event
}
