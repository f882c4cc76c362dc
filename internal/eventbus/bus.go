// Package eventbus is an in-memory, partitioned event bus. Keys are mapped
// to partitions with a consistent hash ring, so all events of one key are
// handled in order by a single goroutine.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus: closed")

// EventBus routes published events to the handler subscribed to their topic.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler) error
	Flush(ctx context.Context) error
	Close() error
	GetStats() *Stats
}

// Stats is a snapshot of bus counters.
type Stats struct {
	PublishedCount int64 `json:"published"`
	ProcessedCount int64 `json:"processed"`
	FailedCount    int64 `json:"failed"`
	PartitionCount int   `json:"partitions"`
	QueuedCount    []int `json:"queued"`
}

// InMemoryEventBus implements EventBus with one goroutine per partition.
type InMemoryEventBus struct {
	partitions     []*partition
	partitionNodes []string
	hashRing       *hashring.HashRing
	logger         *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]Handler
	closed      bool
	wg          sync.WaitGroup

	publishedCount int64
	processedCount int64
	failedCount    int64
}

// NewInMemoryEventBus starts a bus with partitionCount partitions, each
// buffering up to queueSize events.
func NewInMemoryEventBus(partitionCount, queueSize int, logger *slog.Logger) *InMemoryEventBus {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	bus := &InMemoryEventBus{
		partitions:     make([]*partition, partitionCount),
		partitionNodes: make([]string, partitionCount),
		logger:         logger.With("component", "eventbus"),
		subscribers:    make(map[string]Handler),
	}

	for i := 0; i < partitionCount; i++ {
		bus.partitionNodes[i] = "partition-" + strconv.Itoa(i)
	}
	bus.hashRing = hashring.New(bus.partitionNodes)

	for i := 0; i < partitionCount; i++ {
		bus.partitions[i] = &partition{
			id:    i,
			queue: make(chan *Event, queueSize),
		}
		bus.wg.Add(1)
		go bus.runPartition(bus.partitions[i])
	}
	return bus
}

// Publish queues event on its key's partition. It never blocks; a full
// partition is reported as an error.
func (b *InMemoryEventBus) Publish(event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	id := b.partitionID(event.Key)
	select {
	case b.partitions[id].queue <- event:
		atomic.AddInt64(&b.publishedCount, 1)
		return nil
	default:
		return fmt.Errorf("eventbus: partition %d queue is full", id)
	}
}

// Subscribe sets the handler for topic, replacing any earlier one.
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.subscribers[topic] = handler
	b.logger.Debug("subscribed", "topic", topic)
	return nil
}

// Flush waits until every event published before the call has been handled.
// It must not be called from a handler.
func (b *InMemoryEventBus) Flush(ctx context.Context) error {
	barriers := make([]chan struct{}, 0, len(b.partitions))

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	for _, p := range b.partitions {
		done := make(chan struct{})
		select {
		case p.queue <- &Event{barrier: done}:
			barriers = append(barriers, done)
		case <-ctx.Done():
			b.mu.RUnlock()
			return ctx.Err()
		}
	}
	b.mu.RUnlock()

	for _, done := range barriers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting events and waits for the queued ones to be handled.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Debug("event bus closed")
	return nil
}

// GetStats returns a snapshot of the bus counters.
func (b *InMemoryEventBus) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: atomic.LoadInt64(&b.publishedCount),
		ProcessedCount: atomic.LoadInt64(&b.processedCount),
		FailedCount:    atomic.LoadInt64(&b.failedCount),
		PartitionCount: len(b.partitions),
		QueuedCount:    make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}
	return stats
}

// partitionID maps key onto a partition through the hash ring.
func (b *InMemoryEventBus) partitionID(key string) int {
	node, ok := b.hashRing.GetNode(key)
	if !ok {
		return 0
	}
	for i, n := range b.partitionNodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (b *InMemoryEventBus) handler(topic string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.subscribers[topic]
	return h, ok
}

func (b *InMemoryEventBus) runPartition(p *partition) {
	defer b.wg.Done()

	for event := range p.queue {
		if event.barrier != nil {
			close(event.barrier)
			continue
		}

		h, ok := b.handler(event.Topic)
		if !ok {
			b.logger.Debug("no handler for topic", "topic", event.Topic)
			continue
		}
		if err := h(event); err != nil {
			atomic.AddInt64(&b.failedCount, 1)
			b.logger.Error("failed to handle event", "partition", p.id, "topic", event.Topic, "key", event.Key, "error", err)
			continue
		}
		atomic.AddInt64(&b.processedCount, 1)
	}
}
