package events

import "sync"

// Publisher is the producer side of the progress channel.
type Publisher interface {
	// Publish delivers a notification to the observer without blocking.
	// It reports whether the notification was accepted.
	Publish(n Notification) bool
}

// Bus is a multi-producer, single-consumer notification channel. Publish
// never blocks: when the buffer is full or the bus is closed the
// notification is dropped. Notifications from a single producer arrive in
// publish order.
type Bus struct {
	mu     sync.RWMutex
	ch     chan Notification
	closed bool
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus with the given buffer capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 64
	}
	return &Bus{ch: make(chan Notification, capacity)}
}

// Publish implements Publisher.
func (b *Bus) Publish(n Notification) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}

	select {
	case b.ch <- n:
		return true
	default:
		return false
	}
}

// Notifications returns the consumer side of the bus.
func (b *Bus) Notifications() <-chan Notification {
	return b.ch
}

// Close stops the bus. Publishes after Close are dropped; the consumer
// channel drains and then closes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
