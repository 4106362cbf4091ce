package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	domain "github.com/stockroom/api/internal/domain"
)

const defaultSubscriberBuffer = 16

// ErrHubClosed is returned by Subscribe once the hub has been closed.
var ErrHubClosed = errors.New("notify: hub closed")

// Hub fans status events out to in-process subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan domain.OrderStatusEvent
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[uint64]chan domain.OrderStatusEvent),
		buffer: buffer,
	}
}

// Subscribe registers a listener. The returned cancel func unregisters it and closes the
// channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan domain.OrderStatusEvent, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrHubClosed
	}
	id := h.nextID
	h.nextID++
	ch := make(chan domain.OrderStatusEvent, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel, nil
}

// PublishOrderStatus delivers the event to every subscriber with room in its buffer.
func (h *Hub) PublishOrderStatus(_ context.Context, event domain.OrderStatusEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers reports the number of active listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close disconnects every subscriber.
func (h *Hub) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	return nil
}
