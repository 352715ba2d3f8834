// Package events fans domain events out to one-way consumers (notification,
// analytics, printing). The core never blocks on a consumer: publishing is
// buffered and drops on overflow rather than stalling a commit path.
package events

import (
	"log"
	"sync"
	"time"
)

const (
	TypeProductLowStock       = "ProductLowStock"
	TypeSaleCommitted         = "SaleCommitted"
	TypeCountVarianceDetected = "CountVarianceDetected"
)

type Event struct {
	Type       string
	EntityID   string
	OccurredAt time.Time
	Detail     map[string]any
}

type Handler func(Event)

type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	once     sync.Once
}

func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 256
	}
	b := &Bus{
		queue: make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for all events. Handlers run sequentially on
// the dispatch goroutine; slow handlers delay other handlers, not publishers.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish never blocks. If the buffer is full the event is dropped with a
// warning; consumers are advisory, not part of the transaction.
func (b *Bus) Publish(evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	select {
	case b.queue <- evt:
	default:
		log.Printf("[events] WARN: dropping %s event for %s: queue full", evt.Type, evt.EntityID)
	}
}

func (b *Bus) Close() error {
	b.once.Do(func() {
		close(b.done)
	})
	return nil
}

func (b *Bus) dispatch() {
	for {
		select {
		case evt := <-b.queue:
			b.mu.RLock()
			handlers := b.handlers
			b.mu.RUnlock()
			for _, h := range handlers {
				h(evt)
			}
		case <-b.done:
			return
		}
	}
}
