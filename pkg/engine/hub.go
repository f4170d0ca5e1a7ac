package engine

import (
	"context"

	"gyrolink/pkg/protocol"
)

// Hub fans session events out to subscribers. A subscriber that falls
// behind loses events instead of stalling the publisher.
type Hub struct {
	broadcast  chan protocol.Event
	register   chan chan protocol.Event
	unregister chan chan protocol.Event
	clients    map[chan protocol.Event]struct{}
	clientBuf  int
	done       chan struct{}
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan protocol.Event, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan protocol.Event, 256),
		register:   make(chan chan protocol.Event),
		unregister: make(chan chan protocol.Event),
		clients:    make(map[chan protocol.Event]struct{}),
		clientBuf:  100,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves the hub until ctx ends. Events already queued are delivered
// before every subscriber channel is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.flush()
			for ch := range h.clients {
				close(ch)
			}
			h.clients = nil
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) flush() {
	for {
		select {
		case ev := <-h.broadcast:
			h.deliver(ev)
		default:
			return
		}
	}
}

func (h *Hub) deliver(ev protocol.Event) {
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) Subscribe() chan protocol.Event {
	return h.SubscribeWithBuffer(h.clientBuf)
}

// SubscribeWithBuffer registers a new subscriber. After the hub stopped it
// returns an already closed channel.
func (h *Hub) SubscribeWithBuffer(size int) chan protocol.Event {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan protocol.Event, size)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch chan protocol.Event) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish queues ev for delivery. It blocks only while the broadcast
// buffer is full and returns immediately once the hub has stopped.
func (h *Hub) Publish(ev protocol.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}
