// Package sse streams routing changes to browser tooling as Server-Sent
// Events, so a page can notice when the proxy rules it depends on change.
package sse

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SnapshotFunc returns the current routing state sent as a "routes" event.
type SnapshotFunc func() any

const (
	defaultKeepaliveInterval = 15 * time.Second
	eventQueueSize           = 16
)

// sseEvent is an internal representation of a formatted SSE message ready to write.
type sseEvent struct {
	data []byte
}

// Broker manages SSE client connections and broadcasts published events.
type Broker struct {
	snapshot          SnapshotFunc
	logger            *slog.Logger
	events            chan Event
	clients           map[chan sseEvent]struct{}
	keepaliveInterval time.Duration
	mu                sync.Mutex
}

// NewBroker creates a new SSE broker.
func NewBroker(snapshot SnapshotFunc, logger *slog.Logger) *Broker {
	return newBrokerWithKeepalive(snapshot, logger, defaultKeepaliveInterval)
}

func newBrokerWithKeepalive(snapshot SnapshotFunc, logger *slog.Logger, keepaliveInterval time.Duration) *Broker {
	if keepaliveInterval <= 0 {
		keepaliveInterval = defaultKeepaliveInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		snapshot:          snapshot,
		logger:            logger,
		events:            make(chan Event, eventQueueSize),
		clients:           make(map[chan sseEvent]struct{}),
		keepaliveInterval: keepaliveInterval,
	}
}

// Publish queues evt for broadcast. It never blocks; when the queue is full
// the event is dropped.
func (b *Broker) Publish(evt Event) {
	if b == nil {
		return
	}
	select {
	case b.events <- evt:
	default:
		b.logger.Debug("SSE event queue full, dropping event", "type", evt.Type)
	}
}

// Run broadcasts published events to all connected clients.
// It blocks until the context is cancelled.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.closeAllClients()
			b.logger.Info("SSE broker stopped")
			return
		case evt := <-b.events:
			data, err := formatSSEEvent(evt.Type, evt.Payload)
			if err != nil {
				b.logger.Debug("failed to format SSE event", "error", err)
				continue
			}
			b.broadcast(sseEvent{data: data})
			b.logger.Debug("SSE event broadcast", "type", evt.Type)
		}
	}
}

func (b *Broker) closeAllClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
}

// broadcast sends an event to all connected clients using non-blocking sends.
func (b *Broker) broadcast(evt sseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- evt:
		default:
			// Client too slow, skip this event
		}
	}
}

func (b *Broker) addClient(ch chan sseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[ch] = struct{}{}
	b.logger.Debug("SSE client connected", "clients", len(b.clients))
}

func (b *Broker) removeClient(ch chan sseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, ch)
	b.logger.Debug("SSE client disconnected", "clients", len(b.clients))
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// ServeHTTP handles SSE connections: sets headers, sends the routes snapshot, and streams events.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Register client before sending the snapshot so no updates are missed.
	clientCh := make(chan sseEvent, 64)
	b.addClient(clientCh)
	defer b.removeClient(clientCh)

	initialData, err := formatSSEEvent(EventRoutes, b.snapshot())
	if err != nil {
		b.logger.Debug("failed to format routes event", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := writeAndFlush(w, flusher, initialData); err != nil {
		b.logger.Debug("failed to write routes event", "error", err)
		return
	}

	keepalive := time.NewTicker(b.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-clientCh:
			if !ok {
				// Channel closed by broker shutdown.
				return
			}
			if err := writeAndFlush(w, flusher, evt.data); err != nil {
				b.logger.Debug("failed to write SSE event", "error", err)
				return
			}
			keepalive.Reset(b.keepaliveInterval)
		case <-keepalive.C:
			if err := writeAndFlush(w, flusher, formatKeepalive()); err != nil {
				b.logger.Debug("failed to write keepalive", "error", err)
				return
			}
		}
	}
}

func writeAndFlush(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
