// Package ws streams platform events to WebSocket clients. Each client
// attaches its own bus subscription for the topic pattern it asked for, so
// event order — including per-trace order — is exactly the bus's publish
// order; the hub only tracks connection lifecycle.
package ws

import (
	"context"
	"sync"
)

// Hub tracks connected WebSocket clients so they can be counted and torn
// down together on shutdown. Event routing happens per-client through the
// client's own bus subscription, not through the hub.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// add registers a freshly upgraded client. Returns false when the hub is
// already shut down, in which case the caller closes the connection.
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.wg.Done()
	}
	h.mu.Unlock()
}

// ConnectedCount returns the current number of connected clients.
// Intended for metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every connected client and rejects new ones. It returns
// once every client's pumps have unwound or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
