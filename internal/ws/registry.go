// Package ws carries the push side of a shard node: the process-local
// connection registry and the websocket clients bound into it. The registry
// is owned by exactly one shard-node process and is never shared with the
// gateway or other replicas; the read path is the fallback for anything a
// push misses.
package ws

import "sync"

// Registry maps a user id to its one live push channel. A new registration
// for the same user replaces the old entry; the replaced channel is not
// closed here, its own pumps tear it down when the connection dies.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[int64]*Client),
	}
}

func (r *Registry) Bind(userID int64, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[userID] = c
}

// Remove drops whatever entry points at c. The scan is linear in registry
// size, which is bounded by the users concurrently connected to this shard.
func (r *Registry) Remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, registered := range r.clients {
		if registered == c {
			delete(r.clients, userID)
		}
	}
}

// Push enqueues a payload for userID's channel. Returns false when the user
// is not connected or the channel cannot accept the payload; callers treat
// either as a non-event.
func (r *Registry) Push(userID int64, payload []byte) bool {
	r.mu.RLock()
	c, ok := r.clients[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(payload)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
