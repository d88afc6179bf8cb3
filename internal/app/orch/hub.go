package orch

import (
	"sync"

	"github.com/dkeye/TutorRTC/internal/domain"
)

// Hub tracks the live connections of every owner.
type Hub struct {
	mu     sync.RWMutex
	owners map[domain.OwnerID]map[*Connection]struct{}
}

func NewHub() *Hub {
	return &Hub{owners: make(map[domain.OwnerID]map[*Connection]struct{})}
}

func (h *Hub) Add(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.owners[c.Owner]
	if !ok {
		set = make(map[*Connection]struct{})
		h.owners[c.Owner] = set
	}
	set[c] = struct{}{}
}

// Remove drops c and returns how many connections its owner still has.
func (h *Hub) Remove(c *Connection) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.owners[c.Owner]
	if !ok {
		return 0
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.owners, c.Owner)
		return 0
	}
	return len(set)
}

func (h *Hub) Of(owner domain.OwnerID) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.owners[owner]
	out := make([]*Connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) All() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Connection
	for _, set := range h.owners {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.owners {
		n += len(set)
	}
	return n
}
