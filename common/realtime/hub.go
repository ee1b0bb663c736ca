package realtime

import (
	"log/slog"
	"sync"

	"github.com/leakhawk/leakhawk-stack/common/logging"
)

// Event is one message delivered to a live connection.
type Event struct {
	Name    string
	Payload []byte
}

// Conn is a live connection joined to one company's room.
type Conn struct {
	companyID string
	send      chan Event
}

// Events returns the connection's outbound queue.
func (c *Conn) Events() <-chan Event { return c.send }

// Hub tracks rooms of connections keyed by company.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Conn]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub whose connections buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		rooms:  make(map[string]map[*Conn]struct{}),
		buffer: buffer,
		logger: logging.Component("realtime-hub"),
	}
}

// Join adds a connection to the company's room.
func (h *Hub) Join(companyID string) *Conn {
	c := &Conn{companyID: companyID, send: make(chan Event, h.buffer)}
	h.mu.Lock()
	room, ok := h.rooms[companyID]
	if !ok {
		room = make(map[*Conn]struct{})
		h.rooms[companyID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Leave removes the connection and closes its queue.
func (h *Hub) Leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.companyID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.companyID)
	}
}

// Broadcast queues ev for every connection in the company's room and returns
// how many received it. Connections with a full queue miss the event.
func (h *Hub) Broadcast(companyID string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.rooms[companyID] {
		select {
		case c.send <- ev:
			delivered++
		default:
			h.logger.Warn("dropping event for slow connection", logging.CompanyID(companyID), slog.String("event", ev.Name))
		}
	}
	return delivered
}

// RoomSize returns the number of connections joined for a company.
func (h *Hub) RoomSize(companyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[companyID])
}
