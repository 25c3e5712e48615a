package collab

import (
	"sort"
	"sync"
	"time"

	"canvas-collab/core"
)

// Registry maps canvas ids to their live Room. At most one Room exists per id;
// the registry mutex is always taken before any room mutex.
type Registry struct {
	mu              sync.Mutex
	rooms           map[string]*Room
	now             func() time.Time
	defaultCapacity int
}

type RegistryOption func(*Registry)

func WithClock(now func() time.Time) RegistryOption {
	return func(g *Registry) { g.now = now }
}

// WithDefaultCapacity sets the capacity used when a caller passes none.
func WithDefaultCapacity(n int) RegistryOption {
	return func(g *Registry) {
		if n > 0 {
			g.defaultCapacity = n
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	g := &Registry{
		rooms:           make(map[string]*Room),
		now:             time.Now,
		defaultCapacity: 10,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Registry) capacityOrDefault(capacity int) int {
	if capacity < 1 {
		return g.defaultCapacity
	}
	return capacity
}

// GetOrCreate returns the room for canvasID, creating it when absent. The
// capacity of an existing room is updated to the given value.
func (g *Registry) GetOrCreate(canvasID string, capacity int) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, _ := g.getOrCreateLocked(canvasID, g.capacityOrDefault(capacity))
	return room
}

func (g *Registry) getOrCreateLocked(canvasID string, capacity int) (*Room, bool) {
	if room, ok := g.rooms[canvasID]; ok {
		room.setCapacity(capacity)
		return room, false
	}
	room := newRoom(canvasID, capacity, g.now)
	g.rooms[canvasID] = room
	return room, true
}

// Join obtains the room and admits a participant in one critical section, so a
// concurrent ReleaseIfEmpty or Sweep cannot discard the room between the two steps.
// A room created for a join that then fails is discarded again. The participant
// is admitted pending and receives no broadcasts until the room activates it.
func (g *Registry) Join(canvasID string, capacity int, conn Conn, displayName string, role core.Role) (*Room, Participant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, created := g.getOrCreateLocked(canvasID, g.capacityOrDefault(capacity))
	p, err := room.admit(conn, displayName, role, true)
	if err != nil {
		if created {
			delete(g.rooms, canvasID)
			room.markClosed()
		}
		return nil, Participant{}, err
	}
	return room, p, nil
}

func (g *Registry) Get(canvasID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[canvasID]
	return room, ok
}

// ReleaseIfEmpty removes the room when it has neither participants nor locks.
// It reports whether a room was removed and is a no-op otherwise.
func (g *Registry) ReleaseIfEmpty(canvasID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[canvasID]
	if !ok {
		return false
	}

	room.mu.Lock()
	empty := room.emptyLocked()
	if empty {
		room.closed = true
	}
	room.mu.Unlock()

	if !empty {
		return false
	}
	delete(g.rooms, canvasID)
	return true
}

// Sweep removes and closes every room idle for longer than threshold, whether
// or not participants remain, and returns them. Closing their connections is
// up to the caller.
func (g *Registry) Sweep(threshold time.Duration) []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-threshold)
	var swept []*Room
	for id, room := range g.rooms {
		if room.closeIfIdle(cutoff) {
			delete(g.rooms, id)
			swept = append(swept, room)
		}
	}
	sort.Slice(swept, func(i, j int) bool { return swept[i].id < swept[j].id })
	return swept
}

// Rooms returns the live rooms ordered by id.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}
