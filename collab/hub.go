package collab

import (
	"sync"
	"time"

	"canvas-collab/core"
	"canvas-collab/metrics"

	"github.com/sirupsen/logrus"
)

// Hub wires access control, the room registry, the router and the presence
// mirror together and hands out one Session per connection.
type Hub struct {
	access    *Access
	rooms     *Registry
	router    *Router
	mirror    *mirror
	metrics   *metrics.Metrics
	now       func() time.Time
	closeOnce sync.Once

	cursorRateLimit int
	idleThreshold   time.Duration
	lockIdleTimeout time.Duration
}

type HubOption func(*Hub)

func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithRegistry replaces the default registry, mainly so tests can control its clock.
func WithRegistry(r *Registry) HubOption {
	return func(h *Hub) { h.rooms = r }
}

func WithCursorRateLimit(perSecond int) HubOption {
	return func(h *Hub) { h.cursorRateLimit = perSecond }
}

func WithIdleThreshold(d time.Duration) HubOption {
	return func(h *Hub) { h.idleThreshold = d }
}

func WithLockIdleTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.lockIdleTimeout = d }
}

func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

func NewHub(store core.Store, opts ...HubOption) *Hub {
	h := &Hub{
		access:          NewAccess(store),
		now:             time.Now,
		cursorRateLimit: 24,
		idleThreshold:   10 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.rooms == nil {
		h.rooms = NewRegistry()
	}
	h.router = NewRouter(h.metrics)
	h.mirror = newMirror(store)
	return h
}

func (h *Hub) Registry() *Registry { return h.rooms }

// Connect starts tracking a new connection in the Connecting state.
func (h *Hub) Connect(conn Conn) *Session {
	return &Session{
		hub:    h,
		conn:   conn,
		state:  StateConnecting,
		cursor: newWindowLimiter(2*h.cursorRateLimit, time.Second, h.now),
		log:    logrus.WithField("conn", conn.ID()),
	}
}

// SweepResult summarises one maintenance pass.
type SweepResult struct {
	RoomsSwept   int
	LocksExpired int
}

// Sweep reaps rooms idle past the threshold, closing any connections they still
// hold, and releases locks of idle holders when lock expiry is enabled.
func (h *Hub) Sweep() SweepResult {
	var res SweepResult

	for _, room := range h.rooms.Sweep(h.idleThreshold) {
		roster := room.Roster()
		conns := room.markClosed()
		ids := make([]string, 0, len(roster))
		for _, p := range roster {
			ids = append(ids, p.ID)
		}

		logrus.WithFields(logrus.Fields{
			"canvas_id":    room.ID(),
			"participants": len(roster),
			"idle_since":   room.LastActivity(),
		}).Info("Reaping idle room")

		for _, conn := range conns {
			if h.router.Unicast(conn, Event{Type: EventRoomClosed, Data: RoomClosed{Reason: "idle"}}) {
				go func(c Conn) {
					_ = c.Close()
				}(conn)
			}
		}
		h.mirror.roomGone(room.ID(), ids)
		res.RoomsSwept++
	}

	if h.lockIdleTimeout > 0 {
		for _, room := range h.rooms.Rooms() {
			for _, item := range room.ExpireIdleLocks(h.lockIdleTimeout) {
				logrus.WithFields(logrus.Fields{"canvas_id": room.ID(), "item_id": item}).Info("Releasing idle lock")
				h.router.Announce(room, Event{Type: EventLockReleased, Data: LockReleased{ItemID: item}}, "")
				res.LocksExpired++
			}
		}
	}

	h.metrics.RoomsSwept(res.RoomsSwept)
	h.metrics.LocksExpired(res.LocksExpired)
	h.metrics.SetRooms(h.rooms.Len())
	return res
}

type RoomInfo struct {
	ID           string    `json:"id"`
	Participants int       `json:"participants"`
	Capacity     int       `json:"capacity"`
	Locks        int       `json:"locks"`
	LastActive   time.Time `json:"lastActive"`
}

// Rooms describes every live room.
func (h *Hub) Rooms() []RoomInfo {
	rooms := h.rooms.Rooms()
	infos := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, RoomInfo{
			ID:           room.ID(),
			Participants: room.Len(),
			Capacity:     room.Capacity(),
			Locks:        len(room.Locks()),
			LastActive:   room.LastActivity(),
		})
	}
	return infos
}

// Close flushes the presence mirror. Sessions still open keep working in memory.
func (h *Hub) Close() {
	h.closeOnce.Do(h.mirror.close)
}
