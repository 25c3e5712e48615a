package collab

import (
	"sort"
	"sync"
	"time"

	"canvas-collab/core"
)

// Conn is one client connection as seen by the collaboration core. Send must not
// block; a queue that cannot take the event reports an error instead.
type Conn interface {
	ID() string
	Send(ev Event) error
	Close() error
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Participant struct {
	ID          string    `json:"participantId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Role        core.Role `json:"role"`
	Cursor      *Point    `json:"cursor,omitempty"`
	Selection   *string   `json:"selection,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

func (p Participant) clone() Participant {
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		p.Selection = &s
	}
	return p
}

type member struct {
	Participant
	conn Conn
	// pending members are admitted but have not been sent their joined
	// message yet, so broadcasts skip them.
	pending bool
}

// Room is the live state of one canvas: who is here and who holds which item.
// Every mutation happens under mu; callers never do I/O while holding it.
type Room struct {
	id  string
	now func() time.Time

	mu           sync.Mutex
	capacity     int
	participants map[string]*member
	locks        map[string]string
	lastActivity time.Time
	closed       bool
}

func newRoom(id string, capacity int, now func() time.Time) *Room {
	return &Room{
		id:           id,
		now:          now,
		capacity:     capacity,
		participants: make(map[string]*member),
		locks:        make(map[string]string),
		lastActivity: now(),
	}
}

func (r *Room) ID() string { return r.id }

// Admit adds a participant for conn. It fails with ErrRoomFull at capacity.
func (r *Room) Admit(conn Conn, displayName string, role core.Role) (Participant, error) {
	return r.admit(conn, displayName, role, false)
}

func (r *Room) admit(conn Conn, displayName string, role core.Role, pending bool) (Participant, error) {
	if !role.Valid() {
		return Participant{}, invalid("unknown role " + string(role))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Participant{}, ErrRoomClosed
	}
	if len(r.participants) >= r.capacity {
		return Participant{}, ErrRoomFull
	}

	now := r.now()
	id := ParticipantID(conn.ID(), now)
	if _, exists := r.participants[id]; exists {
		return Participant{}, ErrAlreadyJoined
	}

	m := &member{
		Participant: Participant{
			ID:          id,
			DisplayName: normalizeDisplayName(displayName),
			Color:       ColorFor(id),
			Role:        role,
			JoinedAt:    now,
			LastSeenAt:  now,
		},
		conn:    conn,
		pending: pending,
	}
	r.participants[id] = m
	r.lastActivity = now
	return m.Participant.clone(), nil
}

// activate hands a pending participant its room snapshot through welcome and
// makes it a broadcast recipient, both under the room mutex. Any broadcast
// that skipped the participant changed state before the snapshot was taken,
// and any later one is queued behind welcome. welcome must only call the
// non-blocking Conn.Send. It reports false when the participant is gone or
// the room was closed in the meantime.
func (r *Room) activate(id string, welcome func(roster []Participant, locks map[string]string)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[id]
	if !ok || r.closed {
		return false
	}
	welcome(r.rosterLocked(), r.locksLocked())
	m.pending = false
	return true
}

func (r *Room) UpdateCursor(id string, x, y float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	m, ok := r.participants[id]
	if !ok {
		return ErrNotJoined
	}
	m.Cursor = &Point{X: x, Y: y}
	r.touchLocked(m)
	return nil
}

// UpdateSelection sets or, with a nil itemID, clears the participant's selection.
func (r *Room) UpdateSelection(id string, itemID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	m, ok := r.participants[id]
	if !ok {
		return ErrNotJoined
	}
	if itemID == nil {
		m.Selection = nil
	} else {
		sel := *itemID
		m.Selection = &sel
	}
	r.touchLocked(m)
	return nil
}

// Remove drops the participant and force-releases every lock it held, returning
// the released item ids in sorted order.
func (r *Room) Remove(id string) (Participant, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[id]
	if !ok {
		return Participant{}, nil, ErrNotJoined
	}
	released := r.forceReleaseAllLocked(id)
	delete(r.participants, id)
	r.lastActivity = r.now()
	return m.Participant.clone(), released, nil
}

// Acquire grants requester an exclusive lock on itemID. It never waits.
func (r *Room) Acquire(itemID, requester string) error {
	if itemID == "" {
		return invalid("item id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	m, ok := r.participants[requester]
	if !ok {
		return ErrNotJoined
	}
	if m.Role != core.RoleEdit {
		return ErrRoleForbidden
	}
	if holder, held := r.locks[itemID]; held {
		if holder == requester {
			r.touchLocked(m)
			return nil
		}
		return ErrAlreadyLocked
	}
	r.locks[itemID] = requester
	r.touchLocked(m)
	return nil
}

// Release frees itemID if requester currently holds it.
func (r *Room) Release(itemID, requester string) error {
	if itemID == "" {
		return invalid("item id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	m, ok := r.participants[requester]
	if !ok {
		return ErrNotJoined
	}
	if holder, held := r.locks[itemID]; !held || holder != requester {
		return ErrNotHolder
	}
	delete(r.locks, itemID)
	r.touchLocked(m)
	return nil
}

// ForceReleaseAll frees every lock held by participantID regardless of the holder check.
func (r *Room) ForceReleaseAll(participantID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forceReleaseAllLocked(participantID)
}

func (r *Room) forceReleaseAllLocked(participantID string) []string {
	var released []string
	for item, holder := range r.locks {
		if holder == participantID {
			delete(r.locks, item)
			released = append(released, item)
		}
	}
	sort.Strings(released)
	return released
}

// ExpireIdleLocks releases locks whose holder has been silent longer than timeout.
func (r *Room) ExpireIdleLocks(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	var released []string
	for item, holder := range r.locks {
		m, ok := r.participants[holder]
		if !ok || m.LastSeenAt.Before(cutoff) {
			delete(r.locks, item)
			released = append(released, item)
		}
	}
	sort.Strings(released)
	return released
}

func (r *Room) touchLocked(m *member) {
	now := r.now()
	m.LastSeenAt = now
	r.lastActivity = now
}

// Roster returns a copy of all participants ordered by join time.
func (r *Room) Roster() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() []Participant {
	roster := make([]Participant, 0, len(r.participants))
	for _, m := range r.participants {
		roster = append(roster, m.Participant.clone())
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].ID < roster[j].ID
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster
}

func (r *Room) Participant(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return m.Participant.clone(), true
}

// Locks returns a copy of the item → holder map.
func (r *Room) Locks() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locksLocked()
}

func (r *Room) locksLocked() map[string]string {
	locks := make(map[string]string, len(r.locks))
	for k, v := range r.locks {
		locks[k] = v
	}
	return locks
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func (r *Room) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// setCapacity applies the latest share configuration. Lowering it below the
// current head count only blocks new admits.
func (r *Room) setCapacity(capacity int) {
	r.mu.Lock()
	r.capacity = capacity
	r.mu.Unlock()
}

// recipients snapshots the connections to deliver to, skipping exclude and
// pending participants. A closed room has no recipients.
func (r *Room) recipients(exclude string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	conns := make([]Conn, 0, len(r.participants))
	for id, m := range r.participants {
		if id == exclude || m.pending {
			continue
		}
		conns = append(conns, m.conn)
	}
	return conns
}

// closeIfIdle closes the room when it has been idle since before cutoff.
func (r *Room) closeIfIdle(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastActivity.Before(cutoff) {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) emptyLocked() bool {
	return len(r.participants) == 0 && len(r.locks) == 0
}

// markClosed stops the room from admitting and returns the connections still in it.
func (r *Room) markClosed() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	conns := make([]Conn, 0, len(r.participants))
	for _, m := range r.participants {
		conns = append(conns, m.conn)
	}
	return conns
}
