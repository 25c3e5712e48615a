package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle position of one connection.
type State int

const (
	StateConnecting State = iota
	StateJoined
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session drives one connection through Connecting → Joined → Active → Closed.
// Its methods are serialized by mu, which is never held by anyone else, so a
// connection's own events apply in the order the transport delivers them.
type Session struct {
	hub    *Hub
	conn   Conn
	cursor *windowLimiter
	log    *logrus.Entry

	mu            sync.Mutex
	state         State
	room          *Room
	participantID string

	// cursorPending is set when the latest stored cursor was not relayed.
	cursorPending bool
	cursorFlush   *time.Timer
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ParticipantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantID
}

// Dispatch decodes and applies one inbound event. decode fills the typed payload
// for the event; gateways supply it for their own wire format.
func (s *Session) Dispatch(ctx context.Context, eventType string, decode func(v any) error) error {
	switch eventType {
	case EventJoin:
		var req JoinRequest
		if err := decode(&req); err != nil {
			s.rejectJoin(invalid("malformed join request"), 0)
			return err
		}
		return s.Join(ctx, req)
	case EventCursorMove:
		var req CursorMove
		if err := decode(&req); err != nil {
			return invalid("malformed cursor move")
		}
		return s.MoveCursor(req.X, req.Y)
	case EventSelectionSet:
		var req SelectionSet
		if err := decode(&req); err != nil {
			return invalid("malformed selection")
		}
		return s.SetSelection(req.ItemID)
	case EventLockAcquire:
		var req LockRequest
		if err := decode(&req); err != nil {
			return invalid("malformed lock request")
		}
		return s.AcquireLock(req.ItemID)
	case EventLockRelease:
		var req LockRequest
		if err := decode(&req); err != nil {
			return invalid("malformed lock request")
		}
		return s.ReleaseLock(req.ItemID)
	default:
		s.log.WithField("event", eventType).Debug("Ignoring unknown event")
		return invalid("unknown event " + eventType)
	}
}

// Join authorizes the request, admits the participant, unicasts the roster to
// the joiner and announces the joiner to everyone else. A rejected join leaves
// the session in Connecting so the client may retry with corrected credentials.
func (s *Session) Join(ctx context.Context, req JoinRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrNotJoined
	case StateJoined, StateActive:
		s.rejectJoin(ErrAlreadyJoined, 0)
		return ErrAlreadyJoined
	}

	h := s.hub
	log := s.log.WithField("canvas_id", req.CanvasID)

	grant, err := h.access.Authorize(ctx, req.CanvasID, req.LinkToken, req.AccessCode)
	if err != nil {
		if ReasonOf(err) == ReasonUnavailable {
			log.WithError(err).Error("Failed to load share configuration")
		} else {
			log.WithField("reason", ReasonOf(err)).Info("Join rejected")
		}
		s.rejectJoin(err, 0)
		return err
	}

	room, p, err := h.rooms.Join(req.CanvasID, grant.Share.MaxParticipants, s.conn, req.DisplayName, grant.Role)
	if err != nil {
		capacity := 0
		if errors.Is(err, ErrRoomFull) {
			capacity = grant.Share.MaxParticipants
			if r, ok := h.rooms.Get(req.CanvasID); ok {
				capacity = r.Capacity()
			}
		}
		log.WithField("reason", ReasonOf(err)).Info("Join rejected")
		s.rejectJoin(err, capacity)
		return err
	}

	s.state = StateJoined
	s.room = room
	s.participantID = p.ID
	s.log = log.WithField("participant_id", p.ID)

	welcomed := room.activate(p.ID, func(roster []Participant, locks map[string]string) {
		h.router.Unicast(s.conn, Event{Type: EventJoined, Data: Joined{
			ParticipantID:   p.ID,
			Role:            p.Role,
			Roster:          roster,
			Locks:           locks,
			ShareConfig:     grant.Share.Public(),
			CursorRateLimit: h.cursorRateLimit,
		}})
	})
	if !welcomed {
		// swept between admit and activation
		s.state = StateConnecting
		s.room = nil
		s.participantID = ""
		s.log = log
		s.rejectJoin(ErrRoomClosed, 0)
		return ErrRoomClosed
	}
	h.router.Announce(room, Event{Type: EventParticipantJoined, Data: ParticipantJoined{Participant: p}}, p.ID)
	s.state = StateActive

	h.mirror.joined(room.ID(), p)
	h.metrics.JoinAttempt("ok")
	h.metrics.ParticipantJoined()
	h.metrics.SetRooms(h.rooms.Len())
	s.log.WithFields(logrus.Fields{"role": p.Role, "display_name": p.DisplayName}).Info("Participant joined")
	return nil
}

func (s *Session) rejectJoin(err error, maxParticipants int) {
	reason := ReasonOf(err)
	if reason == "" {
		reason = ReasonInvalidRequest
	}
	s.hub.metrics.JoinAttempt(string(reason))
	s.hub.router.Unicast(s.conn, Event{Type: EventJoinError, Data: JoinError{
		Reason:          reason,
		MaxParticipants: maxParticipants,
	}})
}

// MoveCursor records the cursor and relays it to the other participants.
// The stored cursor is always the latest one. Relays beyond the per-connection
// budget are dropped, and the latest position is relayed once the window ends.
func (s *Session) MoveCursor(x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return ErrNotJoined
	}
	if err := s.room.UpdateCursor(s.participantID, x, y); err != nil {
		return err
	}
	if !s.cursor.Allow() {
		s.hub.metrics.CursorDropped()
		s.cursorPending = true
		if s.cursorFlush == nil {
			s.cursorFlush = time.AfterFunc(s.cursor.Remaining(), s.flushCursor)
		}
		return nil
	}
	s.cursorPending = false
	s.announceCursor(x, y)
	return nil
}

// flushCursor relays the stored cursor if a relay was dropped since the last one.
func (s *Session) flushCursor() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursorFlush = nil
	if s.state != StateActive || !s.cursorPending {
		return
	}
	s.cursorPending = false
	p, ok := s.room.Participant(s.participantID)
	if !ok || p.Cursor == nil {
		return
	}
	s.announceCursor(p.Cursor.X, p.Cursor.Y)
}

func (s *Session) announceCursor(x, y float64) {
	s.hub.router.Announce(s.room, Event{Type: EventCursorUpdated, Data: CursorUpdated{
		ParticipantID: s.participantID,
		X:             x,
		Y:             y,
	}}, s.participantID)
}

// SetSelection records the selection (nil clears it) and relays it to the others.
func (s *Session) SetSelection(itemID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return ErrNotJoined
	}
	if err := s.room.UpdateSelection(s.participantID, itemID); err != nil {
		return err
	}
	s.hub.router.Announce(s.room, Event{Type: EventSelectionUpdated, Data: SelectionUpdated{
		ParticipantID: s.participantID,
		ItemID:        itemID,
	}}, s.participantID)
	return nil
}

// AcquireLock asks for an exclusive lock on itemID. A grant is announced to the
// whole room including the requester; a denial goes to the requester only.
func (s *Session) AcquireLock(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		s.denyLock("acquire", itemID, ErrNotJoined)
		return ErrNotJoined
	}
	if err := s.room.Acquire(itemID, s.participantID); err != nil {
		s.denyLock("acquire", itemID, err)
		return err
	}
	s.hub.metrics.LockRequest("acquire", "ok")
	s.hub.router.Announce(s.room, Event{Type: EventLockGranted, Data: LockGranted{
		ItemID: itemID,
		Holder: s.participantID,
	}}, "")
	return nil
}

// ReleaseLock frees itemID if this session holds it.
func (s *Session) ReleaseLock(itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		s.denyLock("release", itemID, ErrNotJoined)
		return ErrNotJoined
	}
	if err := s.room.Release(itemID, s.participantID); err != nil {
		s.denyLock("release", itemID, err)
		return err
	}
	s.hub.metrics.LockRequest("release", "ok")
	s.hub.router.Announce(s.room, Event{Type: EventLockReleased, Data: LockReleased{ItemID: itemID}}, "")
	return nil
}

func (s *Session) denyLock(op, itemID string, err error) {
	reason := ReasonOf(err)
	s.hub.metrics.LockRequest(op, string(reason))
	s.log.WithFields(logrus.Fields{"op": op, "item_id": itemID, "reason": reason}).Debug("Lock request denied")
	s.hub.router.Unicast(s.conn, Event{Type: EventLockDenied, Data: LockDenied{ItemID: itemID, Reason: reason}})
}

// Close is the implicit leave for a dropped transport. The participant is
// removed (its locks force-released), the room is released if now empty, and
// the rest of the room hears participantLeft followed by one lockReleased per
// freed item. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	wasActive := s.state == StateActive
	s.state = StateClosed
	if s.cursorFlush != nil {
		s.cursorFlush.Stop()
		s.cursorFlush = nil
	}
	if !wasActive {
		return
	}

	h := s.hub
	room := s.room
	swept := room.Closed()

	p, released, err := room.Remove(s.participantID)
	if err != nil {
		s.log.WithError(err).Warn("Participant already gone on close")
		return
	}
	if h.rooms.ReleaseIfEmpty(room.ID()) {
		s.log.Info("Released empty room")
	}

	h.router.Announce(room, Event{Type: EventParticipantLeft, Data: ParticipantLeft{ParticipantID: p.ID}}, "")
	for _, item := range released {
		h.router.Announce(room, Event{Type: EventLockReleased, Data: LockReleased{ItemID: item}}, "")
	}

	if !swept {
		h.mirror.left(room.ID(), p.ID)
	}
	h.metrics.ParticipantLeft()
	h.metrics.SetRooms(h.rooms.Len())
	s.log.WithField("locks_released", len(released)).Info("Participant left")
}
