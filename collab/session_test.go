package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"canvas-collab/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinBroadcastsRoster(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", core.ShareConfig{Enabled: true, Role: core.RoleEdit, LinkToken: "secret", AccessCode: "42", MaxParticipants: 5})

	alice := env.hub.Connect(newFakeConn("a"))
	aliceConn := alice.conn.(*fakeConn)
	require.NoError(t, alice.Join(context.Background(), JoinRequest{CanvasID: "C1", LinkToken: "secret", AccessCode: "42", DisplayName: "Alice"}))

	joined := aliceConn.Last(t, EventJoined).Data.(Joined)
	assert.Equal(t, alice.ParticipantID(), joined.ParticipantID)
	assert.Equal(t, core.RoleEdit, joined.Role)
	require.Len(t, joined.Roster, 1)
	assert.Equal(t, "Alice", joined.Roster[0].DisplayName)
	assert.Empty(t, joined.ShareConfig.LinkToken, "secrets never reach participants")
	assert.Empty(t, joined.ShareConfig.AccessCode)
	assert.Equal(t, 24, joined.CursorRateLimit)

	bobConn := newFakeConn("b")
	bob := env.hub.Connect(bobConn)
	require.NoError(t, bob.Join(context.Background(), JoinRequest{CanvasID: "C1", AccessCode: "42", DisplayName: "Bob"}))

	announced := aliceConn.Last(t, EventParticipantJoined).Data.(ParticipantJoined)
	assert.Equal(t, bob.ParticipantID(), announced.Participant.ID)
	assert.NotContains(t, bobConn.Types(), EventParticipantJoined, "joiner is not told about itself")

	roster := bobConn.Last(t, EventJoined).Data.(Joined).Roster
	require.Len(t, roster, 2)
	assert.Equal(t, alice.ParticipantID(), roster[0].ID)
}

func TestScenarioA_LockContention(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", editShare(5))
	p1, c1 := env.join(t, "C1", "p1")
	p2, c2 := env.join(t, "C1", "p2")

	require.NoError(t, p1.AcquireLock("card-1"))
	for _, c := range []*fakeConn{c1, c2} {
		granted := c.Last(t, EventLockGranted).Data.(LockGranted)
		assert.Equal(t, LockGranted{ItemID: "card-1", Holder: p1.ParticipantID()}, granted)
	}

	c1.Reset()
	err := p2.AcquireLock("card-1")
	assert.ErrorIs(t, err, ErrAlreadyLocked)
	assert.Equal(t, LockDenied{ItemID: "card-1", Reason: ReasonAlreadyLocked}, c2.Last(t, EventLockDenied).Data)
	assert.Empty(t, c1.Events(), "denials are not broadcast")
}

func TestScenarioB_ViewerCannotLock(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", core.ShareConfig{Enabled: true, Role: core.RoleView, MaxParticipants: 5})
	viewer, vc := env.join(t, "C1", "viewer")
	_, other := env.join(t, "C1", "other")
	other.Reset()

	err := viewer.AcquireLock("card-2")
	assert.ErrorIs(t, err, ErrRoleForbidden)
	assert.Equal(t, ReasonRoleForbidden, vc.Last(t, EventLockDenied).Data.(LockDenied).Reason)
	assert.Empty(t, other.Events())
}

func TestScenarioC_RoomFull(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C2", editShare(2))
	env.join(t, "C2", "p1")
	env.join(t, "C2", "p2")

	conn := newFakeConn("p3")
	s := env.hub.Connect(conn)
	err := s.Join(context.Background(), JoinRequest{CanvasID: "C2"})
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, JoinError{Reason: ReasonRoomFull, MaxParticipants: 2}, conn.Last(t, EventJoinError).Data)
	assert.Equal(t, StateConnecting, s.State())

	room, _ := env.hub.Registry().Get("C2")
	assert.Equal(t, 2, room.Len())
}

func TestScenarioD_DisconnectReleasesLocksAfterLeave(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", editShare(5))
	p1, _ := env.join(t, "C1", "p1")
	_, c2 := env.join(t, "C1", "p2")
	_, c3 := env.join(t, "C1", "p3")
	require.NoError(t, p1.AcquireLock("card-3"))
	leaverID := p1.ParticipantID()
	c2.Reset()
	c3.Reset()

	p1.Close()

	for _, c := range []*fakeConn{c2, c3} {
		events := c.Events()
		require.Len(t, events, 2)
		assert.Equal(t, Event{Type: EventParticipantLeft, Data: ParticipantLeft{ParticipantID: leaverID}}, events[0])
		assert.Equal(t, Event{Type: EventLockReleased, Data: LockReleased{ItemID: "card-3"}}, events[1])
	}

	room, ok := env.hub.Registry().Get("C1")
	require.True(t, ok)
	assert.Empty(t, room.Locks())
	assert.Equal(t, StateClosed, p1.State())
}

func TestScenarioE_WrongAccessCodeCreatesNoRoom(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C3", core.ShareConfig{Enabled: true, Role: core.RoleEdit, AccessCode: "1234", MaxParticipants: 5})

	conn := newFakeConn("p1")
	s := env.hub.Connect(conn)
	err := s.Join(context.Background(), JoinRequest{CanvasID: "C3", AccessCode: "9999"})

	assert.ErrorIs(t, err, ErrAccessCodeRequired)
	assert.Equal(t, JoinError{Reason: ReasonAccessCodeRequired}, conn.Last(t, EventJoinError).Data)
	_, ok := env.hub.Registry().Get("C3")
	assert.False(t, ok)
	assert.Equal(t, 0, env.hub.Registry().Len())

	// the same connection may retry with the right code
	require.NoError(t, s.Join(context.Background(), JoinRequest{CanvasID: "C3", AccessCode: "1234"}))
	assert.Equal(t, StateActive, s.State())
}

func TestJoinTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", editShare(5))
	s, conn := env.join(t, "C1", "p1")

	err := s.Join(context.Background(), JoinRequest{CanvasID: "C1"})
	assert.ErrorIs(t, err, ErrAlreadyJoined)
	assert.Equal(t, ReasonAlreadyJoined, conn.Last(t, EventJoinError).Data.(JoinError).Reason)
	room, _ := env.hub.Registry().Get("C1")
	assert.Equal(t, 1, room.Len())
}

func TestActionsBeforeJoin(t *testing.T) {
	env := newTestEnv(t)
	conn := newFakeConn("p1")
	s := env.hub.Connect(conn)

	assert.ErrorIs(t, s.MoveCursor(1, 2), ErrNotJoined)
	assert.ErrorIs(t, s.SetSelection(nil), ErrNotJoined)
	assert.ErrorIs(t, s.AcquireLock("card"), ErrNotJoined)
	assert.Equal(t, ReasonNotJoined, conn.Last(t, EventLockDenied).Data.(LockDenied).Reason)

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Join(context.Background(), JoinRequest{CanvasID: "C1"}), ErrNotJoined)
}

func TestCursorAndSelectionRelay(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", editShare(5))
	p1, c1 := env.join(t, "C1", "p1")
	_, c2 := env.join(t, "C1", "p2")
	c1.Reset()

	require.NoError(t, p1.MoveCursor(3, 4))
	assert.Equal(t, CursorUpdated{ParticipantID: p1.ParticipantID(), X: 3, Y: 4}, c2.Last(t, EventCursorUpdated).Data)

	item := "card-1"
	require.NoError(t, p1.SetSelection(&item))
	sel := c2.Last(t, EventSelectionUpdated).Data.(SelectionUpdated)
	require.NotNil(t, sel.ItemID)
	assert.Equal(t, "card-1", *sel.ItemID)

	require.NoError(t, p1.SetSelection(nil))
	assert.Nil(t, c2.Last(t, EventSelectionUpdated).Data.(SelectionUpdated).ItemID)

	assert.Empty(t, c1.Events(), "a participant's own updates are not echoed")
}

func TestCursorRateLimitDropsExcess(t *testing.T) {
	env := newTestEnv(t, WithCursorRateLimit(2))
	env.canvas(t, "C1", editShare(5))
	p1, _ := env.join(t, "C1", "p1")
	_, c2 := env.join(t, "C1", "p2")
	c2.Reset()

	for i := 0; i < 10; i++ {
		require.NoError(t, p1.MoveCursor(float64(i), 0))
	}
	assert.Len(t, c2.Events(), 4, "twice the advertised rate per second")

	// the latest position follows once the window ends
	require.Eventually(t, func() bool { return len(c2.Events()) == 5 }, 3*time.Second, tick)
	assert.Equal(t, CursorUpdated{ParticipantID: p1.ParticipantID(), X: 9, Y: 0}, c2.Last(t, EventCursorUpdated).Data)
}

func TestDroppedCursorStillStored(t *testing.T) {
	env := newTestEnv(t, WithCursorRateLimit(1))
	env.canvas(t, "C1", editShare(5))
	p1, _ := env.join(t, "C1", "p1")
	_, c2 := env.join(t, "C1", "p2")
	c2.Reset()

	require.NoError(t, p1.MoveCursor(1, 0))
	require.NoError(t, p1.MoveCursor(2, 0))
	require.NoError(t, p1.MoveCursor(3, 0))

	room, ok := env.hub.Registry().Get("C1")
	require.True(t, ok)
	stored, ok := room.Participant(p1.ParticipantID())
	require.True(t, ok)
	require.NotNil(t, stored.Cursor)
	assert.Equal(t, Point{X: 3, Y: 0}, *stored.Cursor)

	// a late joiner sees the latest cursor in its roster
	_, lateConn := env.join(t, "C1", "p3")
	roster := lateConn.Last(t, EventJoined).Data.(Joined).Roster
	require.Len(t, roster, 3)
	for _, p := range roster {
		if p.ID == p1.ParticipantID() {
			require.NotNil(t, p.Cursor)
			assert.Equal(t, 3.0, p.Cursor.X)
		}
	}

	require.Eventually(t, func() bool {
		for _, ev := range c2.Events() {
			if u, ok := ev.Data.(CursorUpdated); ok && u.X == 3 {
				return true
			}
		}
		return false
	}, 3*time.Second, tick)
}

func TestCursorFlushStopsOnClose(t *testing.T) {
	env := newTestEnv(t, WithCursorRateLimit(1))
	env.canvas(t, "C1", editShare(5))
	p1, _ := env.join(t, "C1", "p1")
	_, c2 := env.join(t, "C1", "p2")

	for i := 0; i < 3; i++ {
		require.NoError(t, p1.MoveCursor(float64(i), 0))
	}
	p1.Close()
	c2.Reset()

	time.Sleep(1200 * time.Millisecond)
	assert.NotContains(t, c2.Types(), EventCursorUpdated)
}

func TestJoinedIsFirstEventUnderConcurrentJoins(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", editShare(20))

	conns := make([]*fakeConn, 20)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("conn-%d", i))
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			s := env.hub.Connect(c)
			assert.NoError(t, s.Join(context.Background(), JoinRequest{CanvasID: "C1"}))
		}(conns[i])
	}
	wg.Wait()

	seen := 0
	for _, c := range conns {
		types := c.Types()
		require.NotEmpty(t, types)
		assert.Equal(t, EventJoined, types[0], "conn %s", c.id)

		// the roster plus later announcements cover every participant
		joined := c.Events()[0].Data.(Joined)
		known := map[string]bool{}
		for _, p := range joined.Roster {
			known[p.ID] = true
		}
		for _, ev := range c.Events()[1:] {
			if pj, ok := ev.Data.(ParticipantJoined); ok {
				known[pj.Participant.ID] = true
			}
		}
		assert.Len(t, known, len(conns))
		seen++
	}
	assert.Equal(t, len(conns), seen)
}

func TestReleaseLockFlow(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", editShare(5))
	p1, c1 := env.join(t, "C1", "p1")
	p2, c2 := env.join(t, "C1", "p2")
	require.NoError(t, p1.AcquireLock("card"))

	assert.ErrorIs(t, p2.ReleaseLock("card"), ErrNotHolder)
	assert.Equal(t, ReasonNotHolder, c2.Last(t, EventLockDenied).Data.(LockDenied).Reason)

	require.NoError(t, p1.ReleaseLock("card"))
	for _, c := range []*fakeConn{c1, c2} {
		assert.Equal(t, LockReleased{ItemID: "card"}, c.Last(t, EventLockReleased).Data)
	}
}

func TestLastLeaverReleasesRoom(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", editShare(5))
	p1, _ := env.join(t, "C1", "p1")
	room, _ := env.hub.Registry().Get("C1")

	p1.Close()
	p1.Close()

	_, ok := env.hub.Registry().Get("C1")
	assert.False(t, ok)
	assert.True(t, room.Closed())
}

func TestFailedSendClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", editShare(5))
	p1, _ := env.join(t, "C1", "p1")
	_, c2 := env.join(t, "C1", "p2")
	c2.setFail(true)

	require.NoError(t, p1.MoveCursor(1, 1))
	require.Eventually(t, c2.isClosed, timeout, tick)
}

func TestDispatchDecodesPayloads(t *testing.T) {
	env := newTestEnv(t)
	env.canvas(t, "C1", editShare(5))
	conn := newFakeConn("p1")
	s := env.hub.Connect(conn)

	decoder := func(raw string) func(v any) error {
		return func(v any) error { return json.Unmarshal([]byte(raw), v) }
	}
	ctx := context.Background()

	require.Error(t, s.Dispatch(ctx, EventJoin, decoder(`{"canvasId":`)))
	assert.Equal(t, ReasonInvalidRequest, conn.Last(t, EventJoinError).Data.(JoinError).Reason)

	require.NoError(t, s.Dispatch(ctx, EventJoin, decoder(`{"canvasId":"C1","displayName":"Ada"}`)))
	require.NoError(t, s.Dispatch(ctx, EventLockAcquire, decoder(`{"itemId":"card"}`)))
	assert.Equal(t, "card", conn.Last(t, EventLockGranted).Data.(LockGranted).ItemID)
	require.NoError(t, s.Dispatch(ctx, EventSelectionSet, decoder(`{"itemId":null}`)))
	require.NoError(t, s.Dispatch(ctx, EventCursorMove, decoder(`{"x":1,"y":2}`)))
	require.NoError(t, s.Dispatch(ctx, EventLockRelease, decoder(`{"itemId":"card"}`)))

	err := s.Dispatch(ctx, "teleport", decoder(`{}`))
	assert.Equal(t, ReasonInvalidRequest, ReasonOf(err))
}
