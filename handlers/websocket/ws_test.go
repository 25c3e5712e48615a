package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"canvas-collab/collab"
	"canvas-collab/core"
	"canvas-collab/stores/memory"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) string {
	t.Helper()
	store := memory.NewStore()
	_, err := store.CreateCanvas(context.Background(), &core.Canvas{ID: "C1", OwnerID: "owner"}, &core.ShareConfig{
		Enabled:         true,
		Role:            core.RoleEdit,
		MaxParticipants: 5,
	})
	require.NoError(t, err)

	hub := collab.NewHub(store)
	srv := httptest.NewServer(NewHandler(hub))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorillaws.Conn, eventType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame{Type: eventType, Data: raw}))
}

func expect(t *testing.T, conn *gorillaws.Conn, eventType string, out any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, eventType, f.Type, "payload: %s", f.Data)
	if out != nil {
		require.NoError(t, json.Unmarshal(f.Data, out))
	}
}

func TestWebsocketCollaboration(t *testing.T) {
	url := newTestServer(t)

	ann := dial(t, url)
	send(t, ann, collab.EventJoin, collab.JoinRequest{CanvasID: "C1", DisplayName: "Ann"})
	var annJoined collab.Joined
	expect(t, ann, collab.EventJoined, &annJoined)
	assert.Len(t, annJoined.Roster, 1)
	assert.Equal(t, core.RoleEdit, annJoined.Role)

	bob := dial(t, url)
	send(t, bob, collab.EventJoin, collab.JoinRequest{CanvasID: "C1", DisplayName: "Bob"})
	var bobJoined collab.Joined
	expect(t, bob, collab.EventJoined, &bobJoined)
	assert.Len(t, bobJoined.Roster, 2)

	var announced collab.ParticipantJoined
	expect(t, ann, collab.EventParticipantJoined, &announced)
	assert.Equal(t, "Bob", announced.Participant.DisplayName)

	send(t, ann, collab.EventLockAcquire, collab.LockRequest{ItemID: "card-3"})
	var granted collab.LockGranted
	expect(t, ann, collab.EventLockGranted, &granted)
	expect(t, bob, collab.EventLockGranted, &granted)
	assert.Equal(t, annJoined.ParticipantID, granted.Holder)

	send(t, bob, collab.EventLockAcquire, collab.LockRequest{ItemID: "card-3"})
	var denied collab.LockDenied
	expect(t, bob, collab.EventLockDenied, &denied)
	assert.Equal(t, collab.ReasonAlreadyLocked, denied.Reason)

	send(t, ann, collab.EventCursorMove, collab.CursorMove{X: 5, Y: 6})
	var cursor collab.CursorUpdated
	expect(t, bob, collab.EventCursorUpdated, &cursor)
	assert.Equal(t, 5.0, cursor.X)

	require.NoError(t, ann.Close())

	var left collab.ParticipantLeft
	expect(t, bob, collab.EventParticipantLeft, &left)
	assert.Equal(t, annJoined.ParticipantID, left.ParticipantID)
	var released collab.LockReleased
	expect(t, bob, collab.EventLockReleased, &released)
	assert.Equal(t, "card-3", released.ItemID)
}

func TestWebsocketJoinErrors(t *testing.T) {
	url := newTestServer(t)
	conn := dial(t, url)

	send(t, conn, collab.EventJoin, collab.JoinRequest{CanvasID: "missing"})
	var joinErr collab.JoinError
	expect(t, conn, collab.EventJoinError, &joinErr)
	assert.Equal(t, collab.ReasonNotFound, joinErr.Reason)

	// malformed frames are skipped and the connection stays usable
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("{not json")))
	send(t, conn, collab.EventLockAcquire, collab.LockRequest{ItemID: "x"})
	var denied collab.LockDenied
	expect(t, conn, collab.EventLockDenied, &denied)
	assert.Equal(t, collab.ReasonNotJoined, denied.Reason)
}

func TestWSConnSendDoesNotBlock(t *testing.T) {
	c := newWSConn("x", nil)
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, c.Send(collab.Event{Type: collab.EventCursorUpdated}))
	}
	assert.ErrorIs(t, c.Send(collab.Event{Type: collab.EventCursorUpdated}), errSendQueueFull)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(collab.Event{}), errConnClosed)
}
