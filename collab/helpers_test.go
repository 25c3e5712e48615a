package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"canvas-collab/core"
	"canvas-collab/stores/memory"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeConn records every event sent to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("send queue full")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func (c *fakeConn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *fakeConn) Types() []string {
	var types []string
	for _, ev := range c.Events() {
		types = append(types, ev.Type)
	}
	return types
}

// Last returns the most recent event of the given type.
func (c *fakeConn) Last(t *testing.T, eventType string) Event {
	t.Helper()
	events := c.Events()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventType {
			return events[i]
		}
	}
	t.Fatalf("conn %s never received %s (got %v)", c.id, eventType, c.Types())
	return Event{}
}

func (c *fakeConn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

type testEnv struct {
	store core.Store
	clock *fakeClock
	hub   *Hub
}

func newTestEnv(t *testing.T, opts ...HubOption) *testEnv {
	t.Helper()
	clock := newFakeClock()
	store := memory.NewStore()
	opts = append([]HubOption{
		WithRegistry(NewRegistry(WithClock(clock.Now))),
		WithHubClock(clock.Now),
	}, opts...)
	hub := NewHub(store, opts...)
	t.Cleanup(hub.Close)
	return &testEnv{store: store, clock: clock, hub: hub}
}

func (e *testEnv) canvas(t *testing.T, id string, share core.ShareConfig) {
	t.Helper()
	_, err := e.store.CreateCanvas(context.Background(), &core.Canvas{ID: id, OwnerID: "owner"}, &share)
	require.NoError(t, err)
}

func (e *testEnv) join(t *testing.T, canvasID, connID string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn(connID)
	s := e.hub.Connect(conn)
	require.NoError(t, s.Join(context.Background(), JoinRequest{CanvasID: canvasID, DisplayName: connID}))
	require.Equal(t, StateActive, s.State())
	return s, conn
}

func editShare(max int) core.ShareConfig {
	return core.ShareConfig{Enabled: true, Role: core.RoleEdit, MaxParticipants: max}
}
