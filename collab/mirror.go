package collab

import (
	"context"
	"sync"
	"time"

	"canvas-collab/core"

	"github.com/sirupsen/logrus"
)

const (
	mirrorQueueSize = 256
	mirrorTimeout   = 5 * time.Second
)

// MirrorStore is the part of the durable store the presence mirror writes to.
type MirrorStore interface {
	core.PresenceStore
	core.RoomRegistry
}

type mirrorOp struct {
	name   string
	fields logrus.Fields
	fn     func(ctx context.Context) error
}

// mirror applies best-effort presence writes on one goroutine, in submission
// order. A full queue drops the write; failures are logged and forgotten.
type mirror struct {
	store MirrorStore
	queue chan mirrorOp
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newMirror(store MirrorStore) *mirror {
	m := &mirror{
		store: store,
		queue: make(chan mirrorOp, mirrorQueueSize),
		done:  make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mirror) run() {
	defer close(m.done)
	for op := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := op.fn(ctx); err != nil {
			logrus.WithFields(op.fields).WithError(err).Warnf("Presence mirror %s failed", op.name)
		}
		cancel()
	}
}

func (m *mirror) enqueue(op mirrorOp) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- op:
	default:
		logrus.WithFields(op.fields).Warnf("Presence mirror queue full, dropping %s", op.name)
	}
}

func (m *mirror) joined(canvasID string, p Participant) {
	fields := logrus.Fields{"canvas_id": canvasID, "participant_id": p.ID}
	snapshot := core.PresenceSnapshot{
		CanvasID:      canvasID,
		ParticipantID: p.ID,
		DisplayName:   p.DisplayName,
		Color:         p.Color,
		Role:          p.Role,
		JoinedAt:      p.JoinedAt,
		LastSeenAt:    p.LastSeenAt,
	}
	m.enqueue(mirrorOp{name: "save", fields: fields, fn: func(ctx context.Context) error {
		if err := m.store.SavePresence(ctx, snapshot); err != nil {
			return err
		}
		return m.store.TouchRoom(ctx, canvasID)
	}})
}

func (m *mirror) left(canvasID, participantID string) {
	fields := logrus.Fields{"canvas_id": canvasID, "participant_id": participantID}
	m.enqueue(mirrorOp{name: "delete", fields: fields, fn: func(ctx context.Context) error {
		if err := m.store.DeletePresence(ctx, canvasID, participantID); err != nil {
			return err
		}
		return m.store.TouchRoom(ctx, canvasID)
	}})
}

func (m *mirror) roomGone(canvasID string, participantIDs []string) {
	fields := logrus.Fields{"canvas_id": canvasID}
	m.enqueue(mirrorOp{name: "room cleanup", fields: fields, fn: func(ctx context.Context) error {
		for _, id := range participantIDs {
			if err := m.store.DeletePresence(ctx, canvasID, id); err != nil {
				return err
			}
		}
		return m.store.DeleteRoom(ctx, canvasID)
	}})
}

// close stops accepting writes and waits for queued ones to finish.
func (m *mirror) close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()
	<-m.done
}
