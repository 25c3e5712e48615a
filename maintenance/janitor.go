package maintenance

import (
	"context"
	"fmt"
	"time"

	"canvas-collab/collab"
	"canvas-collab/core"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Hub is the part of collab.Hub the janitor drives.
type Hub interface {
	Sweep() collab.SweepResult
	Rooms() []collab.RoomInfo
}

// Janitor periodically reaps idle rooms and prunes durable room traces that no
// live room backs any more, such as those left behind by a crashed process.
type Janitor struct {
	hub           Hub
	store         core.Store
	cron          *cron.Cron
	now           func() time.Time
	interval      time.Duration
	idleThreshold time.Duration
}

type Option func(*Janitor)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(j *Janitor) {
		if c != nil {
			j.cron = c
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

// NewJanitor builds a janitor that runs every interval. Stored rooms untouched
// for longer than idleThreshold and absent from the hub are pruned.
func NewJanitor(hub Hub, store core.Store, interval, idleThreshold time.Duration, opts ...Option) *Janitor {
	j := &Janitor{
		hub:           hub,
		store:         store,
		now:           time.Now,
		interval:      interval,
		idleThreshold: idleThreshold,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.cron == nil {
		j.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return j
}

// Start schedules RunOnce and launches the scheduler.
func (j *Janitor) Start() error {
	if j.interval <= 0 {
		return fmt.Errorf("janitor interval must be positive, got %s", j.interval)
	}
	spec := fmt.Sprintf("@every %s", j.interval)
	if _, err := j.cron.AddFunc(spec, func() {
		if err := j.RunOnce(context.Background()); err != nil {
			logrus.WithError(err).Warn("Room maintenance failed")
		}
	}); err != nil {
		return err
	}
	j.cron.Start()
	logrus.WithField("interval", j.interval).Info("Room janitor started")
	return nil
}

// Stop halts the scheduler. The returned context is done once a running pass finishes.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}

// RunOnce sweeps the hub and then prunes stale stored rooms.
func (j *Janitor) RunOnce(ctx context.Context) error {
	res := j.hub.Sweep()
	pruned, err := j.pruneStored(ctx)

	if res.RoomsSwept > 0 || res.LocksExpired > 0 || pruned > 0 {
		logrus.WithFields(logrus.Fields{
			"rooms_swept":   res.RoomsSwept,
			"locks_expired": res.LocksExpired,
			"rooms_pruned":  pruned,
		}).Info("Room maintenance finished")
	}
	return err
}

func (j *Janitor) pruneStored(ctx context.Context) (int, error) {
	if j.store == nil {
		return 0, nil
	}
	stored, err := j.store.ListRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored rooms: %w", err)
	}

	live := make(map[string]struct{})
	for _, info := range j.hub.Rooms() {
		live[info.ID] = struct{}{}
	}
	cutoff := j.now().Add(-j.idleThreshold).UnixMilli()

	var errs error
	pruned := 0
	for _, room := range stored {
		if _, ok := live[room.ID]; ok || room.LastActive > cutoff {
			continue
		}
		if err := j.pruneRoom(ctx, room.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prune room %s: %w", room.ID, err))
			continue
		}
		pruned++
	}
	return pruned, errs
}

func (j *Janitor) pruneRoom(ctx context.Context, roomID string) error {
	presence, err := j.store.ListPresence(ctx, roomID)
	if err != nil {
		return err
	}
	for _, p := range presence {
		if err := j.store.DeletePresence(ctx, roomID, p.ParticipantID); err != nil {
			return err
		}
	}
	return j.store.DeleteRoom(ctx, roomID)
}
