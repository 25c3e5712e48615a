package memory

import (
	"canvas-collab/core"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type store struct {
	mu       sync.RWMutex
	canvases map[string]core.Canvas
	shares   map[string]core.ShareConfig
	presence map[string]map[string]core.PresenceSnapshot
	rooms    map[string]int64
}

func NewStore() core.Store {
	return &store{
		canvases: make(map[string]core.Canvas),
		shares:   make(map[string]core.ShareConfig),
		presence: make(map[string]map[string]core.PresenceSnapshot),
		rooms:    make(map[string]int64),
	}
}

func (s *store) CreateCanvas(ctx context.Context, canvas *core.Canvas, share *core.ShareConfig) (string, error) {
	if canvas.ID == "" {
		canvas.ID = ulid.Make().String()
	}
	now := time.Now()
	canvas.CreatedAt = now
	canvas.UpdatedAt = now
	share.CanvasID = canvas.ID
	share.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.canvases[canvas.ID]; exists {
		return "", fmt.Errorf("canvas with id %s already exists", canvas.ID)
	}
	s.canvases[canvas.ID] = *canvas
	s.shares[canvas.ID] = *share

	logrus.WithFields(logrus.Fields{
		"canvas_id": canvas.ID,
		"owner_id":  canvas.OwnerID,
	}).Info("Canvas created successfully")
	return canvas.ID, nil
}

func (s *store) FindCanvas(ctx context.Context, id string) (*core.Canvas, error) {
	s.mu.RLock()
	canvas, ok := s.canvases[id]
	s.mu.RUnlock()

	if !ok {
		logrus.WithField("canvas_id", id).Debug("Canvas with specified ID not found")
		return nil, fmt.Errorf("canvas with id %s: %w", id, core.ErrNotFound)
	}
	return &canvas, nil
}

func (s *store) GetShareConfig(ctx context.Context, canvasID string) (*core.ShareConfig, error) {
	s.mu.RLock()
	share, ok := s.shares[canvasID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("share config for canvas %s: %w", canvasID, core.ErrNotFound)
	}
	return &share, nil
}

func (s *store) SaveShareConfig(ctx context.Context, share *core.ShareConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	canvas, ok := s.canvases[share.CanvasID]
	if !ok {
		return fmt.Errorf("canvas with id %s: %w", share.CanvasID, core.ErrNotFound)
	}
	now := time.Now()
	share.UpdatedAt = now
	canvas.UpdatedAt = now
	s.shares[share.CanvasID] = *share
	s.canvases[share.CanvasID] = canvas

	logrus.WithField("canvas_id", share.CanvasID).Info("Share config saved successfully")
	return nil
}

func (s *store) SavePresence(ctx context.Context, snapshot core.PresenceSnapshot) error {
	if snapshot.CanvasID == "" || snapshot.ParticipantID == "" {
		return fmt.Errorf("canvas id and participant id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.presence[snapshot.CanvasID]
	if !ok {
		members = make(map[string]core.PresenceSnapshot)
		s.presence[snapshot.CanvasID] = members
	}
	members[snapshot.ParticipantID] = snapshot
	return nil
}

func (s *store) DeletePresence(ctx context.Context, canvasID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.presence[canvasID]
	if !ok {
		return nil
	}
	delete(members, participantID)
	if len(members) == 0 {
		delete(s.presence, canvasID)
	}
	return nil
}

func (s *store) ListPresence(ctx context.Context, canvasID string) ([]core.PresenceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.presence[canvasID]
	list := make([]core.PresenceSnapshot, 0, len(members))
	for _, snapshot := range members {
		list = append(list, snapshot)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	return list, nil
}

func (s *store) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	s.rooms[roomID] = time.Now().UnixMilli()
	s.mu.Unlock()

	return nil
}

func (s *store) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for id, last := range s.rooms {
		rooms = append(rooms, core.Room{ID: id, LastActive: last})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}

func (s *store) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, roomID)
	return nil
}

func (s *store) Close() error { return nil }
