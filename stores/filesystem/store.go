package filesystem

import (
	"canvas-collab/core"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	canvasDir   = "canvases"
	presenceDir = "presence"
	roomDir     = "rooms"
)

// canvasRecord is the on-disk form of a canvas and its share config.
type canvasRecord struct {
	Canvas core.Canvas      `json:"canvas"`
	Share  core.ShareConfig `json:"share"`
}

type fsStore struct {
	basePath string
	// serializes read-modify-write cycles on canvas files
	mu sync.Mutex
}

// NewStore creates a filesystem-backed store rooted at basePath.
func NewStore(basePath string) (core.Store, error) {
	for _, dir := range []string{canvasDir, presenceDir, roomDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return &fsStore{basePath: basePath}, nil
}

// safeName rejects ids that would escape their directory.
func safeName(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("invalid id %q: must not be empty or a dot directory", id)
	}
	if path.Base(id) != id || strings.ContainsRune(id, filepath.Separator) {
		return fmt.Errorf("invalid id %q: must not be a path", id)
	}
	return nil
}

func (s *fsStore) canvasPath(id string) (string, error) {
	if err := safeName(id); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, canvasDir, id+".json"), nil
}

func (s *fsStore) presencePath(canvasID, participantID string) (string, error) {
	if err := safeName(canvasID); err != nil {
		return "", err
	}
	if err := safeName(participantID); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, presenceDir, canvasID, participantID+".json"), nil
}

func (s *fsStore) roomPath(id string) (string, error) {
	if err := safeName(id); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, roomDir, id+".json"), nil
}

func writeJSON(filePath string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filePath)
}

func (s *fsStore) readCanvas(id string) (*canvasRecord, error) {
	filePath, err := s.canvasPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("canvas %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	var rec canvasRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal canvas %s: %w", id, err)
	}
	return &rec, nil
}

func (s *fsStore) CreateCanvas(ctx context.Context, canvas *core.Canvas, share *core.ShareConfig) (string, error) {
	if canvas.ID == "" {
		canvas.ID = ulid.Make().String()
	}
	filePath, err := s.canvasPath(canvas.ID)
	if err != nil {
		return "", err
	}
	log := logrus.WithFields(logrus.Fields{"canvas_id": canvas.ID, "path": filePath})

	now := time.Now()
	canvas.CreatedAt = now
	canvas.UpdatedAt = now
	share.CanvasID = canvas.ID
	share.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filePath); err == nil {
		return "", fmt.Errorf("canvas with id %s already exists", canvas.ID)
	}
	if err := writeJSON(filePath, canvasRecord{Canvas: *canvas, Share: *share}); err != nil {
		log.WithError(err).Error("Failed to write canvas file")
		return "", err
	}

	log.Info("Canvas created successfully")
	return canvas.ID, nil
}

func (s *fsStore) FindCanvas(ctx context.Context, id string) (*core.Canvas, error) {
	rec, err := s.readCanvas(id)
	if err != nil {
		return nil, err
	}
	return &rec.Canvas, nil
}

func (s *fsStore) GetShareConfig(ctx context.Context, canvasID string) (*core.ShareConfig, error) {
	rec, err := s.readCanvas(canvasID)
	if err != nil {
		return nil, err
	}
	return &rec.Share, nil
}

func (s *fsStore) SaveShareConfig(ctx context.Context, share *core.ShareConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readCanvas(share.CanvasID)
	if err != nil {
		return err
	}
	now := time.Now()
	share.UpdatedAt = now
	rec.Canvas.UpdatedAt = now
	rec.Share = *share

	filePath, _ := s.canvasPath(share.CanvasID)
	if err := writeJSON(filePath, rec); err != nil {
		logrus.WithField("canvas_id", share.CanvasID).WithError(err).Error("Failed to write share config")
		return err
	}
	return nil
}

func (s *fsStore) SavePresence(ctx context.Context, snapshot core.PresenceSnapshot) error {
	filePath, err := s.presencePath(snapshot.CanvasID, snapshot.ParticipantID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	return writeJSON(filePath, snapshot)
}

func (s *fsStore) DeletePresence(ctx context.Context, canvasID, participantID string) error {
	filePath, err := s.presencePath(canvasID, participantID)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	// drop the canvas directory once it is empty; failure just means it is not
	_ = os.Remove(filepath.Dir(filePath))
	return nil
}

func (s *fsStore) ListPresence(ctx context.Context, canvasID string) ([]core.PresenceSnapshot, error) {
	if err := safeName(canvasID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, presenceDir, canvasID)
	log := logrus.WithFields(logrus.Fields{"canvas_id": canvasID, "path": dir})

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []core.PresenceSnapshot{}, nil
		}
		return nil, err
	}

	list := make([]core.PresenceSnapshot, 0, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			log.WithError(err).Warnf("Failed to read presence file %s, skipping", file.Name())
			continue
		}
		var snapshot core.PresenceSnapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			log.WithError(err).Warnf("Failed to unmarshal presence file %s, skipping", file.Name())
			continue
		}
		list = append(list, snapshot)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	return list, nil
}

func (s *fsStore) TouchRoom(ctx context.Context, roomID string) error {
	filePath, err := s.roomPath(roomID)
	if err != nil {
		return err
	}
	return writeJSON(filePath, core.Room{ID: roomID, LastActive: time.Now().UnixMilli()})
}

func (s *fsStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	dir := filepath.Join(s.basePath, roomDir)
	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []core.Room{}, nil
		}
		return nil, err
	}

	rooms := make([]core.Room, 0, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			logrus.WithError(err).Warnf("Failed to read room file %s, skipping", file.Name())
			continue
		}
		var room core.Room
		if err := json.Unmarshal(data, &room); err != nil {
			logrus.WithError(err).Warnf("Failed to unmarshal room file %s, skipping", file.Name())
			continue
		}
		rooms = append(rooms, room)
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})
	return rooms, nil
}

func (s *fsStore) DeleteRoom(ctx context.Context, roomID string) error {
	filePath, err := s.roomPath(roomID)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *fsStore) Close() error { return nil }
