package core

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned (usually wrapped) by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

type Role string

const (
	RoleEdit Role = "edit"
	RoleView Role = "view"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleEdit || r == RoleView
}

type (
	// Canvas is the durable record a collaboration room is attached to.
	Canvas struct {
		ID        string    `json:"id"`
		OwnerID   string    `json:"ownerId"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// ShareConfig is the owner-controlled policy governing who may join a canvas room.
	ShareConfig struct {
		CanvasID        string    `json:"canvasId"`
		Enabled         bool      `json:"enabled"`
		Role            Role      `json:"role"`
		LinkToken       string    `json:"linkToken,omitempty"`
		AccessCode      string    `json:"accessCode,omitempty"`
		MaxParticipants int       `json:"maxParticipants"`
		UpdatedAt       time.Time `json:"updatedAt"`
	}

	// PresenceSnapshot is the best-effort durable mirror of one live participant.
	PresenceSnapshot struct {
		CanvasID      string    `json:"canvasId"`
		ParticipantID string    `json:"participantId"`
		DisplayName   string    `json:"displayName"`
		Color         string    `json:"color"`
		Role          Role      `json:"role"`
		JoinedAt      time.Time `json:"joinedAt"`
		LastSeenAt    time.Time `json:"lastSeenAt"`
	}

	CanvasStore interface {
		// CreateCanvas stores a new canvas together with its initial share config.
		// An empty canvas ID is replaced by a generated one, which is returned.
		CreateCanvas(ctx context.Context, canvas *Canvas, share *ShareConfig) (string, error)
		FindCanvas(ctx context.Context, id string) (*Canvas, error)
		GetShareConfig(ctx context.Context, canvasID string) (*ShareConfig, error)
		SaveShareConfig(ctx context.Context, share *ShareConfig) error
	}

	PresenceStore interface {
		SavePresence(ctx context.Context, snapshot PresenceSnapshot) error
		DeletePresence(ctx context.Context, canvasID, participantID string) error
		ListPresence(ctx context.Context, canvasID string) ([]PresenceSnapshot, error)
	}

	// Room is the durable trace of a live room; LastActive is Unix milliseconds.
	Room struct {
		ID         string `json:"id"`
		LastActive int64  `json:"lastActive"`
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
		DeleteRoom(ctx context.Context, roomID string) error
	}

	// Store is the union every storage backend implements.
	Store interface {
		CanvasStore
		PresenceStore
		RoomRegistry
		Close() error
	}
)

// Public returns a copy of s without secrets, safe to hand to participants.
func (s ShareConfig) Public() ShareConfig {
	s.LinkToken = ""
	s.AccessCode = ""
	return s
}
