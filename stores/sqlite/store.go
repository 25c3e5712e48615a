package sqlite

import (
	"canvas-collab/core"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS canvases (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS share_configs (
		canvas_id TEXT PRIMARY KEY REFERENCES canvases(id) ON DELETE CASCADE,
		enabled INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL DEFAULT 'view',
		link_token TEXT,
		access_code TEXT,
		max_participants INTEGER NOT NULL DEFAULT 10,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS presence (
		canvas_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		display_name TEXT,
		color TEXT,
		role TEXT,
		joined_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		PRIMARY KEY (canvas_id, participant_id)
	);`,
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		last_active INTEGER NOT NULL
	);`,
}

type sqliteStore struct {
	db *sql.DB
}

// NewStore opens the database and creates the tables if needed.
func NewStore(dataSourceName string) (core.Store, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	logrus.WithFields(logrus.Fields{"driver": driverName, "cgo": CGOEnabled}).Debug("SQLite schema ready")
	return &sqliteStore{db}, nil
}

func (s *sqliteStore) CreateCanvas(ctx context.Context, canvas *core.Canvas, share *core.ShareConfig) (string, error) {
	if canvas.ID == "" {
		canvas.ID = ulid.Make().String()
	}
	now := time.Now()
	canvas.CreatedAt = now
	canvas.UpdatedAt = now
	share.CanvasID = canvas.ID
	share.UpdatedAt = now

	log := logrus.WithFields(logrus.Fields{"canvas_id": canvas.ID, "owner_id": canvas.OwnerID})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO canvases (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		canvas.ID, canvas.OwnerID, canvas.Name, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create canvas")
		return "", err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO share_configs (canvas_id, enabled, role, link_token, access_code, max_participants, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		share.CanvasID, share.Enabled, string(share.Role), share.LinkToken, share.AccessCode, share.MaxParticipants, now.UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create share config")
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	log.Info("Canvas created successfully")
	return canvas.ID, nil
}

func (s *sqliteStore) FindCanvas(ctx context.Context, id string) (*core.Canvas, error) {
	log := logrus.WithField("canvas_id", id)
	log.Debug("Retrieving canvas by ID")

	var (
		canvas           = core.Canvas{ID: id}
		name             sql.NullString
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT owner_id, name, created_at, updated_at FROM canvases WHERE id = ?", id,
	).Scan(&canvas.OwnerID, &name, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("Canvas with specified ID not found")
			return nil, fmt.Errorf("canvas with id %s: %w", id, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to retrieve canvas")
		return nil, err
	}
	canvas.Name = name.String
	canvas.CreatedAt = time.UnixMilli(created)
	canvas.UpdatedAt = time.UnixMilli(updated)
	return &canvas, nil
}

func (s *sqliteStore) GetShareConfig(ctx context.Context, canvasID string) (*core.ShareConfig, error) {
	var (
		share       = core.ShareConfig{CanvasID: canvasID}
		role        string
		token, code sql.NullString
		updated     int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT enabled, role, link_token, access_code, max_participants, updated_at FROM share_configs WHERE canvas_id = ?",
		canvasID,
	).Scan(&share.Enabled, &role, &token, &code, &share.MaxParticipants, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("share config for canvas %s: %w", canvasID, core.ErrNotFound)
		}
		logrus.WithField("canvas_id", canvasID).WithError(err).Error("Failed to retrieve share config")
		return nil, err
	}
	share.Role = core.Role(role)
	share.LinkToken = token.String
	share.AccessCode = code.String
	share.UpdatedAt = time.UnixMilli(updated)
	return &share, nil
}

func (s *sqliteStore) SaveShareConfig(ctx context.Context, share *core.ShareConfig) error {
	log := logrus.WithField("canvas_id", share.CanvasID)
	now := time.Now()

	result, err := s.db.ExecContext(ctx,
		"UPDATE share_configs SET enabled = ?, role = ?, link_token = ?, access_code = ?, max_participants = ?, updated_at = ? WHERE canvas_id = ?",
		share.Enabled, string(share.Role), share.LinkToken, share.AccessCode, share.MaxParticipants, now.UnixMilli(), share.CanvasID)
	if err != nil {
		log.WithError(err).Error("Failed to update share config")
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("share config for canvas %s: %w", share.CanvasID, core.ErrNotFound)
	}
	if _, err := s.db.ExecContext(ctx, "UPDATE canvases SET updated_at = ? WHERE id = ?", now.UnixMilli(), share.CanvasID); err != nil {
		log.WithError(err).Warn("Failed to bump canvas updated_at")
	}
	share.UpdatedAt = now

	log.Info("Share config saved successfully")
	return nil
}

func (s *sqliteStore) SavePresence(ctx context.Context, p core.PresenceSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (canvas_id, participant_id, display_name, color, role, joined_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canvas_id, participant_id) DO UPDATE SET
			display_name = excluded.display_name,
			color = excluded.color,
			role = excluded.role,
			last_seen_at = excluded.last_seen_at`,
		p.CanvasID, p.ParticipantID, p.DisplayName, p.Color, string(p.Role), p.JoinedAt.UnixMilli(), p.LastSeenAt.UnixMilli())
	return err
}

func (s *sqliteStore) DeletePresence(ctx context.Context, canvasID, participantID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM presence WHERE canvas_id = ? AND participant_id = ?", canvasID, participantID)
	return err
}

func (s *sqliteStore) ListPresence(ctx context.Context, canvasID string) ([]core.PresenceSnapshot, error) {
	log := logrus.WithField("canvas_id", canvasID)

	rows, err := s.db.QueryContext(ctx,
		"SELECT participant_id, display_name, color, role, joined_at, last_seen_at FROM presence WHERE canvas_id = ? ORDER BY joined_at ASC, participant_id ASC",
		canvasID)
	if err != nil {
		log.WithError(err).Error("Failed to list presence")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close presence rows")
		}
	}()

	list := []core.PresenceSnapshot{}
	for rows.Next() {
		var (
			p                 = core.PresenceSnapshot{CanvasID: canvasID}
			name, color, role sql.NullString
			joined, lastSeen  int64
		)
		if err := rows.Scan(&p.ParticipantID, &name, &color, &role, &joined, &lastSeen); err != nil {
			return nil, err
		}
		p.DisplayName = name.String
		p.Color = color.String
		p.Role = core.Role(role.String)
		p.JoinedAt = time.UnixMilli(joined)
		p.LastSeenAt = time.UnixMilli(lastSeen)
		list = append(list, p)
	}
	return list, rows.Err()
}

func (s *sqliteStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, last_active) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET last_active = excluded.last_active",
		roomID, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, last_active FROM rooms ORDER BY last_active DESC, id ASC")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	rooms := []core.Room{}
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *sqliteStore) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", roomID)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
