package aws

import (
	"bytes"
	"canvas-collab/core"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// objectAPI is the subset of the S3 client the store calls.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type canvasRecord struct {
	Canvas core.Canvas      `json:"canvas"`
	Share  core.ShareConfig `json:"share"`
}

type s3Store struct {
	client objectAPI
	bucket string
}

// NewStore creates an S3-backed store using the default AWS credential chain.
func NewStore(ctx context.Context, bucketName string) (core.Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return newStore(s3.NewFromConfig(cfg), bucketName), nil
}

func newStore(client objectAPI, bucketName string) *s3Store {
	return &s3Store{client: client, bucket: bucketName}
}

// objectKey joins prefix and the ids, refusing ids that are paths.
func objectKey(prefix string, ids ...string) (string, error) {
	parts := []string{prefix}
	for _, id := range ids {
		if id == "" || id == "." || id == ".." {
			return "", fmt.Errorf("invalid id %q: must not be empty or a dot directory", id)
		}
		if path.Base(id) != id {
			return "", fmt.Errorf("invalid id %q: must not be a path", id)
		}
		parts = append(parts, id)
	}
	return path.Join(parts...) + ".json", nil
}

func (s *s3Store) getJSON(ctx context.Context, key string, v any) error {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("object %s: %w", key, core.ErrNotFound)
		}
		return fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return json.Unmarshal(data, v)
}

func (s *s3Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) deleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// listKeys returns every key under prefix, following continuation tokens.
func (s *s3Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys  []string
		token *string
	)
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, object := range out.Contents {
			keys = append(keys, aws.ToString(object.Key))
		}
		if !aws.ToBool(out.IsTruncated) {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

func (s *s3Store) CreateCanvas(ctx context.Context, canvas *core.Canvas, share *core.ShareConfig) (string, error) {
	if canvas.ID == "" {
		canvas.ID = ulid.Make().String()
	}
	key, err := objectKey("canvases", canvas.ID)
	if err != nil {
		return "", err
	}

	var existing canvasRecord
	if err := s.getJSON(ctx, key, &existing); err == nil {
		return "", fmt.Errorf("canvas with id %s already exists", canvas.ID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return "", err
	}

	now := time.Now()
	canvas.CreatedAt = now
	canvas.UpdatedAt = now
	share.CanvasID = canvas.ID
	share.UpdatedAt = now

	if err := s.putJSON(ctx, key, canvasRecord{Canvas: *canvas, Share: *share}); err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"canvas_id": canvas.ID, "bucket": s.bucket}).Info("Canvas created successfully")
	return canvas.ID, nil
}

func (s *s3Store) readCanvas(ctx context.Context, id string) (*canvasRecord, string, error) {
	key, err := objectKey("canvases", id)
	if err != nil {
		return nil, "", err
	}
	var rec canvasRecord
	if err := s.getJSON(ctx, key, &rec); err != nil {
		return nil, "", err
	}
	return &rec, key, nil
}

func (s *s3Store) FindCanvas(ctx context.Context, id string) (*core.Canvas, error) {
	rec, _, err := s.readCanvas(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec.Canvas, nil
}

func (s *s3Store) GetShareConfig(ctx context.Context, canvasID string) (*core.ShareConfig, error) {
	rec, _, err := s.readCanvas(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	return &rec.Share, nil
}

func (s *s3Store) SaveShareConfig(ctx context.Context, share *core.ShareConfig) error {
	rec, key, err := s.readCanvas(ctx, share.CanvasID)
	if err != nil {
		return err
	}
	now := time.Now()
	share.UpdatedAt = now
	rec.Canvas.UpdatedAt = now
	rec.Share = *share
	return s.putJSON(ctx, key, rec)
}

func (s *s3Store) SavePresence(ctx context.Context, snapshot core.PresenceSnapshot) error {
	key, err := objectKey("presence", snapshot.CanvasID, snapshot.ParticipantID)
	if err != nil {
		return err
	}
	return s.putJSON(ctx, key, snapshot)
}

func (s *s3Store) DeletePresence(ctx context.Context, canvasID, participantID string) error {
	key, err := objectKey("presence", canvasID, participantID)
	if err != nil {
		return err
	}
	return s.deleteObject(ctx, key)
}

func (s *s3Store) ListPresence(ctx context.Context, canvasID string) ([]core.PresenceSnapshot, error) {
	if _, err := objectKey("presence", canvasID); err != nil {
		return nil, err
	}
	keys, err := s.listKeys(ctx, path.Join("presence", canvasID)+"/")
	if err != nil {
		return nil, err
	}

	list := make([]core.PresenceSnapshot, 0, len(keys))
	for _, key := range keys {
		var snapshot core.PresenceSnapshot
		if err := s.getJSON(ctx, key, &snapshot); err != nil {
			logrus.WithField("key", key).WithError(err).Warn("Failed to read presence object, skipping")
			continue
		}
		list = append(list, snapshot)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
	return list, nil
}

func (s *s3Store) TouchRoom(ctx context.Context, roomID string) error {
	key, err := objectKey("rooms", roomID)
	if err != nil {
		return err
	}
	return s.putJSON(ctx, key, core.Room{ID: roomID, LastActive: time.Now().UnixMilli()})
}

func (s *s3Store) ListRooms(ctx context.Context) ([]core.Room, error) {
	keys, err := s.listKeys(ctx, "rooms/")
	if err != nil {
		return nil, err
	}

	rooms := make([]core.Room, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		var room core.Room
		if err := s.getJSON(ctx, key, &room); err != nil {
			logrus.WithField("key", key).WithError(err).Warn("Failed to read room object, skipping")
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

func (s *s3Store) DeleteRoom(ctx context.Context, roomID string) error {
	key, err := objectKey("rooms", roomID)
	if err != nil {
		return err
	}
	return s.deleteObject(ctx, key)
}

func (s *s3Store) Close() error { return nil }
