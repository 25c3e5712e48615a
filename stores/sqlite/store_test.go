package sqlite

import (
	"canvas-collab/core"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *sqliteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store.(*sqliteStore)
}

func TestNewStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("NewStore() did not create database file")
	}
}

func TestNewStore_TablesCreated(t *testing.T) {
	store := setupTestDB(t)

	for _, table := range []string{"canvases", "share_configs", "presence", "rooms"} {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not created: %v", table, err)
		}
	}
}

func TestCanvasAndShareConfig(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	id, err := store.CreateCanvas(ctx, &core.Canvas{OwnerID: "owner-1", Name: "board"}, &core.ShareConfig{
		Enabled:         true,
		Role:            core.RoleEdit,
		LinkToken:       "tok",
		MaxParticipants: 3,
	})
	if err != nil {
		t.Fatalf("CreateCanvas() failed: %v", err)
	}
	if len(id) != 26 {
		t.Errorf("CreateCanvas() returned invalid ID length: got %d, want 26", len(id))
	}

	canvas, err := store.FindCanvas(ctx, id)
	if err != nil {
		t.Fatalf("FindCanvas() failed: %v", err)
	}
	if canvas.OwnerID != "owner-1" || canvas.Name != "board" {
		t.Errorf("FindCanvas() = %+v", canvas)
	}

	share, err := store.GetShareConfig(ctx, id)
	if err != nil {
		t.Fatalf("GetShareConfig() failed: %v", err)
	}
	if !share.Enabled || share.Role != core.RoleEdit || share.LinkToken != "tok" || share.MaxParticipants != 3 {
		t.Errorf("GetShareConfig() = %+v", share)
	}

	share.Enabled = false
	share.AccessCode = "9999"
	if err := store.SaveShareConfig(ctx, share); err != nil {
		t.Fatalf("SaveShareConfig() failed: %v", err)
	}
	share, _ = store.GetShareConfig(ctx, id)
	if share.Enabled || share.AccessCode != "9999" {
		t.Errorf("SaveShareConfig() not persisted: %+v", share)
	}
}

func TestNotFound(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if _, err := store.FindCanvas(ctx, "nonexistent-id"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("FindCanvas() error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetShareConfig(ctx, "nonexistent-id"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetShareConfig() error = %v, want ErrNotFound", err)
	}
	if err := store.SaveShareConfig(ctx, &core.ShareConfig{CanvasID: "nonexistent-id"}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("SaveShareConfig() error = %v, want ErrNotFound", err)
	}
}

func TestCreateCanvas_DuplicateID(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if _, err := store.CreateCanvas(ctx, &core.Canvas{ID: "fixed"}, &core.ShareConfig{}); err != nil {
		t.Fatalf("CreateCanvas() failed: %v", err)
	}
	if _, err := store.CreateCanvas(ctx, &core.Canvas{ID: "fixed"}, &core.ShareConfig{}); err == nil {
		t.Error("CreateCanvas() should fail for a duplicate id")
	}
}

func TestPresenceUpsertAndList(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	joined := time.UnixMilli(1_700_000_000_000)

	snapshot := core.PresenceSnapshot{
		CanvasID:      "c1",
		ParticipantID: "p1",
		DisplayName:   "Alice",
		Color:         "#e03131",
		Role:          core.RoleEdit,
		JoinedAt:      joined,
		LastSeenAt:    joined,
	}
	if err := store.SavePresence(ctx, snapshot); err != nil {
		t.Fatalf("SavePresence() failed: %v", err)
	}
	snapshot.LastSeenAt = joined.Add(time.Minute)
	if err := store.SavePresence(ctx, snapshot); err != nil {
		t.Fatalf("SavePresence() upsert failed: %v", err)
	}

	list, err := store.ListPresence(ctx, "c1")
	if err != nil {
		t.Fatalf("ListPresence() failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListPresence() returned %d rows, want 1", len(list))
	}
	if !list[0].LastSeenAt.Equal(joined.Add(time.Minute)) || !list[0].JoinedAt.Equal(joined) {
		t.Errorf("ListPresence() timestamps = %v / %v", list[0].JoinedAt, list[0].LastSeenAt)
	}

	if err := store.DeletePresence(ctx, "c1", "p1"); err != nil {
		t.Fatalf("DeletePresence() failed: %v", err)
	}
	list, _ = store.ListPresence(ctx, "c1")
	if len(list) != 0 {
		t.Errorf("ListPresence() after delete returned %d rows", len(list))
	}
}

func TestRooms(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if err := store.TouchRoom(ctx, "room-a"); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := store.TouchRoom(ctx, "room-b"); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() failed: %v", err)
	}
	if len(rooms) != 2 || rooms[0].ID != "room-b" {
		t.Fatalf("ListRooms() = %+v, want room-b first", rooms)
	}

	if err := store.DeleteRoom(ctx, "room-b"); err != nil {
		t.Fatalf("DeleteRoom() failed: %v", err)
	}
	rooms, _ = store.ListRooms(ctx)
	if len(rooms) != 1 || rooms[0].ID != "room-a" {
		t.Errorf("ListRooms() after delete = %+v", rooms)
	}
}

func TestConcurrentCreate(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	numGoroutines := 10
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, err := store.CreateCanvas(ctx, &core.Canvas{Name: fmt.Sprintf("canvas-%d", index)}, &core.ShareConfig{Role: core.RoleView})
			if err != nil {
				t.Errorf("Concurrent CreateCanvas() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var count int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM canvases").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != numGoroutines {
		t.Errorf("Expected %d canvases, got %d", numGoroutines, count)
	}
}

func TestDriverMatchesBuild(t *testing.T) {
	want := "sqlite"
	if CGOEnabled {
		want = "sqlite3"
	}
	if driverName != want {
		t.Errorf("driverName = %q, want %q", driverName, want)
	}
}
