package rooms

import (
	"net/http"
	"sort"

	"canvas-collab/collab"
	"canvas-collab/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// RoomEntry merges a live room with its durable trace. A room known only to the
// store has no live fields.
type RoomEntry struct {
	ID         string `json:"id"`
	Users      int    `json:"users"`
	Capacity   int    `json:"capacity,omitempty"`
	Locks      int    `json:"locks,omitempty"`
	LastActive *int64 `json:"lastActive,omitempty"`
	Live       bool   `json:"live"`
}

// LiveRooms is the part of the hub the listing reads.
type LiveRooms interface {
	Rooms() []collab.RoomInfo
}

// HandleListRooms lists live rooms first, busiest first, followed by rooms the
// store still remembers, most recently active first.
func HandleListRooms(live LiveRooms, registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := make(map[string]*RoomEntry)

		for _, info := range live.Rooms() {
			lastActive := info.LastActive.UnixMilli()
			entries[info.ID] = &RoomEntry{
				ID:         info.ID,
				Users:      info.Participants,
				Capacity:   info.Capacity,
				Locks:      info.Locks,
				LastActive: &lastActive,
				Live:       true,
			}
		}

		if registry != nil {
			stored, err := registry.ListRooms(r.Context())
			if err != nil {
				logrus.WithError(err).Warn("failed to list rooms from registry")
			}
			for _, room := range stored {
				if _, exists := entries[room.ID]; exists {
					continue
				}
				entry := &RoomEntry{ID: room.ID}
				if room.LastActive > 0 {
					lastActive := room.LastActive
					entry.LastActive = &lastActive
				}
				entries[room.ID] = entry
			}
		}

		list := make([]RoomEntry, 0, len(entries))
		for _, entry := range entries {
			list = append(list, *entry)
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].Users != list[j].Users {
				return list[i].Users > list[j].Users
			}
			li, lj := lastActiveOf(list[i]), lastActiveOf(list[j])
			if li != lj {
				return li > lj
			}
			return list[i].ID < list[j].ID
		})

		render.JSON(w, r, list)
	}
}

func lastActiveOf(e RoomEntry) int64 {
	if e.LastActive == nil {
		return 0
	}
	return *e.LastActive
}

// HandleListPresence returns the mirrored participants of one room. The mirror
// is best effort, so this may lag the live roster.
func HandleListPresence(store core.PresenceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		presence, err := store.ListPresence(r.Context(), id)
		if err != nil {
			logrus.WithField("canvas_id", id).WithError(err).Error("Failed to list presence")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to list presence"})
			return
		}
		render.JSON(w, r, presence)
	}
}

func Routes(live LiveRooms, store core.Store) chi.Router {
	r := chi.NewRouter()
	r.Get("/", HandleListRooms(live, store))
	r.Get("/{id}/presence", HandleListPresence(store))
	return r
}
