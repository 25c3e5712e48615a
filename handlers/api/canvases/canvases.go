package canvases

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"canvas-collab/core"
	"canvas-collab/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type (
	CreateCanvasRequest struct {
		Name string `json:"name" validate:"max=200"`
	}

	// UpdateShareRequest replaces the owner-editable part of a share config.
	UpdateShareRequest struct {
		Enabled         *bool     `json:"enabled" validate:"required"`
		Role            core.Role `json:"role" validate:"required,oneof=edit view"`
		AccessCode      string    `json:"accessCode" validate:"max=64"`
		MaxParticipants int       `json:"maxParticipants" validate:"required,min=1,max=100"`
	}

	CanvasResponse struct {
		Canvas      *core.Canvas      `json:"canvas"`
		ShareConfig *core.ShareConfig `json:"shareConfig"`
	}
)

var validate = validator.New()

// NewLinkToken returns a fresh, unguessable share link token.
func NewLinkToken() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": msg})
}

// HandleCreateCanvas creates a canvas owned by the caller with sharing disabled.
func HandleCreateCanvas(store core.CanvasStore, defaultCapacity int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := middleware.ClaimsFrom(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "User claims not found")
			return
		}

		var req CreateCanvasRequest
		// the body is optional
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		canvas := &core.Canvas{OwnerID: claims.Subject, Name: req.Name}
		share := &core.ShareConfig{
			Enabled:         false,
			Role:            core.RoleView,
			LinkToken:       NewLinkToken(),
			MaxParticipants: defaultCapacity,
		}
		if _, err := store.CreateCanvas(r.Context(), canvas, share); err != nil {
			logrus.WithFields(logrus.Fields{
				"error":  err,
				"userID": claims.Subject,
			}).Error("Failed to create canvas")
			writeError(w, r, http.StatusInternalServerError, "Failed to create canvas")
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, CanvasResponse{Canvas: canvas, ShareConfig: share})
	}
}

// loadOwned fetches the canvas named in the URL and checks the caller owns it.
// Canvases owned by someone else are reported as missing.
func loadOwned(w http.ResponseWriter, r *http.Request, store core.CanvasStore) (*core.Canvas, *core.ShareConfig, bool) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "User claims not found")
		return nil, nil, false
	}

	id := chi.URLParam(r, "id")
	log := logrus.WithFields(logrus.Fields{"canvas_id": id, "userID": claims.Subject})

	canvas, err := store.FindCanvas(r.Context(), id)
	if err == nil && canvas.OwnerID != claims.Subject {
		err = core.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "Canvas not found")
		} else {
			log.WithError(err).Error("Failed to load canvas")
			writeError(w, r, http.StatusInternalServerError, "Failed to load canvas")
		}
		return nil, nil, false
	}

	share, err := store.GetShareConfig(r.Context(), id)
	if err != nil {
		log.WithError(err).Error("Failed to load share config")
		writeError(w, r, http.StatusInternalServerError, "Failed to load share config")
		return nil, nil, false
	}
	return canvas, share, true
}

func HandleGetCanvas(store core.CanvasStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		canvas, share, ok := loadOwned(w, r, store)
		if !ok {
			return
		}
		render.JSON(w, r, CanvasResponse{Canvas: canvas, ShareConfig: share})
	}
}

// HandleUpdateShare applies a new sharing policy. Rooms already open pick up the
// new capacity on the next join; existing participants are not evicted.
func HandleUpdateShare(store core.CanvasStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateShareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		_, share, ok := loadOwned(w, r, store)
		if !ok {
			return
		}
		share.Enabled = *req.Enabled
		share.Role = req.Role
		share.AccessCode = req.AccessCode
		share.MaxParticipants = req.MaxParticipants

		if err := store.SaveShareConfig(r.Context(), share); err != nil {
			logrus.WithField("canvas_id", share.CanvasID).WithError(err).Error("Failed to save share config")
			writeError(w, r, http.StatusInternalServerError, "Failed to save share config")
			return
		}
		render.JSON(w, r, share)
	}
}

// HandleRotateLink replaces the link token; joins with the old one fail with InvalidLink.
func HandleRotateLink(store core.CanvasStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, share, ok := loadOwned(w, r, store)
		if !ok {
			return
		}
		share.LinkToken = NewLinkToken()

		if err := store.SaveShareConfig(r.Context(), share); err != nil {
			logrus.WithField("canvas_id", share.CanvasID).WithError(err).Error("Failed to rotate link token")
			writeError(w, r, http.StatusInternalServerError, "Failed to rotate link token")
			return
		}
		logrus.WithField("canvas_id", share.CanvasID).Info("Share link rotated")
		render.JSON(w, r, share)
	}
}

// Routes mounts the owner API. auth must place middleware.Claims in the context.
func Routes(store core.CanvasStore, defaultCapacity int, auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(auth)
	r.Post("/", HandleCreateCanvas(store, defaultCapacity))
	r.Get("/{id}", HandleGetCanvas(store))
	r.Put("/{id}/share", HandleUpdateShare(store))
	r.Post("/{id}/share/rotate", HandleRotateLink(store))
	return r
}
