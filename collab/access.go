package collab

import (
	"context"
	"crypto/subtle"
	"errors"

	"canvas-collab/core"
)

// Grant is the outcome of a successful authorization.
type Grant struct {
	Role  core.Role
	Share core.ShareConfig
}

// Access validates join requests against a canvas's share configuration.
type Access struct {
	store core.CanvasStore
}

func NewAccess(store core.CanvasStore) *Access {
	return &Access{store: store}
}

// Authorize checks canvasID's share configuration against the supplied link token
// and access code. It has no side effects.
func (a *Access) Authorize(ctx context.Context, canvasID, linkToken, accessCode string) (*Grant, error) {
	if canvasID == "" {
		return nil, invalid("canvas id is required")
	}

	share, err := a.store.GetShareConfig(ctx, canvasID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}

	if !share.Enabled {
		return nil, ErrSharingDisabled
	}
	// A rotated link must fail rather than fall back to some weaker access.
	if linkToken != "" && !secretEqual(linkToken, share.LinkToken) {
		return nil, ErrInvalidLink
	}
	if share.AccessCode != "" && !secretEqual(accessCode, share.AccessCode) {
		return nil, ErrAccessCodeRequired
	}

	role := share.Role
	if !role.Valid() {
		role = core.RoleView
	}
	return &Grant{Role: role, Share: *share}, nil
}

func secretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
