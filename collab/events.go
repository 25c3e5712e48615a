package collab

import "canvas-collab/core"

// Inbound event names.
const (
	EventJoin         = "join"
	EventCursorMove   = "cursorMove"
	EventSelectionSet = "selectionSet"
	EventLockAcquire  = "lockAcquire"
	EventLockRelease  = "lockRelease"
)

// Outbound event names.
const (
	EventJoined            = "joined"
	EventJoinError         = "joinError"
	EventParticipantJoined = "participantJoined"
	EventParticipantLeft   = "participantLeft"
	EventCursorUpdated     = "cursorUpdated"
	EventSelectionUpdated  = "selectionUpdated"
	EventLockGranted       = "lockGranted"
	EventLockDenied        = "lockDenied"
	EventLockReleased      = "lockReleased"
	EventRoomClosed        = "roomClosed"
)

// Event is one outbound message. Data is one of the payload structs below.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type (
	JoinRequest struct {
		CanvasID    string `json:"canvasId"`
		LinkToken   string `json:"linkToken,omitempty"`
		AccessCode  string `json:"accessCode,omitempty"`
		DisplayName string `json:"displayName"`
	}

	CursorMove struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	SelectionSet struct {
		ItemID *string `json:"itemId"`
	}

	LockRequest struct {
		ItemID string `json:"itemId"`
	}
)

type (
	Joined struct {
		ParticipantID   string            `json:"participantId"`
		Role            core.Role         `json:"role"`
		Roster          []Participant     `json:"roster"`
		Locks           map[string]string `json:"locks"`
		ShareConfig     core.ShareConfig  `json:"shareConfig"`
		CursorRateLimit int               `json:"cursorRateLimit"`
	}

	JoinError struct {
		Reason          Reason `json:"reason"`
		MaxParticipants int    `json:"maxParticipants,omitempty"`
	}

	ParticipantJoined struct {
		Participant Participant `json:"participant"`
	}

	ParticipantLeft struct {
		ParticipantID string `json:"participantId"`
	}

	CursorUpdated struct {
		ParticipantID string  `json:"participantId"`
		X             float64 `json:"x"`
		Y             float64 `json:"y"`
	}

	SelectionUpdated struct {
		ParticipantID string  `json:"participantId"`
		ItemID        *string `json:"itemId"`
	}

	LockGranted struct {
		ItemID string `json:"itemId"`
		Holder string `json:"holder"`
	}

	LockDenied struct {
		ItemID string `json:"itemId"`
		Reason Reason `json:"reason"`
	}

	LockReleased struct {
		ItemID string `json:"itemId"`
	}

	RoomClosed struct {
		Reason string `json:"reason"`
	}
)
