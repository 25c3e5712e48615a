package collab

import "errors"

// Reason is the machine-readable cause carried by join and lock rejections.
type Reason string

const (
	ReasonNotFound           Reason = "NotFound"
	ReasonSharingDisabled    Reason = "SharingDisabled"
	ReasonInvalidLink        Reason = "InvalidLink"
	ReasonAccessCodeRequired Reason = "AccessCodeRequired"
	ReasonRoomFull           Reason = "RoomFull"
	ReasonRoleForbidden      Reason = "RoleForbidden"
	ReasonAlreadyLocked      Reason = "AlreadyLocked"
	ReasonNotHolder          Reason = "NotHolder"
	ReasonNotJoined          Reason = "NotJoined"
	ReasonAlreadyJoined      Reason = "AlreadyJoined"
	ReasonInvalidRequest     Reason = "InvalidRequest"
	ReasonRoomClosed         Reason = "RoomClosed"
	ReasonUnavailable        Reason = "Unavailable"
)

// Error is a rejection reported to the acting connection only.
type Error struct {
	Reason Reason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same reason, so wrapped copies still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

var (
	ErrNotFound           = &Error{Reason: ReasonNotFound, Msg: "canvas not found"}
	ErrSharingDisabled    = &Error{Reason: ReasonSharingDisabled, Msg: "sharing is disabled for this canvas"}
	ErrInvalidLink        = &Error{Reason: ReasonInvalidLink, Msg: "share link is invalid"}
	ErrAccessCodeRequired = &Error{Reason: ReasonAccessCodeRequired, Msg: "a valid access code is required"}
	ErrRoomFull           = &Error{Reason: ReasonRoomFull, Msg: "room is full"}
	ErrRoleForbidden      = &Error{Reason: ReasonRoleForbidden, Msg: "role does not allow this action"}
	ErrAlreadyLocked      = &Error{Reason: ReasonAlreadyLocked, Msg: "item is locked by another participant"}
	ErrNotHolder          = &Error{Reason: ReasonNotHolder, Msg: "lock is not held by requester"}
	ErrNotJoined          = &Error{Reason: ReasonNotJoined, Msg: "connection has not joined a room"}
	ErrAlreadyJoined      = &Error{Reason: ReasonAlreadyJoined, Msg: "connection already joined a room"}
	ErrInvalidRequest     = &Error{Reason: ReasonInvalidRequest, Msg: "invalid request"}
	ErrRoomClosed         = &Error{Reason: ReasonRoomClosed, Msg: "room is closed"}
)

func unavailable(err error) error {
	return &Error{Reason: ReasonUnavailable, Msg: "share configuration unavailable", Err: err}
}

func invalid(msg string) error {
	return &Error{Reason: ReasonInvalidRequest, Msg: msg}
}

// ReasonOf extracts the rejection reason from err, or "" if err is not a collab error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
