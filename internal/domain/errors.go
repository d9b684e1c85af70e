package domain

import "errors"

var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrRoomNotFound       = errors.New("room not found")
	ErrEndRequestExpired  = errors.New("end request expired")
	ErrNoOpponentResponse = errors.New("no response from opponent")
	ErrNotYourTurn        = errors.New("not your turn")
	ErrTurnConflict       = errors.New("concurrent turn resolved")
	ErrInvalidState       = errors.New("invalid state")
	ErrSessionCompleted   = errors.New("session completed")
	ErrMediaDevice        = errors.New("media device unavailable")

	// ErrTransient marks channel failures the caller may retry.
	ErrTransient = errors.New("transient channel failure")
)
