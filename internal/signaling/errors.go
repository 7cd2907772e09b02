package signaling

import (
	"errors"

	"github.com/mossy-p/meeting-signaling/internal/auth"
)

var (
	// ErrRoomUnavailable is returned when a meeting cannot be joined or has
	// already moved past the requested lifecycle state.
	ErrRoomUnavailable = errors.New("room unavailable")

	ErrInvalidTarget    = errors.New("invalid target")
	ErrAlreadySharing   = errors.New("screen share already in progress")
	ErrNotSharing       = errors.New("not the screen share holder")
	ErrMalformedMessage = errors.New("malformed message")

	// ErrDurabilityWriteFailed marks a durable write that was dropped or ran
	// out of retries. It is logged, never returned to clients.
	ErrDurabilityWriteFailed = errors.New("durability write failed")

	ErrTransport      = errors.New("transport error")
	ErrNotFound       = errors.New("not found")
	ErrNotJoined      = errors.New("not joined")
	ErrAlreadyJoined  = errors.New("already joined")
	ErrRecordingState = errors.New("recording state conflict")
	ErrRoomFull       = errors.New("room is full")
	ErrSessionClosed  = errors.New("session closed")
	ErrBackpressure   = errors.New("send buffer full")
)

// ErrorCode maps an error to the code sent in error envelopes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomUnavailable):
		return "room_unavailable"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, ErrAlreadySharing):
		return "already_sharing"
	case errors.Is(err, ErrNotSharing):
		return "not_sharing"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrRecordingState):
		return "recording_state"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, auth.ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal_error"
	}
}
