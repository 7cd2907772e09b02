package auth

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	// ErrUnauthenticated means no credential was presented or it did not verify.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized means the identity is known but not allowed to act.
	ErrUnauthorized = errors.New("unauthorized")
)

const (
	guestPrefix  = "guest-"
	maxGuestName = 100 // characters
)

// Identity is the caller behind a verified credential, or a guest.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Guest  bool   `json:"guest"`
}

// Authorizer turns a bearer credential into an Identity.
type Authorizer interface {
	Authenticate(ctx context.Context, credential string) (Identity, error)
}

// BearerToken extracts the credential from an Authorization header value.
// Both "Bearer" and "Token" schemes are accepted.
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return "", false
	}
	switch parts[0] {
	case "Bearer", "Token":
		return parts[1], true
	}
	return "", false
}

// NewGuest creates a guest identity with a fresh id. Guests never share an
// id with an authenticated user.
func NewGuest(name string) Identity {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Guest"
	}
	if utf8.RuneCountInString(name) > maxGuestName {
		name = string([]rune(name)[:maxGuestName])
	}
	return Identity{
		UserID: guestPrefix + uuid.NewString(),
		Name:   name,
		Guest:  true,
	}
}

// IsGuestID reports whether id was minted by NewGuest.
func IsGuestID(id string) bool {
	return strings.HasPrefix(id, guestPrefix)
}
