package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const verifyPath = "/api/auth/verify-token/"

// RemoteAuthorizer asks the account service to verify a token.
type RemoteAuthorizer struct {
	baseURL string
	client  *http.Client
}

func NewRemoteAuthorizer(baseURL string, timeout time.Duration) *RemoteAuthorizer {
	return &RemoteAuthorizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type remoteUser struct {
	ID        json.RawMessage `json:"id"`
	Email     string          `json:"email"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	FullName  string          `json:"full_name"`
}

func (a *RemoteAuthorizer) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+verifyPath, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := a.client.Do(req)
	if err != nil {
		log.Error().Str("module", "auth.remote").Err(err).Msg("auth service request failed")
		return Identity{}, fmt.Errorf("auth service unavailable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return Identity{}, fmt.Errorf("%w: invalid or expired token", ErrUnauthenticated)
	default:
		log.Error().Str("module", "auth.remote").Int("status", resp.StatusCode).Msg("auth service error")
		return Identity{}, fmt.Errorf("auth service returned %d", resp.StatusCode)
	}

	var user remoteUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Identity{}, fmt.Errorf("failed to decode auth response: %w", err)
	}
	// ids arrive as numbers or strings depending on the account backend
	userID := strings.Trim(string(user.ID), `"`)
	if userID == "" || userID == "null" {
		return Identity{}, fmt.Errorf("%w: auth response without user id", ErrUnauthenticated)
	}

	name := user.FullName
	if name == "" {
		name = strings.TrimSpace(user.FirstName + " " + user.LastName)
	}
	if name == "" {
		name = user.Email
	}
	return Identity{UserID: userID, Name: name, Email: user.Email}, nil
}
