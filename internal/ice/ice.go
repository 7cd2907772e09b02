package ice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meeting-signaling/config"
)

// Provider hands out the ICE servers a client should use for a meeting.
type Provider interface {
	ICEServers(ctx context.Context, meetingID string) ([]webrtc.ICEServer, error)
}

// Expiring is implemented by providers whose credentials stop working after
// a while. Callers caching the servers must not keep them longer.
type Expiring interface {
	CredentialTTL() time.Duration
}

// Static returns the same list to every meeting.
type Static struct {
	servers []webrtc.ICEServer
}

func NewStatic(servers []webrtc.ICEServer) (*Static, error) {
	for _, s := range servers {
		if err := validateURLs(s.URLs); err != nil {
			return nil, err
		}
	}
	return &Static{servers: servers}, nil
}

func (s *Static) ICEServers(context.Context, string) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(s.servers))
	copy(out, s.servers)
	return out, nil
}

// TURNREST mints short-lived TURN credentials per meeting using the shared
// secret scheme understood by coturn (use-auth-secret): the username is
// "<expiry unix>:<meeting id>" and the credential is base64(HMAC-SHA1).
type TURNREST struct {
	stun   []string
	turn   []string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTURNREST(stunURLs, turnURLs []string, secret string, ttl time.Duration) (*TURNREST, error) {
	if err := validateURLs(stunURLs); err != nil {
		return nil, err
	}
	if err := validateURLs(turnURLs); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TURNREST{stun: stunURLs, turn: turnURLs, secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (t *TURNREST) ICEServers(_ context.Context, meetingID string) ([]webrtc.ICEServer, error) {
	var out []webrtc.ICEServer
	if len(t.stun) > 0 {
		out = append(out, webrtc.ICEServer{URLs: t.stun})
	}
	if len(t.turn) > 0 {
		username := strconv.FormatInt(t.now().Add(t.ttl).Unix(), 10) + ":" + meetingID
		mac := hmac.New(sha1.New, t.secret)
		mac.Write([]byte(username))
		out = append(out, webrtc.ICEServer{
			URLs:           t.turn,
			Username:       username,
			Credential:     base64.StdEncoding.EncodeToString(mac.Sum(nil)),
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return out, nil
}

func (t *TURNREST) CredentialTTL() time.Duration { return t.ttl }

// New builds the provider described by cfg.
func New(cfg config.ICEConfig) (Provider, error) {
	if cfg.TURNSecret != "" {
		return NewTURNREST(cfg.STUNURLs, cfg.TURNURLs, cfg.TURNSecret, cfg.TURNTTL)
	}

	var servers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}
	if len(cfg.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           cfg.TURNURLs,
			Username:       cfg.TURNUsername,
			Credential:     cfg.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return NewStatic(servers)
}

func validateURLs(urls []string) error {
	for _, raw := range urls {
		if _, err := stun.ParseURI(raw); err != nil {
			return fmt.Errorf("invalid ice url %q: %w", raw, err)
		}
	}
	return nil
}
