package signaling

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *ParticipantStore, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	createMeeting(t, st, openMeeting("m1"))
	syncer := NewSyncer(testSyncConfig())
	t.Cleanup(func() { syncer.Close(context.Background()) })
	ps := NewParticipantStore(st, syncer)
	return NewRegistry(st, ps, time.Minute), ps, st
}

func registerUser(t *testing.T, r *Registry, ps *ParticipantStore, id string, cfg SessionConfig) *Session {
	t.Helper()
	ps.Ensure(models.Participant{MeetingID: "m1", ID: id, Name: id, Status: models.ParticipantInvited})
	s := NewSession(newFakeConn(), "m1", user(id, id), cfg)
	if _, err := r.Register(context.Background(), "m1", id, s); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return s
}

func TestSendToUnknownPeer(t *testing.T) {
	r, ps, _ := newTestRegistry(t)
	registerUser(t, r, ps, "u1", testSessionConfig())

	err := r.SendTo("m1", "p7", &models.SignalMessage{Type: models.TypeOffer})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := r.SendTo("m1", "p1", &models.SignalMessage{Type: models.TypeOffer}); err != nil {
		t.Errorf("send to p1: %v", err)
	}
}

func TestBroadcastSurvivesAFailingPeer(t *testing.T) {
	r, ps, _ := newTestRegistry(t)
	cfg := testSessionConfig()
	cfg.SendBuffer = 1

	// no write loops run here, so each buffer holds exactly one frame
	slow := registerUser(t, r, ps, "u1", cfg)
	slow.TrySend([]byte(`{}`))
	healthy := registerUser(t, r, ps, "u2", cfg)

	r.Broadcast("m1", &models.SignalMessage{Type: models.TypePong}, "")

	if err := healthy.TrySend([]byte(`{}`)); !errors.Is(err, ErrBackpressure) {
		t.Errorf("healthy peer did not receive the broadcast")
	}
	select {
	case <-slow.Done():
	case <-time.After(waitTimeout):
		t.Fatal("overflowing peer was not closed")
	}
}

func TestRegisterRejectsEndedMeeting(t *testing.T) {
	r, ps, _ := newTestRegistry(t)
	registerUser(t, r, ps, "u1", testSessionConfig())
	r.MarkEnded("m1")

	ps.Ensure(models.Participant{MeetingID: "m1", ID: "u2", Status: models.ParticipantInvited})
	s := NewSession(newFakeConn(), "m1", user("u2", "u2"), testSessionConfig())
	if _, err := r.Register(context.Background(), "m1", "u2", s); !errors.Is(err, ErrRoomUnavailable) {
		t.Errorf("err = %v, want ErrRoomUnavailable", err)
	}
}

func TestSetRecordingRejectsNoOps(t *testing.T) {
	r, ps, _ := newTestRegistry(t)
	if err := r.SetRecording("m1", true); !errors.Is(err, ErrRoomUnavailable) {
		t.Errorf("no room: err = %v", err)
	}
	registerUser(t, r, ps, "u1", testSessionConfig())
	if err := r.SetRecording("m1", false); !errors.Is(err, ErrRecordingState) {
		t.Errorf("stop while idle: err = %v", err)
	}
	if err := r.SetRecording("m1", true); err != nil {
		t.Fatal(err)
	}
	if !r.Recording("m1") {
		t.Error("recording flag not set")
	}
}

type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) ICEServers(context.Context, string) ([]webrtc.ICEServer, error) {
	p.calls.Add(1)
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}, nil
}

type expiringProvider struct {
	countingProvider
	ttl time.Duration
}

func (p *expiringProvider) CredentialTTL() time.Duration { return p.ttl }

func TestICEServersAreCachedPerRoom(t *testing.T) {
	r, ps, _ := newTestRegistry(t)
	registerUser(t, r, ps, "u1", testSessionConfig())
	ctx := context.Background()

	p := &countingProvider{}
	for range 3 {
		if _, err := r.ICEServers(ctx, "m1", p); err != nil {
			t.Fatal(err)
		}
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestExpiringICECredentialsAreRefreshed(t *testing.T) {
	r, ps, _ := newTestRegistry(t)
	registerUser(t, r, ps, "u1", testSessionConfig())
	ctx := context.Background()

	p := &expiringProvider{ttl: 20 * time.Millisecond}
	r.ICEServers(ctx, "m1", p)
	r.ICEServers(ctx, "m1", p)
	if n := p.calls.Load(); n != 1 {
		t.Fatalf("provider calls within ttl = %d, want 1", n)
	}

	time.Sleep(15 * time.Millisecond)
	r.ICEServers(ctx, "m1", p)
	if n := p.calls.Load(); n != 2 {
		t.Errorf("provider calls after half the ttl = %d, want 2", n)
	}
}

func TestTeardownDropsLiveParticipants(t *testing.T) {
	r, ps, _ := newTestRegistry(t)
	registerUser(t, r, ps, "u1", testSessionConfig())

	r.Teardown("m1")
	if _, err := ps.Get("m1", "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want the live record gone", err)
	}
}
