// Package signaling is the real-time core of the meeting service: rooms,
// sessions, message routing, live participant state and the meeting
// lifecycle.
package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mossy-p/meeting-signaling/internal/auth"
	"github.com/mossy-p/meeting-signaling/internal/ice"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

const DefaultGracePeriod = 30 * time.Second

type Options struct {
	Store       store.Store
	ICE         ice.Provider
	Recorder    Recorder
	Session     SessionConfig
	Sync        SyncConfig
	GracePeriod time.Duration
}

// Hub wires the signaling components together and owns every live session.
type Hub struct {
	store        store.Store
	syncer       *Syncer
	participants *ParticipantStore
	registry     *Registry
	coordinator  *Coordinator
	router       *Router
	sessionCfg   SessionConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	if opts.ICE == nil {
		opts.ICE = &ice.Static{}
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	syncer := NewSyncer(opts.Sync)
	participants := NewParticipantStore(opts.Store, syncer)
	registry := NewRegistry(opts.Store, participants, opts.GracePeriod)
	coordinator := NewCoordinator(opts.Store, registry, participants, syncer, opts.Recorder)
	registry.onTeardown = coordinator.recordingStopped

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:        opts.Store,
		syncer:       syncer,
		participants: participants,
		registry:     registry,
		coordinator:  coordinator,
		router:       NewRouter(opts.Store, registry, participants, coordinator, syncer, opts.ICE),
		sessionCfg:   opts.Session,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Serve runs a session for an authenticated connection and blocks until it
// is closed and its departure has been handled.
func (h *Hub) Serve(conn Conn, meetingID string, ident auth.Identity) {
	s := NewSession(conn, meetingID, ident, h.sessionCfg)

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		s.Close("server shutting down")
		return
	}
	h.active.Add(1)
	h.mu.Unlock()
	defer h.active.Done()

	log.Info().Str("module", "signaling.hub").
		Str("meeting_id", meetingID).
		Str("participant_id", ident.UserID).
		Str("session_id", s.ID()).
		Bool("guest", ident.Guest).
		Msg("session connected")
	s.Run(h.ctx, h.router)
}

func (h *Hub) Coordinator() *Coordinator { return h.coordinator }
func (h *Hub) Registry() *Registry       { return h.registry }

// Participants returns the live records bound to a session in the meeting.
func (h *Hub) Participants(meetingID string) []models.Participant {
	return h.participants.Snapshot(meetingID)
}

func (h *Hub) MemberCount(meetingID string) int {
	return h.registry.MemberCount(meetingID)
}

// Shutdown closes every session, then flushes pending durable writes.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Str("module", "signaling.hub").Msg("sessions still open at shutdown deadline")
	}
	return h.syncer.Close(ctx)
}
