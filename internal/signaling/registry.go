package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/meeting-signaling/internal/ice"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

const endedRetention = time.Hour

// Registration is the outcome of a successful Register.
type Registration struct {
	PeerID string
	// Replaced is set when an earlier session of the same participant was
	// closed to make room for this one.
	Replaced *Departure
}

// Departure describes a member that left a room.
type Departure struct {
	ParticipantID       string
	ParticipantName     string
	PeerID              string
	ScreenShareReleased bool
	// Waiting is set when the session was parked in the waiting room and
	// never became a member.
	Waiting bool
}

type room struct {
	id string

	mu       sync.Mutex
	members  map[string]*Session // by participant id
	byPeer   map[string]*Session
	waiting  map[string]*Session // by participant id
	nextPeer int
	meeting  models.Meeting

	recording    bool
	screenSharer string // participant id
	iceServers   []webrtc.ICEServer
	iceExpires   time.Time // zero: valid for the room's lifetime

	ended  bool
	closed bool // removed from the registry; callers must look it up again

	graceTimer *time.Timer
	graceGen   uint64
}

// Registry maps meeting ids to live rooms.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
	ended map[string]time.Time

	store        store.Store
	participants *ParticipantStore
	grace        time.Duration

	// onTeardown runs after a room is removed, outside all locks.
	onTeardown func(meetingID string, recording bool)
}

func NewRegistry(st store.Store, participants *ParticipantStore, grace time.Duration) *Registry {
	return &Registry{
		rooms:        make(map[string]*room),
		ended:        make(map[string]time.Time),
		store:        st,
		participants: participants,
		grace:        grace,
	}
}

func (r *Registry) get(meetingID string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[meetingID]
}

func (r *Registry) acquire(m *models.Meeting) (*room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ended[m.ID]; ok {
		return nil, fmt.Errorf("%w: meeting %s has ended", ErrRoomUnavailable, m.ID)
	}
	rm, ok := r.rooms[m.ID]
	if !ok {
		rm = &room{
			id:      m.ID,
			members: make(map[string]*Session),
			byPeer:  make(map[string]*Session),
			waiting: make(map[string]*Session),
			meeting: *m,
		}
		r.rooms[m.ID] = rm
		log.Info().Str("module", "signaling.registry").Str("meeting_id", m.ID).Msg("created room")
	}
	return rm, nil
}

func (r *Registry) joinableMeeting(ctx context.Context, meetingID string) (*models.Meeting, error) {
	m, err := r.store.GetMeeting(ctx, meetingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: meeting %s not found", ErrRoomUnavailable, meetingID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRoomUnavailable, err)
	}
	if !m.Status.Joinable() {
		return nil, fmt.Errorf("%w: meeting is %s", ErrRoomUnavailable, m.Status)
	}
	return m, nil
}

// Register makes s the live member for participantID. A previous session of
// the same participant is closed first; Register returns only after it has
// reached Closed (bounded by its close timeout). The participant record must
// already be loaded into the participant store.
func (r *Registry) Register(ctx context.Context, meetingID, participantID string, s *Session) (Registration, error) {
	m, err := r.joinableMeeting(ctx, meetingID)
	if err != nil {
		return Registration{}, err
	}

	var replaced *Departure
	for {
		rm, err := r.acquire(m)
		if err != nil {
			return Registration{}, err
		}

		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		if rm.ended {
			rm.mu.Unlock()
			r.releaseIfIdle(rm)
			return Registration{}, fmt.Errorf("%w: meeting has ended", ErrRoomUnavailable)
		}

		if old := rm.members[participantID]; old != nil && old != s {
			dep := r.detachLocked(rm, participantID, old)
			rm.mu.Unlock()
			if replaced == nil {
				replaced = &dep
			}
			old.Close("superseded by a new connection")
			continue
		}
		if w := rm.waiting[participantID]; w != nil && w != s {
			delete(rm.waiting, participantID)
			rm.mu.Unlock()
			w.Close("superseded by a new connection")
			continue
		}

		if rm.meeting.MaxParticipants > 0 && len(rm.members) >= rm.meeting.MaxParticipants {
			rm.mu.Unlock()
			r.releaseIfIdle(rm)
			return Registration{}, ErrRoomFull
		}

		peerID := fmt.Sprintf("p%d", rm.nextPeer+1)
		if err := r.participants.Bind(meetingID, participantID, s.ID(), peerID); err != nil {
			rm.mu.Unlock()
			r.releaseIfIdle(rm)
			return Registration{}, err
		}
		if err := s.open(peerID); err != nil {
			r.participants.Unbind(meetingID, participantID, s.ID())
			rm.mu.Unlock()
			r.releaseIfIdle(rm)
			return Registration{}, err
		}
		rm.nextPeer++
		rm.members[participantID] = s
		rm.byPeer[peerID] = s
		delete(rm.waiting, participantID)
		stopGraceLocked(rm)
		rm.mu.Unlock()

		log.Info().Str("module", "signaling.registry").
			Str("meeting_id", meetingID).
			Str("participant_id", participantID).
			Str("session_id", s.ID()).
			Str("peer_id", peerID).
			Msg("registered session")
		return Registration{PeerID: peerID, Replaced: replaced}, nil
	}
}

// detachLocked removes a member without arming the grace timer.
func (r *Registry) detachLocked(rm *room, participantID string, s *Session) Departure {
	peerID := s.PeerID()
	delete(rm.members, participantID)
	delete(rm.byPeer, peerID)

	dep := Departure{ParticipantID: participantID, ParticipantName: s.Identity().Name, PeerID: peerID}
	if rm.screenSharer == participantID {
		rm.screenSharer = ""
		dep.ScreenShareReleased = true
	}
	r.participants.Unbind(rm.id, participantID, s.ID())
	return dep
}

// Unregister removes s if it is still the live session of its participant.
// It reports false for sessions that were superseded or never joined.
func (r *Registry) Unregister(s *Session) (Departure, bool) {
	rm := r.get(s.MeetingID())
	if rm == nil {
		return Departure{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	pid := s.ParticipantID()
	var dep Departure
	switch {
	case rm.members[pid] == s:
		dep = r.detachLocked(rm, pid, s)
	case rm.waiting[pid] == s:
		delete(rm.waiting, pid)
		r.participants.Unbind(rm.id, pid, s.ID())
		dep = Departure{ParticipantID: pid, ParticipantName: s.Identity().Name, Waiting: true}
	default:
		return Departure{}, false
	}

	log.Info().Str("module", "signaling.registry").
		Str("meeting_id", rm.id).
		Str("participant_id", pid).
		Str("session_id", s.ID()).
		Msg("unregistered session")
	r.armGraceLocked(rm)
	return dep, true
}

// Park holds s in the waiting room until a moderator admits it.
func (r *Registry) Park(ctx context.Context, meetingID, participantID string, s *Session) error {
	m, err := r.joinableMeeting(ctx, meetingID)
	if err != nil {
		return err
	}
	for {
		rm, err := r.acquire(m)
		if err != nil {
			return err
		}
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		if rm.ended {
			rm.mu.Unlock()
			r.releaseIfIdle(rm)
			return fmt.Errorf("%w: meeting has ended", ErrRoomUnavailable)
		}
		if old := rm.waiting[participantID]; old != nil && old != s {
			delete(rm.waiting, participantID)
			rm.mu.Unlock()
			old.Close("superseded by a new connection")
			continue
		}
		if err := r.participants.Park(meetingID, participantID, s.ID()); err != nil {
			rm.mu.Unlock()
			r.releaseIfIdle(rm)
			return err
		}
		rm.waiting[participantID] = s
		s.setParked(true)
		stopGraceLocked(rm)
		rm.mu.Unlock()
		return nil
	}
}

// TakeWaiting removes and returns the parked session of participantID.
func (r *Registry) TakeWaiting(meetingID, participantID string) (*Session, error) {
	rm := r.get(meetingID)
	if rm == nil {
		return nil, ErrNotFound
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	s, ok := rm.waiting[participantID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(rm.waiting, participantID)
	return s, nil
}

func (r *Registry) armGraceLocked(rm *room) {
	if rm.closed || rm.graceTimer != nil || len(rm.members) > 0 || len(rm.waiting) > 0 {
		return
	}
	rm.graceGen++
	gen := rm.graceGen
	rm.graceTimer = time.AfterFunc(r.grace, func() { r.expire(rm, gen) })
	log.Debug().Str("module", "signaling.registry").
		Str("meeting_id", rm.id).
		Dur("grace", r.grace).
		Msg("room empty, grace timer armed")
}

func stopGraceLocked(rm *room) {
	if rm.graceTimer != nil {
		rm.graceTimer.Stop()
		rm.graceTimer = nil
	}
	rm.graceGen++
}

func (r *Registry) expire(rm *room, gen uint64) {
	r.mu.Lock()
	rm.mu.Lock()
	if rm.graceGen != gen || rm.closed || len(rm.members) > 0 || len(rm.waiting) > 0 {
		rm.mu.Unlock()
		r.mu.Unlock()
		return
	}
	recording := r.teardownLocked(rm)
	rm.mu.Unlock()
	r.mu.Unlock()

	log.Info().Str("module", "signaling.registry").Str("meeting_id", rm.id).Msg("grace period expired, room torn down")
	if r.onTeardown != nil {
		r.onTeardown(rm.id, recording)
	}
}

// teardownLocked needs both the registry and the room lock. The live
// participant table goes with the room, so a join racing the teardown
// reloads its record from the durable store.
func (r *Registry) teardownLocked(rm *room) (recording bool) {
	recording = rm.recording
	rm.closed = true
	rm.recording = false
	rm.screenSharer = ""
	rm.iceServers = nil
	rm.iceExpires = time.Time{}
	if rm.graceTimer != nil {
		rm.graceTimer.Stop()
		rm.graceTimer = nil
	}
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
		r.participants.Drop(rm.id)
	}
	return recording
}

// releaseIfIdle drops a room that never got a member, e.g. after a failed
// first join.
func (r *Registry) releaseIfIdle(rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed || rm.graceTimer != nil || len(rm.members) > 0 || len(rm.waiting) > 0 {
		return
	}
	if rm.nextPeer > 0 || rm.recording {
		r.armGraceLocked(rm)
		return
	}
	r.teardownLocked(rm)
}

// MarkEnded rejects every later join to the meeting.
func (r *Registry) MarkEnded(meetingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, at := range r.ended {
		if now.Sub(at) > endedRetention {
			delete(r.ended, id)
		}
	}
	r.ended[meetingID] = now
	if rm := r.rooms[meetingID]; rm != nil {
		rm.mu.Lock()
		rm.ended = true
		rm.mu.Unlock()
	}
}

// Teardown removes the room now and returns every session it held. The
// sessions are not closed.
func (r *Registry) Teardown(meetingID string) (sessions []*Session, recording bool) {
	r.mu.Lock()
	rm := r.rooms[meetingID]
	if rm == nil {
		r.mu.Unlock()
		return nil, false
	}
	rm.mu.Lock()
	for _, s := range rm.members {
		sessions = append(sessions, s)
	}
	for _, s := range rm.waiting {
		sessions = append(sessions, s)
	}
	rm.members = make(map[string]*Session)
	rm.byPeer = make(map[string]*Session)
	rm.waiting = make(map[string]*Session)
	recording = r.teardownLocked(rm)
	rm.mu.Unlock()
	r.mu.Unlock()

	log.Info().Str("module", "signaling.registry").
		Str("meeting_id", meetingID).
		Int("sessions", len(sessions)).
		Msg("room torn down")
	return sessions, recording
}

// Broadcast delivers msg to every member except the session excludeSessionID.
func (r *Registry) Broadcast(meetingID string, msg *models.SignalMessage, excludeSessionID string) {
	r.BroadcastFunc(meetingID, msg, func(s *Session) bool { return s.ID() != excludeSessionID })
}

// BroadcastFunc delivers msg to the members accepted by keep. The frame is
// encoded once. A member whose queue rejects it is closed asynchronously;
// the others still receive it.
func (r *Registry) BroadcastFunc(meetingID string, msg *models.SignalMessage, keep func(*Session) bool) {
	rm := r.get(meetingID)
	if rm == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Str("module", "signaling.registry").Err(err).Str("type", string(msg.Type)).Msg("failed to encode broadcast")
		return
	}

	var failed []*Session
	rm.mu.Lock()
	for _, s := range rm.members {
		if keep != nil && !keep(s) {
			continue
		}
		if err := s.TrySend(data); err != nil {
			failed = append(failed, s)
		}
	}
	rm.mu.Unlock()

	for _, s := range failed {
		log.Warn().Str("module", "signaling.registry").
			Str("meeting_id", meetingID).
			Str("session_id", s.ID()).
			Str("type", string(msg.Type)).
			Msg("broadcast delivery failed, closing session")
		go s.Close("send buffer overflow")
	}
}

// SendTo delivers msg to the member holding peerID.
func (r *Registry) SendTo(meetingID, peerID string, msg *models.SignalMessage) error {
	s := r.SessionByPeer(meetingID, peerID)
	if s == nil {
		return ErrNotFound
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	if err := s.TrySend(data); err != nil {
		go s.Close("send buffer overflow")
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (r *Registry) SessionByPeer(meetingID, peerID string) *Session {
	rm := r.get(meetingID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.byPeer[peerID]
}

// PeerOf returns the peer id of the participant's live session.
func (r *Registry) PeerOf(meetingID, participantID string) (string, bool) {
	rm := r.get(meetingID)
	if rm == nil {
		return "", false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	s, ok := rm.members[participantID]
	if !ok {
		return "", false
	}
	return s.PeerID(), true
}

// Member returns the live session of participantID, or nil.
func (r *Registry) Member(meetingID, participantID string) *Session {
	rm := r.get(meetingID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.members[participantID]
}

func (r *Registry) Members(meetingID string) []*Session {
	rm := r.get(meetingID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*Session, 0, len(rm.members))
	for _, s := range rm.members {
		out = append(out, s)
	}
	return out
}

func (r *Registry) MemberCount(meetingID string) int {
	rm := r.get(meetingID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Meeting returns the settings snapshot taken when the room was created.
func (r *Registry) Meeting(meetingID string) (models.Meeting, bool) {
	rm := r.get(meetingID)
	if rm == nil {
		return models.Meeting{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.meeting, true
}

// UpdateMeeting refreshes the settings snapshot after a lifecycle change.
func (r *Registry) UpdateMeeting(m *models.Meeting) {
	rm := r.get(m.ID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	rm.meeting = *m
	rm.mu.Unlock()
}

// ClaimScreenShare gives the room's single screen share token to
// participantID. Claiming a token already held is a no-op.
func (r *Registry) ClaimScreenShare(meetingID, participantID string) error {
	rm := r.get(meetingID)
	if rm == nil {
		return ErrNotJoined
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.members[participantID]; !ok {
		return ErrNotJoined
	}
	if rm.screenSharer != "" && rm.screenSharer != participantID {
		return ErrAlreadySharing
	}
	rm.screenSharer = participantID
	return nil
}

func (r *Registry) ReleaseScreenShare(meetingID, participantID string) error {
	rm := r.get(meetingID)
	if rm == nil {
		return ErrNotSharing
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.screenSharer != participantID {
		return ErrNotSharing
	}
	rm.screenSharer = ""
	return nil
}

func (r *Registry) ScreenSharer(meetingID string) string {
	rm := r.get(meetingID)
	if rm == nil {
		return ""
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.screenSharer
}

// SetRecording flips the room's recording flag. Setting the value it already
// has fails with ErrRecordingState.
func (r *Registry) SetRecording(meetingID string, on bool) error {
	rm := r.get(meetingID)
	if rm == nil {
		return fmt.Errorf("%w: no active room", ErrRoomUnavailable)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed || rm.ended {
		return fmt.Errorf("%w: room is closing", ErrRoomUnavailable)
	}
	if rm.recording == on {
		return ErrRecordingState
	}
	rm.recording = on
	return nil
}

func (r *Registry) Recording(meetingID string) bool {
	rm := r.get(meetingID)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.recording
}

// ICEServers returns the room's cached ICE servers, asking p on first use.
// Providers handing out expiring credentials are asked again once half of
// the credential lifetime has passed.
func (r *Registry) ICEServers(ctx context.Context, meetingID string, p ice.Provider) ([]webrtc.ICEServer, error) {
	rm := r.get(meetingID)
	if rm != nil {
		rm.mu.Lock()
		cached := rm.iceServers
		fresh := rm.iceExpires.IsZero() || time.Now().Before(rm.iceExpires)
		rm.mu.Unlock()
		if cached != nil && fresh {
			return cached, nil
		}
	}

	servers, err := p.ICEServers(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	var expires time.Time
	if e, ok := p.(ice.Expiring); ok && e.CredentialTTL() > 0 {
		expires = time.Now().Add(e.CredentialTTL() / 2)
	}
	if rm != nil {
		rm.mu.Lock()
		if !rm.closed {
			rm.iceServers = servers
			rm.iceExpires = expires
		}
		rm.mu.Unlock()
	}
	return servers, nil
}
