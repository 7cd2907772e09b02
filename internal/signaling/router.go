package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/meeting-signaling/internal/auth"
	"github.com/mossy-p/meeting-signaling/internal/ice"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

const maxChatLength = 4000

type handlerFunc func(ctx context.Context, s *Session, msg *models.SignalMessage) error

// Router dispatches decoded frames by message type.
type Router struct {
	store        store.Store
	registry     *Registry
	participants *ParticipantStore
	coordinator  *Coordinator
	syncer       *Syncer
	ice          ice.Provider
	now          func() time.Time

	handlers map[models.MessageType]handlerFunc
}

// Frames a session may send before it has joined.
var preJoin = map[models.MessageType]bool{
	models.TypeJoinRoom:  true,
	models.TypePing:      true,
	models.TypeLeaveRoom: true,
}

func NewRouter(st store.Store, registry *Registry, participants *ParticipantStore, coordinator *Coordinator, syncer *Syncer, provider ice.Provider) *Router {
	rt := &Router{
		store:        st,
		registry:     registry,
		participants: participants,
		coordinator:  coordinator,
		syncer:       syncer,
		ice:          provider,
		now:          time.Now,
	}
	rt.handlers = map[models.MessageType]handlerFunc{
		models.TypeJoinRoom:         rt.handleJoin,
		models.TypeLeaveRoom:        rt.handleLeave,
		models.TypeOffer:            rt.handleRelay,
		models.TypeAnswer:           rt.handleRelay,
		models.TypeICECandidate:     rt.handleRelay,
		models.TypeMediaControl:     rt.handleMediaControl,
		models.TypeChatMessage:      rt.handleChat,
		models.TypeScreenShare:      rt.handleScreenShare,
		models.TypePing:             rt.handlePing,
		models.TypeAdmitParticipant: rt.handleAdmit,
		models.TypeSetRole:          rt.handleSetRole,
		models.TypeStartRecording:   rt.handleStartRecording,
		models.TypeStopRecording:    rt.handleStopRecording,
		models.TypeEndMeeting:       rt.handleEndMeeting,
	}
	return rt
}

func (rt *Router) HandleMessage(ctx context.Context, s *Session, msg *models.SignalMessage) {
	h, ok := rt.handlers[msg.Type]
	if !ok {
		log.Warn().Str("module", "signaling.router").
			Str("session_id", s.ID()).
			Str("type", string(msg.Type)).
			Msg("unknown message type")
		return
	}
	if !preJoin[msg.Type] && s.State() != StateOpen {
		rt.replyError(s, msg.Type, ErrNotJoined)
		return
	}
	err := h(ctx, s, msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedMessage):
		log.Warn().Str("module", "signaling.router").
			Err(err).
			Str("session_id", s.ID()).
			Str("type", string(msg.Type)).
			Msg("dropping malformed message")
	default:
		rt.replyError(s, msg.Type, err)
	}
}

func (rt *Router) HandleDisconnect(s *Session) {
	dep, ok := rt.registry.Unregister(s)
	if !ok {
		return
	}
	rt.announceDeparture(s.MeetingID(), dep, "")
}

func (rt *Router) replyError(s *Session, inReplyTo models.MessageType, err error) {
	code := ErrorCode(err)
	text := err.Error()
	if code == "internal_error" {
		log.Error().Str("module", "signaling.router").
			Err(err).
			Str("session_id", s.ID()).
			Str("type", string(inReplyTo)).
			Msg("request failed")
		text = "internal error"
	}
	_ = s.Send(&models.SignalMessage{
		Type:      models.TypeError,
		MeetingID: s.MeetingID(),
		Code:      code,
		Error:     text,
		InReplyTo: inReplyTo,
	})
}

func isModerator(s *Session) bool { return s.Role().IsModerator() }

func (rt *Router) handleJoin(ctx context.Context, s *Session, msg *models.SignalMessage) error {
	if s.State() == StateOpen {
		return ErrAlreadyJoined
	}
	if msg.MeetingID != "" && msg.MeetingID != s.MeetingID() {
		return fmt.Errorf("%w: connection belongs to meeting %s", ErrInvalidTarget, s.MeetingID())
	}

	m, err := rt.registry.joinableMeeting(ctx, s.MeetingID())
	if err != nil {
		return err
	}
	err = rt.join(ctx, s, m, msg)
	if errors.Is(err, ErrNotFound) {
		// the room was torn down between loading the record and binding
		// it, taking the live table along; load it again
		err = rt.join(ctx, s, m, msg)
	}
	return err
}

func (rt *Router) join(ctx context.Context, s *Session, m *models.Meeting, msg *models.SignalMessage) error {
	rec, err := rt.resolveParticipant(ctx, m, s.Identity())
	if err != nil {
		return err
	}
	s.setRole(rec.Role)

	rt.participants.SetMedia(m.ID, rec.ID, MediaAudioMuted, msg.AudioMuted)
	rt.participants.SetMedia(m.ID, rec.ID, MediaVideoDisabled, msg.VideoDisabled)

	if m.WaitingRoomEnabled && !rec.Role.IsModerator() && !rec.Admitted {
		return rt.park(ctx, s, rec)
	}
	return rt.completeJoin(ctx, s)
}

// resolveParticipant finds or creates the record for ident. Without a
// record, guests need a meeting that allows them, and signed-in users other
// than the host need an open meeting or an invitation.
func (rt *Router) resolveParticipant(ctx context.Context, m *models.Meeting, ident auth.Identity) (models.Participant, error) {
	rec, err := rt.participants.Load(ctx, m.ID, ident.UserID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Participant{}, err
	}

	role := models.RoleParticipant
	switch {
	case !ident.Guest && ident.UserID == m.HostID:
		role = models.RoleHost
	case ident.Guest && !m.AllowGuests:
		return models.Participant{}, fmt.Errorf("%w: guests are not allowed in this meeting", auth.ErrUnauthorized)
	case !ident.Guest && !m.Open && !m.AllowGuests:
		return models.Participant{}, fmt.Errorf("%w: not invited to this meeting", auth.ErrUnauthorized)
	}

	rec = models.Participant{
		MeetingID: m.ID,
		ID:        ident.UserID,
		Name:      ident.Name,
		IsGuest:   ident.Guest,
		Role:      role,
		Status:    models.ParticipantInvited,
	}
	if !ident.Guest {
		rec.UserID = ident.UserID
	}
	return rt.participants.Ensure(rec), nil
}

func (rt *Router) park(ctx context.Context, s *Session, rec models.Participant) error {
	if !s.Parked() {
		if err := rt.registry.Park(ctx, s.MeetingID(), rec.ID, s); err != nil {
			return err
		}
		rt.registry.BroadcastFunc(s.MeetingID(), &models.SignalMessage{
			Type:            models.TypeParticipantWaiting,
			MeetingID:       s.MeetingID(),
			ParticipantID:   rec.ID,
			ParticipantName: rec.Name,
		}, isModerator)
	}
	return s.Send(&models.SignalMessage{
		Type:          models.TypeWaitingRoom,
		MeetingID:     s.MeetingID(),
		ParticipantID: rec.ID,
		Message:       "waiting for the host to admit you",
	})
}

// completeJoin registers s, replies room_joined and announces the new peer.
func (rt *Router) completeJoin(ctx context.Context, s *Session) error {
	meetingID := s.MeetingID()
	reg, err := rt.registry.Register(ctx, meetingID, s.ParticipantID(), s)
	if err != nil {
		return err
	}
	if reg.Replaced != nil {
		rt.announceDeparture(meetingID, *reg.Replaced, s.ID())
	}

	servers, err := rt.registry.ICEServers(ctx, meetingID, rt.ice)
	if err != nil {
		log.Error().Str("module", "signaling.router").Err(err).Str("meeting_id", meetingID).Msg("failed to get ice servers")
	}
	rec, err := rt.participants.Get(meetingID, s.ParticipantID())
	if err != nil {
		return err
	}

	_ = s.Send(&models.SignalMessage{
		Type:            models.TypeRoomJoined,
		MeetingID:       meetingID,
		PeerID:          reg.PeerID,
		ParticipantID:   rec.ID,
		ParticipantName: rec.Name,
		Role:            rec.Role,
		ICEServers:      servers,
		Participants:    rt.participants.Snapshot(meetingID),
		Recording:       rt.registry.Recording(meetingID),
		ScreenSharer:    rt.registry.ScreenSharer(meetingID),
	})
	rt.registry.Broadcast(meetingID, &models.SignalMessage{
		Type:            models.TypeParticipantJoined,
		MeetingID:       meetingID,
		PeerID:          reg.PeerID,
		ParticipantID:   rec.ID,
		ParticipantName: rec.Name,
		Role:            rec.Role,
		AudioMuted:      rec.AudioMuted,
		VideoDisabled:   rec.VideoDisabled,
	}, s.ID())
	return nil
}

func (rt *Router) announceDeparture(meetingID string, dep Departure, excludeSessionID string) {
	left := &models.SignalMessage{
		Type:            models.TypeParticipantLeft,
		MeetingID:       meetingID,
		ParticipantID:   dep.ParticipantID,
		ParticipantName: dep.ParticipantName,
		PeerID:          dep.PeerID,
	}
	if dep.Waiting {
		rt.registry.BroadcastFunc(meetingID, left, isModerator)
		return
	}
	if dep.ScreenShareReleased {
		rt.registry.Broadcast(meetingID, &models.SignalMessage{
			Type:          models.TypeScreenShare,
			MeetingID:     meetingID,
			Action:        models.ActionStop,
			ParticipantID: dep.ParticipantID,
			PeerID:        dep.PeerID,
		}, excludeSessionID)
	}
	rt.registry.Broadcast(meetingID, left, excludeSessionID)
}

func (rt *Router) handleLeave(_ context.Context, s *Session, _ *models.SignalMessage) error {
	s.Close("left the meeting")
	return nil
}

func (rt *Router) handlePing(_ context.Context, s *Session, _ *models.SignalMessage) error {
	return s.Send(&models.SignalMessage{
		Type:      models.TypePong,
		MeetingID: s.MeetingID(),
		Timestamp: models.Time(rt.now()),
	})
}

// handleRelay forwards offers, answers and candidates to one peer. The
// WebRTC payload is passed through untouched.
func (rt *Router) handleRelay(_ context.Context, s *Session, msg *models.SignalMessage) error {
	target := msg.TargetParticipant
	if target == "" {
		return fmt.Errorf("%w: target_participant is required", ErrInvalidTarget)
	}
	from := s.PeerID()
	if target == from {
		return fmt.Errorf("%w: cannot signal yourself", ErrInvalidTarget)
	}

	err := rt.registry.SendTo(s.MeetingID(), target, &models.SignalMessage{
		Type:            msg.Type,
		MeetingID:       s.MeetingID(),
		FromParticipant: from,
		ToParticipant:   target,
		ParticipantID:   s.ParticipantID(),
		Payload:         msg.Payload,
		SDP:             msg.SDP,
		Candidate:       msg.Candidate,
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: unknown peer %s", ErrInvalidTarget, target)
	}
	return err
}

func (rt *Router) handleMediaControl(_ context.Context, s *Session, msg *models.SignalMessage) error {
	if msg.Enabled == nil {
		return fmt.Errorf("%w: enabled is required", ErrMalformedMessage)
	}
	enabled := *msg.Enabled

	var (
		field MediaField
		value bool
	)
	switch msg.ControlType {
	case models.ControlAudio:
		field, value = MediaAudioMuted, !enabled
	case models.ControlVideo:
		field, value = MediaVideoDisabled, !enabled
	case models.ControlHand:
		field, value = MediaHandRaised, enabled
	default:
		return fmt.Errorf("%w: unknown control_type %q", ErrMalformedMessage, msg.ControlType)
	}

	meetingID := s.MeetingID()
	targetID, targetPeer := s.ParticipantID(), s.PeerID()
	if msg.TargetParticipant != "" && msg.TargetParticipant != targetPeer {
		if !isModerator(s) {
			return fmt.Errorf("%w: only hosts can change other participants", auth.ErrUnauthorized)
		}
		// moderators can switch things off for others, never on
		if enabled {
			return fmt.Errorf("%w: cannot enable media for another participant", auth.ErrUnauthorized)
		}
		ts := rt.registry.SessionByPeer(meetingID, msg.TargetParticipant)
		if ts == nil {
			return fmt.Errorf("%w: unknown peer %s", ErrInvalidTarget, msg.TargetParticipant)
		}
		targetID, targetPeer = ts.ParticipantID(), msg.TargetParticipant
	}

	if _, err := rt.participants.SetMedia(meetingID, targetID, field, value); err != nil {
		return err
	}
	rt.registry.Broadcast(meetingID, &models.SignalMessage{
		Type:            models.TypeMediaControl,
		MeetingID:       meetingID,
		ControlType:     msg.ControlType,
		Enabled:         models.Bool(enabled),
		ParticipantID:   targetID,
		PeerID:          targetPeer,
		FromParticipant: s.PeerID(),
	}, "")
	return nil
}

func (rt *Router) handleChat(_ context.Context, s *Session, msg *models.SignalMessage) error {
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return fmt.Errorf("%w: empty chat message", ErrMalformedMessage)
	}
	if len(text) > maxChatLength {
		return fmt.Errorf("%w: chat message longer than %d bytes", ErrMalformedMessage, maxChatLength)
	}

	meetingID := s.MeetingID()
	ident := s.Identity()
	entry := models.ChatMessage{
		ID:              ulid.Make().String(),
		MeetingID:       meetingID,
		ParticipantID:   ident.UserID,
		ParticipantName: ident.Name,
		Content:         text,
		IsPrivate:       msg.Private,
		CreatedAt:       rt.now().UTC(),
	}
	rt.syncer.Enqueue(meetingID, "append_chat", func(ctx context.Context) error {
		return rt.store.AppendChat(ctx, &entry)
	})

	out := &models.SignalMessage{
		Type:            models.TypeChatMessage,
		MeetingID:       meetingID,
		MessageID:       entry.ID,
		Message:         text,
		Private:         entry.IsPrivate,
		ParticipantID:   ident.UserID,
		ParticipantName: ident.Name,
		PeerID:          s.PeerID(),
		Timestamp:       models.Time(entry.CreatedAt),
	}
	if entry.IsPrivate {
		rt.registry.BroadcastFunc(meetingID, out, func(m *Session) bool { return m == s || isModerator(m) })
		return nil
	}
	rt.registry.Broadcast(meetingID, out, "")
	return nil
}

func (rt *Router) handleScreenShare(_ context.Context, s *Session, msg *models.SignalMessage) error {
	meetingID, pid := s.MeetingID(), s.ParticipantID()

	switch msg.Action {
	case models.ActionStart:
		if m, ok := rt.registry.Meeting(meetingID); ok && !m.AllowScreenShare && !isModerator(s) {
			return fmt.Errorf("%w: screen sharing is limited to hosts", auth.ErrUnauthorized)
		}
		if err := rt.registry.ClaimScreenShare(meetingID, pid); err != nil {
			return err
		}
		rt.participants.SetMedia(meetingID, pid, MediaScreenSharing, true)
	case models.ActionStop:
		if err := rt.registry.ReleaseScreenShare(meetingID, pid); err != nil {
			return err
		}
		rt.participants.SetMedia(meetingID, pid, MediaScreenSharing, false)
	default:
		return fmt.Errorf("%w: unknown screen_share action %q", ErrMalformedMessage, msg.Action)
	}

	rt.registry.Broadcast(meetingID, &models.SignalMessage{
		Type:          models.TypeScreenShare,
		MeetingID:     meetingID,
		Action:        msg.Action,
		ParticipantID: pid,
		PeerID:        s.PeerID(),
	}, s.ID())
	return nil
}

func (rt *Router) handleAdmit(ctx context.Context, s *Session, msg *models.SignalMessage) error {
	if !isModerator(s) {
		return fmt.Errorf("%w: only hosts can admit participants", auth.ErrUnauthorized)
	}
	if msg.ParticipantID == "" {
		return fmt.Errorf("%w: participant_id is required", ErrMalformedMessage)
	}

	waiting, err := rt.registry.TakeWaiting(s.MeetingID(), msg.ParticipantID)
	if err != nil {
		return fmt.Errorf("%w: %s is not waiting", ErrInvalidTarget, msg.ParticipantID)
	}
	if err := rt.participants.SetAdmitted(s.MeetingID(), msg.ParticipantID, true); err != nil {
		return err
	}
	waiting.setParked(false)
	if err := rt.completeJoin(ctx, waiting); err != nil {
		rt.replyError(waiting, models.TypeJoinRoom, err)
		waiting.Close("admission failed")
		return err
	}
	return nil
}

// handleSetRole lets the host promote participants to co-host and back.
func (rt *Router) handleSetRole(_ context.Context, s *Session, msg *models.SignalMessage) error {
	if s.Role() != models.RoleHost {
		return fmt.Errorf("%w: only the host can change roles", auth.ErrUnauthorized)
	}
	if msg.ParticipantID == "" {
		return fmt.Errorf("%w: participant_id is required", ErrMalformedMessage)
	}
	if msg.Role != models.RoleCoHost && msg.Role != models.RoleParticipant {
		return fmt.Errorf("%w: role must be co_host or participant", ErrInvalidTarget)
	}
	if msg.ParticipantID == s.ParticipantID() {
		return fmt.Errorf("%w: the host keeps the host role", ErrInvalidTarget)
	}

	meetingID := s.MeetingID()
	rec, err := rt.participants.SetRole(meetingID, msg.ParticipantID, msg.Role)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: unknown participant %s", ErrInvalidTarget, msg.ParticipantID)
	}
	if err != nil {
		return err
	}
	var peerID string
	if target := rt.registry.Member(meetingID, rec.ID); target != nil {
		target.setRole(rec.Role)
		peerID = target.PeerID()
	}

	log.Info().Str("module", "signaling.router").
		Str("meeting_id", meetingID).
		Str("participant_id", rec.ID).
		Str("role", string(rec.Role)).
		Msg("role changed")
	rt.registry.Broadcast(meetingID, &models.SignalMessage{
		Type:            models.TypeRoleChanged,
		MeetingID:       meetingID,
		ParticipantID:   rec.ID,
		ParticipantName: rec.Name,
		PeerID:          peerID,
		Role:            rec.Role,
		FromParticipant: s.PeerID(),
	}, "")
	return nil
}

func (rt *Router) handleStartRecording(ctx context.Context, s *Session, _ *models.SignalMessage) error {
	return rt.coordinator.StartRecording(ctx, s.MeetingID(), s.ParticipantID())
}

func (rt *Router) handleStopRecording(ctx context.Context, s *Session, _ *models.SignalMessage) error {
	return rt.coordinator.StopRecording(ctx, s.MeetingID(), s.ParticipantID())
}

func (rt *Router) handleEndMeeting(ctx context.Context, s *Session, _ *models.SignalMessage) error {
	if s.Role() != models.RoleHost {
		return fmt.Errorf("%w: only the host can end the meeting", auth.ErrUnauthorized)
	}
	_, err := rt.coordinator.End(ctx, s.MeetingID())
	return err
}
