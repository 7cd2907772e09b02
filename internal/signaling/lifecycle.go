package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/mossy-p/meeting-signaling/internal/auth"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

// Recorder is the external recording service.
type Recorder interface {
	StartRecording(ctx context.Context, meetingID string) error
	StopRecording(ctx context.Context, meetingID string) error
}

// LogRecorder only logs; used when no recording service is configured.
type LogRecorder struct{}

func (LogRecorder) StartRecording(_ context.Context, meetingID string) error {
	log.Info().Str("module", "signaling.recorder").Str("meeting_id", meetingID).Msg("recording started")
	return nil
}

func (LogRecorder) StopRecording(_ context.Context, meetingID string) error {
	log.Info().Str("module", "signaling.recorder").Str("meeting_id", meetingID).Msg("recording stopped")
	return nil
}

// Coordinator drives meeting status transitions and recording, and tells
// every connected client about them.
type Coordinator struct {
	store        store.Store
	registry     *Registry
	participants *ParticipantStore
	syncer       *Syncer
	recorder     Recorder
	now          func() time.Time
}

func NewCoordinator(st store.Store, registry *Registry, participants *ParticipantStore, syncer *Syncer, recorder Recorder) *Coordinator {
	if recorder == nil {
		recorder = LogRecorder{}
	}
	return &Coordinator{
		store:        st,
		registry:     registry,
		participants: participants,
		syncer:       syncer,
		recorder:     recorder,
		now:          time.Now,
	}
}

func (c *Coordinator) transition(ctx context.Context, meetingID string, from, to models.MeetingStatus) (*models.Meeting, error) {
	m, err := c.store.TransitionMeeting(ctx, meetingID, from, to, c.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: meeting %s", ErrNotFound, meetingID)
	case errors.Is(err, store.ErrStatusConflict):
		return nil, fmt.Errorf("%w: %w", ErrRoomUnavailable, err)
	case err != nil:
		return nil, fmt.Errorf("failed to move meeting to %s: %w", to, err)
	}
	log.Info().Str("module", "signaling.lifecycle").
		Str("meeting_id", meetingID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("meeting status changed")
	return m, nil
}

func (c *Coordinator) statusChange(meetingID, action string, at time.Time) *models.SignalMessage {
	return &models.SignalMessage{
		Type:      models.TypeMeetingStatusChange,
		MeetingID: meetingID,
		Action:    action,
		Timestamp: models.Time(at),
	}
}

// Start moves a scheduled meeting to in progress.
func (c *Coordinator) Start(ctx context.Context, meetingID string) (*models.Meeting, error) {
	m, err := c.transition(ctx, meetingID, models.MeetingScheduled, models.MeetingInProgress)
	if err != nil {
		return nil, err
	}
	c.registry.UpdateMeeting(m)
	c.registry.Broadcast(meetingID, c.statusChange(meetingID, models.ActionStarted, *m.ActualStart), "")
	return m, nil
}

// End completes an in-progress meeting: later joins are rejected, every
// client (waiting room included) receives the ended event before its
// connection is closed, and all connected records move to left.
func (c *Coordinator) End(ctx context.Context, meetingID string) (*models.Meeting, error) {
	m, err := c.transition(ctx, meetingID, models.MeetingInProgress, models.MeetingCompleted)
	if err != nil {
		return nil, err
	}
	c.finish(ctx, m, models.ActionEnded)
	return m, nil
}

// Cancel moves a scheduled meeting to cancelled and disconnects anyone
// already waiting in it.
func (c *Coordinator) Cancel(ctx context.Context, meetingID string) (*models.Meeting, error) {
	m, err := c.transition(ctx, meetingID, models.MeetingScheduled, models.MeetingCancelled)
	if err != nil {
		return nil, err
	}
	c.finish(ctx, m, models.ActionCancelled)
	return m, nil
}

func (c *Coordinator) finish(ctx context.Context, m *models.Meeting, action string) {
	at := c.now()
	if m.ActualEnd != nil {
		at = *m.ActualEnd
	}

	c.registry.MarkEnded(m.ID)
	event := c.statusChange(m.ID, action, at)
	c.registry.Broadcast(m.ID, event, "")

	sessions, recording := c.registry.Teardown(m.ID)
	// Broadcast only reaches members; parked sessions learn about it here.
	for _, s := range sessions {
		if s.Parked() {
			s.Send(event)
		}
	}
	c.syncer.Enqueue(m.ID, "mark_participants_left", func(ctx context.Context) error {
		return c.store.MarkParticipantsLeft(ctx, m.ID, at)
	})

	// Close drains each queue, so the status event reaches every client.
	var wg conc.WaitGroup
	for _, s := range sessions {
		wg.Go(func() { s.Close("meeting " + action) })
	}
	wg.Wait()

	if recording {
		if err := c.recorder.StopRecording(ctx, m.ID); err != nil {
			log.Error().Str("module", "signaling.lifecycle").Err(err).Str("meeting_id", m.ID).Msg("failed to stop recording")
		}
	}
}

// Invite records invitations for signed-in users. Only invited users (and
// the host) may join a meeting that is neither open nor guest-friendly.
func (c *Coordinator) Invite(ctx context.Context, meetingID string, invitees []models.Invitee) ([]models.Participant, error) {
	m, err := c.store.GetMeeting(ctx, meetingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: meeting %s", ErrNotFound, meetingID)
	}
	if err != nil {
		return nil, err
	}
	if !m.Status.Joinable() {
		return nil, fmt.Errorf("%w: meeting is %s", ErrRoomUnavailable, m.Status)
	}

	out := make([]models.Participant, 0, len(invitees))
	for _, inv := range invitees {
		role := inv.Role
		switch {
		case inv.UserID == m.HostID:
			role = models.RoleHost
		case role == "":
			role = models.RoleParticipant
		}
		rec, err := c.participants.Invite(ctx, models.Participant{
			MeetingID: m.ID,
			ID:        inv.UserID,
			UserID:    inv.UserID,
			Name:      inv.Name,
			Role:      role,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	log.Info().Str("module", "signaling.lifecycle").
		Str("meeting_id", m.ID).
		Int("invitees", len(out)).
		Msg("participants invited")
	return out, nil
}

// authorizeModerator checks the actor's live role in the meeting. The host
// of record is always allowed, even before joining.
func (c *Coordinator) authorizeModerator(ctx context.Context, meetingID, actorID string) (*models.Meeting, error) {
	m, err := c.store.GetMeeting(ctx, meetingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: meeting %s", ErrNotFound, meetingID)
	}
	if err != nil {
		return nil, err
	}
	if m.HostID == actorID {
		return m, nil
	}
	rec, err := c.participants.Get(meetingID, actorID)
	if err != nil || !rec.Role.IsModerator() {
		return nil, fmt.Errorf("%w: only hosts can manage recording", auth.ErrUnauthorized)
	}
	return m, nil
}

// StartRecording turns recording on for a live room.
func (c *Coordinator) StartRecording(ctx context.Context, meetingID, actorID string) error {
	m, err := c.authorizeModerator(ctx, meetingID, actorID)
	if err != nil {
		return err
	}
	if !m.RecordingEnabled {
		return fmt.Errorf("%w: recording is disabled for this meeting", ErrRecordingState)
	}
	if !m.Status.Joinable() {
		return fmt.Errorf("%w: meeting is %s", ErrRoomUnavailable, m.Status)
	}
	if err := c.registry.SetRecording(meetingID, true); err != nil {
		return err
	}
	if err := c.recorder.StartRecording(ctx, meetingID); err != nil {
		c.registry.SetRecording(meetingID, false)
		return fmt.Errorf("failed to start recording: %w", err)
	}
	c.broadcastRecording(meetingID, models.ActionStarted, actorID)
	return nil
}

// StopRecording turns recording off.
func (c *Coordinator) StopRecording(ctx context.Context, meetingID, actorID string) error {
	if _, err := c.authorizeModerator(ctx, meetingID, actorID); err != nil {
		return err
	}
	if err := c.registry.SetRecording(meetingID, false); err != nil {
		return err
	}
	if err := c.recorder.StopRecording(ctx, meetingID); err != nil {
		log.Error().Str("module", "signaling.lifecycle").Err(err).Str("meeting_id", meetingID).Msg("failed to stop recording")
	}
	c.broadcastRecording(meetingID, models.ActionStopped, actorID)
	return nil
}

func (c *Coordinator) broadcastRecording(meetingID, action, actorID string) {
	c.registry.Broadcast(meetingID, &models.SignalMessage{
		Type:          models.TypeRecordingStatusChange,
		MeetingID:     meetingID,
		Action:        action,
		ParticipantID: actorID,
		Recording:     action == models.ActionStarted,
		Timestamp:     models.Time(c.now()),
	}, "")
}

// recordingStopped is the registry's teardown hook: a room that expired
// while recording still has to tell the recorder.
func (c *Coordinator) recordingStopped(meetingID string, recording bool) {
	if !recording {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()
	if err := c.recorder.StopRecording(ctx, meetingID); err != nil {
		log.Error().Str("module", "signaling.lifecycle").Err(err).Str("meeting_id", meetingID).Msg("failed to stop recording")
	}
}
