package store

import (
	"context"
	"errors"
	"time"

	"github.com/mossy-p/meeting-signaling/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict means a compare-and-set status transition lost: the
	// stored status was not the expected one.
	ErrStatusConflict = errors.New("meeting status conflict")
)

// Store is the durable home of meetings, participant records and chat. The
// live signaling path never blocks on it except for reads on join and
// lifecycle transitions.
type Store interface {
	CreateMeeting(ctx context.Context, m *models.Meeting) error
	GetMeeting(ctx context.Context, meetingID string) (*models.Meeting, error)
	// TransitionMeeting moves the meeting from one status to another and
	// stamps ActualStart/ActualEnd. Fails with ErrStatusConflict when the
	// stored status is not from.
	TransitionMeeting(ctx context.Context, meetingID string, from, to models.MeetingStatus, at time.Time) (*models.Meeting, error)

	GetParticipant(ctx context.Context, meetingID, participantID string) (*models.Participant, error)
	SaveParticipant(ctx context.Context, p *models.Participant) error
	ListParticipants(ctx context.Context, meetingID string) ([]models.Participant, error)
	// MarkParticipantsLeft moves every joined or connected record to left.
	MarkParticipantsLeft(ctx context.Context, meetingID string, at time.Time) error

	AppendChat(ctx context.Context, msg *models.ChatMessage) error
	// ListChat returns up to limit most recent messages, oldest first.
	ListChat(ctx context.Context, meetingID string, limit int) ([]models.ChatMessage, error)

	Close() error
}

// StampTransition sets the timestamps implied by moving into status to.
func StampTransition(m *models.Meeting, to models.MeetingStatus, at time.Time) {
	m.Status = to
	switch to {
	case models.MeetingInProgress:
		m.ActualStart = models.Time(at)
	case models.MeetingCompleted, models.MeetingCancelled:
		m.ActualEnd = models.Time(at)
	}
	m.UpdatedAt = at
}
