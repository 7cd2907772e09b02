package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	_ = godotenv.Load("../../.env")
	dsn := os.Getenv("MEETING_DB_DSN")
	if dsn == "" {
		t.Skip("MEETING_DB_DSN not set")
	}

	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMeetingID() string {
	return "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func TestPostgresTransitionAndParticipants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testMeetingID()

	if err := s.CreateMeeting(ctx, &models.Meeting{ID: id, Title: "standup", HostID: "h", Status: models.MeetingScheduled}); err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}

	m, err := s.TransitionMeeting(ctx, id, models.MeetingScheduled, models.MeetingInProgress, time.Now())
	if err != nil {
		t.Fatalf("TransitionMeeting: %v", err)
	}
	if m.Status != models.MeetingInProgress || m.ActualStart == nil {
		t.Errorf("meeting = %+v", m)
	}
	if _, err := s.TransitionMeeting(ctx, id, models.MeetingScheduled, models.MeetingCancelled, time.Now()); !errors.Is(err, store.ErrStatusConflict) {
		t.Errorf("err = %v, want ErrStatusConflict", err)
	}

	p := &models.Participant{MeetingID: id, ID: "h", Role: models.RoleHost, Status: models.ParticipantJoined}
	if err := s.SaveParticipant(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.AudioMuted = true
	if err := s.SaveParticipant(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.GetParticipant(ctx, id, "h")
	if err != nil {
		t.Fatal(err)
	}
	if !got.AudioMuted {
		t.Error("upsert did not update audio_muted")
	}

	if err := s.SaveParticipant(ctx, &models.Participant{MeetingID: id, ID: "w", Role: models.RoleParticipant, Status: models.ParticipantWaiting}); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkParticipantsLeft(ctx, id, time.Now()); err != nil {
		t.Fatal(err)
	}
	for _, pid := range []string{"h", "w"} {
		got, _ = s.GetParticipant(ctx, id, pid)
		if got.Status != models.ParticipantLeft || got.LeftAt == nil {
			t.Errorf("%s = %+v, want left", pid, got)
		}
	}

	if _, err := s.GetMeeting(ctx, "missing-"+id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
