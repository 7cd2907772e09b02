package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mossy-p/meeting-signaling/internal/models"
)

func TestMemoryTransitionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.CreateMeeting(ctx, &models.Meeting{ID: "m1", Status: models.MeetingScheduled}); err != nil {
		t.Fatal(err)
	}

	at := time.Now()
	m, err := s.TransitionMeeting(ctx, "m1", models.MeetingScheduled, models.MeetingInProgress, at)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.ActualStart == nil || !m.ActualStart.Equal(at) {
		t.Errorf("actual start = %v", m.ActualStart)
	}

	if _, err := s.TransitionMeeting(ctx, "m1", models.MeetingScheduled, models.MeetingInProgress, at); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("second start: err = %v, want ErrStatusConflict", err)
	}
	if _, err := s.TransitionMeeting(ctx, "missing", models.MeetingScheduled, models.MeetingInProgress, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryParticipantsAndChat(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for id, status := range map[string]models.ParticipantStatus{
		"b": models.ParticipantJoined,
		"a": models.ParticipantJoined,
		"c": models.ParticipantInvited,
		"w": models.ParticipantWaiting,
	} {
		if err := s.SaveParticipant(ctx, &models.Participant{MeetingID: "m1", ID: id, Status: status, SessionID: "s-" + id}); err != nil {
			t.Fatal(err)
		}
	}

	list, _ := s.ListParticipants(ctx, "m1")
	if len(list) != 4 || list[0].ID != "a" {
		t.Fatalf("list = %+v", list)
	}

	if err := s.MarkParticipantsLeft(ctx, "m1", time.Now()); err != nil {
		t.Fatal(err)
	}
	a, _ := s.GetParticipant(ctx, "m1", "a")
	c, _ := s.GetParticipant(ctx, "m1", "c")
	if a.Status != models.ParticipantLeft || a.LeftAt == nil {
		t.Errorf("a = %+v, want left", a)
	}
	if c.Status != models.ParticipantInvited {
		t.Errorf("c = %+v, invited records stay invited", c)
	}
	if w, _ := s.GetParticipant(ctx, "m1", "w"); w.Status != models.ParticipantLeft || w.LeftAt == nil || w.SessionID != "" {
		t.Errorf("w = %+v, waiting records are marked left too", w)
	}

	for _, text := range []string{"one", "two", "three"} {
		s.AppendChat(ctx, &models.ChatMessage{MeetingID: "m1", Content: text})
	}
	chat, _ := s.ListChat(ctx, "m1", 2)
	if len(chat) != 2 || chat[0].Content != "two" || chat[1].Content != "three" {
		t.Errorf("chat = %+v", chat)
	}
}
