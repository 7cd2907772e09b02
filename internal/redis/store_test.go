package redis

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	_ = godotenv.Load("../../.env")
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	s := NewStore(client, time.Minute)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMeetingID() string {
	return "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func TestRedisMeetingTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testMeetingID()

	if err := s.CreateMeeting(ctx, &models.Meeting{ID: id, Status: models.MeetingScheduled, HostID: "h"}); err != nil {
		t.Fatalf("CreateMeeting: %v", err)
	}
	if err := s.CreateMeeting(ctx, &models.Meeting{ID: id}); err == nil {
		t.Error("duplicate create should fail")
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
	if _, err := s.GetMeeting(ctx, "missing-"+id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRedisParticipantsKeepSessionBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testMeetingID()

	p := &models.Participant{MeetingID: id, ID: "u1", Status: models.ParticipantJoined, SessionID: "s1", Admitted: true}
	if err := s.SaveParticipant(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetParticipant(ctx, id, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "s1" || !got.Admitted {
		t.Errorf("participant = %+v", got)
	}
	if err := s.SaveParticipant(ctx, &models.Participant{MeetingID: id, ID: "u2", Status: models.ParticipantWaiting, SessionID: "s2"}); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkParticipantsLeft(ctx, id, time.Now()); err != nil {
		t.Fatal(err)
	}
	for _, pid := range []string{"u1", "u2"} {
		got, _ = s.GetParticipant(ctx, id, pid)
		if got.Status != models.ParticipantLeft || got.SessionID != "" {
			t.Errorf("%s = %+v, want left and unbound", pid, got)
		}
	}

	for _, text := range []string{"a", "b", "c"} {
		if err := s.AppendChat(ctx, &models.ChatMessage{MeetingID: id, Content: text}); err != nil {
			t.Fatal(err)
		}
	}
	chat, err := s.ListChat(ctx, id, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(chat) != 2 || chat[0].Content != "b" {
		t.Errorf("chat = %+v", chat)
	}
}
