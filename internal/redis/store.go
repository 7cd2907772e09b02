package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

const transitionRetries = 5

// Store keeps meetings as JSON strings, participant records in one hash per
// meeting and chat in a list. Every key expires ttl after its last write.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func meetingKey(id string) string      { return "meeting:" + id }
func participantsKey(id string) string { return "meeting:" + id + ":participants" }
func chatKey(id string) string         { return "meeting:" + id + ":chat" }

func (s *Store) CreateMeeting(ctx context.Context, m *models.Meeting) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode meeting: %w", err)
	}
	ok, err := s.client.SetNX(ctx, meetingKey(m.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store meeting: %w", err)
	}
	if !ok {
		return fmt.Errorf("meeting %s already exists", m.ID)
	}
	return nil
}

func (s *Store) GetMeeting(ctx context.Context, meetingID string) (*models.Meeting, error) {
	return getMeeting(ctx, s.client, meetingID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getMeeting(ctx context.Context, c getter, meetingID string) (*models.Meeting, error) {
	data, err := c.Get(ctx, meetingKey(meetingID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load meeting: %w", err)
	}
	var m models.Meeting
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode meeting: %w", err)
	}
	return &m, nil
}

// TransitionMeeting uses an optimistic WATCH/MULTI so concurrent transitions
// on the same meeting cannot both succeed.
func (s *Store) TransitionMeeting(ctx context.Context, meetingID string, from, to models.MeetingStatus, at time.Time) (*models.Meeting, error) {
	key := meetingKey(meetingID)
	var result *models.Meeting

	txf := func(tx *redis.Tx) error {
		m, err := getMeeting(ctx, tx, meetingID)
		if err != nil {
			return err
		}
		if m.Status != from {
			return fmt.Errorf("%w: status is %s, expected %s", store.ErrStatusConflict, m.Status, from)
		}
		store.StampTransition(m, to, at)
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode meeting: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			result = m
		}
		return err
	}

	for i := 0; i < transitionRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: too much contention on %s", store.ErrStatusConflict, meetingID)
}

func (s *Store) GetParticipant(ctx context.Context, meetingID, participantID string) (*models.Participant, error) {
	data, err := s.client.HGet(ctx, participantsKey(meetingID), participantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load participant: %w", err)
	}
	var p models.Participant
	if err := decodeParticipant(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// participantRecord carries the fields hidden from the public JSON view.
type participantRecord struct {
	models.Participant
	SessionID string `json:"session_id"`
	Admitted  bool   `json:"admitted"`
}

func encodeParticipant(p *models.Participant) ([]byte, error) {
	return json.Marshal(participantRecord{Participant: *p, SessionID: p.SessionID, Admitted: p.Admitted})
}

func decodeParticipant(data []byte, p *models.Participant) error {
	var rec participantRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode participant: %w", err)
	}
	*p = rec.Participant
	p.SessionID = rec.SessionID
	p.Admitted = rec.Admitted
	return nil
}

func (s *Store) SaveParticipant(ctx context.Context, p *models.Participant) error {
	p.UpdatedAt = time.Now()
	data, err := encodeParticipant(p)
	if err != nil {
		return fmt.Errorf("failed to encode participant: %w", err)
	}
	key := participantsKey(p.MeetingID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, p.ID, data)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store participant: %w", err)
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, meetingID string) ([]models.Participant, error) {
	all, err := s.client.HGetAll(ctx, participantsKey(meetingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	out := make([]models.Participant, 0, len(all))
	for _, raw := range all {
		var p models.Participant
		if err := decodeParticipant([]byte(raw), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MarkParticipantsLeft(ctx context.Context, meetingID string, at time.Time) error {
	list, err := s.ListParticipants(ctx, meetingID)
	if err != nil {
		return err
	}
	for i := range list {
		p := &list[i]
		if !p.Status.Connected() {
			continue
		}
		p.Status = models.ParticipantLeft
		p.LeftAt = models.Time(at)
		p.SessionID = ""
		if err := s.SaveParticipant(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) AppendChat(ctx context.Context, msg *models.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode chat message: %w", err)
	}
	key := chatKey(msg.MeetingID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	return nil
}

func (s *Store) ListChat(ctx context.Context, meetingID string, limit int) ([]models.ChatMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, chatKey(meetingID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chat: %w", err)
	}
	out := make([]models.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode chat message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
