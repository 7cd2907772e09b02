package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/meeting-signaling/internal/models"
)

// Memory keeps everything in process. Used for development and tests.
type Memory struct {
	mu           sync.RWMutex
	meetings     map[string]models.Meeting
	participants map[string]map[string]models.Participant
	chat         map[string][]models.ChatMessage
}

func NewMemory() *Memory {
	return &Memory{
		meetings:     make(map[string]models.Meeting),
		participants: make(map[string]map[string]models.Participant),
		chat:         make(map[string][]models.ChatMessage),
	}
}

func (s *Memory) CreateMeeting(_ context.Context, m *models.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.meetings[m.ID]; ok {
		return fmt.Errorf("meeting %s already exists", m.ID)
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.meetings[m.ID] = *m
	return nil
}

func (s *Memory) GetMeeting(_ context.Context, meetingID string) (*models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *Memory) TransitionMeeting(_ context.Context, meetingID string, from, to models.MeetingStatus, at time.Time) (*models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.Status != from {
		return nil, fmt.Errorf("%w: status is %s, expected %s", ErrStatusConflict, m.Status, from)
	}
	StampTransition(&m, to, at)
	s.meetings[meetingID] = m
	return &m, nil
}

func (s *Memory) GetParticipant(_ context.Context, meetingID, participantID string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[meetingID][participantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *Memory) SaveParticipant(_ context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.participants[p.MeetingID]
	if !ok {
		table = make(map[string]models.Participant)
		s.participants[p.MeetingID] = table
	}
	rec := *p
	rec.UpdatedAt = time.Now()
	table[p.ID] = rec
	return nil
}

func (s *Memory) ListParticipants(_ context.Context, meetingID string) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Participant, 0, len(s.participants[meetingID]))
	for _, p := range s.participants[meetingID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) MarkParticipantsLeft(_ context.Context, meetingID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.participants[meetingID] {
		if !p.Status.Connected() {
			continue
		}
		p.Status = models.ParticipantLeft
		p.LeftAt = models.Time(at)
		p.SessionID = ""
		p.UpdatedAt = at
		s.participants[meetingID][id] = p
	}
	return nil
}

func (s *Memory) AppendChat(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chat[msg.MeetingID] = append(s.chat[msg.MeetingID], *msg)
	return nil
}

func (s *Memory) ListChat(_ context.Context, meetingID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.chat[meetingID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]models.ChatMessage, len(log))
	copy(out, log)
	return out, nil
}

func (s *Memory) Close() error { return nil }
