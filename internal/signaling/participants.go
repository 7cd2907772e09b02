package signaling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

// MediaField names one of the per-participant media flags.
type MediaField string

const (
	MediaAudioMuted    MediaField = "audio_muted"
	MediaVideoDisabled MediaField = "video_disabled"
	MediaScreenSharing MediaField = "screen_sharing"
	MediaHandRaised    MediaField = "hand_raised"
)

// ParticipantStore is the live, authoritative copy of participant records.
// The durable store is read through on first use and written behind via the
// syncer; it is never consulted again while the meeting is live.
type ParticipantStore struct {
	mu     sync.Mutex
	tables map[string]map[string]*models.Participant

	store  store.Store
	syncer *Syncer
	now    func() time.Time
}

func NewParticipantStore(st store.Store, syncer *Syncer) *ParticipantStore {
	return &ParticipantStore{
		tables: make(map[string]map[string]*models.Participant),
		store:  st,
		syncer: syncer,
		now:    time.Now,
	}
}

func (p *ParticipantStore) table(meetingID string) map[string]*models.Participant {
	t, ok := p.tables[meetingID]
	if !ok {
		t = make(map[string]*models.Participant)
		p.tables[meetingID] = t
	}
	return t
}

func (p *ParticipantStore) persist(rec *models.Participant) {
	snapshot := *rec
	p.syncer.Enqueue(rec.MeetingID, "save_participant", func(ctx context.Context) error {
		return p.store.SaveParticipant(ctx, &snapshot)
	})
}

// Load returns the record, reading it from the durable store the first time.
func (p *ParticipantStore) Load(ctx context.Context, meetingID, participantID string) (models.Participant, error) {
	p.mu.Lock()
	if rec, ok := p.tables[meetingID][participantID]; ok {
		out := *rec
		p.mu.Unlock()
		return out, nil
	}
	p.mu.Unlock()

	rec, err := p.store.GetParticipant(ctx, meetingID, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Participant{}, ErrNotFound
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("failed to load participant: %w", err)
	}

	// no session of this process is bound yet, so a stored binding is stale
	if rec.Status.Connected() {
		rec.Status = models.ParticipantLeft
		rec.SessionID = ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.table(meetingID)
	if existing, ok := t[participantID]; ok {
		return *existing, nil
	}
	t[participantID] = rec
	return *rec, nil
}

// Invite records rec as invited unless the participant already has a
// record, live or durable, and returns the record that wins. Outside a live
// meeting the durable write happens before Invite returns.
func (p *ParticipantStore) Invite(ctx context.Context, rec models.Participant) (models.Participant, error) {
	if live, err := p.Get(rec.MeetingID, rec.ID); err == nil {
		return live, nil
	}
	stored, err := p.store.GetParticipant(ctx, rec.MeetingID, rec.ID)
	if err == nil {
		return *stored, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Participant{}, fmt.Errorf("failed to load participant: %w", err)
	}

	rec.Status = models.ParticipantInvited
	p.mu.Lock()
	if _, live := p.tables[rec.MeetingID]; live {
		p.mu.Unlock()
		return p.Ensure(rec), nil
	}
	p.mu.Unlock()

	if err := p.store.SaveParticipant(ctx, &rec); err != nil {
		return models.Participant{}, fmt.Errorf("failed to save invitation: %w", err)
	}
	return rec, nil
}

// Ensure inserts rec unless a record for the participant is already live.
// It returns the live record.
func (p *ParticipantStore) Ensure(rec models.Participant) models.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.table(rec.MeetingID)
	if existing, ok := t[rec.ID]; ok {
		return *existing
	}
	stored := rec
	t[rec.ID] = &stored
	p.persist(&stored)
	return stored
}

func (p *ParticipantStore) mutate(meetingID, participantID string, fn func(rec *models.Participant) bool) (models.Participant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.tables[meetingID][participantID]
	if !ok {
		return models.Participant{}, ErrNotFound
	}
	if fn(rec) {
		p.persist(rec)
	}
	return *rec, nil
}

// Bind attaches a live session to the record and marks it joined.
func (p *ParticipantStore) Bind(meetingID, participantID, sessionID, peerID string) error {
	_, err := p.mutate(meetingID, participantID, func(rec *models.Participant) bool {
		rec.Status = models.ParticipantJoined
		rec.SessionID = sessionID
		rec.PeerID = peerID
		rec.JoinedAt = models.Time(p.now())
		rec.LeftAt = nil
		rec.ScreenSharing = false
		return true
	})
	return err
}

// Unbind detaches sessionID and marks the record left, but only if that
// session is still the bound one. A superseded session cannot undo the
// binding of its replacement.
func (p *ParticipantStore) Unbind(meetingID, participantID, sessionID string) bool {
	unbound := false
	p.mutate(meetingID, participantID, func(rec *models.Participant) bool {
		if rec.SessionID != sessionID {
			return false
		}
		rec.Status = models.ParticipantLeft
		rec.SessionID = ""
		rec.LeftAt = models.Time(p.now())
		rec.ScreenSharing = false
		unbound = true
		return true
	})
	return unbound
}

// Park marks the record waiting for admission and binds sessionID.
func (p *ParticipantStore) Park(meetingID, participantID, sessionID string) error {
	_, err := p.mutate(meetingID, participantID, func(rec *models.Participant) bool {
		rec.Status = models.ParticipantWaiting
		rec.SessionID = sessionID
		rec.LeftAt = nil
		return true
	})
	return err
}

func (p *ParticipantStore) SetMedia(meetingID, participantID string, field MediaField, value bool) (models.Participant, error) {
	return p.mutate(meetingID, participantID, func(rec *models.Participant) bool {
		switch field {
		case MediaAudioMuted:
			rec.AudioMuted = value
		case MediaVideoDisabled:
			rec.VideoDisabled = value
		case MediaScreenSharing:
			rec.ScreenSharing = value
		case MediaHandRaised:
			rec.HandRaised = value
		default:
			return false
		}
		return true
	})
}

// SetRole changes the role of a live record.
func (p *ParticipantStore) SetRole(meetingID, participantID string, role models.Role) (models.Participant, error) {
	return p.mutate(meetingID, participantID, func(rec *models.Participant) bool {
		if rec.Role == role {
			return false
		}
		rec.Role = role
		return true
	})
}

func (p *ParticipantStore) SetAdmitted(meetingID, participantID string, admitted bool) error {
	_, err := p.mutate(meetingID, participantID, func(rec *models.Participant) bool {
		rec.Admitted = admitted
		return true
	})
	return err
}

func (p *ParticipantStore) Get(meetingID, participantID string) (models.Participant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.tables[meetingID][participantID]
	if !ok {
		return models.Participant{}, ErrNotFound
	}
	return *rec, nil
}

// Snapshot lists the records bound to a live session, in join order.
func (p *ParticipantStore) Snapshot(meetingID string) []models.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.Participant, 0, len(p.tables[meetingID]))
	for _, rec := range p.tables[meetingID] {
		if rec.Status.Present() && rec.SessionID != "" {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].JoinedAt, out[j].JoinedAt
		if a == nil || b == nil || a.Equal(*b) {
			return out[i].ID < out[j].ID
		}
		return a.Before(*b)
	})
	return out
}

// Drop forgets the live table of a torn down meeting. Later reads go back to
// the durable store.
func (p *ParticipantStore) Drop(meetingID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tables, meetingID)
}
