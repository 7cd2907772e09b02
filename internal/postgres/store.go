package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

// Store persists meetings, participant records and chat in PostgreSQL.
type Store struct {
	db *gorm.DB
}

// Open connects and migrates the meeting tables.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Meeting{},
		&models.Participant{},
		&models.ChatMessage{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	log.Info().Str("module", "postgres").Msg("connected to PostgreSQL and migrated")
	return &Store{db: db}, nil
}

func (s *Store) CreateMeeting(ctx context.Context, m *models.Meeting) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to create meeting: %w", err)
	}
	return nil
}

func (s *Store) GetMeeting(ctx context.Context, meetingID string) (*models.Meeting, error) {
	var m models.Meeting
	err := s.db.WithContext(ctx).First(&m, "id = ?", meetingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load meeting: %w", err)
	}
	return &m, nil
}

// TransitionMeeting is a conditional UPDATE on the expected status; zero rows
// affected means another writer got there first.
func (s *Store) TransitionMeeting(ctx context.Context, meetingID string, from, to models.MeetingStatus, at time.Time) (*models.Meeting, error) {
	var m models.Meeting
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, "id = ?", meetingID).Error; err != nil {
			return err
		}
		updates := map[string]interface{}{"status": to}
		switch to {
		case models.MeetingInProgress:
			updates["actual_start"] = at
		case models.MeetingCompleted, models.MeetingCancelled:
			updates["actual_end"] = at
		}
		res := tx.Model(&models.Meeting{}).
			Where("id = ? AND status = ?", meetingID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: status is %s, expected %s", store.ErrStatusConflict, m.Status, from)
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	store.StampTransition(&m, to, at)
	return &m, nil
}

func (s *Store) GetParticipant(ctx context.Context, meetingID, participantID string) (*models.Participant, error) {
	var p models.Participant
	err := s.db.WithContext(ctx).
		First(&p, "meeting_id = ? AND participant_id = ?", meetingID, participantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load participant: %w", err)
	}
	return &p, nil
}

func (s *Store) SaveParticipant(ctx context.Context, p *models.Participant) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(p).Error
	if err != nil {
		return fmt.Errorf("failed to save participant: %w", err)
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, meetingID string) ([]models.Participant, error) {
	var out []models.Participant
	err := s.db.WithContext(ctx).
		Where("meeting_id = ?", meetingID).
		Order("participant_id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return out, nil
}

func (s *Store) MarkParticipantsLeft(ctx context.Context, meetingID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("meeting_id = ? AND status IN ?", meetingID,
			[]models.ParticipantStatus{models.ParticipantJoined, models.ParticipantConnected, models.ParticipantWaiting}).
		Updates(map[string]interface{}{
			"status":     models.ParticipantLeft,
			"left_at":    at,
			"session_id": "",
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark participants left: %w", err)
	}
	return nil
}

func (s *Store) AppendChat(ctx context.Context, msg *models.ChatMessage) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	return nil
}

func (s *Store) ListChat(ctx context.Context, meetingID string, limit int) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	q := s.db.WithContext(ctx).Where("meeting_id = ?", meetingID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list chat: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
