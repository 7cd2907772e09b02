package models

import "time"

// MeetingStatus is the durable lifecycle state of a meeting. Transitions
// only move forward: scheduled -> in_progress -> completed, or
// scheduled -> cancelled.
type MeetingStatus string

const (
	MeetingScheduled  MeetingStatus = "scheduled"
	MeetingInProgress MeetingStatus = "in_progress"
	MeetingCompleted  MeetingStatus = "completed"
	MeetingCancelled  MeetingStatus = "cancelled"
)

// Joinable reports whether participants may connect to the meeting.
func (s MeetingStatus) Joinable() bool {
	return s == MeetingScheduled || s == MeetingInProgress
}

// CanTransition reports whether s -> to is a legal forward transition.
func (s MeetingStatus) CanTransition(to MeetingStatus) bool {
	switch s {
	case MeetingScheduled:
		return to == MeetingInProgress || to == MeetingCancelled
	case MeetingInProgress:
		return to == MeetingCompleted
	default:
		return false
	}
}

// Meeting stores the durable settings and status of a meeting. Open lets
// any signed-in user join without an invitation.
type Meeting struct {
	ID                 string        `gorm:"column:id;primaryKey;size:32" json:"id"`
	Title              string        `gorm:"column:title;size:200" json:"title"`
	HostID             string        `gorm:"column:host_id;size:80;index" json:"host_id"`
	Status             MeetingStatus `gorm:"column:status;size:20;index" json:"status"`
	AllowGuests        bool          `gorm:"column:allow_guests" json:"allow_guests"`
	Open               bool          `gorm:"column:open" json:"open"`
	Passcode           string        `gorm:"column:passcode;size:10" json:"passcode,omitempty"`
	WaitingRoomEnabled bool          `gorm:"column:waiting_room_enabled" json:"waiting_room_enabled"`
	RecordingEnabled   bool          `gorm:"column:recording_enabled" json:"recording_enabled"`
	AllowScreenShare   bool          `gorm:"column:allow_screen_share" json:"allow_screen_share"`
	MaxParticipants    int           `gorm:"column:max_participants" json:"max_participants"`
	ActualStart        *time.Time    `gorm:"column:actual_start" json:"actual_start,omitempty"`
	ActualEnd          *time.Time    `gorm:"column:actual_end" json:"actual_end,omitempty"`
	CreatedAt          time.Time     `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Meeting) TableName() string {
	return "meetings"
}

// PasscodeRequired reports whether non-hosts must present the passcode.
func (m *Meeting) PasscodeRequired() bool {
	return m.Passcode != ""
}

// Role is a participant's authority within one meeting.
type Role string

const (
	RoleHost        Role = "host"
	RoleCoHost      Role = "co_host"
	RoleParticipant Role = "participant"
)

// IsModerator reports whether the role may act on other participants.
func (r Role) IsModerator() bool {
	return r == RoleHost || r == RoleCoHost
}

type ParticipantStatus string

const (
	ParticipantInvited   ParticipantStatus = "invited"
	ParticipantJoined    ParticipantStatus = "joined"
	ParticipantConnected ParticipantStatus = "connected"
	ParticipantLeft      ParticipantStatus = "left"
	ParticipantWaiting   ParticipantStatus = "waiting"
)

// Present reports whether the status allows room membership.
func (s ParticipantStatus) Present() bool {
	return s == ParticipantJoined || s == ParticipantConnected
}

// Connected reports whether the record is bound to a live connection,
// either as a member or parked in the waiting room.
func (s ParticipantStatus) Connected() bool {
	return s.Present() || s == ParticipantWaiting
}

// Participant is the durable record of one person or guest in a meeting.
// Records are never deleted, only transitioned to left.
type Participant struct {
	MeetingID     string            `gorm:"column:meeting_id;primaryKey;size:32" json:"meeting_id"`
	ID            string            `gorm:"column:participant_id;primaryKey;size:80" json:"participant_id"`
	UserID        string            `gorm:"column:user_id;size:80;index" json:"user_id,omitempty"`
	Name          string            `gorm:"column:name;size:200" json:"participant_name"`
	IsGuest       bool              `gorm:"column:is_guest" json:"is_guest"`
	Role          Role              `gorm:"column:role;size:20" json:"role"`
	Status        ParticipantStatus `gorm:"column:status;size:20;index" json:"status"`
	Admitted      bool              `gorm:"column:admitted" json:"-"`
	AudioMuted    bool              `gorm:"column:audio_muted" json:"audio_muted"`
	VideoDisabled bool              `gorm:"column:video_disabled" json:"video_disabled"`
	ScreenSharing bool              `gorm:"column:screen_sharing" json:"screen_sharing"`
	HandRaised    bool              `gorm:"column:hand_raised" json:"hand_raised"`
	SessionID     string            `gorm:"column:session_id;size:64" json:"-"`
	PeerID        string            `gorm:"column:peer_id;size:32" json:"peer_id,omitempty"`
	JoinedAt      *time.Time        `gorm:"column:joined_at" json:"joined_at,omitempty"`
	LeftAt        *time.Time        `gorm:"column:left_at" json:"left_at,omitempty"`
	UpdatedAt     time.Time         `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

func (Participant) TableName() string {
	return "meeting_participants"
}

// ChatMessage is one entry of a meeting's chat log. IDs are ULIDs so the
// log sorts by creation order.
type ChatMessage struct {
	ID              string    `gorm:"column:id;primaryKey;size:26" json:"id"`
	MeetingID       string    `gorm:"column:meeting_id;size:32;index:idx_chat_meeting_created" json:"meeting_id"`
	ParticipantID   string    `gorm:"column:participant_id;size:80" json:"participant_id"`
	ParticipantName string    `gorm:"column:participant_name;size:200" json:"participant_name"`
	Content         string    `gorm:"column:content;type:text" json:"message"`
	IsPrivate       bool      `gorm:"column:is_private" json:"is_private"`
	CreatedAt       time.Time `gorm:"column:created_at;index:idx_chat_meeting_created" json:"timestamp"`
}

func (ChatMessage) TableName() string {
	return "meeting_chat_messages"
}

// CreateMeetingRequest is the request body for creating a meeting
type CreateMeetingRequest struct {
	Title              string `json:"title" binding:"required,max=200"`
	AllowGuests        bool   `json:"allow_guests"`
	Open               bool   `json:"open"`
	PasscodeProtected  bool   `json:"is_password_protected"`
	WaitingRoomEnabled bool   `json:"waiting_room_enabled"`
	RecordingEnabled   bool   `json:"recording_enabled"`
	AllowScreenShare   *bool  `json:"allow_screen_share"`
	MaxParticipants    int    `json:"max_participants" binding:"omitempty,min=2,max=1000"`
}

// MeetingInfo is the public view of a meeting
type MeetingInfo struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Status           MeetingStatus `json:"status"`
	AllowGuests      bool          `json:"allow_guests"`
	PasscodeRequired bool          `json:"is_password_protected"`
	ParticipantCount int           `json:"participant_count"`
	MaxParticipants  int           `json:"max_participants"`
	ActualStart      *time.Time    `json:"actual_start,omitempty"`
	ActualEnd        *time.Time    `json:"actual_end,omitempty"`
}

// MeetingStats is the live summary of a meeting.
type MeetingStats struct {
	MeetingID         string `json:"meeting_id"`
	ParticipantsCount int    `json:"participants_count"`
	DurationSeconds   int64  `json:"duration_seconds"`
	IsRecording       bool   `json:"is_recording"`
}

// Invitee is one entry of an invite request.
type Invitee struct {
	UserID string `json:"user_id" binding:"required,max=80"`
	Name   string `json:"name" binding:"max=200"`
	Role   Role   `json:"role" binding:"omitempty,oneof=participant co_host"`
}

// InviteRequest is the request body for inviting signed-in users
type InviteRequest struct {
	Participants []Invitee `json:"participants" binding:"required,min=1,max=100,dive"`
}
