package models

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// MessageType is the "type" field of every signaling envelope.
type MessageType string

// Client -> server
const (
	TypeJoinRoom         MessageType = "join_room"
	TypeLeaveRoom        MessageType = "leave_room"
	TypeOffer            MessageType = "webrtc_offer"
	TypeAnswer           MessageType = "webrtc_answer"
	TypeICECandidate     MessageType = "ice_candidate"
	TypeMediaControl     MessageType = "media_control"
	TypeChatMessage      MessageType = "chat_message"
	TypeScreenShare      MessageType = "screen_share"
	TypePing             MessageType = "ping"
	TypeAdmitParticipant MessageType = "admit_participant"
	TypeSetRole          MessageType = "set_role"
	TypeStartRecording   MessageType = "start_recording"
	TypeStopRecording    MessageType = "stop_recording"
	TypeEndMeeting       MessageType = "end_meeting"
)

// Server -> client
const (
	TypeRoomJoined            MessageType = "room_joined"
	TypeParticipantJoined     MessageType = "participant_joined"
	TypeParticipantLeft       MessageType = "participant_left"
	TypeWaitingRoom           MessageType = "waiting_room"
	TypeParticipantWaiting    MessageType = "participant_waiting"
	TypeMeetingStatusChange   MessageType = "meeting_status_change"
	TypeRecordingStatusChange MessageType = "recording_status_change"
	TypeRoleChanged           MessageType = "role_changed"
	TypePong                  MessageType = "pong"
	TypeError                 MessageType = "error"
)

// Control types carried by media_control.
const (
	ControlAudio = "audio"
	ControlVideo = "video"
	ControlHand  = "hand"
)

// Actions carried by screen_share, meeting_status_change and
// recording_status_change.
const (
	ActionStart     = "start"
	ActionStop      = "stop"
	ActionStarted   = "started"
	ActionEnded     = "ended"
	ActionCancelled = "cancelled"
	ActionStopped   = "stopped"
)

// SignalMessage is the JSON envelope exchanged over the meeting socket in
// both directions. WebRTC payloads (sdp, candidate, payload) are relayed
// verbatim and never interpreted by the server.
type SignalMessage struct {
	Type      MessageType `json:"type"`
	MeetingID string      `json:"meeting_id,omitempty"`

	TargetParticipant string          `json:"target_participant,omitempty"`
	FromParticipant   string          `json:"from_participant,omitempty"`
	ToParticipant     string          `json:"to_participant,omitempty"`
	SDP               json.RawMessage `json:"sdp,omitempty"`
	Candidate         json.RawMessage `json:"candidate,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`

	ParticipantID   string `json:"participant_id,omitempty"`
	ParticipantName string `json:"participant_name,omitempty"`
	PeerID          string `json:"peer_id,omitempty"`
	Role            Role   `json:"role,omitempty"`

	ControlType string `json:"control_type,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
	Action      string `json:"action,omitempty"`

	MessageID string     `json:"message_id,omitempty"`
	Message   string     `json:"message,omitempty"`
	Private   bool       `json:"private,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`

	// join_room preferences
	AudioMuted    bool `json:"audio_muted,omitempty"`
	VideoDisabled bool `json:"video_disabled,omitempty"`

	ICEServers   []webrtc.ICEServer `json:"ice_servers,omitempty"`
	Participants []Participant      `json:"participants,omitempty"`
	Recording    bool               `json:"recording,omitempty"`
	ScreenSharer string             `json:"screen_sharer,omitempty"`

	Code      string      `json:"code,omitempty"`
	Error     string      `json:"error,omitempty"`
	InReplyTo MessageType `json:"in_reply_to,omitempty"`
}

// Bool returns a pointer for optional boolean envelope fields.
func Bool(v bool) *bool { return &v }

// Time returns a pointer for optional timestamp envelope fields.
func Time(t time.Time) *time.Time { return &t }
