package handlers

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/meeting-signaling/internal/auth"
	"github.com/mossy-p/meeting-signaling/internal/middleware"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/signaling"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

const (
	meetingCodeLength  = 12
	codeChars          = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no ambiguous chars
	passcodeDigits     = "0123456789"
	passcodeLength     = 6
	createAttempts     = 3
	defaultChatHistory = 100
	maxChatHistory     = 500
)

// Meetings serves the meeting REST actions.
type Meetings struct {
	store store.Store
	hub   *signaling.Hub
}

func NewMeetings(st store.Store, hub *signaling.Hub) *Meetings {
	return &Meetings{store: st, hub: hub}
}

// Create creates a scheduled meeting hosted by the caller (requires authentication)
func (h *Meetings) Create(c *gin.Context) {
	ident, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m := models.Meeting{
		Title:              req.Title,
		HostID:             ident.UserID,
		Status:             models.MeetingScheduled,
		AllowGuests:        req.AllowGuests,
		Open:               req.Open,
		WaitingRoomEnabled: req.WaitingRoomEnabled,
		RecordingEnabled:   req.RecordingEnabled,
		AllowScreenShare:   true,
		MaxParticipants:    req.MaxParticipants,
	}
	if req.AllowScreenShare != nil {
		m.AllowScreenShare = *req.AllowScreenShare
	}
	if req.PasscodeProtected {
		m.Passcode = randomCode(passcodeDigits, passcodeLength)
	}

	// codes are random, retry the rare collision
	var err error
	for range createAttempts {
		m.ID = randomCode(codeChars, meetingCodeLength)
		if err = h.store.CreateMeeting(c.Request.Context(), &m); err == nil {
			break
		}
	}
	if err != nil {
		log.Error().Str("module", "handlers.meetings").Err(err).Msg("failed to create meeting")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}

	log.Info().Str("module", "handlers.meetings").
		Str("meeting_id", m.ID).
		Str("host_id", m.HostID).
		Msg("meeting created")
	c.JSON(http.StatusCreated, m)
}

// Get returns public meeting info with the live participant count
func (h *Meetings) Get(c *gin.Context) {
	m, err := h.store.GetMeeting(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.MeetingInfo{
		ID:               m.ID,
		Title:            m.Title,
		Status:           m.Status,
		AllowGuests:      m.AllowGuests,
		PasscodeRequired: m.PasscodeRequired(),
		ParticipantCount: h.hub.MemberCount(m.ID),
		MaxParticipants:  m.MaxParticipants,
		ActualStart:      m.ActualStart,
		ActualEnd:        m.ActualEnd,
	})
}

// Stats summarizes the live state of a meeting
func (h *Meetings) Stats(c *gin.Context) {
	m, err := h.store.GetMeeting(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		writeError(c, err)
		return
	}

	var duration time.Duration
	if m.ActualStart != nil {
		end := time.Now()
		if m.ActualEnd != nil {
			end = *m.ActualEnd
		}
		duration = end.Sub(*m.ActualStart)
	}
	c.JSON(http.StatusOK, models.MeetingStats{
		MeetingID:         m.ID,
		ParticipantsCount: h.hub.MemberCount(m.ID),
		DurationSeconds:   int64(duration.Seconds()),
		IsRecording:       h.hub.Registry().Recording(m.ID),
	})
}

// Participants lists the participants currently connected to the meeting
// (requires authentication)
func (h *Meetings) Participants(c *gin.Context) {
	m, err := h.store.GetMeeting(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": h.hub.Participants(m.ID)})
}

// Chat returns recent chat history. Private messages are only shown to the
// host of record.
func (h *Meetings) Chat(c *gin.Context) {
	ident, _ := middleware.Identity(c)
	m, err := h.store.GetMeeting(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		writeError(c, err)
		return
	}

	limit := defaultChatHistory
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive number"})
			return
		}
		limit = min(n, maxChatHistory)
	}

	msgs, err := h.store.ListChat(c.Request.Context(), m.ID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]models.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.IsPrivate && ident.UserID != m.HostID && ident.UserID != msg.ParticipantID {
			continue
		}
		out = append(out, msg)
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// hostOnly loads the meeting and checks the caller is its host.
func (h *Meetings) hostOnly(c *gin.Context) (*models.Meeting, bool) {
	ident, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return nil, false
	}
	m, err := h.store.GetMeeting(c.Request.Context(), c.Param("meetingId"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if m.HostID != ident.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the host can manage the meeting"})
		return nil, false
	}
	return m, true
}

func (h *Meetings) Start(c *gin.Context) {
	m, ok := h.hostOnly(c)
	if !ok {
		return
	}
	updated, err := h.hub.Coordinator().Start(c.Request.Context(), m.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Meetings) End(c *gin.Context) {
	m, ok := h.hostOnly(c)
	if !ok {
		return
	}
	updated, err := h.hub.Coordinator().End(c.Request.Context(), m.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Meetings) Cancel(c *gin.Context) {
	m, ok := h.hostOnly(c)
	if !ok {
		return
	}
	updated, err := h.hub.Coordinator().Cancel(c.Request.Context(), m.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// Invite records invitations for signed-in users (host only)
func (h *Meetings) Invite(c *gin.Context) {
	m, ok := h.hostOnly(c)
	if !ok {
		return
	}
	var req models.InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	invited, err := h.hub.Coordinator().Invite(c.Request.Context(), m.ID, req.Participants)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": invited})
}

// StartRecording and StopRecording leave the role check to the coordinator,
// so co-hosts in the live room may use them too.
func (h *Meetings) StartRecording(c *gin.Context) {
	h.recording(c, true)
}

func (h *Meetings) StopRecording(c *gin.Context) {
	h.recording(c, false)
}

func (h *Meetings) recording(c *gin.Context, on bool) {
	ident, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	meetingID := c.Param("meetingId")
	coord := h.hub.Coordinator()

	var err error
	if on {
		err = coord.StartRecording(c.Request.Context(), meetingID, ident.UserID)
	} else {
		err = coord.StopRecording(c.Request.Context(), meetingID, ident.UserID)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meeting_id": meetingID, "recording": on})
}

// randomCode draws n characters from alphabet
func randomCode(alphabet string, n int) string {
	code := make([]byte, n)
	for i := range code {
		k, _ := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		code[i] = alphabet[k.Int64()]
	}
	return string(code)
}

// writeError maps domain errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, signaling.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, auth.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, signaling.ErrRoomUnavailable),
		errors.Is(err, signaling.ErrRecordingState),
		errors.Is(err, signaling.ErrAlreadySharing):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		log.Error().Str("module", "handlers").Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": signaling.ErrorCode(err)})
}
