package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/meeting-signaling/internal/auth"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/signaling"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

// Signaling upgrades meeting connections and hands them to the hub.
type Signaling struct {
	hub      *signaling.Hub
	store    store.Store
	authz    auth.Authorizer
	upgrader websocket.Upgrader
}

func NewSignaling(hub *signaling.Hub, st store.Store, authz auth.Authorizer, allowedOrigins []string) *Signaling {
	return &Signaling{
		hub:   hub,
		store: st,
		authz: authz,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return OriginAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
	}
}

// Handle authenticates the caller, checks the meeting can be joined and runs
// the session until it closes. The credential comes from the Authorization
// header or the token query parameter; without one the caller joins as a
// guest named by the name parameter. Protected meetings also need the
// passcode parameter from everyone but the host.
func (h *Signaling) Handle(c *gin.Context) {
	meetingID := c.Param("meetingId")
	if meetingID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "meetingId is required"})
		return
	}

	ident, err := h.identify(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token", "code": "unauthenticated"})
		return
	}

	m, err := h.store.GetMeeting(c.Request.Context(), meetingID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Meeting not found", "code": "not_found"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if !m.Status.Joinable() {
		c.JSON(http.StatusGone, gin.H{"error": "Meeting is " + string(m.Status), "code": "room_unavailable"})
		return
	}
	if !passcodeAccepted(m, ident, c.Query("passcode")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid meeting passcode", "code": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "handlers.websocket").Err(err).Str("meeting_id", meetingID).Msg("failed to upgrade connection")
		return
	}
	h.hub.Serve(conn, m.ID, ident)
}

func (h *Signaling) identify(c *gin.Context) (auth.Identity, error) {
	credential := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		token, ok := auth.BearerToken(header)
		if !ok {
			return auth.Identity{}, auth.ErrUnauthenticated
		}
		credential = token
	}
	if credential == "" {
		return auth.NewGuest(c.Query("name")), nil
	}
	return h.authz.Authenticate(c.Request.Context(), credential)
}

func passcodeAccepted(m *models.Meeting, ident auth.Identity, passcode string) bool {
	if !m.PasscodeRequired() || (!ident.Guest && ident.UserID == m.HostID) {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(passcode), []byte(m.Passcode)) == 1
}
