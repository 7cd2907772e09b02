package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/meeting-signaling/config"
	"github.com/mossy-p/meeting-signaling/internal/auth"
	"github.com/mossy-p/meeting-signaling/internal/middleware"
	"github.com/mossy-p/meeting-signaling/internal/signaling"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

const devTokenTTL = 24 * time.Hour

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Config     *config.Config
	Store      store.Store
	Hub        *signaling.Hub
	Authorizer auth.Authorizer
	// Issuer signs development tokens; the login route is only mounted when
	// it is set and the environment is not production.
	Issuer *auth.JWTAuthorizer
}

func SetupRouter(d Deps) *gin.Engine {
	cfg := d.Config
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())
	router.Use(CORS(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	requireAuth := middleware.JWTAuth(d.Authorizer)
	createLimiter := middleware.NewIPRateLimiter(10, 5, 5*time.Minute)
	meetings := NewMeetings(d.Store, d.Hub)

	api := router.Group("/api")
	{
		if d.Issuer != nil && !cfg.IsProduction() {
			api.POST("/auth/login", Login(d.Issuer, devTokenTTL))
		}

		api.POST("/meetings", middleware.RateLimitByIP(createLimiter), requireAuth, meetings.Create)
		api.GET("/meetings/:meetingId", meetings.Get)
		api.GET("/meetings/:meetingId/stats", meetings.Stats)

		host := api.Group("/meetings/:meetingId", requireAuth)
		host.GET("/participants", meetings.Participants)
		host.POST("/invite", meetings.Invite)
		host.GET("/chat", meetings.Chat)
		host.POST("/start", meetings.Start)
		host.POST("/end", meetings.End)
		host.POST("/cancel", meetings.Cancel)
		host.POST("/recording/start", meetings.StartRecording)
		host.POST("/recording/stop", meetings.StopRecording)
	}

	ws := NewSignaling(d.Hub, d.Store, d.Authorizer, cfg.AllowedOrigins)
	router.GET("/ws/meetings/:meetingId", ws.Handle)

	log.Info().Str("module", "handlers").Strs("allowed_origins", cfg.AllowedOrigins).Msg("router setup")
	return router
}
