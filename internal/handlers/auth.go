package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/meeting-signaling/internal/auth"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required,max=80"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name" binding:"max=200"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login issues a token for any username/password combination. Only mounted
// outside production; real deployments get tokens from the account service.
func Login(issuer *auth.JWTAuthorizer, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		userID := strings.TrimSpace(req.Username)
		if userID == "" || auth.IsGuestID(userID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid username",
			})
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = userID
		}

		token, err := issuer.IssueToken(userID, name, ttl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  token,
			UserID: userID,
		})
	}
}
