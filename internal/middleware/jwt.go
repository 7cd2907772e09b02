package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/meeting-signaling/internal/auth"
)

const identityKey = "identity"

// JWTAuth creates middleware that verifies the bearer credential and stores
// the caller's identity in the context.
func JWTAuth(authz auth.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			return
		}

		token, ok := auth.BearerToken(authHeader)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization header format",
			})
			return
		}

		ident, err := authz.Authenticate(c.Request.Context(), token)
		if err != nil {
			log.Debug().Str("module", "middleware.auth").Err(err).Msg("rejected credential")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}

		c.Set(identityKey, ident)
		c.Set("user_id", ident.UserID)
		c.Next()
	}
}

// Identity returns the identity stored by JWTAuth.
func Identity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	ident, ok := v.(auth.Identity)
	return ident, ok
}
