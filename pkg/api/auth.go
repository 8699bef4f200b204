package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireToken gates a route group behind Authorization: Bearer <token>.
// Tokens are checked against the api_tokens table; a successful check
// touches last_used. Unknown and revoked tokens both answer 401 so callers
// cannot distinguish the two.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		valid, err := s.deps.Tokens.Validate(c.Request.Context(), token)
		if err != nil {
			s.logger.Error().Err(err).Msg("Token validation failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
