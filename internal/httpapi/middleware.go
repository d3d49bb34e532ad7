package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxUserID = "userID"

// Authorize validates the bearer token and stores the caller's user id in
// the gin context. Browsers cannot set headers on a WebSocket upgrade, so
// the token may also come from the "token" query parameter.
func (s *Server) Authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := getToken(c)
		if token == "" {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}

		claims, err := s.Auth.Validate(token)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}

func getToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return c.Query("token")
}

func currentUser(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
