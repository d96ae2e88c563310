package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"verse-sync/internal/auth"
	"verse-sync/internal/protocol"
)

const userIDKey = "userID"

// DevUserHeader names the user when the server runs without a token secret.
const DevUserHeader = "X-User-ID"

func UserIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Auth resolves the calling user. With a configured issuer only valid access
// tokens are accepted; otherwise the X-User-ID header is trusted and falls
// back to "default".
func Auth(issuer *auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !issuer.Enabled() {
			userID := strings.TrimSpace(c.GetHeader(DevUserHeader))
			if userID == "" {
				userID = "default"
			}
			c.Set(userIDKey, userID)
			c.Next()
			return
		}

		h := strings.TrimSpace(c.GetHeader("Authorization"))
		if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorBody{Error: "unauthorized", Message: "missing bearer token"})
			return
		}
		claims, err := issuer.Parse(h[7:], auth.TypeAccess)
		if err != nil {
			var ae *auth.Error
			if errors.As(err, &ae) {
				c.AbortWithStatusJSON(ae.Status, protocol.ErrorBody{Error: ae.Code, Message: ae.Message})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorBody{Error: "unauthorized"})
			return
		}
		c.Set(userIDKey, claims.Subject)
		c.Next()
	}
}
