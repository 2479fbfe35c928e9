package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/auth"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

// ClaimsKey is the gin context key under which RequireAuth stores the
// verified token claims.
const ClaimsKey = "claims"

// RequireAuth verifies the Authorization bearer token and aborts with 401
// when it is missing or invalid. Verified claims land in the gin context
// under ClaimsKey and the subject is attached to the request context for
// log correlation.
func RequireAuth(verifier types.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(ClaimsKey, claims)
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), logging.UserIDKey, claims.Subject))
		c.Next()
	}
}

// ClaimsFrom returns the claims RequireAuth stored, or nil on routes where
// the middleware did not run.
func ClaimsFrom(c *gin.Context) *auth.Claims {
	if v, ok := c.Get(ClaimsKey); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}

// bearerToken splits an Authorization header into its token, accepting only
// the Bearer scheme.
func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
