package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ActorContextKey holds the operator name taken from X-Keldris-Actor.
const ActorContextKey = "actor"

// ExtractBearerToken returns the token of an "Authorization: Bearer" header,
// or "" when the header has another form.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// RequireToken rejects requests that do not carry token as a bearer token.
// The caller may name itself in X-Keldris-Actor; it defaults to defaultActor.
func RequireToken(token, defaultActor string, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "token_middleware").Logger()
	want := []byte(token)

	return func(c *gin.Context) {
		got := ExtractBearerToken(c.GetHeader("Authorization"))
		if got == "" {
			log.Debug().Str("path", c.Request.URL.Path).Msg("missing bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			log.Warn().Str("path", c.Request.URL.Path).Str("client_ip", c.ClientIP()).Msg("invalid bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		actor := strings.TrimSpace(c.GetHeader("X-Keldris-Actor"))
		if actor == "" {
			actor = defaultActor
		}
		c.Set(ActorContextKey, actor)
		c.Next()
	}
}

// Actor returns the operator set by RequireToken.
func Actor(c *gin.Context) string {
	return c.GetString(ActorContextKey)
}
