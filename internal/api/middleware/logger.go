package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// redactedParams are query parameters never written to the log.
var redactedParams = []string{"token", "api_token", "master_key", "secret", "password", "signature"}

// redactQueryString masks the values of redactedParams. Queries that fail to
// parse are dropped entirely.
func redactQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "[UNPARSEABLE]"
	}
	changed := false
	for name, values := range params {
		if !isRedacted(name) {
			continue
		}
		for i := range values {
			values[i] = "[REDACTED]"
		}
		changed = true
	}
	if !changed {
		return rawQuery
	}
	return params.Encode()
}

func isRedacted(name string) bool {
	name = strings.ToLower(name)
	for _, p := range redactedParams {
		if name == p {
			return true
		}
	}
	return false
}

// RequestLogger logs one line per request. The route template is logged
// instead of the raw path so IDs do not end up as distinct paths; paths in
// quiet log at debug unless they fail.
func RequestLogger(logger zerolog.Logger, quiet ...string) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(RequestIDHeader, reqID)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		case skip[c.Request.URL.Path]:
			event = log.Debug()
		default:
			event = log.Info()
		}
		if actor := Actor(c); actor != "" {
			event = event.Str("actor", actor)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("query", redactQueryString(c.Request.URL.RawQuery)).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("request")
	}
}
