package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requireAPIKey returns middleware enforcing the bearer API key. A missing
// credential is 401, a wrong one 403. WebSocket clients that cannot set
// headers may pass the key as a token query parameter instead.
func requireAPIKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			presented := bearerToken(c.Request())
			if presented == "" {
				presented = c.QueryParam("token")
			}
			if presented == "" {
				return writeError(c, http.StatusUnauthorized, "unauthorized", "missing API key")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				return writeError(c, http.StatusForbidden, "forbidden", "invalid API key")
			}
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
