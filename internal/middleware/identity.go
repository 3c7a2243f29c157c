package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-ticketing/internal/model"
)

const (
	ctxUsername = "username"
	ctxRole     = "role"
	ctxLogger   = "logger"
)

// Username returns the authenticated username, or "" when the request
// carries no valid token.
func Username(c echo.Context) string {
	s, _ := c.Get(ctxUsername).(string)
	return s
}

// Role returns the authenticated role, or "" for anonymous requests.
func Role(c echo.Context) model.Role {
	s, _ := c.Get(ctxRole).(string)
	return model.Role(s)
}

// identity is the rate limit subject: the username when present.
func identity(c echo.Context) string {
	if u := Username(c); u != "" {
		return u
	}
	return "anon"
}
