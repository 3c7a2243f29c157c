package handler

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-ticketing/internal/middleware"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
)

// errorStatus maps a base error to an HTTP status and a stable code.
// Order matters: an inconsistent saga may also wrap its cause.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{repository.ErrInconsistent, http.StatusInternalServerError, "inconsistent"},
	{repository.ErrNotFound, http.StatusNotFound, "not_found"},
	{repository.ErrDuplicateKey, http.StatusConflict, "duplicate"},
	{repository.ErrConflict, http.StatusConflict, "conflict"},
	{repository.ErrValidation, http.StatusBadRequest, "invalid"},
	{repository.ErrAuthFailed, http.StatusUnauthorized, "auth_failed"},
	{repository.ErrForbidden, http.StatusForbidden, "forbidden"},
	{repository.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
	{repository.ErrInsufficientCapacity, http.StatusConflict, "insufficient_capacity"},
}

// respondError writes err as {"error", "code"}.  Unknown errors become a
// 500 without leaking their text.
func respondError(c echo.Context, err error) error {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			if m.status >= 500 {
				middleware.Logger(c).Error("request failed", "err", err)
				return c.JSON(m.status, echo.Map{"error": "operation left inconsistent state; it has been reported", "code": m.code})
			}
			return c.JSON(m.status, echo.Map{"error": err.Error(), "code": m.code})
		}
	}
	middleware.Logger(c).Error("request failed", "err", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error", "code": "internal"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg, "code": "invalid"})
}

// param returns the unescaped path parameter.  Film names and showing
// keys contain spaces.
func param(c echo.Context, name string) string {
	raw := c.Param(name)
	if s, err := url.PathUnescape(raw); err == nil {
		return s
	}
	return raw
}
