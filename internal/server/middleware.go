package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/articleforge/articleforge/internal/ratelimit"
	"github.com/articleforge/articleforge/internal/runtime"
)

// RateLimitMiddleware counts each authenticated request against the
// organization's fixed window and rejects with 429 once the ceiling is
// spent. Runs after auth so the org is known.
func RateLimitMiddleware(limiter *ratelimit.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := runtime.IdentityFromEcho(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			err := limiter.CheckAndIncrement(c.Request().Context(), id.OrgID, c.Path(), c.Request().Method)
			if err != nil {
				var limited *ratelimit.ErrLimited
				if errors.As(err, &limited) {
					reset := limited.ResetAt.UTC()
					c.Response().Header().Set("Retry-After",
						strconv.Itoa(int(time.Until(reset).Seconds())+1))
					c.Response().Header().Set("X-RateLimit-Reset", reset.Format(time.RFC3339))
					return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
				}
				// A counting failure must not take the API down.
				return next(c)
			}
			return next(c)
		}
	}
}
