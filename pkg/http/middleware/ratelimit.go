package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Limiter decides per key whether a request may proceed.
type Limiter interface {
	Allow(key string) bool
}

// RateLimit rejects requests with 429 once a client's bucket is empty.
// Clients are keyed by echo's RealIP. A nil limiter disables the check.
func RateLimit(l Limiter, skip ...string) echo.MiddlewareFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if l == nil {
				return next(c)
			}
			if _, ok := skipped[c.Path()]; ok {
				return next(c)
			}
			if !l.Allow(c.RealIP()) {
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"status":  http.StatusTooManyRequests,
					"message": http.StatusText(http.StatusTooManyRequests),
				})
			}
			return next(c)
		}
	}
}
