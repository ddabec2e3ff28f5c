package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/nightingale/nightingale/internal/platform/auth"
)

// Logger writes one access line per request. Bodies are never logged since
// message requests carry patient text. Health probes log at debug.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid, _ := c.Get("request_id").(string)

			err := next(c)
			req := c.Request()
			if err != nil {
				// let echo's error handler set the status before we read it
				c.Error(err)
			}

			evt := logger.Info()
			switch {
			case c.Response().Status >= 500:
				evt = logger.Error().Err(err)
			case c.Response().Status >= 400:
				evt = logger.Warn()
			case strings.HasPrefix(req.URL.Path, "/health"):
				evt = logger.Debug()
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("route", c.Path()).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("user_id", auth.UserIDFromContext(req.Context())).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
