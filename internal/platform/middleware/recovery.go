package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery turns a panic into a 500 with the gateway's generic error message.
// The panic is logged through the request logger attached by Logger when
// there is one, so the entry carries the request id; otherwise through logger.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)

				panicLogger(c, logger).Error().
					Str("method", c.Request().Method).
					Str("path", c.Request().URL.Path).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
			}()
			return next(c)
		}
	}
}

func panicLogger(c echo.Context, fallback zerolog.Logger) *zerolog.Logger {
	if l := zerolog.Ctx(c.Request().Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	rid, _ := c.Get("request_id").(string)
	l := fallback.With().Str("request_id", rid).Logger()
	return &l
}
