package middleware

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
)

// InvocationDeadline bounds each request with the hosting deadline. The
// handler runs on the request goroutine; outbound calls observe the deadline
// through the request context and fail with a transport error when it
// expires, so the handler still writes its own response.
func InvocationDeadline(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
