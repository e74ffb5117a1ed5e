package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// RequestTimeout sets a deadline on each request context. Lock waits and
// availability sweeps observe it; a request still running at the deadline
// gets a retryable timeout body with status 503.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return timeoutResponse(c)
				}
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return timeoutResponse(c)
				}
				return ctx.Err()
			}
		}
	}
}

func timeoutResponse(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(schederr.RetryAfterSeconds))
	return c.JSON(http.StatusServiceUnavailable, schederr.Body{
		Code:      schederr.CodeTimeout,
		Message:   "request processing exceeded the allowed time limit",
		Retryable: true,
	})
}
