package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicsched/internal/platform/lock"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

func runWithTimeout(d time.Duration, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/bookings", nil), rec)
	return rec, RequestTimeout(d)(handler)(c)
}

func TestRequestTimeout_PassesThrough(t *testing.T) {
	rec, err := runWithTimeout(5*time.Second, func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected request context to carry a deadline")
		}
		return c.NoContent(http.StatusCreated)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestRequestTimeout_LockWaitBecomesRetryable503(t *testing.T) {
	locks := lock.NewManager()
	release, err := locks.Acquire(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	rec, err := runWithTimeout(50*time.Millisecond, func(c echo.Context) error {
		rel, err := locks.Acquire(c.Request().Context(), "r1")
		if err != nil {
			return err
		}
		rel()
		return c.NoContent(http.StatusCreated)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var body schederr.Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != schederr.CodeTimeout || !body.Retryable {
		t.Errorf("expected retryable timeout body, got %+v", body)
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	_, err := runWithTimeout(5*time.Second, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "double booking")
	})
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409 HTTPError, got %v", err)
	}
}
