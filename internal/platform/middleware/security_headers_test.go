package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func serveWithHeaders(t *testing.T, hsts bool, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil), rec)
	return rec, SecurityHeaders(hsts)(handler)(c)
}

func TestSecurityHeaders_APIHeaders(t *testing.T) {
	rec, err := serveWithHeaders(t, false, func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"id": "b1"})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for k, want := range apiHeaders {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("expected %s %q, got %q", k, want, got)
		}
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("expected no HSTS without TLS, got %q", got)
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	rec, _ := serveWithHeaders(t, true, func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected Strict-Transport-Security header")
	}
}

func TestSecurityHeaders_SetOnHandlerError(t *testing.T) {
	rec, err := serveWithHeaders(t, false, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "booking not found")
	})
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected headers on error responses")
	}
}
