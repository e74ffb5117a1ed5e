package conflict

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCheck_ReportsBlocking(t *testing.T) {
	d, idx, _ := setup(t, 0)
	book(t, idx, "b1", "r1", at(9, 0), at(10, 0))
	h := NewHandler(d)

	body := `{"resource_ids":["r1"],"start":"2026-03-02T09:30:00Z","end":"2026-03-02T10:30:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Check(echo.New().NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp checkResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Blocking || len(resp.Conflicts) != 1 {
		t.Errorf("expected one blocking conflict, got %+v", resp)
	}
}

func TestCheck_MissingResources(t *testing.T) {
	d, _, _ := setup(t, 0)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := NewHandler(d).Check(echo.New().NewContext(req, httptest.NewRecorder()))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
