package scheduling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/platform/events"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

type recordingPublisher struct {
	events []events.Event
}

func (r *recordingPublisher) Publish(ev events.Event) { r.events = append(r.events, ev) }

type mockBookingRepo struct {
	saved map[string]Booking
}

func (m *mockBookingRepo) List(context.Context) ([]Booking, error) {
	var out []Booking
	for _, b := range m.saved {
		out = append(out, b)
	}
	return out, nil
}

func (m *mockBookingRepo) Save(_ context.Context, b *Booking) error {
	if prev, ok := m.saved[b.ID]; ok && prev.Version >= b.Version {
		return nil
	}
	m.saved[b.ID] = *b
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *mockBookingRepo) {
	f := newFixture(t)
	repo := &mockBookingRepo{saved: make(map[string]Booking)}
	return NewHandler(f.mgr, repo, f.catalog, nil, zerolog.Nop()), repo
}

func postJSON(h echo.HandlerFunc, body string, params ...string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if len(params) == 2 {
		c.SetParamNames(params[0])
		c.SetParamValues(params[1])
	}
	return rec, h(c)
}

const booking9to10 = `{"room_id":"r1","equipment_ids":["e1"],"start":"2026-03-02T09:00:00Z","end":"2026-03-02T10:00:00Z"}`

func TestCommitBooking_Created(t *testing.T) {
	h, repo := newTestHandler(t)
	rec, err := postJSON(h.CommitBooking, booking9to10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var b Booking
	json.Unmarshal(rec.Body.Bytes(), &b)
	if _, ok := repo.saved[b.ID]; !ok {
		t.Error("expected booking to be persisted")
	}
}

func TestCommitBooking_Conflict(t *testing.T) {
	h, _ := newTestHandler(t)
	if _, err := postJSON(h.CommitBooking, booking9to10); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	_, err := postJSON(h.CommitBooking, booking9to10)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
	body := httpErr.Message.(schederr.Body)
	if body.Code != schederr.CodeConflict || !body.Retryable {
		t.Errorf("unexpected error body %+v", body)
	}
}

func TestCancelBooking_PersistsNewVersion(t *testing.T) {
	h, repo := newTestHandler(t)
	rec, _ := postJSON(h.CommitBooking, booking9to10)
	var b Booking
	json.Unmarshal(rec.Body.Bytes(), &b)

	if _, err := postJSON(h.CancelBooking, "", "id", b.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := repo.saved[b.ID]; got.Status != StatusCancelled || got.Version != 2 {
		t.Errorf("expected cancelled v2 persisted, got %+v", got)
	}
}

func TestGetBooking_NotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("ghost")
	err := h.GetBooking(c)
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestListBookings_BadTime(t *testing.T) {
	h, _ := newTestHandler(t)
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/?from=yesterday", nil), httptest.NewRecorder())
	err := h.ListBookings(c)
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestBookingWrites_PublishEvents(t *testing.T) {
	h, _ := newTestHandler(t)
	pub := &recordingPublisher{}
	h.WithEvents(pub)

	rec, err := postJSON(h.CommitBooking, booking9to10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var b Booking
	json.Unmarshal(rec.Body.Bytes(), &b)
	if _, err := postJSON(h.CancelBooking, "", "id", b.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	postJSON(h.CommitBooking, `{"room_id":"r1","start":"2026-03-02T10:00:00Z","end":"2026-03-02T09:00:00Z"}`)

	if len(pub.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(pub.events))
	}
	if pub.events[0].Type != "booking.committed" || pub.events[1].Type != "booking.cancelled" {
		t.Errorf("unexpected event types: %s, %s", pub.events[0].Type, pub.events[1].Type)
	}
	if pub.events[0].Topic != events.TopicBookings || pub.events[0].ResourceID != "r1" {
		t.Errorf("unexpected event routing: %+v", pub.events[0])
	}
}
