package resource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/platform/lock"
)

type mockRepo struct {
	rooms     map[string]Room
	equipment map[string]Equipment
}

func newMockRepo() *mockRepo {
	return &mockRepo{rooms: make(map[string]Room), equipment: make(map[string]Equipment)}
}

func (m *mockRepo) ListRooms(context.Context) ([]Room, error) {
	var out []Room
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockRepo) ListEquipment(context.Context) ([]Equipment, error) {
	var out []Equipment
	for _, e := range m.equipment {
		out = append(out, e)
	}
	return out, nil
}

func (m *mockRepo) SaveRoom(_ context.Context, r *Room) error {
	m.rooms[r.ID] = *r
	return nil
}

func (m *mockRepo) SaveEquipment(_ context.Context, e *Equipment) error {
	m.equipment[e.ID] = *e
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *mockRepo, *echo.Echo) {
	repo := newMockRepo()
	svc := NewService(testCatalog(t), lock.NewManager(), repo, zerolog.Nop())
	return NewHandler(svc), repo, echo.New()
}

func TestLoadCatalog(t *testing.T) {
	repo := newMockRepo()
	repo.rooms["r1"] = Room{ID: "r1", Type: "hygiene"}
	repo.equipment["e1"] = Equipment{ID: "e1", Type: "xray"}
	c, err := LoadCatalog(context.Background(), repo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Rooms()) != 1 || len(c.EquipmentList()) != 1 {
		t.Error("expected one room and one equipment item")
	}
}

func TestListRooms_FilterByType(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?type=surgery", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListRooms(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data  []Room `json:"data"`
		Total int    `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || body.Data[0].ID != "r2" {
		t.Errorf("expected only r2, got %+v", body)
	}
}

func TestGetResource_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("ghost")
	err := h.GetResource(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestSetEquipmentStatus_Persists(t *testing.T) {
	h, repo, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"status":"repair"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("e1")
	if err := h.SetEquipmentStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if repo.equipment["e1"].Status != EquipmentRepair {
		t.Errorf("expected persisted status repair, got %s", repo.equipment["e1"].Status)
	}
}

func TestSetRoomStatus_InvalidTransition(t *testing.T) {
	h, _, e := newTestHandler(t)
	h.svc.Catalog().SetRoomStatus("r1", RoomMaintenance)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"status":"occupied"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("r1")
	err := h.SetRoomStatus(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %v", err)
	}
}
