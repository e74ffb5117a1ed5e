package availability

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicsched/internal/platform/auth"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

type Handler struct {
	engine *Engine
}

func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/availability/search", h.Search, auth.RequireRole(auth.RoleScheduler, auth.RoleDentist))
}

// SearchRequest is the wire form of Query. Durations are in minutes.
type SearchRequest struct {
	WindowStart           time.Time           `json:"window_start"`
	WindowEnd             time.Time           `json:"window_end"`
	DurationMinutes       int                 `json:"duration_minutes"`
	RoomType              string              `json:"room_type,omitempty"`
	MinCapacity           int                 `json:"min_capacity,omitempty"`
	RoomFeatures          []string            `json:"room_features,omitempty"`
	EquipmentTypes        []string            `json:"equipment_types,omitempty"`
	EquipmentIDs          []string            `json:"equipment_ids,omitempty"`
	EquipmentCapabilities map[string][]string `json:"equipment_capabilities,omitempty"`
	PreferredStart        *time.Time          `json:"preferred_start,omitempty"`
	StepMinutes           int                 `json:"step_minutes,omitempty"`
	Limit                 int                 `json:"limit,omitempty"`
	IgnoreBookingID       string              `json:"ignore_booking_id,omitempty"`
}

// Query converts the request into an engine query.
func (r SearchRequest) Query() Query {
	q := Query{
		WindowStart:           r.WindowStart,
		WindowEnd:             r.WindowEnd,
		Duration:              time.Duration(r.DurationMinutes) * time.Minute,
		RoomType:              r.RoomType,
		MinCapacity:           r.MinCapacity,
		RoomFeatures:          r.RoomFeatures,
		EquipmentTypes:        r.EquipmentTypes,
		EquipmentIDs:          r.EquipmentIDs,
		EquipmentCapabilities: r.EquipmentCapabilities,
		Step:                  time.Duration(r.StepMinutes) * time.Minute,
		Limit:                 r.Limit,
		IgnoreBookingID:       r.IgnoreBookingID,
	}
	if r.PreferredStart != nil {
		q.PreferredStart = *r.PreferredStart
	}
	return q
}

func (h *Handler) Search(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	slots, err := h.engine.FindSlots(c.Request().Context(), req.Query())
	if err != nil {
		return schederr.ToHTTP(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": slots, "total": len(slots)})
}
