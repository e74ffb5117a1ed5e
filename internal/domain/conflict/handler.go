package conflict

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicsched/internal/platform/auth"
	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

type Handler struct {
	detector *Detector
}

func NewHandler(d *Detector) *Handler {
	return &Handler{detector: d}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/conflicts/check", h.Check, auth.RequireRole(auth.RoleScheduler, auth.RoleDentist, auth.RoleTechnician))
}

type checkRequest struct {
	ResourceIDs     []string      `json:"resource_ids"`
	Start           time.Time     `json:"start"`
	End             time.Time     `json:"end"`
	Kind            interval.Kind `json:"kind,omitempty"`
	IgnoreBookingID string        `json:"ignore_booking_id,omitempty"`
}

type checkResponse struct {
	Blocking  bool               `json:"blocking"`
	Conflicts []ResourceConflict `json:"conflicts"`
}

func (h *Handler) Check(c echo.Context) error {
	var req checkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.ResourceIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "resource_ids is required")
	}
	conflicts, err := h.detector.Detect(Candidate{
		ResourceIDs: req.ResourceIDs,
		Start:       req.Start,
		End:         req.End,
		Kind:        req.Kind,
		IgnoreOwner: req.IgnoreBookingID,
	})
	if err != nil {
		return schederr.ToHTTP(c, err)
	}
	if conflicts == nil {
		conflicts = []ResourceConflict{}
	}
	return c.JSON(http.StatusOK, checkResponse{Blocking: HasBlocking(conflicts), Conflicts: conflicts})
}
