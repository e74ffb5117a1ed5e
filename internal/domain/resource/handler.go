package resource

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicsched/internal/platform/auth"
	"github.com/ehr/clinicsched/internal/platform/events"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

type Handler struct {
	svc    *Service
	events events.Publisher
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// WithEvents publishes every status change to p.
func (h *Handler) WithEvents(p events.Publisher) *Handler {
	h.events = p
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/resources", auth.RequireRole(auth.RoleScheduler, auth.RoleDentist, auth.RoleTechnician))
	read.GET("/rooms", h.ListRooms)
	read.GET("/equipment", h.ListEquipment)
	read.GET("/:id", h.GetResource)

	write := api.Group("/resources", auth.RequireRole(auth.RoleScheduler, auth.RoleTechnician))
	write.POST("/rooms/:id/status", h.SetRoomStatus)
	write.POST("/equipment/:id/status", h.SetEquipmentStatus)
}

func (h *Handler) ListRooms(c echo.Context) error {
	typ, status := c.QueryParam("type"), c.QueryParam("status")
	out := []Room{}
	for _, r := range h.svc.Catalog().Rooms() {
		if typ != "" && r.Type != typ {
			continue
		}
		if status != "" && string(r.Status) != status {
			continue
		}
		out = append(out, r)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": out, "total": len(out)})
}

func (h *Handler) ListEquipment(c echo.Context) error {
	typ, status := c.QueryParam("type"), c.QueryParam("status")
	out := []Equipment{}
	for _, e := range h.svc.Catalog().EquipmentList() {
		if typ != "" && e.Type != typ {
			continue
		}
		if status != "" && string(e.Status) != status {
			continue
		}
		out = append(out, e)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": out, "total": len(out)})
}

func (h *Handler) GetResource(c echo.Context) error {
	res, ok := h.svc.Catalog().Lookup(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	return c.JSON(http.StatusOK, res)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) SetRoomStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	change, err := h.svc.SetRoomStatus(c.Request().Context(), c.Param("id"), RoomStatus(req.Status))
	if err != nil {
		return schederr.ToHTTP(c, err)
	}
	events.Publish(h.events, events.NewEvent(events.TopicResources, "room.status", change.ResourceID, change))
	return c.JSON(http.StatusOK, change)
}

func (h *Handler) SetEquipmentStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	change, err := h.svc.SetEquipmentStatus(c.Request().Context(), c.Param("id"), EquipmentStatus(req.Status))
	if err != nil {
		return schederr.ToHTTP(c, err)
	}
	events.Publish(h.events, events.NewEvent(events.TopicResources, "equipment.status", change.ResourceID, change))
	return c.JSON(http.StatusOK, change)
}
