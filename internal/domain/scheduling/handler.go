package scheduling

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/platform/auth"
	"github.com/ehr/clinicsched/internal/platform/events"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Handler exposes the booking write path. Accepted writes are persisted
// through repo; repo and resources may be nil for in-memory sessions.
type Handler struct {
	mgr       *Manager
	repo      Repository
	catalog   *resource.Catalog
	resources resource.Repository
	events    events.Publisher
	log       zerolog.Logger
}

func NewHandler(mgr *Manager, repo Repository, catalog *resource.Catalog, resources resource.Repository, log zerolog.Logger) *Handler {
	return &Handler{mgr: mgr, repo: repo, catalog: catalog, resources: resources, log: log}
}

// WithEvents publishes every accepted write to p.
func (h *Handler) WithEvents(p events.Publisher) *Handler {
	h.events = p
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/bookings", auth.RequireRole(auth.RoleScheduler, auth.RoleDentist))
	read.GET("", h.ListBookings)
	read.GET("/:id", h.GetBooking)

	write := api.Group("/bookings", auth.RequireRole(auth.RoleScheduler))
	write.POST("", h.CommitBooking)
	write.POST("/:id/confirm", h.ConfirmBooking)
	write.POST("/:id/complete", h.CompleteBooking)
	write.POST("/:id/cancel", h.CancelBooking)
}

type commitRequest struct {
	Request
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

func (h *Handler) CommitBooking(c echo.Context) error {
	var req commitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	_, existed := h.mgr.Get(req.ID)
	b, err := h.mgr.Commit(c.Request().Context(), req.Request, req.ExpectedVersion)
	if err != nil {
		return schederr.ToHTTP(c, err)
	}
	if err := h.persist(c.Request().Context(), b); err != nil {
		return err
	}
	h.publish("booking.committed", b)
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	return c.JSON(status, b)
}

func (h *Handler) GetBooking(c echo.Context) error {
	b, ok := h.mgr.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "booking not found")
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBookings(c echo.Context) error {
	f := Filter{ResourceID: c.QueryParam("resource_id"), Status: Status(c.QueryParam("status"))}
	var err error
	if v := c.QueryParam("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from")
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to")
		}
	}
	items := h.mgr.List(f)
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) ConfirmBooking(c echo.Context) error {
	b, err := h.mgr.Confirm(c.Request().Context(), c.Param("id"))
	return h.respond(c, "booking.confirmed", b, err)
}

func (h *Handler) CompleteBooking(c echo.Context) error {
	b, err := h.mgr.Complete(c.Request().Context(), c.Param("id"))
	if err == nil {
		if err := resource.SaveResources(c.Request().Context(), h.resources, h.catalog, b.ResourceIDs()...); err != nil {
			h.log.Error().Err(err).Str("booking_id", b.ID).Msg("failed to persist usage counters")
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist usage counters")
		}
	}
	return h.respond(c, "booking.completed", b, err)
}

func (h *Handler) CancelBooking(c echo.Context) error {
	b, err := h.mgr.Cancel(c.Request().Context(), c.Param("id"))
	return h.respond(c, "booking.cancelled", b, err)
}

func (h *Handler) respond(c echo.Context, event string, b *Booking, err error) error {
	if err != nil {
		return schederr.ToHTTP(c, err)
	}
	if err := h.persist(c.Request().Context(), b); err != nil {
		return err
	}
	h.publish(event, b)
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) publish(typ string, b *Booking) {
	events.Publish(h.events, events.NewEvent(events.TopicBookings, typ, b.RoomID, b))
}

func (h *Handler) persist(ctx context.Context, b *Booking) error {
	if err := SaveAccepted(ctx, h.repo, b); err != nil {
		h.log.Error().Err(err).Str("booking_id", b.ID).Int("version", b.Version).Msg("failed to persist booking")
		return echo.NewHTTPError(http.StatusInternalServerError, "booking accepted but not persisted")
	}
	return nil
}
