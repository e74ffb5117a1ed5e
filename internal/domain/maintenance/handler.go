package maintenance

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/platform/auth"
	"github.com/ehr/clinicsched/internal/platform/events"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

type Handler struct {
	ctl       *Controller
	repo      Repository
	resources resource.Repository
	events    events.Publisher
	log       zerolog.Logger
}

func NewHandler(ctl *Controller, repo Repository, resources resource.Repository, log zerolog.Logger) *Handler {
	return &Handler{ctl: ctl, repo: repo, resources: resources, log: log}
}

// WithEvents publishes every applied transition to p.
func (h *Handler) WithEvents(p events.Publisher) *Handler {
	h.events = p
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/maintenance", auth.RequireRole(auth.RoleScheduler, auth.RoleTechnician))
	read.GET("", h.ListSchedules)
	read.GET("/:id", h.GetSchedule)

	write := api.Group("/maintenance", auth.RequireRole(auth.RoleTechnician))
	write.POST("/:id/start", h.StartMaintenance)
	write.POST("/:id/complete", h.CompleteMaintenance)
	write.POST("/:id/cancel", h.CancelMaintenance)

	api.POST("/maintenance/sweep", h.Sweep, auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) ListSchedules(c echo.Context) error {
	items := h.ctl.List(Filter{ResourceID: c.QueryParam("resource_id"), Status: Status(c.QueryParam("status"))})
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) GetSchedule(c echo.Context) error {
	s, ok := h.ctl.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "maintenance schedule not found")
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) StartMaintenance(c echo.Context) error {
	t, err := h.ctl.Start(c.Request().Context(), c.Param("id"))
	return h.respond(c, t, err)
}

func (h *Handler) CompleteMaintenance(c echo.Context) error {
	t, err := h.ctl.Complete(c.Request().Context(), c.Param("id"))
	return h.respond(c, t, err)
}

func (h *Handler) CancelMaintenance(c echo.Context) error {
	t, err := h.ctl.Cancel(c.Request().Context(), c.Param("id"))
	return h.respond(c, t, err)
}

// Sweep runs one sweep on demand and returns its result.
func (h *Handler) Sweep(c echo.Context) error {
	res := h.ctl.Sweep(c.Request().Context())
	if err := h.persist(c.Request().Context(), res.Transitions...); err != nil {
		return err
	}
	PublishTransitions(h.events, res.Transitions)
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) respond(c echo.Context, t Transition, err error) error {
	if err != nil {
		return schederr.ToHTTP(c, err)
	}
	if err := h.persist(c.Request().Context(), t); err != nil {
		return err
	}
	PublishTransitions(h.events, []Transition{t})
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) persist(ctx context.Context, ts ...Transition) error {
	if err := PersistTransitions(ctx, h.ctl, h.repo, h.resources, ts); err != nil {
		h.log.Error().Err(err).Int("transitions", len(ts)).Msg("failed to persist maintenance transitions")
		return echo.NewHTTPError(http.StatusInternalServerError, "maintenance transition applied but not persisted")
	}
	return nil
}

// PublishTransitions emits one "maintenance.<status>" event per transition.
func PublishTransitions(p events.Publisher, ts []Transition) {
	for i := range ts {
		events.Publish(p, events.NewEvent(events.TopicMaintenance, "maintenance."+string(ts[i].To), ts[i].ResourceID, ts[i]))
	}
}
