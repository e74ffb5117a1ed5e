package utilization

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinicsched/internal/platform/auth"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

type Handler struct {
	reporter *Reporter
	now      func() time.Time
}

func NewHandler(r *Reporter) *Handler {
	return &Handler{reporter: r, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/utilization", h.GetReport, auth.RequireRole(auth.RoleScheduler))
}

// GetReport serves ?start=&end= as RFC 3339 timestamps. Missing bounds
// default to the seven days ending now.
func (h *Handler) GetReport(c echo.Context) error {
	end := h.now().UTC()
	start := end.AddDate(0, 0, -7)
	var err error
	if v := c.QueryParam("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid end")
		}
		start = end.AddDate(0, 0, -7)
	}
	if v := c.QueryParam("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid start")
		}
	}
	rep, err := h.reporter.Report(Period{Start: start, End: end})
	if err != nil {
		return schederr.ToHTTP(c, err)
	}
	return c.JSON(http.StatusOK, rep)
}
