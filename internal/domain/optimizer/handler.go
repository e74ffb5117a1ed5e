package optimizer

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/domain/scheduling"
	"github.com/ehr/clinicsched/internal/platform/auth"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Canceller releases a booking that could not be persisted.
type Canceller interface {
	Cancel(ctx context.Context, id string) (*scheduling.Booking, error)
}

// Handler runs optimizer batches. Placed bookings are persisted through
// repo when it is set; a booking that cannot be saved is cancelled again so
// the session and storage agree.
type Handler struct {
	opt      *Optimizer
	bookings Canceller
	repo     scheduling.Repository
	log      zerolog.Logger
}

func NewHandler(opt *Optimizer, bookings Canceller, repo scheduling.Repository, log zerolog.Logger) *Handler {
	return &Handler{opt: opt, bookings: bookings, repo: repo, log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/optimize", h.Optimize, auth.RequireRole(auth.RoleScheduler))
}

type optimizeRequest struct {
	Requests []TreatmentRequest `json:"requests"`
}

// partialError carries the result of an interrupted batch.
type partialError struct {
	err error
	res Result
}

func (e *partialError) Error() string             { return e.err.Error() }
func (e *partialError) Unwrap() error             { return e.err }
func (e *partialError) ErrorDetails() interface{} { return e.res }

func (h *Handler) Optimize(c echo.Context) error {
	var req optimizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Requests) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "requests must not be empty")
	}
	ctx := c.Request().Context()
	res, err := h.opt.Optimize(ctx, req.Requests)
	if lost := h.persist(ctx, &res); lost > 0 {
		return echo.NewHTTPError(http.StatusInternalServerError, schederr.Body{
			Code:    schederr.CodePersistence,
			Message: "some optimizer bookings could not be persisted and were released",
			Details: res,
		})
	}
	if err != nil {
		return schederr.ToHTTP(c, &partialError{err: schederr.Wrap(schederr.CodeTimeout, "optimizer.optimize", err), res: res})
	}
	return c.JSON(http.StatusOK, res)
}

// persist saves every assignment. Assignments that fail are cancelled in the
// session and moved to Unassigned. It returns how many were moved.
func (h *Handler) persist(ctx context.Context, res *Result) int {
	if h.repo == nil {
		return 0
	}
	kept := res.Assignments[:0]
	lost := 0
	for _, a := range res.Assignments {
		err := scheduling.SaveAccepted(ctx, h.repo, &a.Booking)
		if err == nil {
			kept = append(kept, a)
			continue
		}
		lost++
		h.log.Error().Err(err).Str("booking_id", a.Booking.ID).Str("request_id", a.RequestID).Msg("failed to persist optimizer booking")
		if h.bookings != nil {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scheduling.SaveTimeout)
			if _, cerr := h.bookings.Cancel(rctx, a.Booking.ID); cerr != nil {
				h.log.Error().Err(cerr).Str("booking_id", a.Booking.ID).Msg("failed to release unpersisted booking")
			}
			cancel()
		}
		res.Unassigned = append(res.Unassigned, Unassigned{RequestID: a.RequestID, Reason: ReasonNotPersisted, Message: err.Error()})
		res.Metrics.Assigned--
		res.Metrics.Unassigned++
		res.Metrics.TotalCost -= a.Cost
	}
	res.Assignments = kept
	return lost
}
