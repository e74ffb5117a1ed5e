// Package optimizer places a batch of pending treatment requests with a
// greedy pass in priority order followed by a local improvement pass.
package optimizer

import (
	"context"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/domain/availability"
	"github.com/ehr/clinicsched/internal/domain/scheduling"
	"github.com/ehr/clinicsched/internal/platform/schederr"
	"github.com/ehr/clinicsched/internal/platform/telemetry"
)

// SlotFinder ranks candidate slots.
type SlotFinder interface {
	FindSlots(ctx context.Context, q availability.Query) ([]availability.CandidateSlot, error)
}

// Committer is the booking write path.
type Committer interface {
	Commit(ctx context.Context, req scheduling.Request, expectedVersion *int) (*scheduling.Booking, error)
}

const costEpsilon = 1e-9

type Optimizer struct {
	finder        SlotFinder
	committer     Committer
	improvePasses int
	metrics       *telemetry.Metrics
	log           zerolog.Logger
}

// New builds an optimizer. improvePasses of zero disables the improvement
// pass.
func New(finder SlotFinder, committer Committer, improvePasses int, metrics *telemetry.Metrics, log zerolog.Logger) *Optimizer {
	if improvePasses < 0 {
		improvePasses = 0
	}
	return &Optimizer{finder: finder, committer: committer, improvePasses: improvePasses, metrics: metrics, log: log}
}

// Optimize places the batch. Requests are taken by priority, then earliest
// deadline, then submission order; each gets the best slot available at
// that moment, with one retry against fresh availability. Commits are
// issued one at a time. When ctx is cancelled mid-batch, bookings already
// committed stay in the result and the rest are reported as cancelled.
func (o *Optimizer) Optimize(ctx context.Context, requests []TreatmentRequest) (Result, error) {
	res := Result{Assignments: []Assignment{}, Unassigned: []Unassigned{}}
	res.Metrics.Requested = len(requests)

	order := make([]int, len(requests))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := requests[order[a]], requests[order[b]]
		if ra.Priority.rank() != rb.Priority.rank() {
			return ra.Priority.rank() < rb.Priority.rank()
		}
		return deadlineBefore(ra, rb)
	})

	var ctxErr error
	for _, i := range order {
		r := requests[i]
		if ctxErr == nil {
			ctxErr = ctx.Err()
		}
		if ctxErr != nil {
			o.unassign(&res, r.ID, ReasonCancelled, ctxErr.Error())
			continue
		}
		a, reason, err := o.place(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				ctxErr = ctx.Err()
				o.unassign(&res, r.ID, ReasonCancelled, err.Error())
				continue
			}
			o.unassign(&res, r.ID, reason, err.Error())
			continue
		}
		res.Metrics.Retries += a.Attempts - 1
		res.Assignments = append(res.Assignments, a)
		o.metrics.OptimizerOutcome("assigned")
	}

	for pass := 0; pass < o.improvePasses && ctxErr == nil; pass++ {
		if moved := o.improve(ctx, requests, &res); moved == 0 {
			break
		}
	}

	o.summarize(requests, &res)
	o.log.Info().
		Int("requested", res.Metrics.Requested).
		Int("assigned", res.Metrics.Assigned).
		Int("unassigned", res.Metrics.Unassigned).
		Int("improved", res.Metrics.Improved).
		Float64("total_cost", res.Metrics.TotalCost).
		Msg("optimizer batch finished")
	return res, ctxErr
}

// place runs at most two find-and-commit attempts for r.
func (o *Optimizer) place(ctx context.Context, r TreatmentRequest) (Assignment, string, error) {
	q, err := r.query()
	if err != nil {
		return Assignment{}, string(schederr.CodeInvalidRequirement), err
	}
	var lastReason string
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		slots, err := o.finder.FindSlots(ctx, q)
		if err != nil {
			return Assignment{}, reasonOf(err), err
		}
		if len(slots) == 0 {
			lastReason = ReasonNoAvailability
			lastErr = schederr.New(schederr.CodeConflict, "optimizer.place", "no slot satisfies request %s", r.ID)
			continue
		}
		best := slots[0]
		req := scheduling.Request{
			RoomID:       best.RoomID,
			EquipmentIDs: best.EquipmentIDs,
			PatientRef:   r.PatientRef,
			DentistRef:   r.DentistRef,
			Start:        best.Start,
			End:          best.End,
		}
		if r.Tentative {
			req.Status = scheduling.StatusTentative
		}
		b, err := o.committer.Commit(ctx, req, nil)
		if err == nil {
			return Assignment{RequestID: r.ID, Booking: *b, Cost: best.Cost, Attempts: attempt}, "", nil
		}
		lastReason, lastErr = reasonOf(err), err
		if !schederr.IsRetryable(err) {
			break
		}
		o.log.Debug().Err(err).Str("request_id", r.ID).Int("attempt", attempt).Msg("optimizer commit lost, retrying")
	}
	return Assignment{}, lastReason, lastErr
}

// improve offers every assignment one move to a strictly cheaper slot and
// returns how many moved.
func (o *Optimizer) improve(ctx context.Context, requests []TreatmentRequest, res *Result) int {
	byID := make(map[string]TreatmentRequest, len(requests))
	for _, r := range requests {
		byID[r.ID] = r
	}
	moved := 0
	for i := range res.Assignments {
		if ctx.Err() != nil {
			return moved
		}
		a := &res.Assignments[i]
		q, err := byID[a.RequestID].query()
		if err != nil {
			continue
		}
		q.Limit = 0
		q.IgnoreBookingID = a.Booking.ID
		slots, err := o.finder.FindSlots(ctx, q)
		if err != nil || len(slots) == 0 {
			continue
		}
		current, ok := findCurrent(slots, a.Booking)
		if !ok {
			continue
		}
		a.Cost = current.Cost
		best := slots[0]
		if best.Cost >= current.Cost-costEpsilon {
			continue
		}
		version := a.Booking.Version
		b, err := o.committer.Commit(ctx, scheduling.Request{
			ID:           a.Booking.ID,
			RoomID:       best.RoomID,
			EquipmentIDs: best.EquipmentIDs,
			Start:        best.Start,
			End:          best.End,
		}, &version)
		if err != nil {
			o.log.Debug().Err(err).Str("booking_id", a.Booking.ID).Msg("optimizer improvement skipped")
			continue
		}
		a.Booking = *b
		a.Cost = best.Cost
		a.Improved = true
		moved++
		o.metrics.OptimizerOutcome("improved")
	}
	return moved
}

func (o *Optimizer) unassign(res *Result, id, reason, msg string) {
	res.Unassigned = append(res.Unassigned, Unassigned{RequestID: id, Reason: reason, Message: msg})
	o.metrics.OptimizerOutcome("unassigned")
}

func (o *Optimizer) summarize(requests []TreatmentRequest, res *Result) {
	preferred := make(map[string]*TreatmentRequest, len(requests))
	for i := range requests {
		preferred[requests[i].ID] = &requests[i]
	}
	m := &res.Metrics
	m.Assigned = len(res.Assignments)
	m.Unassigned = len(res.Unassigned)
	for _, a := range res.Assignments {
		m.TotalCost += a.Cost
		if a.Improved {
			m.Improved++
		}
		if r := preferred[a.RequestID]; r != nil && r.PreferredStart != nil {
			m.PreferenceDeviationMinutes += math.Abs(a.Booking.Start.Sub(*r.PreferredStart).Minutes())
		}
	}
}

func findCurrent(slots []availability.CandidateSlot, b scheduling.Booking) (availability.CandidateSlot, bool) {
	for _, s := range slots {
		if s.RoomID == b.RoomID && s.Start.Equal(b.Start) && sameIDs(s.EquipmentIDs, b.EquipmentIDs) {
			return s, true
		}
	}
	return availability.CandidateSlot{}, false
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		if seen[id] == 0 {
			return false
		}
		seen[id]--
	}
	return true
}

// deadlineBefore orders requests with a deadline ahead of those without.
func deadlineBefore(a, b TreatmentRequest) bool {
	switch {
	case a.Deadline.IsZero():
		return false
	case b.Deadline.IsZero():
		return true
	}
	return a.Deadline.Before(b.Deadline)
}

func reasonOf(err error) string {
	if code := schederr.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}
