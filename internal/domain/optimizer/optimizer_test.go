package optimizer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/domain/availability"
	"github.com/ehr/clinicsched/internal/domain/conflict"
	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/domain/scheduling"
	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/lock"
	"github.com/ehr/clinicsched/internal/platform/schederr"
	"github.com/ehr/clinicsched/internal/platform/telemetry"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

type stack struct {
	opt   *Optimizer
	mgr   *scheduling.Manager
	avail *availability.Engine
	index *interval.Index
	reg   *prometheus.Registry
}

func newStack(t *testing.T, rooms ...string) *stack {
	t.Helper()
	var rs []resource.Room
	for _, id := range rooms {
		rs = append(rs, resource.Room{ID: id, Type: "surgery"})
	}
	cat, err := resource.NewCatalog(rs, []resource.Equipment{
		{ID: "e1", Type: "xray", Config: resource.EquipmentTypeConfig{CostPerHour: 30}},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	idx := interval.NewIndex()
	det := conflict.NewDetector(idx, cat, 0)
	reg := prometheus.NewRegistry()
	metrics := telemetry.MustNewMetrics(reg)
	mgr := scheduling.NewManager(idx, det, cat, lock.NewManager(), scheduling.Options{
		Metrics: metrics,
		Logger:  zerolog.Nop(),
		Now:     func() time.Time { return day },
	})
	eng := availability.NewEngine(cat, idx, det, availability.DefaultConfig(), metrics, zerolog.Nop())
	return &stack{opt: New(eng, mgr, 1, metrics, zerolog.Nop()), mgr: mgr, avail: eng, index: idx, reg: reg}
}

func treatment(id string, p Priority, start, end time.Time, minutes int) TreatmentRequest {
	return TreatmentRequest{
		ID:              id,
		Priority:        p,
		WindowStart:     start,
		WindowEnd:       end,
		DurationMinutes: minutes,
		RoomType:        "surgery",
	}
}

func assigned(res Result) map[string]Assignment {
	out := make(map[string]Assignment, len(res.Assignments))
	for _, a := range res.Assignments {
		out[a.RequestID] = a
	}
	return out
}

func TestOptimize_PriorityWinsTheLastSlot(t *testing.T) {
	s := newStack(t, "r1")
	res, err := s.opt.Optimize(context.Background(), []TreatmentRequest{
		treatment("routine", PriorityLow, at(9, 0), at(10, 0), 60),
		treatment("urgent", PriorityEmergency, at(9, 0), at(10, 0), 60),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := assigned(res)["urgent"]; !ok {
		t.Fatalf("expected emergency request to be placed, got %+v", res)
	}
	if len(res.Unassigned) != 1 || res.Unassigned[0].RequestID != "routine" {
		t.Fatalf("expected routine request unassigned, got %+v", res.Unassigned)
	}
	if res.Unassigned[0].Reason != ReasonNoAvailability {
		t.Errorf("expected reason %s, got %s", ReasonNoAvailability, res.Unassigned[0].Reason)
	}
	if res.Metrics.Requested != 2 || res.Metrics.Assigned != 1 || res.Metrics.Unassigned != 1 {
		t.Errorf("unexpected metrics %+v", res.Metrics)
	}
}

func TestOptimize_TieBreakIsSubmissionOrder(t *testing.T) {
	s := newStack(t, "r1")
	res, err := s.opt.Optimize(context.Background(), []TreatmentRequest{
		treatment("first", PriorityMedium, at(9, 0), at(10, 0), 60),
		treatment("second", PriorityMedium, at(9, 0), at(10, 0), 60),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := assigned(res)["first"]; !ok {
		t.Errorf("expected the first submitted request to win, got %+v", res.Assignments)
	}
}

func TestOptimize_EarlierDeadlineFirst(t *testing.T) {
	s := newStack(t, "r1")
	late := treatment("late", PriorityHigh, at(9, 0), at(10, 0), 60)
	late.Deadline = at(18, 0)
	soon := treatment("soon", PriorityHigh, at(9, 0), at(10, 0), 60)
	soon.Deadline = at(12, 0)
	res, err := s.opt.Optimize(context.Background(), []TreatmentRequest{late, soon})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := assigned(res)["soon"]; !ok {
		t.Errorf("expected the earlier deadline to win, got %+v", res.Assignments)
	}
}

func TestOptimize_DeadlineBoundsPlacement(t *testing.T) {
	s := newStack(t, "r1")
	r := treatment("t1", PriorityMedium, at(8, 0), at(17, 0), 60)
	r.Deadline = at(10, 0)
	pref := at(15, 0)
	r.PreferredStart = &pref
	res, err := s.opt.Optimize(context.Background(), []TreatmentRequest{r})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, ok := assigned(res)["t1"]
	if !ok {
		t.Fatalf("expected placement, got %+v", res.Unassigned)
	}
	if a.Booking.End.After(r.Deadline) {
		t.Errorf("expected booking to end by %v, got %v", r.Deadline, a.Booking.End)
	}
}

func TestOptimize_NoDoubleBookingAcrossBatch(t *testing.T) {
	s := newStack(t, "r1", "r2")
	var batch []TreatmentRequest
	for i := 0; i < 6; i++ {
		r := treatment(fmt.Sprintf("t%d", i), PriorityMedium, at(9, 0), at(12, 0), 60)
		r.EquipmentTypes = []string{"xray"}
		batch = append(batch, r)
	}
	res, err := s.opt.Optimize(context.Background(), batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// One x-ray unit limits the batch to three one-hour sessions.
	if res.Metrics.Assigned != 3 {
		t.Errorf("expected 3 assignments, got %d", res.Metrics.Assigned)
	}
	ivs := s.index.Intervals("e1")
	for i := 1; i < len(ivs); i++ {
		if ivs[i].Start.Before(ivs[i-1].End) {
			t.Fatalf("overlapping bookings on e1: %+v and %+v", ivs[i-1], ivs[i])
		}
	}
	if res.Metrics.TotalCost <= 0 {
		t.Errorf("expected positive equipment cost, got %v", res.Metrics.TotalCost)
	}
}

func TestOptimize_InvalidPriority(t *testing.T) {
	s := newStack(t, "r1")
	res, err := s.opt.Optimize(context.Background(), []TreatmentRequest{
		treatment("t1", "whenever", at(9, 0), at(10, 0), 60),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Unassigned) != 1 || res.Unassigned[0].Reason != string(schederr.CodeInvalidRequirement) {
		t.Errorf("expected invalid_requirement, got %+v", res.Unassigned)
	}
}

func TestOptimize_CancelledContext(t *testing.T) {
	s := newStack(t, "r1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.opt.Optimize(ctx, []TreatmentRequest{
		treatment("t1", PriorityMedium, at(9, 0), at(10, 0), 60),
		treatment("t2", PriorityMedium, at(10, 0), at(11, 0), 60),
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	if len(res.Unassigned) != 2 || res.Unassigned[0].Reason != ReasonCancelled {
		t.Errorf("expected both requests cancelled, got %+v", res.Unassigned)
	}
	if s.index.Len() != 0 {
		t.Errorf("expected no commits, got %d intervals", s.index.Len())
	}
}

// scripted doubles for the retry and improvement paths.

type fakeFinder struct {
	greedy  []availability.CandidateSlot
	improve []availability.CandidateSlot
	queries []availability.Query
}

func (f *fakeFinder) FindSlots(_ context.Context, q availability.Query) ([]availability.CandidateSlot, error) {
	f.queries = append(f.queries, q)
	if q.IgnoreBookingID != "" {
		return f.improve, nil
	}
	return f.greedy, nil
}

type fakeCommitter struct {
	errs     []error
	calls    int
	versions []*int
}

func (f *fakeCommitter) Commit(_ context.Context, req scheduling.Request, expected *int) (*scheduling.Booking, error) {
	f.calls++
	f.versions = append(f.versions, expected)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	id, version := req.ID, 1
	if id == "" {
		id = fmt.Sprintf("b%d", f.calls)
	}
	if expected != nil {
		version = *expected + 1
	}
	return &scheduling.Booking{ID: id, RoomID: req.RoomID, EquipmentIDs: req.EquipmentIDs,
		Start: req.Start, End: req.End, Status: scheduling.StatusConfirmed, Version: version}, nil
}

func slot(room string, start time.Time, cost float64) availability.CandidateSlot {
	return availability.CandidateSlot{RoomID: room, Start: start, End: start.Add(time.Hour), Cost: cost}
}

func TestOptimize_RetriesOnceOnRetryableError(t *testing.T) {
	finder := &fakeFinder{greedy: []availability.CandidateSlot{slot("r1", at(9, 0), 5)}}
	committer := &fakeCommitter{errs: []error{schederr.New(schederr.CodeConflict, "test", "lost race")}}
	opt := New(finder, committer, 0, nil, zerolog.Nop())
	res, err := opt.Optimize(context.Background(), []TreatmentRequest{treatment("t1", PriorityHigh, at(9, 0), at(10, 0), 60)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Assignments) != 1 || res.Assignments[0].Attempts != 2 {
		t.Fatalf("expected placement on the second attempt, got %+v", res)
	}
	if res.Metrics.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", res.Metrics.Retries)
	}
	if len(finder.queries) != 2 {
		t.Errorf("expected availability to be refreshed before retrying, got %d queries", len(finder.queries))
	}
}

func TestOptimize_GivesUpAfterSecondFailure(t *testing.T) {
	finder := &fakeFinder{greedy: []availability.CandidateSlot{slot("r1", at(9, 0), 5)}}
	lost := schederr.New(schederr.CodeVersionMismatch, "test", "lost race")
	committer := &fakeCommitter{errs: []error{lost, lost, nil}}
	opt := New(finder, committer, 0, nil, zerolog.Nop())
	res, _ := opt.Optimize(context.Background(), []TreatmentRequest{treatment("t1", PriorityHigh, at(9, 0), at(10, 0), 60)})
	if committer.calls != 2 {
		t.Errorf("expected exactly 2 commit attempts, got %d", committer.calls)
	}
	if len(res.Unassigned) != 1 || res.Unassigned[0].Reason != string(schederr.CodeVersionMismatch) {
		t.Errorf("expected version_mismatch reason, got %+v", res.Unassigned)
	}
}

func TestOptimize_NonRetryableIsNotRetried(t *testing.T) {
	finder := &fakeFinder{greedy: []availability.CandidateSlot{slot("r1", at(9, 0), 5)}}
	committer := &fakeCommitter{errs: []error{schederr.New(schederr.CodeInvalidTransition, "test", "nope")}}
	opt := New(finder, committer, 0, nil, zerolog.Nop())
	res, _ := opt.Optimize(context.Background(), []TreatmentRequest{treatment("t1", PriorityHigh, at(9, 0), at(10, 0), 60)})
	if committer.calls != 1 {
		t.Errorf("expected a single commit attempt, got %d", committer.calls)
	}
	if len(res.Unassigned) != 1 || res.Unassigned[0].Reason != string(schederr.CodeInvalidTransition) {
		t.Errorf("expected invalid_transition reason, got %+v", res.Unassigned)
	}
}

func TestOptimize_ImprovementMovesToCheaperSlot(t *testing.T) {
	finder := &fakeFinder{
		greedy:  []availability.CandidateSlot{slot("r1", at(9, 0), 10)},
		improve: []availability.CandidateSlot{slot("r2", at(11, 0), 2), slot("r1", at(9, 0), 6)},
	}
	committer := &fakeCommitter{}
	opt := New(finder, committer, 1, nil, zerolog.Nop())
	res, err := opt.Optimize(context.Background(), []TreatmentRequest{treatment("t1", PriorityHigh, at(8, 0), at(12, 0), 60)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := res.Assignments[0]
	if !a.Improved || a.Booking.RoomID != "r2" || a.Cost != 2 {
		t.Fatalf("expected move to r2 at cost 2, got %+v", a)
	}
	if v := committer.versions[1]; v == nil || *v != 1 {
		t.Errorf("expected the move to carry expected version 1, got %v", v)
	}
	if a.Booking.Version != 2 {
		t.Errorf("expected version 2 after move, got %d", a.Booking.Version)
	}
	if res.Metrics.Improved != 1 {
		t.Errorf("expected 1 improvement, got %d", res.Metrics.Improved)
	}
}

func TestOptimize_ImprovementKeepsEqualCost(t *testing.T) {
	finder := &fakeFinder{
		greedy:  []availability.CandidateSlot{slot("r1", at(9, 0), 10)},
		improve: []availability.CandidateSlot{slot("r2", at(11, 0), 4), slot("r1", at(9, 0), 4)},
	}
	committer := &fakeCommitter{}
	opt := New(finder, committer, 1, nil, zerolog.Nop())
	res, _ := opt.Optimize(context.Background(), []TreatmentRequest{treatment("t1", PriorityHigh, at(8, 0), at(12, 0), 60)})
	if committer.calls != 1 {
		t.Errorf("expected no move for an equal-cost slot, got %d commits", committer.calls)
	}
	if res.Assignments[0].Cost != 4 {
		t.Errorf("expected cost refreshed to 4, got %v", res.Assignments[0].Cost)
	}
}
