package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/lock"
	"github.com/ehr/clinicsched/internal/platform/schederr"
	"github.com/ehr/clinicsched/internal/platform/telemetry"
)

var day = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	ctl     *Controller
	index   *interval.Index
	catalog *resource.Catalog
	clock   *clock
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, equipment ...resource.Equipment) *fixture {
	t.Helper()
	if len(equipment) == 0 {
		equipment = []resource.Equipment{
			{ID: "e1", Type: "xray", Config: resource.EquipmentTypeConfig{MaxUsageHours: 100}},
			{ID: "e2", Type: "laser"},
		}
	}
	cat, err := resource.NewCatalog([]resource.Room{{ID: "r1", Type: "surgery"}}, equipment)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	idx := interval.NewIndex()
	clk := &clock{t: day}
	reg := prometheus.NewRegistry()
	ctl := NewController(idx, cat, lock.NewManager(), Options{
		Metrics: telemetry.MustNewMetrics(reg),
		Logger:  zerolog.Nop(),
		Now:     clk.Now,
	})
	return &fixture{ctl: ctl, index: idx, catalog: cat, clock: clk, reg: reg}
}

func (f *fixture) load(t *testing.T, schedules ...Schedule) {
	t.Helper()
	if err := f.ctl.Load(context.Background(), schedules); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// weekly returns a schedule last performed lastAgo before day.
func weekly(id, resID string, kind resource.Kind, typ Type, lastAgo time.Duration) Schedule {
	return Schedule{
		ID:               id,
		ResourceID:       resID,
		ResourceKind:     kind,
		Type:             typ,
		Rule:             FrequencyRule{Unit: UnitWeekly, Interval: 1},
		EstimatedMinutes: 60,
		LastPerformed:    day.Add(-lastAgo),
		Status:           StatusScheduled,
	}
}

func TestFrequencyRule_Advance(t *testing.T) {
	from := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		rule FrequencyRule
		want time.Time
	}{
		{FrequencyRule{Unit: UnitDaily, Interval: 3}, time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC)},
		{FrequencyRule{Unit: UnitWeekly, Interval: 2}, time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC)},
		{FrequencyRule{Unit: UnitMonthly, Interval: 1}, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)},
		{FrequencyRule{Unit: UnitQuarterly}, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)},
		{FrequencyRule{Unit: UnitYearly, Interval: 1}, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)},
		{FrequencyRule{Unit: UnitUsageBased, UsageThreshold: 50}, from.AddDate(0, 0, DefaultUsageBackstopDays)},
	}
	for _, tt := range tests {
		t.Run(string(tt.rule.Unit), func(t *testing.T) {
			if got := tt.rule.Advance(from, 1); !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFrequencyRule_Validate(t *testing.T) {
	bad := []FrequencyRule{
		{Unit: "fortnightly", Interval: 1},
		{Unit: UnitDaily, Interval: -1},
		{Unit: UnitUsageBased, UsageThreshold: -5},
	}
	for _, r := range bad {
		if err := r.Validate(); !errors.Is(err, schederr.ErrInvalidRequirement) {
			t.Errorf("expected invalid requirement for %+v, got %v", r, err)
		}
	}
}

func TestLoad_DerivesNextDue(t *testing.T) {
	f := newFixture(t)
	s := weekly("m1", "e2", resource.KindEquipment, TypePreventive, 48*time.Hour)
	s.NextDue = day.Add(-1000 * time.Hour)
	f.load(t, s)
	got, _ := f.ctl.Get("m1")
	if want := day.Add(-48 * time.Hour).AddDate(0, 0, 7); !got.NextDue.Equal(want) {
		t.Errorf("expected next due %v, got %v", want, got.NextDue)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Schedule)
	}{
		{"unknown resource", func(s *Schedule) { s.ResourceID = "ghost" }},
		{"bad type", func(s *Schedule) { s.Type = "polish" }},
		{"bad status", func(s *Schedule) { s.Status = "paused" }},
		{"no duration", func(s *Schedule) { s.EstimatedMinutes = 0 }},
		{"bad rule", func(s *Schedule) { s.Rule.Unit = "hourly" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := weekly("m1", "e1", resource.KindEquipment, TypePreventive, 0)
			tt.mod(&s)
			if err := f.ctl.Load(context.Background(), []Schedule{s}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_ReplacesActiveBlockingWindow(t *testing.T) {
	f := newFixture(t)
	s := weekly("m1", "e1", resource.KindEquipment, TypeCalibration, 8*24*time.Hour)
	s.Status = StatusOverdue
	f.load(t, s)
	if n := len(f.index.ByOwner("m1")); n != 1 {
		t.Fatalf("expected one blocking window after load, got %d", n)
	}
	if e, _ := f.catalog.Equipment("e1"); e.Status != resource.EquipmentCalibrationNeeded {
		t.Errorf("expected calibration_needed, got %s", e.Status)
	}
}

func TestSweep_FlagsOverdueAndBlocks(t *testing.T) {
	f := newFixture(t)
	// A booking occupies the first hour from now.
	if _, err := f.index.Insert("e1", interval.Interval{
		ID: "b1:e1", Start: day, End: day.Add(time.Hour), Kind: interval.KindBooking, OwnerID: "b1",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	f.load(t, weekly("m1", "e1", resource.KindEquipment, TypeCalibration, 8*24*time.Hour))

	res := f.ctl.Sweep(context.Background())
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}
	if len(res.Transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(res.Transitions))
	}
	tr := res.Transitions[0]
	if tr.From != StatusScheduled || tr.To != StatusOverdue {
		t.Errorf("expected scheduled->overdue, got %s->%s", tr.From, tr.To)
	}
	if tr.Window == nil || !tr.Window.Start.Equal(day.Add(time.Hour)) {
		t.Fatalf("expected window at the first free gap, got %+v", tr.Window)
	}
	if tr.ResourceChange == nil || tr.ResourceChange.To != string(resource.EquipmentCalibrationNeeded) {
		t.Errorf("expected resource change to calibration_needed, got %+v", tr.ResourceChange)
	}
	if e, _ := f.catalog.Equipment("e1"); e.Bookable() {
		t.Error("expected equipment to be unbookable while calibration is overdue")
	}
	if v := counterValue(t, f.reg, "clinicsched_maintenance_transitions_total"); v != 1 {
		t.Errorf("expected 1 transition counted, got %v", v)
	}

	// A second sweep changes nothing.
	if res := f.ctl.Sweep(context.Background()); len(res.Transitions) != 0 {
		t.Errorf("expected idle sweep, got %+v", res.Transitions)
	}
}

func TestSweep_NonBlockingIsFlagOnly(t *testing.T) {
	f := newFixture(t)
	f.load(t, weekly("m1", "e2", resource.KindEquipment, TypePreventive, 8*24*time.Hour))
	res := f.ctl.Sweep(context.Background())
	if len(res.Transitions) != 1 || res.Transitions[0].Window != nil {
		t.Fatalf("expected one overdue flag without window, got %+v", res.Transitions)
	}
	if e, _ := f.catalog.Equipment("e2"); e.Status != resource.EquipmentOperational {
		t.Errorf("expected equipment to stay operational, got %s", e.Status)
	}
}

func TestSweep_NotDue(t *testing.T) {
	f := newFixture(t)
	f.load(t, weekly("m1", "e1", resource.KindEquipment, TypeCalibration, 24*time.Hour))
	if res := f.ctl.Sweep(context.Background()); len(res.Transitions) != 0 {
		t.Errorf("expected no transitions, got %+v", res.Transitions)
	}
}

func TestSweep_UsageThresholdFallsBackToEquipmentType(t *testing.T) {
	f := newFixture(t)
	s := weekly("m1", "e1", resource.KindEquipment, TypePreventive, 24*time.Hour)
	s.Rule = FrequencyRule{Unit: UnitUsageBased, Interval: 90}
	f.load(t, s)
	if res := f.ctl.Sweep(context.Background()); len(res.Transitions) != 0 {
		t.Fatalf("expected nothing due before usage accrues, got %+v", res.Transitions)
	}
	if err := f.catalog.AddUsage("e1", 150); err != nil {
		t.Fatalf("AddUsage: %v", err)
	}
	res := f.ctl.Sweep(context.Background())
	if len(res.Transitions) != 1 || res.Transitions[0].To != StatusOverdue {
		t.Fatalf("expected usage to trigger overdue, got %+v", res.Transitions)
	}
}

func TestSweep_SkipsFailingItem(t *testing.T) {
	f := newFixture(t,
		resource.Equipment{ID: "e1", Type: "xray", Status: resource.EquipmentRetired},
		resource.Equipment{ID: "e2", Type: "laser"},
	)
	f.load(t,
		weekly("m1", "e1", resource.KindEquipment, TypeCalibration, 8*24*time.Hour),
		weekly("m2", "e2", resource.KindEquipment, TypeCorrective, 8*24*time.Hour),
	)
	res := f.ctl.Sweep(context.Background())
	if len(res.Failures) != 1 || res.Failures[0].ScheduleID != "m1" {
		t.Fatalf("expected m1 to fail, got %+v", res.Failures)
	}
	if len(res.Transitions) != 1 || res.Transitions[0].ScheduleID != "m2" {
		t.Fatalf("expected m2 to proceed, got %+v", res.Transitions)
	}
	if s, _ := f.ctl.Get("m1"); s.Status != StatusScheduled || s.BlockingIntervalID != "" {
		t.Errorf("expected failed item unchanged, got %+v", s)
	}
	if e, _ := f.catalog.Equipment("e2"); e.Status != resource.EquipmentRepair {
		t.Errorf("expected corrective work to put e2 in repair, got %s", e.Status)
	}
	if v := counterValue(t, f.reg, "clinicsched_maintenance_sweep_failures_total"); v != 1 {
		t.Errorf("expected 1 sweep failure counted, got %v", v)
	}
}

func TestLifecycle_StartCompleteRestores(t *testing.T) {
	f := newFixture(t)
	f.load(t, weekly("m1", "e1", resource.KindEquipment, TypeCalibration, 8*24*time.Hour))
	ctx := context.Background()
	f.ctl.Sweep(ctx)
	before, _ := f.ctl.Get("m1")

	tr, err := f.ctl.Start(ctx, "m1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tr.Window != nil {
		t.Errorf("expected start to keep the existing window, got new %+v", tr.Window)
	}

	f.clock.Set(day.Add(2 * time.Hour))
	tr, err = f.ctl.Complete(ctx, "m1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	s, _ := f.ctl.Get("m1")
	if !s.NextDue.After(before.NextDue) {
		t.Errorf("expected next due to advance past %v, got %v", before.NextDue, s.NextDue)
	}
	if !s.LastPerformed.Equal(day.Add(2 * time.Hour)) {
		t.Errorf("expected last performed at completion, got %v", s.LastPerformed)
	}
	if n := len(f.index.ByOwner("m1")); n != 0 {
		t.Errorf("expected window released, got %d intervals", n)
	}
	if tr.ResourceChange == nil || tr.ResourceChange.To != string(resource.EquipmentOperational) {
		t.Errorf("expected restore to operational, got %+v", tr.ResourceChange)
	}
	if s.Version != before.Version+2 {
		t.Errorf("expected version %d, got %d", before.Version+2, s.Version)
	}

	// The next sweep re-arms the completed occurrence.
	res := f.ctl.Sweep(ctx)
	if len(res.Transitions) != 1 || res.Transitions[0].To != StatusScheduled {
		t.Fatalf("expected roll-over to scheduled, got %+v", res.Transitions)
	}
}

func TestComplete_NextDueIsMonotonic(t *testing.T) {
	f := newFixture(t)
	s := weekly("m1", "e2", resource.KindEquipment, TypePreventive, 24*time.Hour)
	s.SkippedOccurrences = 2
	f.load(t, s)
	prior, _ := f.ctl.Get("m1")
	ctx := context.Background()
	if _, err := f.ctl.Start(ctx, "m1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.ctl.Complete(ctx, "m1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := f.ctl.Get("m1")
	if !got.NextDue.After(prior.NextDue) {
		t.Errorf("expected next due after %v, got %v", prior.NextDue, got.NextDue)
	}
}

func TestCancel_SkipsOnePeriod(t *testing.T) {
	f := newFixture(t)
	f.load(t, weekly("m1", "e1", resource.KindEquipment, TypeCalibration, 8*24*time.Hour))
	ctx := context.Background()
	f.ctl.Sweep(ctx)
	before, _ := f.ctl.Get("m1")

	tr, err := f.ctl.Cancel(ctx, "m1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	after, _ := f.ctl.Get("m1")
	if want := before.NextDue.AddDate(0, 0, 7); !after.NextDue.Equal(want) {
		t.Errorf("expected next due %v, got %v", want, after.NextDue)
	}
	if after.SkippedOccurrences != 1 {
		t.Errorf("expected 1 skipped occurrence, got %d", after.SkippedOccurrences)
	}
	if tr.ResourceChange == nil {
		t.Error("expected cancel to restore the equipment")
	}
	if e, _ := f.catalog.Equipment("e1"); !e.Bookable() {
		t.Errorf("expected e1 bookable after cancel, got %s", e.Status)
	}
}

func TestRelease_KeepsStatusWhileAnotherItemBlocks(t *testing.T) {
	f := newFixture(t)
	f.load(t,
		weekly("m1", "r1", resource.KindRoom, TypeCorrective, 8*24*time.Hour),
		weekly("m2", "r1", resource.KindRoom, TypeCalibration, 8*24*time.Hour),
	)
	ctx := context.Background()
	f.ctl.Sweep(ctx)
	if r, _ := f.catalog.Room("r1"); r.Status != resource.RoomMaintenance {
		t.Fatalf("expected room in maintenance, got %s", r.Status)
	}
	if n := len(f.index.Intervals("r1")); n != 2 {
		t.Errorf("expected two overlapping maintenance windows, got %d", n)
	}
	if _, err := f.ctl.Cancel(ctx, "m1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if r, _ := f.catalog.Room("r1"); r.Status != resource.RoomMaintenance {
		t.Errorf("expected room to stay in maintenance, got %s", r.Status)
	}
	if _, err := f.ctl.Cancel(ctx, "m2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if r, _ := f.catalog.Room("r1"); r.Status != resource.RoomAvailable {
		t.Errorf("expected room available, got %s", r.Status)
	}
}

func TestTransitions_Errors(t *testing.T) {
	f := newFixture(t)
	f.load(t, weekly("m1", "e2", resource.KindEquipment, TypePreventive, 24*time.Hour))
	ctx := context.Background()
	if _, err := f.ctl.Complete(ctx, "m1"); !errors.Is(err, schederr.ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
	if _, err := f.ctl.Start(ctx, "ghost"); !errors.Is(err, schederr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	s, _ := f.ctl.Get("m1")
	if s.Status != StatusScheduled || s.Version != 1 {
		t.Errorf("expected failed transition to leave schedule unchanged, got %+v", s)
	}
}

func TestList_FiltersAndOrders(t *testing.T) {
	f := newFixture(t)
	f.load(t,
		weekly("m2", "e1", resource.KindEquipment, TypePreventive, 24*time.Hour),
		weekly("m1", "e2", resource.KindEquipment, TypePreventive, 48*time.Hour),
	)
	all := f.ctl.List(Filter{})
	if len(all) != 2 || all[0].ID != "m1" {
		t.Errorf("expected m1 first by next due, got %+v", all)
	}
	if got := f.ctl.List(Filter{ResourceID: "e1"}); len(got) != 1 || got[0].ID != "m2" {
		t.Errorf("expected only m2 for e1, got %+v", got)
	}
	if got := f.ctl.List(Filter{Status: StatusOverdue}); len(got) != 0 {
		t.Errorf("expected no overdue items, got %d", len(got))
	}
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.load(t, weekly("m1", "e2", resource.KindEquipment, TypePreventive, 8*24*time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan SweepResult, 16)
	done := make(chan struct{})
	go func() {
		f.ctl.Run(ctx, 5*time.Millisecond, func(_ context.Context, r SweepResult) {
			select {
			case results <- r:
			default:
			}
		})
		close(done)
	}()

	select {
	case r := <-results:
		if len(r.Transitions) != 1 {
			t.Errorf("expected the first sweep to flag m1, got %+v", r.Transitions)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
