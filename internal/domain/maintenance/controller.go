// Package maintenance tracks recurring maintenance schedules, flags overdue
// work and takes resources out of service while blocking work is pending.
package maintenance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/lock"
	"github.com/ehr/clinicsched/internal/platform/schederr"
	"github.com/ehr/clinicsched/internal/platform/telemetry"
)

const (
	// DefaultPlacementHorizon bounds the search for a free gap when a
	// blocking window is placed.
	DefaultPlacementHorizon = 30 * 24 * time.Hour
	defaultOpTimeout        = 5 * time.Second
)

// Options configures a Controller. Zero values use defaults.
type Options struct {
	PlacementHorizon time.Duration
	OpTimeout        time.Duration
	Metrics          *telemetry.Metrics
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Controller owns the maintenance schedules. Blocking windows are inserted
// into the shared interval index under the same per-resource locks the
// booking path uses.
type Controller struct {
	mu        sync.RWMutex
	schedules map[string]*Schedule

	index   *interval.Index
	catalog *resource.Catalog
	locks   *lock.Manager

	horizon   time.Duration
	opTimeout time.Duration
	metrics   *telemetry.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewController(index *interval.Index, catalog *resource.Catalog, locks *lock.Manager, opts Options) *Controller {
	if opts.PlacementHorizon <= 0 {
		opts.PlacementHorizon = DefaultPlacementHorizon
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		schedules: make(map[string]*Schedule),
		index:     index,
		catalog:   catalog,
		locks:     locks,
		horizon:   opts.PlacementHorizon,
		opTimeout: opts.OpTimeout,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		now:       opts.Now,
	}
}

// Load seeds the controller from a snapshot. NextDue is re-derived for
// every schedule, and active blocking items get their window placed again
// at the earliest free gap from now.
func (c *Controller) Load(ctx context.Context, schedules []Schedule) error {
	const op = "maintenance.load"
	now := c.now()
	loaded := make(map[string]*Schedule, len(schedules))
	for i := range schedules {
		s := schedules[i]
		if err := s.validate(); err != nil {
			return err
		}
		if _, dup := loaded[s.ID]; dup {
			return schederr.New(schederr.CodeInvalidRequirement, op, "duplicate schedule id %s", s.ID)
		}
		if _, ok := c.catalog.Lookup(s.ResourceID); !ok {
			return schederr.New(schederr.CodeInvalidRequirement, op, "schedule %s: unknown resource %s", s.ID, s.ResourceID)
		}
		if s.Version <= 0 {
			s.Version = 1
		}
		s.BlockingIntervalID = ""
		s.deriveNextDue(now)
		loaded[s.ID] = &s
	}

	c.mu.Lock()
	for id, s := range loaded {
		c.schedules[id] = s
	}
	c.mu.Unlock()

	for _, id := range sortedIDs(loaded) {
		s := loaded[id]
		if !s.Type.Blocking() || !s.Status.Active() {
			continue
		}
		if _, err := c.withResource(ctx, id, func(s *Schedule) (Transition, error) {
			window, change, err := c.block(s, now)
			if err != nil {
				return Transition{}, err
			}
			return Transition{Window: window, ResourceChange: change}, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Start moves a scheduled or overdue item to in_progress.
func (c *Controller) Start(ctx context.Context, id string) (Transition, error) {
	return c.withResource(ctx, id, func(s *Schedule) (Transition, error) {
		t, err := c.move(s, StatusInProgress)
		if err != nil {
			return t, err
		}
		if s.Type.Blocking() {
			window, change, err := c.block(s, t.At)
			if err != nil {
				s.Status = t.From
				return Transition{}, err
			}
			t.Window, t.ResourceChange = window, change
		}
		return t, nil
	})
}

// Complete finishes an in-progress item. LastPerformed becomes now and
// NextDue always moves strictly past its previous value.
func (c *Controller) Complete(ctx context.Context, id string) (Transition, error) {
	return c.withResource(ctx, id, func(s *Schedule) (Transition, error) {
		prevDue := s.NextDue
		t, err := c.move(s, StatusCompleted)
		if err != nil {
			return t, err
		}
		s.LastPerformed = t.At
		s.SkippedOccurrences = 0
		s.UsageAtLastService = c.usage(s.ResourceID)
		s.deriveNextDue(t.At)
		for !s.NextDue.After(prevDue) {
			s.SkippedOccurrences++
			s.deriveNextDue(t.At)
		}
		t.NextDue = s.NextDue
		t.ResourceChange = c.release(s)
		return t, nil
	})
}

// Cancel drops the current occurrence. The next occurrence moves one
// period further out and any blocking window is released.
func (c *Controller) Cancel(ctx context.Context, id string) (Transition, error) {
	return c.withResource(ctx, id, func(s *Schedule) (Transition, error) {
		t, err := c.move(s, StatusCancelled)
		if err != nil {
			return t, err
		}
		s.SkippedOccurrences++
		s.deriveNextDue(t.At)
		t.NextDue = s.NextDue
		t.ResourceChange = c.release(s)
		return t, nil
	})
}

// Sweep re-arms finished occurrences and flags due ones as overdue. A
// failing item is logged and skipped; the rest of the sweep proceeds.
func (c *Controller) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{At: c.now(), Transitions: []Transition{}}
	c.mu.RLock()
	ids := sortedIDs(c.schedules)
	c.mu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		ts, err := c.sweepOne(ctx, id)
		res.Transitions = append(res.Transitions, ts...)
		if err != nil {
			c.metrics.SweepFailure()
			c.log.Warn().Err(err).Str("schedule_id", id).Msg("maintenance sweep skipped item")
			res.Failures = append(res.Failures, SweepFailure{ScheduleID: id, Error: err.Error()})
		}
	}
	return res
}

func (c *Controller) sweepOne(ctx context.Context, id string) ([]Transition, error) {
	var out []Transition
	s, ok := c.Get(id)
	if !ok {
		return nil, nil
	}
	if s.Status == StatusCompleted || s.Status == StatusCancelled {
		t, err := c.withResource(ctx, id, func(s *Schedule) (Transition, error) {
			return c.move(s, StatusScheduled)
		})
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	if s, _ = c.Get(id); s.Status != StatusScheduled || !c.due(&s, c.now()) {
		return out, nil
	}
	t, err := c.withResource(ctx, id, func(s *Schedule) (Transition, error) {
		if s.Status != StatusScheduled {
			return Transition{}, errSkip
		}
		t, err := c.move(s, StatusOverdue)
		if err != nil {
			return t, err
		}
		if s.Type.Blocking() {
			window, change, err := c.block(s, t.At)
			if err != nil {
				s.Status = t.From
				return Transition{}, err
			}
			t.Window, t.ResourceChange = window, change
		}
		return t, nil
	})
	if errors.Is(err, errSkip) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	return append(out, t), nil
}

var errSkip = errors.New("maintenance: nothing to do")

// Run sweeps every interval until ctx is done. onSweep, when set, receives
// each result so the caller can persist the transitions.
func (c *Controller) Run(ctx context.Context, every time.Duration, onSweep func(context.Context, SweepResult)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := c.Sweep(ctx)
			if len(res.Transitions) > 0 || len(res.Failures) > 0 {
				c.log.Info().
					Int("transitions", len(res.Transitions)).
					Int("failures", len(res.Failures)).
					Msg("maintenance sweep finished")
			}
			if onSweep != nil {
				onSweep(ctx, res)
			}
		}
	}
}

// Get returns a copy of the schedule.
func (c *Controller) Get(id string) (Schedule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	return *s, true
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	ResourceID string
	Status     Status
}

// List returns schedules matching f ordered by next due date, then id.
func (c *Controller) List(f Filter) []Schedule {
	c.mu.RLock()
	out := make([]Schedule, 0, len(c.schedules))
	for _, s := range c.schedules {
		if f.ResourceID != "" && s.ResourceID != f.ResourceID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, *s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextDue.Equal(out[j].NextDue) {
			return out[i].NextDue.Before(out[j].NextDue)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns every schedule.
func (c *Controller) Snapshot() []Schedule { return c.List(Filter{}) }

// withResource runs fn on the live schedule while holding the lock of its
// resource and the controller mutex.
func (c *Controller) withResource(ctx context.Context, id string, fn func(*Schedule) (Transition, error)) (Transition, error) {
	const op = "maintenance.transition"
	s, ok := c.Get(id)
	if !ok {
		return Transition{}, schederr.New(schederr.CodeNotFound, op, "maintenance schedule %s not found", id)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}
	release, err := c.locks.Acquire(ctx, s.ResourceID)
	if err != nil {
		return Transition{}, err
	}
	defer release()

	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.schedules[id]
	before := *live
	t, err := fn(live)
	if err != nil {
		*live = before
		return Transition{}, err
	}
	if t.To != "" {
		live.Version++
		live.UpdatedAt = t.At
		if t.NextDue.IsZero() {
			t.NextDue = live.NextDue
		}
		c.metrics.MaintenanceTransition(string(t.To))
		c.log.Info().
			Str("schedule_id", id).
			Str("resource_id", live.ResourceID).
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Msg("maintenance transition")
	}
	return t, nil
}

func (c *Controller) move(s *Schedule, to Status) (Transition, error) {
	if !s.Status.CanTransition(to) {
		return Transition{}, schederr.New(schederr.CodeInvalidTransition, "maintenance.transition",
			"schedule %s cannot move from %s to %s", s.ID, s.Status, to)
	}
	t := Transition{ScheduleID: s.ID, ResourceID: s.ResourceID, From: s.Status, To: to, At: c.now()}
	s.Status = to
	return t, nil
}

// block takes the resource out of service and reserves a window at the
// earliest gap from now that clears existing bookings. An item already
// holding a window keeps it.
func (c *Controller) block(s *Schedule, now time.Time) (*interval.Interval, *resource.StatusChange, error) {
	const op = "maintenance.block"
	if s.BlockingIntervalID != "" {
		return nil, nil, nil
	}
	start, ok := c.index.NextFree(s.ResourceID, interval.KindMaintenance, now, s.Duration(), c.horizon)
	if !ok {
		return nil, nil, schederr.New(schederr.CodeConflict, op,
			"no free gap of %s on %s within %s", s.Duration(), s.ResourceID, c.horizon)
	}
	change, err := c.setStatus(s, true)
	if err != nil {
		return nil, nil, err
	}
	iv, err := c.index.Insert(s.ResourceID, interval.Interval{
		ID:         s.ID + ":" + start.UTC().Format(time.RFC3339),
		ResourceID: s.ResourceID,
		Start:      start,
		End:        start.Add(s.Duration()),
		Kind:       interval.KindMaintenance,
		OwnerID:    s.ID,
	})
	if err != nil {
		if change != nil {
			c.revertStatus(change)
		}
		return nil, nil, err
	}
	s.BlockingIntervalID = iv.ID
	return &iv, change, nil
}

// release removes the item's window and restores the resource when no
// other blocking item still holds it.
func (c *Controller) release(s *Schedule) *resource.StatusChange {
	if s.BlockingIntervalID == "" {
		return nil
	}
	c.index.Remove(s.ResourceID, s.BlockingIntervalID)
	s.BlockingIntervalID = ""
	for _, other := range c.schedules {
		if other.ID != s.ID && other.ResourceID == s.ResourceID && other.BlockingIntervalID != "" {
			return nil
		}
	}
	change, err := c.setStatus(s, false)
	if err != nil {
		c.log.Warn().Err(err).Str("resource_id", s.ResourceID).Msg("resource status not restored after maintenance")
		return nil
	}
	return change
}

// setStatus flips the resource into (down=true) or out of its maintenance
// status. Restoring only applies when the resource is still in the status
// maintenance put it in.
func (c *Controller) setStatus(s *Schedule, down bool) (*resource.StatusChange, error) {
	switch s.ResourceKind {
	case resource.KindEquipment:
		e, ok := c.catalog.Equipment(s.ResourceID)
		if !ok {
			return nil, schederr.New(schederr.CodeNotFound, "maintenance.status", "equipment %s not found", s.ResourceID)
		}
		target := resource.EquipmentRepair
		if s.Type == TypeCalibration {
			target = resource.EquipmentCalibrationNeeded
		}
		if !down {
			if e.Status != target {
				return nil, nil
			}
			target = resource.EquipmentOperational
		}
		if e.Status == target {
			return nil, nil
		}
		change, err := c.catalog.SetEquipmentStatus(s.ResourceID, target)
		if err != nil {
			return nil, err
		}
		return &change, nil
	default:
		r, ok := c.catalog.Room(s.ResourceID)
		if !ok {
			return nil, schederr.New(schederr.CodeNotFound, "maintenance.status", "room %s not found", s.ResourceID)
		}
		target := resource.RoomMaintenance
		if !down {
			if r.Status != target {
				return nil, nil
			}
			target = resource.RoomAvailable
		}
		if r.Status == target {
			return nil, nil
		}
		change, err := c.catalog.SetRoomStatus(s.ResourceID, target)
		if err != nil {
			return nil, err
		}
		return &change, nil
	}
}

func (c *Controller) revertStatus(change *resource.StatusChange) {
	var err error
	if change.Kind == resource.KindEquipment {
		_, err = c.catalog.SetEquipmentStatus(change.ResourceID, resource.EquipmentStatus(change.From))
	} else {
		_, err = c.catalog.SetRoomStatus(change.ResourceID, resource.RoomStatus(change.From))
	}
	if err != nil {
		c.log.Error().Err(err).Str("resource_id", change.ResourceID).Msg("resource status revert failed")
	}
}

func (c *Controller) due(s *Schedule, now time.Time) bool {
	if now.After(s.NextDue) {
		return true
	}
	if s.Rule.Unit != UnitUsageBased {
		return false
	}
	threshold := s.Rule.UsageThreshold
	if threshold <= 0 {
		if e, ok := c.catalog.Equipment(s.ResourceID); ok {
			threshold = e.Config.MaxUsageHours
		}
	}
	return threshold > 0 && c.usage(s.ResourceID)-s.UsageAtLastService > threshold
}

func (c *Controller) usage(resourceID string) float64 {
	if e, ok := c.catalog.Equipment(resourceID); ok {
		return e.UsageHours
	}
	if r, ok := c.catalog.Room(resourceID); ok {
		return r.UtilizationHours
	}
	return 0
}

func sortedIDs(m map[string]*Schedule) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
