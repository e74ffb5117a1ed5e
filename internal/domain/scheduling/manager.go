// Package scheduling is the booking write path. Manager is the only
// component that places booking intervals into the interval index.
package scheduling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/domain/conflict"
	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/lock"
	"github.com/ehr/clinicsched/internal/platform/schederr"
	"github.com/ehr/clinicsched/internal/platform/telemetry"
)

// DefaultCommitTimeout bounds a commit whose context carries no deadline.
const DefaultCommitTimeout = 5 * time.Second

const maxLockAttempts = 3

// Options configures a Manager. Zero values use defaults.
type Options struct {
	CommitTimeout time.Duration
	Metrics       *telemetry.Metrics
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Manager commits, transitions and cancels bookings. Every write that
// touches the index holds the serialization points of all affected
// resources, taken in ascending id order.
type Manager struct {
	mu       sync.RWMutex
	bookings map[string]*Booking

	index    *interval.Index
	detector *conflict.Detector
	catalog  *resource.Catalog
	locks    *lock.Manager

	commitTimeout time.Duration
	metrics       *telemetry.Metrics
	log           zerolog.Logger
	now           func() time.Time
}

func NewManager(index *interval.Index, detector *conflict.Detector, catalog *resource.Catalog, locks *lock.Manager, opts Options) *Manager {
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = DefaultCommitTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		bookings:      make(map[string]*Booking),
		index:         index,
		detector:      detector,
		catalog:       catalog,
		locks:         locks,
		commitTimeout: opts.CommitTimeout,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		now:           opts.Now,
	}
}

// Load seeds the manager from a snapshot. Non-cancelled bookings are placed
// in the index in one atomic batch; two overlapping snapshot bookings are an
// invariant violation and nothing is loaded.
func (m *Manager) Load(bookings []Booking) error {
	const op = "booking.load"
	var ivs []interval.Interval
	loaded := make(map[string]*Booking, len(bookings))
	for i := range bookings {
		b := bookings[i].clone()
		if b.ID == "" {
			return schederr.New(schederr.CodeInvalidRequirement, op, "booking %d: id is required", i)
		}
		if _, dup := loaded[b.ID]; dup {
			return schederr.New(schederr.CodeInvalidRequirement, op, "duplicate booking id %s", b.ID)
		}
		if !b.Status.Valid() {
			return schederr.New(schederr.CodeInvalidRequirement, op, "booking %s: invalid status %q", b.ID, b.Status)
		}
		if !b.Start.Before(b.End) {
			return schederr.New(schederr.CodeInvalidRequirement, op, "booking %s: start must be before end", b.ID)
		}
		if b.Version <= 0 {
			b.Version = 1
		}
		loaded[b.ID] = &b
		if b.Status.Occupies() {
			ivs = append(ivs, intervalsFor(&b)...)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.index.InsertBatch(ivs); err != nil {
		var oe *interval.OverlapError
		if errors.As(err, &oe) {
			return schederr.New(schederr.CodeInvariantViolation, op,
				"snapshot bookings %s and %s overlap on %s", oe.Candidate.OwnerID, oe.Existing.OwnerID, oe.Candidate.ResourceID)
		}
		return err
	}
	for id, b := range loaded {
		m.bookings[id] = b
	}
	return nil
}

// Commit places a new booking, or moves an existing one when req.ID names
// it. When expectedVersion is set it must equal the stored version (0 for a
// booking that does not exist yet). Conflicts are re-detected under the
// resource locks immediately before the single atomic index update.
func (m *Manager) Commit(ctx context.Context, req Request, expectedVersion *int) (*Booking, error) {
	b, err := m.commit(ctx, req, expectedVersion)
	m.metrics.CommitResult(commitResult(err))
	return b, err
}

func (m *Manager) commit(ctx context.Context, req Request, expectedVersion *int) (*Booking, error) {
	const op = "booking.commit"
	if err := req.Validate(); err != nil {
		return nil, err
	}
	requested := req.Status
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	lockIDs := append([]string{req.RoomID}, req.EquipmentIDs...)
	if prev, ok := m.Get(id); ok {
		lockIDs = append(lockIDs, prev.ResourceIDs()...)
	}

	release, err := m.locks.Acquire(ctx, lockIDs...)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the locks: the booking may have moved while we waited.
	m.mu.RLock()
	current, exists := m.bookings[id]
	var currentCopy Booking
	if exists {
		currentCopy = current.clone()
	}
	m.mu.RUnlock()

	if exists {
		if currentCopy.Status.Terminal() {
			return nil, schederr.New(schederr.CodeInvalidTransition, op, "booking %s is %s and cannot be rescheduled", id, currentCopy.Status)
		}
		if !sameSet(currentCopy.ResourceIDs(), lockIDs) {
			// Resources changed since the lock set was computed; the caller
			// should retry against the fresh booking.
			return nil, schederr.New(schederr.CodeVersionMismatch, op, "booking %s changed while waiting for locks", id)
		}
	}
	if expectedVersion != nil {
		have := 0
		if exists {
			have = currentCopy.Version
		}
		if have != *expectedVersion {
			return nil, schederr.New(schederr.CodeVersionMismatch, op, "booking %s is at version %d, expected %d", id, have, *expectedVersion)
		}
	}

	conflicts, err := m.detector.Detect(conflict.Candidate{
		ResourceIDs: append([]string{req.RoomID}, req.EquipmentIDs...),
		Start:       req.Start,
		End:         req.End,
		Kind:        interval.KindBooking,
		IgnoreOwner: id,
	})
	if err != nil {
		return nil, err
	}
	if blocking := conflict.Blocking(conflicts); len(blocking) > 0 {
		return nil, &conflict.ConflictError{Conflicts: blocking}
	}

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schederr.Wrap(schederr.CodeTimeout, op, err)
		}
		return nil, err
	}

	now := m.now()
	next := Booking{
		ID:           id,
		RoomID:       req.RoomID,
		EquipmentIDs: append([]string(nil), req.EquipmentIDs...),
		PatientRef:   req.PatientRef,
		DentistRef:   req.DentistRef,
		Start:        req.Start,
		End:          req.End,
		Status:       StatusConfirmed,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if requested == StatusTentative {
		next.Status = StatusTentative
	}
	if exists {
		next.Version = currentCopy.Version + 1
		next.CreatedAt = currentCopy.CreatedAt
		// A reschedule never downgrades a confirmed booking.
		next.Status = currentCopy.Status
		if requested == StatusConfirmed {
			next.Status = StatusConfirmed
		}
		if next.PatientRef == "" {
			next.PatientRef = currentCopy.PatientRef
		}
		if next.DentistRef == "" {
			next.DentistRef = currentCopy.DentistRef
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Every writer holds the booking's resource locks, so this only trips if
	// that rule is broken. Never write next over a state it was not built from.
	stored, still := m.bookings[id]
	if still != exists || (exists && (stored.Version != currentCopy.Version || stored.Status.Terminal())) {
		return nil, schederr.New(schederr.CodeVersionMismatch, op, "booking %s changed during commit", id)
	}
	if _, err := m.index.Replace(id, intervalsFor(&next)); err != nil {
		var oe *interval.OverlapError
		if errors.As(err, &oe) {
			m.log.Error().
				Str("resource_id", oe.Candidate.ResourceID).
				Str("candidate_owner", oe.Candidate.OwnerID).
				Str("existing_interval", oe.Existing.ID).
				Str("existing_owner", oe.Existing.OwnerID).
				Msg("overlap detected after conflict check passed")
			return nil, schederr.New(schederr.CodeInvariantViolation, op,
				"booking %s would overlap %s interval %s on %s", id, oe.Existing.Kind, oe.Existing.ID, oe.Candidate.ResourceID)
		}
		return nil, err
	}
	next.Warnings = conflicts
	m.bookings[id] = &next

	out := next.clone()
	return &out, nil
}

// Confirm moves a tentative booking to confirmed.
func (m *Manager) Confirm(ctx context.Context, id string) (*Booking, error) {
	return m.transition(ctx, id, StatusConfirmed, nil)
}

// Complete moves a confirmed booking to completed and adds its duration to
// the usage counters of every resource it held.
func (m *Manager) Complete(ctx context.Context, id string) (*Booking, error) {
	return m.transition(ctx, id, StatusCompleted, func(b *Booking) error {
		for _, rid := range b.ResourceIDs() {
			if err := m.catalog.AddUsage(rid, b.Hours()); err != nil && !errors.Is(err, schederr.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

func (m *Manager) transition(ctx context.Context, id string, to Status, apply func(*Booking) error) (*Booking, error) {
	const op = "booking.transition"
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	release, err := m.lockBooking(ctx, op, id)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bookings[id]
	if b.Status == to {
		out := b.clone()
		return &out, nil
	}
	if !b.Status.CanTransition(to) {
		return nil, schederr.New(schederr.CodeInvalidTransition, op, "booking %s cannot move from %s to %s", id, b.Status, to)
	}
	if apply != nil {
		if err := apply(b); err != nil {
			return nil, err
		}
	}
	b.Status = to
	b.Version++
	b.UpdatedAt = m.now()
	b.Warnings = nil
	out := b.clone()
	return &out, nil
}

// Cancel releases the booking's intervals. Cancelling a cancelled booking
// returns it unchanged; a completed booking cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (*Booking, error) {
	const op = "booking.cancel"
	prev, ok := m.Get(id)
	if !ok {
		return nil, schederr.New(schederr.CodeNotFound, op, "booking %s not found", id)
	}
	if prev.Status == StatusCancelled {
		return &prev, nil
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	release, err := m.lockBooking(ctx, op, id)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bookings[id]
	switch {
	case b.Status == StatusCancelled:
		out := b.clone()
		return &out, nil
	case !b.Status.CanTransition(StatusCancelled):
		return nil, schederr.New(schederr.CodeInvalidTransition, op, "booking %s is %s and cannot be cancelled", id, b.Status)
	}
	m.index.RemoveOwner(id)
	b.Status = StatusCancelled
	b.Version++
	b.UpdatedAt = m.now()
	b.Warnings = nil
	out := b.clone()
	return &out, nil
}

// lockBooking holds the serialization points of the booking's current
// resources. The set is re-read after acquiring because a reschedule may move
// the booking while we wait; once held, no other writer can move it.
func (m *Manager) lockBooking(ctx context.Context, op, id string) (lock.Release, error) {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		prev, ok := m.Get(id)
		if !ok {
			return nil, schederr.New(schederr.CodeNotFound, op, "booking %s not found", id)
		}
		release, err := m.locks.Acquire(ctx, prev.ResourceIDs()...)
		if err != nil {
			return nil, err
		}
		cur, _ := m.Get(id)
		if sameSet(cur.ResourceIDs(), prev.ResourceIDs()) {
			return release, nil
		}
		release()
	}
	return nil, schederr.New(schederr.CodeVersionMismatch, op, "booking %s kept moving while waiting for locks", id)
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.commitTimeout)
}

// Get returns a copy of the booking.
func (m *Manager) Get(id string) (Booking, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return Booking{}, false
	}
	return b.clone(), true
}

// List returns bookings matching f ordered by start, then id.
func (m *Manager) List(f Filter) []Booking {
	m.mu.RLock()
	out := make([]Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		if f.match(b) {
			out = append(out, b.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns every booking, cancelled ones included.
func (m *Manager) Snapshot() []Booking { return m.List(Filter{}) }

func intervalsFor(b *Booking) []interval.Interval {
	ids := b.ResourceIDs()
	out := make([]interval.Interval, 0, len(ids))
	for _, rid := range ids {
		out = append(out, interval.Interval{
			ID:         b.ID + ":" + rid,
			ResourceID: rid,
			Start:      b.Start,
			End:        b.End,
			Kind:       interval.KindBooking,
			OwnerID:    b.ID,
		})
	}
	return out
}

func sameSet(subset, superset []string) bool {
	have := make(map[string]bool, len(superset))
	for _, id := range superset {
		have[id] = true
	}
	for _, id := range subset {
		if !have[id] {
			return false
		}
	}
	return true
}

func commitResult(err error) string {
	if err == nil {
		return "ok"
	}
	if code := schederr.CodeOf(err); code != "" {
		return string(code)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}
