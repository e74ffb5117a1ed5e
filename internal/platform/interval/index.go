// Package interval maintains, per resource, the sorted set of occupied time
// intervals (bookings and maintenance windows) and answers overlap queries.
//
// Intervals are half-open: [Start, End). Two bookings on one resource never
// overlap, and a maintenance window never overlaps a booking. Maintenance
// windows may overlap each other.
package interval

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Kind distinguishes what occupies an interval.
type Kind string

const (
	KindBooking     Kind = "booking"
	KindMaintenance Kind = "maintenance"
)

// Interval is one occupied time range on a resource.
type Interval struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Kind       Kind      `json:"kind"`
	OwnerID    string    `json:"owner_id"`
}

// Overlaps reports whether the interval intersects [start, end).
func (iv Interval) Overlaps(start, end time.Time) bool {
	return iv.Start.Before(end) && start.Before(iv.End)
}

// Contains reports whether [start, end) lies entirely within the interval.
func (iv Interval) Contains(start, end time.Time) bool {
	return !iv.Start.After(start) && !iv.End.Before(end)
}

// Duration returns End - Start.
func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

// Excludes reports whether an interval of kind a may not share time with one
// of kind b on the same resource.
func Excludes(a, b Kind) bool {
	return a == KindBooking || b == KindBooking
}

// OverlapError is returned when an insertion would violate the no-overlap
// rules. Existing is the interval already stored.
type OverlapError struct {
	Candidate Interval
	Existing  Interval
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%s interval [%s, %s) on resource %s overlaps %s interval %s",
		e.Candidate.Kind, e.Candidate.Start.Format(time.RFC3339), e.Candidate.End.Format(time.RFC3339),
		e.Candidate.ResourceID, e.Existing.Kind, e.Existing.ID)
}

// DoubleBooking reports whether both sides are bookings.
func (e *OverlapError) DoubleBooking() bool {
	return e.Candidate.Kind == KindBooking && e.Existing.Kind == KindBooking
}

// ErrorCode classifies the overlap as a conflict.
func (e *OverlapError) ErrorCode() schederr.Code { return schederr.CodeConflict }

// Retryable is true: the caller should re-query availability.
func (e *OverlapError) Retryable() bool { return true }

// Is lets errors.Is(err, schederr.ErrConflict) match.
func (e *OverlapError) Is(target error) bool {
	return target == schederr.ErrConflict
}

type timeline struct {
	items   []Interval // sorted by Start
	maxSpan time.Duration
}

type ref struct {
	resourceID string
	id         string
}

// Index is safe for concurrent use. Every mutation is a single structural
// update under the write lock, so a failed call leaves no partial state.
type Index struct {
	mu         sync.RWMutex
	byResource map[string]*timeline
	owners     map[string][]ref
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		byResource: make(map[string]*timeline),
		owners:     make(map[string][]ref),
	}
}

// QueryOverlaps returns the intervals on resourceID intersecting
// [start, end), ordered by start time.
func (x *Index) QueryOverlaps(resourceID string, start, end time.Time) []Interval {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.overlapsLocked(resourceID, start, end, "")
}

// Intervals returns every interval stored for resourceID.
func (x *Index) Intervals(resourceID string) []Interval {
	x.mu.RLock()
	defer x.mu.RUnlock()
	tl, ok := x.byResource[resourceID]
	if !ok {
		return nil
	}
	return slices.Clone(tl.items)
}

// ByOwner returns the intervals recorded for ownerID.
func (x *Index) ByOwner(ownerID string) []Interval {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []Interval
	for _, r := range x.owners[ownerID] {
		if iv, ok := x.findLocked(r.resourceID, r.id); ok {
			out = append(out, iv)
		}
	}
	return out
}

// Len returns the total number of stored intervals.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, tl := range x.byResource {
		n += len(tl.items)
	}
	return n
}

// Insert validates and stores a single interval on resourceID.
func (x *Index) Insert(resourceID string, iv Interval) (Interval, error) {
	iv.ResourceID = resourceID
	out, err := x.InsertBatch([]Interval{iv})
	if err != nil {
		return Interval{}, err
	}
	return out[0], nil
}

// InsertBatch stores all intervals or none of them.
func (x *Index) InsertBatch(ivs []Interval) ([]Interval, error) {
	return x.Replace("", ivs)
}

// Replace atomically removes every interval owned by ownerID and inserts ivs.
// The owner's current intervals are ignored during validation, so a booking
// can move into time it already occupies. On error nothing changes. An empty
// ownerID replaces nothing.
func (x *Index) Replace(ownerID string, ivs []Interval) ([]Interval, error) {
	prepared := make([]Interval, len(ivs))
	for i, iv := range ivs {
		if iv.ResourceID == "" {
			return nil, schederr.New(schederr.CodeInvalidRequirement, "interval.insert", "resource id is required")
		}
		if !iv.Start.Before(iv.End) {
			return nil, schederr.New(schederr.CodeInvalidRequirement, "interval.insert",
				"interval start %s must be before end %s", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
		}
		if iv.Kind != KindBooking && iv.Kind != KindMaintenance {
			return nil, schederr.New(schederr.CodeInvalidRequirement, "interval.insert", "unknown interval kind %q", iv.Kind)
		}
		if iv.ID == "" {
			iv.ID = uuid.New().String()
		}
		prepared[i] = iv
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for i, iv := range prepared {
		for _, existing := range x.overlapsLocked(iv.ResourceID, iv.Start, iv.End, ownerID) {
			if Excludes(iv.Kind, existing.Kind) {
				return nil, &OverlapError{Candidate: iv, Existing: existing}
			}
		}
		for _, other := range prepared[:i] {
			if other.ResourceID == iv.ResourceID && other.Overlaps(iv.Start, iv.End) && Excludes(iv.Kind, other.Kind) {
				return nil, &OverlapError{Candidate: iv, Existing: other}
			}
		}
	}

	if ownerID != "" {
		x.removeOwnerLocked(ownerID)
	}
	for _, iv := range prepared {
		x.insertLocked(iv)
	}
	return prepared, nil
}

// Remove deletes one interval. It reports whether the interval existed.
func (x *Index) Remove(resourceID, intervalID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	iv, ok := x.findLocked(resourceID, intervalID)
	if !ok {
		return false
	}
	x.deleteLocked(resourceID, intervalID)
	refs := x.owners[iv.OwnerID]
	for i, r := range refs {
		if r.resourceID == resourceID && r.id == intervalID {
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	if len(refs) == 0 {
		delete(x.owners, iv.OwnerID)
	} else {
		x.owners[iv.OwnerID] = refs
	}
	return true
}

// RemoveOwner deletes every interval recorded for ownerID and returns how
// many were removed.
func (x *Index) RemoveOwner(ownerID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeOwnerLocked(ownerID)
}

// NextFree returns the earliest start at or after from such that an interval
// of kind and length d fits on resourceID without violating the overlap
// rules. The search gives up after horizon and returns ok=false.
func (x *Index) NextFree(resourceID string, kind Kind, from time.Time, d, horizon time.Duration) (time.Time, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	limit := from.Add(horizon)
	candidate := from
	for !candidate.After(limit) {
		end := candidate.Add(d)
		blocked := false
		for _, existing := range x.overlapsLocked(resourceID, candidate, end, "") {
			if Excludes(kind, existing.Kind) {
				blocked = true
				if existing.End.After(candidate) {
					candidate = existing.End
				}
			}
		}
		if !blocked {
			return candidate, true
		}
	}
	return time.Time{}, false
}

func (x *Index) overlapsLocked(resourceID string, start, end time.Time, skipOwner string) []Interval {
	tl, ok := x.byResource[resourceID]
	if !ok || !start.Before(end) {
		return nil
	}
	// Anything intersecting [start, end) starts after start-maxSpan.
	floor := start.Add(-tl.maxSpan)
	i := sort.Search(len(tl.items), func(i int) bool { return tl.items[i].Start.After(floor) })
	var out []Interval
	for ; i < len(tl.items) && tl.items[i].Start.Before(end); i++ {
		iv := tl.items[i]
		if skipOwner != "" && iv.OwnerID == skipOwner {
			continue
		}
		if iv.End.After(start) {
			out = append(out, iv)
		}
	}
	return out
}

func (x *Index) insertLocked(iv Interval) {
	tl, ok := x.byResource[iv.ResourceID]
	if !ok {
		tl = &timeline{}
		x.byResource[iv.ResourceID] = tl
	}
	i := sort.Search(len(tl.items), func(i int) bool { return tl.items[i].Start.After(iv.Start) })
	tl.items = slices.Insert(tl.items, i, iv)
	if d := iv.Duration(); d > tl.maxSpan {
		tl.maxSpan = d
	}
	if iv.OwnerID != "" {
		x.owners[iv.OwnerID] = append(x.owners[iv.OwnerID], ref{resourceID: iv.ResourceID, id: iv.ID})
	}
}

func (x *Index) findLocked(resourceID, id string) (Interval, bool) {
	tl, ok := x.byResource[resourceID]
	if !ok {
		return Interval{}, false
	}
	for _, iv := range tl.items {
		if iv.ID == id {
			return iv, true
		}
	}
	return Interval{}, false
}

func (x *Index) deleteLocked(resourceID, id string) {
	tl, ok := x.byResource[resourceID]
	if !ok {
		return
	}
	for i, iv := range tl.items {
		if iv.ID == id {
			tl.items = slices.Delete(tl.items, i, i+1)
			break
		}
	}
	if len(tl.items) == 0 {
		delete(x.byResource, resourceID)
	}
}

func (x *Index) removeOwnerLocked(ownerID string) int {
	refs := x.owners[ownerID]
	for _, r := range refs {
		x.deleteLocked(r.resourceID, r.id)
	}
	delete(x.owners, ownerID)
	return len(refs)
}
