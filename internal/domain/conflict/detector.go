// Package conflict classifies the overlaps and resource-state problems a
// candidate interval would run into.
package conflict

import (
	"fmt"
	"time"

	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Detector reads the interval index and the resource catalog. It never
// mutates either.
type Detector struct {
	index          *interval.Index
	catalog        *resource.Catalog
	cleaningBuffer time.Duration
}

// NewDetector builds a detector. A zero cleaningBuffer disables
// cleaning_buffer conflicts.
func NewDetector(index *interval.Index, catalog *resource.Catalog, cleaningBuffer time.Duration) *Detector {
	return &Detector{index: index, catalog: catalog, cleaningBuffer: cleaningBuffer}
}

// CleaningBuffer returns the configured gap kept after room bookings.
func (d *Detector) CleaningBuffer() time.Duration { return d.cleaningBuffer }

// Detect returns every conflict for the candidate, in resource order and
// then by interval start.
func (d *Detector) Detect(c Candidate) ([]ResourceConflict, error) {
	if !c.Start.Before(c.End) {
		return nil, schederr.New(schederr.CodeInvalidRequirement, "conflict.detect",
			"window start %s must be before end %s", c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339))
	}
	if c.Kind == "" {
		c.Kind = interval.KindBooking
	}

	var out []ResourceConflict
	seen := make(map[string]bool, len(c.ResourceIDs))
	for _, id := range c.ResourceIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, d.detectResource(id, c)...)
	}
	return out, nil
}

func (d *Detector) detectResource(id string, c Candidate) []ResourceConflict {
	res, ok := d.catalog.Lookup(id)
	if !ok {
		return []ResourceConflict{{
			Kind:        KindResourceUnknown,
			Severity:    SeverityHigh,
			ResourceIDs: []string{id},
			Start:       c.Start,
			End:         c.End,
			Explanation: fmt.Sprintf("resource %s is not in the catalog", id),
		}}
	}

	var out []ResourceConflict
	// Maintenance windows are placed by the controller that also flips the
	// status, so status checks apply to bookings only.
	if c.Kind == interval.KindBooking && !res.Bookable() {
		out = append(out, statusConflict(res, c))
	}

	for _, existing := range d.index.QueryOverlaps(id, c.Start, c.End) {
		if c.IgnoreOwner != "" && existing.OwnerID == c.IgnoreOwner {
			continue
		}
		if !interval.Excludes(c.Kind, existing.Kind) {
			continue
		}
		kind := KindDoubleBooking
		if existing.Kind == interval.KindMaintenance {
			kind = KindMaintenanceScheduled
		}
		sev := SeverityMedium
		if existing.Contains(c.Start, c.End) {
			sev = SeverityHigh
		}
		out = append(out, ResourceConflict{
			Kind:        kind,
			Severity:    sev,
			ResourceIDs: []string{id},
			Start:       maxTime(c.Start, existing.Start),
			End:         minTime(c.End, existing.End),
			IntervalID:  existing.ID,
			OwnerID:     existing.OwnerID,
			Explanation: fmt.Sprintf("%s interval %s occupies %s", existing.Kind, existing.ID, id),
		})
	}

	if c.Kind == interval.KindBooking && res.ResourceKind() == resource.KindRoom && d.cleaningBuffer > 0 {
		out = append(out, d.bufferConflicts(id, c)...)
	}
	return out
}

// bufferConflicts flags bookings that end less than the cleaning buffer
// before the candidate starts, or start less than the buffer after it ends.
func (d *Detector) bufferConflicts(id string, c Candidate) []ResourceConflict {
	var out []ResourceConflict
	for _, existing := range d.index.QueryOverlaps(id, c.Start.Add(-d.cleaningBuffer), c.End.Add(d.cleaningBuffer)) {
		if existing.Kind != interval.KindBooking || existing.Overlaps(c.Start, c.End) {
			continue
		}
		if c.IgnoreOwner != "" && existing.OwnerID == c.IgnoreOwner {
			continue
		}
		gapStart, gapEnd := existing.End, c.Start
		if existing.Start.After(c.Start) {
			gapStart, gapEnd = c.End, existing.Start
		}
		out = append(out, ResourceConflict{
			Kind:        KindCleaningBuffer,
			Severity:    SeverityLow,
			ResourceIDs: []string{id},
			Start:       gapStart,
			End:         gapEnd,
			IntervalID:  existing.ID,
			OwnerID:     existing.OwnerID,
			Explanation: fmt.Sprintf("less than %s between booking %s and the candidate in room %s",
				d.cleaningBuffer, existing.OwnerID, id),
		})
	}
	return out
}

func statusConflict(res resource.Resource, c Candidate) ResourceConflict {
	kind := KindRoomUnavailable
	status := ""
	switch r := res.(type) {
	case *resource.Room:
		status = string(r.Status)
	case *resource.Equipment:
		kind = KindEquipmentUnavailable
		status = string(r.Status)
	}
	return ResourceConflict{
		Kind:        kind,
		Severity:    SeverityHigh,
		ResourceIDs: []string{res.ResourceID()},
		Start:       c.Start,
		End:         c.End,
		Explanation: fmt.Sprintf("%s %s is %s", res.ResourceKind(), res.ResourceID(), status),
	}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
