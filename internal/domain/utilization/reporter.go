// Package utilization reports how much of each resource's available time
// was booked over a period.
package utilization

import (
	"sort"
	"time"

	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/domain/scheduling"
	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Default watermarks.
const (
	DefaultLowWatermark  = 0.20
	DefaultHighWatermark = 0.85
	peakHourCount        = 3
)

// BookingLister is the read side of the booking manager.
type BookingLister interface {
	List(f scheduling.Filter) []scheduling.Booking
}

type Reporter struct {
	catalog  *resource.Catalog
	bookings BookingLister
	index    *interval.Index
	low      float64
	high     float64
}

// NewReporter builds a reporter. Watermarks outside [0,1] or low >= high
// fall back to the defaults.
func NewReporter(catalog *resource.Catalog, bookings BookingLister, index *interval.Index, low, high float64) *Reporter {
	if low < 0 || high > 1 || low >= high {
		low, high = DefaultLowWatermark, DefaultHighWatermark
	}
	return &Reporter{catalog: catalog, bookings: bookings, index: index, low: low, high: high}
}

// Report computes utilization over p. Only confirmed and completed bookings
// count as occupied time; blocking maintenance windows are removed from
// each resource's available time. Retired equipment is left out.
func (r *Reporter) Report(p Period) (Report, error) {
	if !p.Start.Before(p.End) {
		return Report{}, schederr.New(schederr.CodeInvalidRequirement, "utilization.report", "period start must be before end")
	}
	occupied := make(map[string][]span)
	hourly := make([]float64, 24)
	for _, b := range r.bookings.List(scheduling.Filter{From: p.Start, To: p.End}) {
		if b.Status != scheduling.StatusConfirmed && b.Status != scheduling.StatusCompleted {
			continue
		}
		s, ok := clip(span{b.Start, b.End}, p)
		if !ok {
			continue
		}
		for _, id := range b.ResourceIDs() {
			occupied[id] = append(occupied[id], s)
		}
		addHourly(hourly, s, p.Start.Location())
	}

	rep := Report{Period: p, Underutilized: []Recommendation{}, Overutilized: []Recommendation{}}
	var totalOccupied, totalAvailable float64
	for _, res := range r.resources() {
		u := r.usage(res.id, res.kind, p, occupied[res.id])
		rep.ByResource = append(rep.ByResource, u)
		totalOccupied += u.OccupiedHours
		totalAvailable += u.AvailableHours
		if u.AvailableHours <= 0 {
			continue
		}
		switch {
		case u.Utilization < r.low:
			rep.Underutilized = append(rep.Underutilized, Recommendation{ResourceID: u.ResourceID, Code: CodeUnderutilized, Utilization: u.Utilization})
		case u.Utilization > r.high:
			rep.Overutilized = append(rep.Overutilized, Recommendation{ResourceID: u.ResourceID, Code: CodeOverutilized, Utilization: u.Utilization})
		}
	}
	if totalAvailable > 0 {
		rep.OverallUtilization = clamp01(totalOccupied / totalAvailable)
	}
	rep.HourlyOccupancy, rep.PeakHours = hourLoads(hourly)
	return rep, nil
}

type resourceRef struct {
	id   string
	kind resource.Kind
}

func (r *Reporter) resources() []resourceRef {
	var out []resourceRef
	for _, room := range r.catalog.Rooms() {
		out = append(out, resourceRef{room.ID, resource.KindRoom})
	}
	for _, e := range r.catalog.EquipmentList() {
		if e.Status == resource.EquipmentRetired {
			continue
		}
		out = append(out, resourceRef{e.ID, resource.KindEquipment})
	}
	return out
}

func (r *Reporter) usage(id string, kind resource.Kind, p Period, booked []span) ResourceUsage {
	var blocked []span
	for _, iv := range r.index.QueryOverlaps(id, p.Start, p.End) {
		if iv.Kind != interval.KindMaintenance {
			continue
		}
		if s, ok := clip(span{iv.Start, iv.End}, p); ok {
			blocked = append(blocked, s)
		}
	}
	blocked = merge(blocked)
	maintenance := total(blocked)
	available := p.End.Sub(p.Start) - maintenance
	busy := total(merge(booked))
	if busy > available {
		busy = available
	}
	u := ResourceUsage{
		ResourceID:       id,
		Kind:             kind,
		AvailableHours:   available.Hours(),
		OccupiedHours:    busy.Hours(),
		MaintenanceHours: maintenance.Hours(),
		IdleHours:        (available - busy).Hours(),
	}
	if available > 0 {
		u.Utilization = clamp01(float64(busy) / float64(available))
	}
	return u
}

type span struct{ start, end time.Time }

func clip(s span, p Period) (span, bool) {
	if s.start.Before(p.Start) {
		s.start = p.Start
	}
	if s.end.After(p.End) {
		s.end = p.End
	}
	return s, s.start.Before(s.end)
}

// merge returns the union of spans as sorted, disjoint spans.
func merge(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start.Before(spans[j].start) })
	out := []span{spans[0]}
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if !s.start.After(last.end) {
			if s.end.After(last.end) {
				last.end = s.end
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func total(spans []span) time.Duration {
	var d time.Duration
	for _, s := range spans {
		d += s.end.Sub(s.start)
	}
	return d
}

// addHourly spreads s over the hour-of-day buckets in loc. Buckets follow
// the wall clock, so zones with half-hour offsets split on the local hour.
func addHourly(hourly []float64, s span, loc *time.Location) {
	cur := s.start.In(loc)
	end := s.end.In(loc)
	for cur.Before(end) {
		intoHour := time.Duration(cur.Minute())*time.Minute +
			time.Duration(cur.Second())*time.Second +
			time.Duration(cur.Nanosecond())
		next := cur.Add(time.Hour - intoHour)
		if next.After(end) {
			next = end
		}
		hourly[cur.Hour()] += next.Sub(cur).Hours()
		cur = next
	}
}

func hourLoads(hourly []float64) (all, peak []HourLoad) {
	all = make([]HourLoad, len(hourly))
	for h, v := range hourly {
		all[h] = HourLoad{Hour: h, OccupiedHours: v}
	}
	ranked := make([]HourLoad, 0, len(all))
	for _, hl := range all {
		if hl.OccupiedHours > 0 {
			ranked = append(ranked, hl)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].OccupiedHours > ranked[j].OccupiedHours })
	if len(ranked) > peakHourCount {
		ranked = ranked[:peakHourCount]
	}
	return all, ranked
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
