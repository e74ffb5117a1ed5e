package maintenance

import (
	"time"

	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Type is the kind of maintenance work.
type Type string

const (
	TypePreventive  Type = "preventive"
	TypeCorrective  Type = "corrective"
	TypeCalibration Type = "calibration"
	TypeCleaning    Type = "cleaning"
)

func (t Type) Valid() bool {
	switch t {
	case TypePreventive, TypeCorrective, TypeCalibration, TypeCleaning:
		return true
	}
	return false
}

// Blocking reports whether work of this type takes the resource out of
// service while overdue or in progress.
func (t Type) Blocking() bool { return t == TypeCalibration || t == TypeCorrective }

// Unit is the recurrence unit of a frequency rule.
type Unit string

const (
	UnitDaily      Unit = "daily"
	UnitWeekly     Unit = "weekly"
	UnitMonthly    Unit = "monthly"
	UnitQuarterly  Unit = "quarterly"
	UnitYearly     Unit = "yearly"
	UnitUsageBased Unit = "usage_based"
)

// DefaultUsageBackstopDays is the calendar interval of a usage-based rule
// that sets none.
const DefaultUsageBackstopDays = 365

// FrequencyRule drives due dates. For usage_based rules Interval is a
// calendar backstop in days and UsageThreshold the hours of use between
// services; a zero threshold falls back to the equipment type's maximum.
type FrequencyRule struct {
	Unit           Unit    `json:"unit"`
	Interval       int     `json:"interval"`
	UsageThreshold float64 `json:"usage_threshold,omitempty"`
}

func (r FrequencyRule) Validate() error {
	const op = "maintenance.rule"
	switch r.Unit {
	case UnitDaily, UnitWeekly, UnitMonthly, UnitQuarterly, UnitYearly, UnitUsageBased:
	default:
		return schederr.New(schederr.CodeInvalidRequirement, op, "unknown frequency unit %q", r.Unit)
	}
	if r.Interval < 0 {
		return schederr.New(schederr.CodeInvalidRequirement, op, "interval must not be negative")
	}
	if r.UsageThreshold < 0 {
		return schederr.New(schederr.CodeInvalidRequirement, op, "usage threshold must not be negative")
	}
	return nil
}

// Advance returns from moved forward by n periods.
func (r FrequencyRule) Advance(from time.Time, n int) time.Time {
	step := r.Interval
	if step <= 0 {
		step = 1
		if r.Unit == UnitUsageBased {
			step = DefaultUsageBackstopDays
		}
	}
	k := step * n
	switch r.Unit {
	case UnitDaily, UnitUsageBased:
		return from.AddDate(0, 0, k)
	case UnitWeekly:
		return from.AddDate(0, 0, 7*k)
	case UnitMonthly:
		return from.AddDate(0, k, 0)
	case UnitQuarterly:
		return from.AddDate(0, 3*k, 0)
	case UnitYearly:
		return from.AddDate(k, 0, 0)
	}
	return from
}

// Status is the lifecycle state of one maintenance occurrence.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusOverdue    Status = "overdue"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var scheduleTransitions = map[Status][]Status{
	StatusScheduled:  {StatusOverdue, StatusInProgress, StatusCancelled},
	StatusOverdue:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  {StatusScheduled},
	StatusCancelled:  {StatusScheduled},
}

func (s Status) Valid() bool {
	_, ok := scheduleTransitions[s]
	return ok
}

func (s Status) CanTransition(next Status) bool {
	for _, allowed := range scheduleTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether a blocking item in this state holds its resource.
func (s Status) Active() bool { return s == StatusOverdue || s == StatusInProgress }

// Schedule maps to the maintenance_schedules table. NextDue is derived from
// LastPerformed, the rule and the number of skipped occurrences; callers
// never set it.
type Schedule struct {
	ID                 string        `db:"id" json:"id"`
	ResourceID         string        `db:"resource_id" json:"resource_id"`
	ResourceKind       resource.Kind `db:"resource_kind" json:"resource_kind"`
	Type               Type          `db:"maintenance_type" json:"type"`
	Rule               FrequencyRule `json:"frequency"`
	EstimatedMinutes   int           `db:"estimated_minutes" json:"estimated_minutes"`
	LastPerformed      time.Time     `db:"last_performed" json:"last_performed"`
	NextDue            time.Time     `db:"next_due" json:"next_due"`
	Status             Status        `db:"status" json:"status"`
	SkippedOccurrences int           `db:"skipped_occurrences" json:"skipped_occurrences"`
	UsageAtLastService float64       `db:"usage_at_last_service" json:"usage_at_last_service"`
	BlockingIntervalID string        `db:"blocking_interval_id" json:"blocking_interval_id,omitempty"`
	Version            int           `db:"version" json:"version"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}

// Duration is the estimated length of one occurrence.
func (s *Schedule) Duration() time.Duration {
	return time.Duration(s.EstimatedMinutes) * time.Minute
}

// deriveNextDue recomputes NextDue. A schedule never performed is due at
// ref.
func (s *Schedule) deriveNextDue(ref time.Time) {
	if s.LastPerformed.IsZero() {
		s.NextDue = s.Rule.Advance(ref, s.SkippedOccurrences)
		return
	}
	s.NextDue = s.Rule.Advance(s.LastPerformed, 1+s.SkippedOccurrences)
}

func (s *Schedule) validate() error {
	const op = "maintenance.validate"
	if s.ID == "" || s.ResourceID == "" {
		return schederr.New(schederr.CodeInvalidRequirement, op, "schedule id and resource id are required")
	}
	if s.ResourceKind != resource.KindRoom && s.ResourceKind != resource.KindEquipment {
		return schederr.New(schederr.CodeInvalidRequirement, op, "schedule %s: invalid resource kind %q", s.ID, s.ResourceKind)
	}
	if !s.Type.Valid() {
		return schederr.New(schederr.CodeInvalidRequirement, op, "schedule %s: invalid type %q", s.ID, s.Type)
	}
	if !s.Status.Valid() {
		return schederr.New(schederr.CodeInvalidRequirement, op, "schedule %s: invalid status %q", s.ID, s.Status)
	}
	if s.EstimatedMinutes <= 0 {
		return schederr.New(schederr.CodeInvalidRequirement, op, "schedule %s: estimated duration must be positive", s.ID)
	}
	return s.Rule.Validate()
}

// Transition records one state change and the side effects the persistence
// collaborator must apply.
type Transition struct {
	ScheduleID     string                 `json:"schedule_id"`
	ResourceID     string                 `json:"resource_id"`
	From           Status                 `json:"from"`
	To             Status                 `json:"to"`
	At             time.Time              `json:"at"`
	ResourceChange *resource.StatusChange `json:"resource_change,omitempty"`
	Window         *interval.Interval     `json:"window,omitempty"`
	NextDue        time.Time              `json:"next_due"`
}

// SweepFailure names a schedule item the sweep skipped.
type SweepFailure struct {
	ScheduleID string `json:"schedule_id"`
	Error      string `json:"error"`
}

// SweepResult is the outcome of one sweep.
type SweepResult struct {
	At          time.Time      `json:"at"`
	Transitions []Transition   `json:"transitions"`
	Failures    []SweepFailure `json:"failures,omitempty"`
}
