package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Kind is a stable reason code for a conflict.
type Kind string

const (
	KindDoubleBooking        Kind = "double_booking"
	KindMaintenanceScheduled Kind = "maintenance_scheduled"
	KindEquipmentUnavailable Kind = "equipment_unavailable"
	KindRoomUnavailable      Kind = "room_unavailable"
	KindResourceUnknown      Kind = "resource_unknown"
	KindCleaningBuffer       Kind = "cleaning_buffer"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Blocking reports whether a conflict of this severity must prevent a commit.
func (s Severity) Blocking() bool { return s == SeverityHigh || s == SeverityMedium }

// ResourceConflict describes one reason a candidate interval cannot, or
// should not, be placed.
type ResourceConflict struct {
	Kind        Kind      `json:"kind"`
	Severity    Severity  `json:"severity"`
	ResourceIDs []string  `json:"resource_ids"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	IntervalID  string    `json:"interval_id,omitempty"`
	OwnerID     string    `json:"owner_id,omitempty"`
	Explanation string    `json:"explanation"`
}

// Candidate is the interval being tested. IgnoreOwner excludes intervals
// already held by that owner, which is how a booking checks a reschedule
// against everything except itself.
type Candidate struct {
	ResourceIDs []string
	Start       time.Time
	End         time.Time
	Kind        interval.Kind
	IgnoreOwner string
}

// Blocking filters conflicts down to those that prevent a commit.
func Blocking(cs []ResourceConflict) []ResourceConflict {
	var out []ResourceConflict
	for _, c := range cs {
		if c.Severity.Blocking() {
			out = append(out, c)
		}
	}
	return out
}

// HasBlocking reports whether any conflict prevents a commit.
func HasBlocking(cs []ResourceConflict) bool {
	for _, c := range cs {
		if c.Severity.Blocking() {
			return true
		}
	}
	return false
}

// ConflictError rejects a write because of blocking conflicts. It matches
// schederr.ErrConflict and is retryable against fresh availability.
type ConflictError struct {
	Conflicts []ResourceConflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s on %s", c.Kind, strings.Join(c.ResourceIDs, ",")))
	}
	return "scheduling conflict: " + strings.Join(parts, "; ")
}

func (e *ConflictError) ErrorCode() schederr.Code  { return schederr.CodeConflict }
func (e *ConflictError) Retryable() bool           { return true }
func (e *ConflictError) ErrorDetails() interface{} { return e.Conflicts }

func (e *ConflictError) Is(target error) bool {
	return target == schederr.ErrConflict
}

// Reason returns the kind of the first conflict, or "" if there is none.
func (e *ConflictError) Reason() Kind {
	if len(e.Conflicts) == 0 {
		return ""
	}
	return e.Conflicts[0].Kind
}
