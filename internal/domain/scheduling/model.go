package scheduling

import (
	"time"

	"github.com/ehr/clinicsched/internal/domain/conflict"
	"github.com/ehr/clinicsched/internal/platform/lock"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Status is the booking lifecycle state.
type Status string

const (
	StatusTentative Status = "tentative"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

var bookingTransitions = map[Status][]Status{
	StatusTentative: {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
	StatusCancelled: {},
	StatusCompleted: {},
}

func (s Status) Valid() bool {
	_, ok := bookingTransitions[s]
	return ok
}

// CanTransition reports whether a booking may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCancelled || s == StatusCompleted }

// Occupies reports whether a booking in this state holds its intervals in
// the index.
func (s Status) Occupies() bool { return s != StatusCancelled }

// Booking maps to the bookings table.
type Booking struct {
	ID           string    `db:"id" json:"id"`
	RoomID       string    `db:"room_id" json:"room_id"`
	EquipmentIDs []string  `db:"equipment_ids" json:"equipment_ids,omitempty"`
	PatientRef   string    `db:"patient_ref" json:"patient_ref,omitempty"`
	DentistRef   string    `db:"dentist_ref" json:"dentist_ref,omitempty"`
	Start        time.Time `db:"start_time" json:"start"`
	End          time.Time `db:"end_time" json:"end"`
	Status       Status    `db:"status" json:"status"`
	Version      int       `db:"version" json:"version"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`

	// Warnings holds advisory conflicts seen at commit time. Not persisted.
	Warnings []conflict.ResourceConflict `db:"-" json:"warnings,omitempty"`
}

// ResourceIDs returns the room followed by the equipment ids.
func (b *Booking) ResourceIDs() []string {
	return append([]string{b.RoomID}, b.EquipmentIDs...)
}

// Hours returns the booked duration in hours.
func (b *Booking) Hours() float64 { return b.End.Sub(b.Start).Hours() }

func (b *Booking) clone() Booking {
	out := *b
	out.EquipmentIDs = append([]string(nil), b.EquipmentIDs...)
	out.Warnings = append([]conflict.ResourceConflict(nil), b.Warnings...)
	return out
}

// Request asks the manager to place, or move, a booking. A request whose ID
// names an existing booking is a reschedule.
type Request struct {
	ID           string    `json:"id,omitempty"`
	RoomID       string    `json:"room_id"`
	EquipmentIDs []string  `json:"equipment_ids,omitempty"`
	PatientRef   string    `json:"patient_ref,omitempty"`
	DentistRef   string    `json:"dentist_ref,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Status       Status    `json:"status,omitempty"`
}

// Validate checks the request shape. It does not look at the index.
func (r *Request) Validate() error {
	const op = "booking.validate"
	if r.RoomID == "" {
		return schederr.New(schederr.CodeInvalidRequirement, op, "room_id is required")
	}
	if !r.Start.Before(r.End) {
		return schederr.New(schederr.CodeInvalidRequirement, op, "start must be before end")
	}
	if r.Status != "" && r.Status != StatusTentative && r.Status != StatusConfirmed {
		return schederr.New(schederr.CodeInvalidRequirement, op, "status must be tentative or confirmed, got %q", r.Status)
	}
	for _, id := range r.EquipmentIDs {
		if id == "" || id == r.RoomID {
			return schederr.New(schederr.CodeInvalidRequirement, op, "invalid equipment id %q", id)
		}
	}
	if len(lock.Ordered(r.EquipmentIDs)) != len(r.EquipmentIDs) {
		return schederr.New(schederr.CodeInvalidRequirement, op, "equipment ids must be unique")
	}
	return nil
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	ResourceID string
	Status     Status
	From       time.Time
	To         time.Time
}

func (f Filter) match(b *Booking) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.ResourceID != "" {
		found := false
		for _, id := range b.ResourceIDs() {
			if id == f.ResourceID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && !b.End.After(f.From) {
		return false
	}
	if !f.To.IsZero() && !b.Start.Before(f.To) {
		return false
	}
	return true
}
