package optimizer

import (
	"time"

	"github.com/ehr/clinicsched/internal/domain/availability"
	"github.com/ehr/clinicsched/internal/domain/scheduling"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Priority orders treatment requests within a batch.
type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityHigh      Priority = "high"
	PriorityMedium    Priority = "medium"
	PriorityLow       Priority = "low"
)

// rank is lower for more urgent priorities. Unknown values sort last.
func (p Priority) rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium, "":
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// TreatmentRequest is one pending treatment to place. The booking must end
// by Deadline when it is set.
type TreatmentRequest struct {
	ID                    string              `json:"id"`
	PatientRef            string              `json:"patient_ref,omitempty"`
	DentistRef            string              `json:"dentist_ref,omitempty"`
	Priority              Priority            `json:"priority"`
	Deadline              time.Time           `json:"deadline,omitempty"`
	WindowStart           time.Time           `json:"window_start"`
	WindowEnd             time.Time           `json:"window_end"`
	DurationMinutes       int                 `json:"duration_minutes"`
	RoomType              string              `json:"room_type,omitempty"`
	MinCapacity           int                 `json:"min_capacity,omitempty"`
	RoomFeatures          []string            `json:"room_features,omitempty"`
	EquipmentTypes        []string            `json:"equipment_types,omitempty"`
	EquipmentIDs          []string            `json:"equipment_ids,omitempty"`
	EquipmentCapabilities map[string][]string `json:"equipment_capabilities,omitempty"`
	PreferredStart        *time.Time          `json:"preferred_start,omitempty"`
	Tentative             bool                `json:"tentative,omitempty"`
}

func (r TreatmentRequest) query() (availability.Query, error) {
	const op = "optimizer.request"
	if r.Priority.rank() > 3 {
		return availability.Query{}, schederr.New(schederr.CodeInvalidRequirement, op, "request %s: unknown priority %q", r.ID, r.Priority)
	}
	q := availability.Query{
		WindowStart:           r.WindowStart,
		WindowEnd:             r.WindowEnd,
		Duration:              time.Duration(r.DurationMinutes) * time.Minute,
		RoomType:              r.RoomType,
		MinCapacity:           r.MinCapacity,
		RoomFeatures:          r.RoomFeatures,
		EquipmentTypes:        r.EquipmentTypes,
		EquipmentIDs:          r.EquipmentIDs,
		EquipmentCapabilities: r.EquipmentCapabilities,
		Limit:                 1,
	}
	if r.PreferredStart != nil {
		q.PreferredStart = *r.PreferredStart
	}
	if !r.Deadline.IsZero() && r.Deadline.Before(q.WindowEnd) {
		q.WindowEnd = r.Deadline
	}
	return q, nil
}

// Assignment is a request placed by the optimizer.
type Assignment struct {
	RequestID string             `json:"request_id"`
	Booking   scheduling.Booking `json:"booking"`
	Cost      float64            `json:"cost"`
	Attempts  int                `json:"attempts"`
	Improved  bool               `json:"improved,omitempty"`
}

// Reason codes for unassigned requests.
const (
	ReasonNoAvailability = "no_availability"
	ReasonCancelled      = "cancelled"
	ReasonNotPersisted   = "not_persisted"
)

// Unassigned is a request the optimizer could not place.
type Unassigned struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	Message   string `json:"message,omitempty"`
}

// Metrics summarizes one batch.
type Metrics struct {
	Requested                  int     `json:"requested"`
	Assigned                   int     `json:"assigned"`
	Unassigned                 int     `json:"unassigned"`
	Retries                    int     `json:"retries"`
	Improved                   int     `json:"improved"`
	TotalCost                  float64 `json:"total_cost"`
	PreferenceDeviationMinutes float64 `json:"preference_deviation_minutes"`
}

// Result is the outcome of one optimize call. Assignments are in placement
// order.
type Result struct {
	Assignments []Assignment `json:"assignments"`
	Unassigned  []Unassigned `json:"unassigned"`
	Metrics     Metrics      `json:"metrics"`
}
