package availability

import (
	"time"

	"github.com/ehr/clinicsched/internal/domain/conflict"
	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Query describes the slot a caller needs. One equipment item is chosen per
// entry in EquipmentTypes; EquipmentIDs are required as given.
type Query struct {
	WindowStart           time.Time
	WindowEnd             time.Time
	Duration              time.Duration
	RoomType              string
	MinCapacity           int
	RoomFeatures          []string
	EquipmentTypes        []string
	EquipmentIDs          []string
	EquipmentCapabilities map[string][]string // equipment type -> required capabilities
	PreferredStart        time.Time
	Step                  time.Duration
	Limit                 int
	// IgnoreBookingID treats that booking's intervals as free, for
	// searching reschedule targets.
	IgnoreBookingID string
}

// CandidateSlot is a room, an equipment set and a window with no blocking
// conflicts at the time it was computed.
type CandidateSlot struct {
	RoomID       string                      `json:"room_id"`
	EquipmentIDs []string                    `json:"equipment_ids"`
	Start        time.Time                   `json:"start"`
	End          time.Time                   `json:"end"`
	Cost         float64                     `json:"cost"`
	Warnings     []conflict.ResourceConflict `json:"warnings,omitempty"`
}

// ResourceIDs returns the room followed by the equipment ids.
func (s CandidateSlot) ResourceIDs() []string {
	return append([]string{s.RoomID}, s.EquipmentIDs...)
}

func (q *Query) validate() error {
	const op = "availability.find_slots"
	if q.Duration <= 0 {
		return schederr.New(schederr.CodeInvalidRequirement, op, "duration must be positive")
	}
	if !q.WindowStart.Before(q.WindowEnd) {
		return schederr.New(schederr.CodeInvalidRequirement, op, "window start must be before window end")
	}
	if q.Step < 0 {
		return schederr.New(schederr.CodeInvalidRequirement, op, "step must not be negative")
	}
	if q.MinCapacity < 0 {
		return schederr.New(schederr.CodeInvalidRequirement, op, "min capacity must not be negative")
	}
	return nil
}
