package resource

import (
	"time"
)

// Kind is the resource sum-type tag.
type Kind string

const (
	KindRoom      Kind = "room"
	KindEquipment Kind = "equipment"
)

// RoomStatus is the operational state of a treatment room.
type RoomStatus string

const (
	RoomAvailable   RoomStatus = "available"
	RoomOccupied    RoomStatus = "occupied"
	RoomMaintenance RoomStatus = "maintenance"
	RoomCleaning    RoomStatus = "cleaning"
	RoomOutOfOrder  RoomStatus = "out_of_order"
)

var roomTransitions = map[RoomStatus][]RoomStatus{
	RoomAvailable:   {RoomOccupied, RoomCleaning, RoomMaintenance, RoomOutOfOrder},
	RoomOccupied:    {RoomAvailable, RoomCleaning, RoomMaintenance, RoomOutOfOrder},
	RoomCleaning:    {RoomAvailable, RoomMaintenance, RoomOutOfOrder},
	RoomMaintenance: {RoomAvailable, RoomOutOfOrder},
	RoomOutOfOrder:  {RoomMaintenance, RoomAvailable},
}

// Valid reports whether s is a known room status.
func (s RoomStatus) Valid() bool {
	_, ok := roomTransitions[s]
	return ok
}

// CanTransition reports whether a room may move from s to next. Staying in
// the same state is always allowed.
func (s RoomStatus) CanTransition(next RoomStatus) bool {
	if s == next {
		return s.Valid()
	}
	for _, allowed := range roomTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Bookable reports whether future bookings may be placed in a room in this
// state. Occupied and cleaning are momentary and do not block the schedule.
func (s RoomStatus) Bookable() bool {
	return s == RoomAvailable || s == RoomOccupied || s == RoomCleaning
}

// EquipmentStatus is the operational state of a piece of equipment.
type EquipmentStatus string

const (
	EquipmentOperational       EquipmentStatus = "operational"
	EquipmentMaintenance       EquipmentStatus = "maintenance"
	EquipmentRepair            EquipmentStatus = "repair"
	EquipmentRetired           EquipmentStatus = "retired"
	EquipmentCalibrationNeeded EquipmentStatus = "calibration_needed"
)

var equipmentTransitions = map[EquipmentStatus][]EquipmentStatus{
	EquipmentOperational:       {EquipmentMaintenance, EquipmentRepair, EquipmentCalibrationNeeded, EquipmentRetired},
	EquipmentMaintenance:       {EquipmentOperational, EquipmentRepair, EquipmentCalibrationNeeded, EquipmentRetired},
	EquipmentRepair:            {EquipmentOperational, EquipmentCalibrationNeeded, EquipmentRetired},
	EquipmentCalibrationNeeded: {EquipmentOperational, EquipmentMaintenance, EquipmentRepair, EquipmentRetired},
	EquipmentRetired:           {},
}

// Valid reports whether s is a known equipment status.
func (s EquipmentStatus) Valid() bool {
	_, ok := equipmentTransitions[s]
	return ok
}

// CanTransition reports whether equipment may move from s to next.
func (s EquipmentStatus) CanTransition(next EquipmentStatus) bool {
	if s == next {
		return s.Valid()
	}
	for _, allowed := range equipmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Bookable reports whether equipment in this state may be reserved.
func (s EquipmentStatus) Bookable() bool { return s == EquipmentOperational }

// Resource is implemented by Room and Equipment.
type Resource interface {
	ResourceID() string
	ResourceKind() Kind
	Bookable() bool
}

// Room maps to the room table.
type Room struct {
	ID               string     `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	Type             string     `db:"room_type" json:"type"`
	Capacity         int        `db:"capacity" json:"capacity"`
	Location         string     `db:"location" json:"location,omitempty"`
	Features         []string   `db:"features" json:"features,omitempty"`
	Status           RoomStatus `db:"status" json:"status"`
	UtilizationHours float64    `db:"utilization_hours" json:"utilization_hours"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

func (r *Room) ResourceID() string { return r.ID }
func (r *Room) ResourceKind() Kind { return KindRoom }
func (r *Room) Bookable() bool     { return r.Status.Bookable() }

// HasFeatures reports whether the room offers every feature in want.
func (r *Room) HasFeatures(want []string) bool {
	return containsAll(r.Features, want)
}

// EquipmentTypeConfig holds per-type operating parameters.
type EquipmentTypeConfig struct {
	MaxUsageHours        float64 `db:"max_usage_hours" json:"max_usage_hours"`
	CalibrationMandatory bool    `db:"calibration_mandatory" json:"calibration_mandatory"`
	CostPerHour          float64 `db:"cost_per_hour" json:"cost_per_hour"`
}

// Equipment maps to the equipment table.
type Equipment struct {
	ID           string              `db:"id" json:"id"`
	Name         string              `db:"name" json:"name"`
	Type         string              `db:"equipment_type" json:"type"`
	Location     string              `db:"location" json:"location,omitempty"`
	Capabilities []string            `db:"capabilities" json:"capabilities,omitempty"`
	Status       EquipmentStatus     `db:"status" json:"status"`
	UsageHours   float64             `db:"usage_hours" json:"usage_hours"`
	Config       EquipmentTypeConfig `json:"config"`
	UpdatedAt    time.Time           `db:"updated_at" json:"updated_at"`
}

func (e *Equipment) ResourceID() string { return e.ID }
func (e *Equipment) ResourceKind() Kind { return KindEquipment }
func (e *Equipment) Bookable() bool     { return e.Status.Bookable() }

// HasCapabilities reports whether the equipment offers every capability in want.
func (e *Equipment) HasCapabilities(want []string) bool {
	return containsAll(e.Capabilities, want)
}

// StatusChange describes a status transition the persistence collaborator
// must apply to a resource.
type StatusChange struct {
	ResourceID string `json:"resource_id"`
	Kind       Kind   `json:"kind"`
	From       string `json:"from"`
	To         string `json:"to"`
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
