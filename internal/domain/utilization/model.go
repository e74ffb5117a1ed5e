package utilization

import (
	"time"

	"github.com/ehr/clinicsched/internal/domain/resource"
)

// Period is the half-open reporting range [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ResourceUsage is one resource's share of the period.
type ResourceUsage struct {
	ResourceID       string        `json:"resource_id"`
	Kind             resource.Kind `json:"kind"`
	AvailableHours   float64       `json:"available_hours"`
	OccupiedHours    float64       `json:"occupied_hours"`
	MaintenanceHours float64       `json:"maintenance_hours"`
	IdleHours        float64       `json:"idle_hours"`
	Utilization      float64       `json:"utilization"`
}

// Recommendation codes.
const (
	CodeUnderutilized = "underutilized"
	CodeOverutilized  = "overutilized"
)

type Recommendation struct {
	ResourceID  string  `json:"resource_id"`
	Code        string  `json:"code"`
	Utilization float64 `json:"utilization"`
}

// HourLoad is the booked time that fell into one hour of the day.
type HourLoad struct {
	Hour          int     `json:"hour"`
	OccupiedHours float64 `json:"occupied_hours"`
}

type Report struct {
	Period             Period           `json:"period"`
	OverallUtilization float64          `json:"overall_utilization"`
	ByResource         []ResourceUsage  `json:"by_resource"`
	HourlyOccupancy    []HourLoad       `json:"hourly_occupancy"`
	PeakHours          []HourLoad       `json:"peak_hours"`
	Underutilized      []Recommendation `json:"underutilized"`
	Overutilized       []Recommendation `json:"overutilized"`
}
