package resource

import "testing"

func TestRoomStatus_Transitions(t *testing.T) {
	if !RoomAvailable.CanTransition(RoomMaintenance) {
		t.Error("expected available -> maintenance")
	}
	if !RoomMaintenance.CanTransition(RoomAvailable) {
		t.Error("expected maintenance -> available")
	}
	if RoomMaintenance.CanTransition(RoomOccupied) {
		t.Error("expected maintenance -> occupied to be rejected")
	}
	if !RoomCleaning.CanTransition(RoomCleaning) {
		t.Error("expected self transition to be allowed")
	}
	if RoomStatus("closed").CanTransition(RoomAvailable) {
		t.Error("expected unknown status to be rejected")
	}
}

func TestRoomStatus_Bookable(t *testing.T) {
	bookable := map[RoomStatus]bool{
		RoomAvailable:   true,
		RoomOccupied:    true,
		RoomCleaning:    true,
		RoomMaintenance: false,
		RoomOutOfOrder:  false,
	}
	for s, want := range bookable {
		if s.Bookable() != want {
			t.Errorf("%s: expected bookable=%v", s, want)
		}
	}
}

func TestEquipmentStatus_RetiredIsTerminal(t *testing.T) {
	for _, next := range []EquipmentStatus{EquipmentOperational, EquipmentRepair, EquipmentMaintenance, EquipmentCalibrationNeeded} {
		if EquipmentRetired.CanTransition(next) {
			t.Errorf("expected retired -> %s to be rejected", next)
		}
	}
	if !EquipmentCalibrationNeeded.CanTransition(EquipmentOperational) {
		t.Error("expected calibration_needed -> operational")
	}
}

func TestEquipmentStatus_Bookable(t *testing.T) {
	if !EquipmentOperational.Bookable() {
		t.Error("expected operational to be bookable")
	}
	for _, s := range []EquipmentStatus{EquipmentMaintenance, EquipmentRepair, EquipmentRetired, EquipmentCalibrationNeeded} {
		if s.Bookable() {
			t.Errorf("expected %s not bookable", s)
		}
	}
}

func TestHasFeaturesAndCapabilities(t *testing.T) {
	r := Room{Features: []string{"xray", "sink"}}
	if !r.HasFeatures([]string{"sink"}) {
		t.Error("expected sink feature")
	}
	if r.HasFeatures([]string{"sink", "laser"}) {
		t.Error("expected missing laser feature")
	}
	if !r.HasFeatures(nil) {
		t.Error("expected empty requirement to match")
	}
	e := Equipment{Capabilities: []string{"panoramic"}}
	if !e.HasCapabilities([]string{"panoramic"}) {
		t.Error("expected panoramic capability")
	}
}
