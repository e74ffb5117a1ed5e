package resource

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Catalog is the in-memory snapshot of rooms and equipment for one planning
// session. Accessors return copies; mutations go through the status and
// usage methods so every change is validated.
type Catalog struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	equipment map[string]*Equipment
	now       func() time.Time
}

// NewCatalog validates the snapshot and builds a catalog from it.
func NewCatalog(rooms []Room, equipment []Equipment) (*Catalog, error) {
	c := &Catalog{
		rooms:     make(map[string]*Room, len(rooms)),
		equipment: make(map[string]*Equipment, len(equipment)),
		now:       time.Now,
	}
	for i := range rooms {
		r := cloneRoom(rooms[i])
		if r.ID == "" {
			return nil, fmt.Errorf("room %d: id is required", i)
		}
		if r.Status == "" {
			r.Status = RoomAvailable
		}
		if !r.Status.Valid() {
			return nil, fmt.Errorf("room %s: invalid status %q", r.ID, r.Status)
		}
		if r.Capacity <= 0 {
			r.Capacity = 1
		}
		if _, dup := c.rooms[r.ID]; dup {
			return nil, fmt.Errorf("duplicate room id %s", r.ID)
		}
		c.rooms[r.ID] = &r
	}
	for i := range equipment {
		e := cloneEquipment(equipment[i])
		if e.ID == "" {
			return nil, fmt.Errorf("equipment %d: id is required", i)
		}
		if e.Status == "" {
			e.Status = EquipmentOperational
		}
		if !e.Status.Valid() {
			return nil, fmt.Errorf("equipment %s: invalid status %q", e.ID, e.Status)
		}
		if _, dup := c.equipment[e.ID]; dup {
			return nil, fmt.Errorf("duplicate equipment id %s", e.ID)
		}
		if _, clash := c.rooms[e.ID]; clash {
			return nil, fmt.Errorf("equipment id %s collides with a room id", e.ID)
		}
		c.equipment[e.ID] = &e
	}
	return c, nil
}

// Room returns a copy of the room with the given id.
func (c *Catalog) Room(id string) (Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[id]
	if !ok {
		return Room{}, false
	}
	return cloneRoom(*r), true
}

// Equipment returns a copy of the equipment item with the given id.
func (c *Catalog) Equipment(id string) (Equipment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.equipment[id]
	if !ok {
		return Equipment{}, false
	}
	return cloneEquipment(*e), true
}

// Lookup resolves an id of either kind.
func (c *Catalog) Lookup(id string) (Resource, bool) {
	if r, ok := c.Room(id); ok {
		return &r, true
	}
	if e, ok := c.Equipment(id); ok {
		return &e, true
	}
	return nil, false
}

// Rooms returns every room ordered by id.
func (c *Catalog) Rooms() []Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, cloneRoom(*r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EquipmentList returns every equipment item ordered by id.
func (c *Catalog) EquipmentList() []Equipment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Equipment, 0, len(c.equipment))
	for _, e := range c.equipment {
		out = append(out, cloneEquipment(*e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasRoomType reports whether any room has type t.
func (c *Catalog) HasRoomType(t string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rooms {
		if r.Type == t {
			return true
		}
	}
	return false
}

// HasEquipmentType reports whether any equipment item has type t.
func (c *Catalog) HasEquipmentType(t string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.equipment {
		if e.Type == t {
			return true
		}
	}
	return false
}

// SetRoomStatus moves a room to a new status through the transition table.
func (c *Catalog) SetRoomStatus(id string, to RoomStatus) (StatusChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[id]
	if !ok {
		return StatusChange{}, schederr.New(schederr.CodeNotFound, "resource.status", "room %s not found", id)
	}
	if !r.Status.CanTransition(to) {
		return StatusChange{}, schederr.New(schederr.CodeInvalidTransition, "resource.status",
			"room %s cannot move from %s to %s", id, r.Status, to)
	}
	change := StatusChange{ResourceID: id, Kind: KindRoom, From: string(r.Status), To: string(to)}
	r.Status = to
	r.UpdatedAt = c.now()
	return change, nil
}

// SetEquipmentStatus moves equipment to a new status through the transition table.
func (c *Catalog) SetEquipmentStatus(id string, to EquipmentStatus) (StatusChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.equipment[id]
	if !ok {
		return StatusChange{}, schederr.New(schederr.CodeNotFound, "resource.status", "equipment %s not found", id)
	}
	if !e.Status.CanTransition(to) {
		return StatusChange{}, schederr.New(schederr.CodeInvalidTransition, "resource.status",
			"equipment %s cannot move from %s to %s", id, e.Status, to)
	}
	change := StatusChange{ResourceID: id, Kind: KindEquipment, From: string(e.Status), To: string(to)}
	e.Status = to
	e.UpdatedAt = c.now()
	return change, nil
}

// AddUsage adds hours to the monotonic utilization counter of a room or the
// usage counter of an equipment item. Negative values are rejected.
func (c *Catalog) AddUsage(id string, hours float64) error {
	if hours < 0 {
		return schederr.New(schederr.CodeInvalidRequirement, "resource.usage", "usage hours must not be negative")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[id]; ok {
		r.UtilizationHours += hours
		r.UpdatedAt = c.now()
		return nil
	}
	if e, ok := c.equipment[id]; ok {
		e.UsageHours += hours
		e.UpdatedAt = c.now()
		return nil
	}
	return schederr.New(schederr.CodeNotFound, "resource.usage", "resource %s not found", id)
}

func cloneRoom(r Room) Room {
	r.Features = slices.Clone(r.Features)
	return r
}

func cloneEquipment(e Equipment) Equipment {
	e.Capabilities = slices.Clone(e.Capabilities)
	return e
}
