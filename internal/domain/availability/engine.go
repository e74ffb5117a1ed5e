// Package availability answers read-only slot searches against the current
// interval index. It never commits anything.
package availability

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/clinicsched/internal/domain/conflict"
	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/schederr"
	"github.com/ehr/clinicsched/internal/platform/telemetry"
)

// Config holds the cost-function weights.
type Config struct {
	IdlePenaltyPerHour  float64
	PreferenceBonus     float64
	PreferenceTolerance time.Duration
	BufferPenalty       float64
	DefaultStep         time.Duration
	Parallelism         int
	// MaxCandidates caps start times times rooms for one search.
	MaxCandidates int
}

// DefaultMaxCandidates allows a month of 5-minute starts across a dozen rooms.
const DefaultMaxCandidates = 100000

// DefaultConfig returns the weights used when none are configured.
func DefaultConfig() Config {
	return Config{
		IdlePenaltyPerHour:  5,
		PreferenceBonus:     20,
		PreferenceTolerance: 2 * time.Hour,
		BufferPenalty:       10,
		Parallelism:         4,
		MaxCandidates:       DefaultMaxCandidates,
	}
}

type Engine struct {
	catalog  *resource.Catalog
	index    *interval.Index
	detector *conflict.Detector
	cfg      Config
	metrics  *telemetry.Metrics
	log      zerolog.Logger
}

func NewEngine(catalog *resource.Catalog, index *interval.Index, detector *conflict.Detector, cfg Config, metrics *telemetry.Metrics, log zerolog.Logger) *Engine {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Engine{catalog: catalog, index: index, detector: detector, cfg: cfg, metrics: metrics, log: log}
}

// FindSlots sweeps the window for every matching room and returns the
// conflict-free candidates ranked by cost, then start, then room id. No
// match is an empty result, not an error. Cancelling ctx discards partial
// results.
func (e *Engine) FindSlots(ctx context.Context, q Query) ([]CandidateSlot, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if err := e.checkKnown(q); err != nil {
		return nil, err
	}

	step := q.Step
	if step == 0 {
		step = e.cfg.DefaultStep
	}
	if step <= 0 {
		step = q.Duration
	}

	rooms := e.matchingRooms(q)
	if err := e.checkSize(q, step, len(rooms)); err != nil {
		return nil, err
	}
	pools := e.equipmentPools(q)

	perRoom := make([][]CandidateSlot, len(rooms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i := range rooms {
		i := i
		g.Go(func() error {
			slots, err := e.sweepRoom(gctx, rooms[i], q, step, pools)
			perRoom[i] = slots
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := []CandidateSlot{}
	for _, slots := range perRoom {
		out = append(out, slots...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost < out[j].Cost
		}
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].RoomID < out[j].RoomID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	e.metrics.SlotsReturned(len(out))
	e.log.Debug().Int("rooms", len(rooms)).Int("slots", len(out)).Dur("duration", q.Duration).Msg("availability search")
	return out, nil
}

func (e *Engine) checkKnown(q Query) error {
	const op = "availability.find_slots"
	if q.RoomType != "" && !e.catalog.HasRoomType(q.RoomType) {
		return schederr.New(schederr.CodeInvalidRequirement, op, "unknown room type %q", q.RoomType)
	}
	for _, t := range q.EquipmentTypes {
		if !e.catalog.HasEquipmentType(t) {
			return schederr.New(schederr.CodeInvalidRequirement, op, "unknown equipment type %q", t)
		}
	}
	for _, id := range q.EquipmentIDs {
		if _, ok := e.catalog.Equipment(id); !ok {
			return schederr.New(schederr.CodeInvalidRequirement, op, "unknown equipment %q", id)
		}
	}
	return nil
}

func (e *Engine) matchingRooms(q Query) []resource.Room {
	var out []resource.Room
	for _, r := range e.catalog.Rooms() {
		if q.RoomType != "" && r.Type != q.RoomType {
			continue
		}
		if r.Capacity < q.MinCapacity || !r.HasFeatures(q.RoomFeatures) || !r.Bookable() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// equipmentPools returns, per required type, the bookable candidates
// ordered by hourly cost and then id.
func (e *Engine) equipmentPools(q Query) [][]resource.Equipment {
	all := e.catalog.EquipmentList()
	pools := make([][]resource.Equipment, len(q.EquipmentTypes))
	for i, t := range q.EquipmentTypes {
		for _, eq := range all {
			if eq.Type != t || !eq.Bookable() || !eq.HasCapabilities(q.EquipmentCapabilities[t]) {
				continue
			}
			if contains(q.EquipmentIDs, eq.ID) {
				continue
			}
			pools[i] = append(pools[i], eq)
		}
		sort.SliceStable(pools[i], func(a, b int) bool {
			if pools[i][a].Config.CostPerHour != pools[i][b].Config.CostPerHour {
				return pools[i][a].Config.CostPerHour < pools[i][b].Config.CostPerHour
			}
			return pools[i][a].ID < pools[i][b].ID
		})
	}
	return pools
}

func (e *Engine) checkSize(q Query, step time.Duration, rooms int) error {
	limit := e.cfg.MaxCandidates
	if limit <= 0 {
		limit = DefaultMaxCandidates
	}
	span := q.WindowEnd.Sub(q.WindowStart) - q.Duration
	if span < 0 || rooms == 0 {
		return nil
	}
	starts := int64(span/step) + 1
	if starts*int64(rooms) > int64(limit) {
		return schederr.New(schederr.CodeInvalidRequirement, "availability.find_slots",
			"search covers %d candidate slots, limit is %d; narrow the window or widen the step", starts*int64(rooms), limit)
	}
	return nil
}

func (e *Engine) sweepRoom(ctx context.Context, room resource.Room, q Query, step time.Duration, pools [][]resource.Equipment) ([]CandidateSlot, error) {
	neighbours := e.roomBookings(room.ID, q)
	var out []CandidateSlot
	for start := q.WindowStart; !start.Add(q.Duration).After(q.WindowEnd); start = start.Add(step) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start.Add(q.Duration)

		fixed := append([]string{room.ID}, q.EquipmentIDs...)
		warnings, ok, err := e.free(fixed, start, end, q.IgnoreBookingID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		chosen, cost, ok, err := e.pickEquipment(pools, start, end, q.IgnoreBookingID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, id := range q.EquipmentIDs {
			if eq, found := e.catalog.Equipment(id); found {
				cost += eq.Config.CostPerHour * q.Duration.Hours()
			}
		}

		cost += e.cfg.IdlePenaltyPerHour * idleHours(neighbours, start, end)
		cost -= e.preferenceBonus(q.PreferredStart, start)
		cost += e.cfg.BufferPenalty * float64(len(warnings))

		out = append(out, CandidateSlot{
			RoomID:       room.ID,
			EquipmentIDs: append(append([]string(nil), q.EquipmentIDs...), chosen...),
			Start:        start,
			End:          end,
			Cost:         math.Round(cost*100) / 100,
			Warnings:     warnings,
		})
	}
	return out, nil
}

// free reports whether ids have no blocking conflict over [start, end) and
// returns the advisory conflicts seen.
func (e *Engine) free(ids []string, start, end time.Time, ignore string) ([]conflict.ResourceConflict, bool, error) {
	cs, err := e.detector.Detect(conflict.Candidate{
		ResourceIDs: ids,
		Start:       start,
		End:         end,
		Kind:        interval.KindBooking,
		IgnoreOwner: ignore,
	})
	if err != nil {
		return nil, false, err
	}
	if conflict.HasBlocking(cs) {
		return nil, false, nil
	}
	return cs, true, nil
}

func (e *Engine) pickEquipment(pools [][]resource.Equipment, start, end time.Time, ignore string) ([]string, float64, bool, error) {
	chosen := make([]string, 0, len(pools))
	cost := 0.0
	for _, pool := range pools {
		picked := false
		for _, eq := range pool {
			if contains(chosen, eq.ID) {
				continue
			}
			_, ok, err := e.free([]string{eq.ID}, start, end, ignore)
			if err != nil {
				return nil, 0, false, err
			}
			if ok {
				chosen = append(chosen, eq.ID)
				cost += eq.Config.CostPerHour * end.Sub(start).Hours()
				picked = true
				break
			}
		}
		if !picked {
			return nil, 0, false, nil
		}
	}
	return chosen, cost, true, nil
}

func (e *Engine) roomBookings(roomID string, q Query) []interval.Interval {
	var out []interval.Interval
	for _, iv := range e.index.QueryOverlaps(roomID, q.WindowStart, q.WindowEnd) {
		if iv.Kind == interval.KindBooking && iv.OwnerID != q.IgnoreBookingID {
			out = append(out, iv)
		}
	}
	return out
}

// idleHours sums the gaps between the slot and the nearest booking on each
// side. A side with no booking in the window contributes nothing, so slots
// packed against existing work rank first.
func idleHours(neighbours []interval.Interval, start, end time.Time) float64 {
	var before, after time.Duration = -1, -1
	for _, iv := range neighbours {
		if !iv.End.After(start) {
			if gap := start.Sub(iv.End); before < 0 || gap < before {
				before = gap
			}
		}
		if !iv.Start.Before(end) {
			if gap := iv.Start.Sub(end); after < 0 || gap < after {
				after = gap
			}
		}
	}
	total := 0.0
	if before > 0 {
		total += before.Hours()
	}
	if after > 0 {
		total += after.Hours()
	}
	return total
}

func (e *Engine) preferenceBonus(preferred, start time.Time) float64 {
	if preferred.IsZero() || e.cfg.PreferenceTolerance <= 0 {
		return 0
	}
	dev := start.Sub(preferred)
	if dev < 0 {
		dev = -dev
	}
	frac := 1 - float64(dev)/float64(e.cfg.PreferenceTolerance)
	if frac <= 0 {
		return 0
	}
	return e.cfg.PreferenceBonus * frac
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
