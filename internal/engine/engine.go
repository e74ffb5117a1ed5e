// Package engine assembles one scheduling session: the shared interval
// index and lock manager, and every component built over them, seeded from
// a snapshot of rooms, equipment, bookings and maintenance schedules.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/config"
	"github.com/ehr/clinicsched/internal/domain/availability"
	"github.com/ehr/clinicsched/internal/domain/conflict"
	"github.com/ehr/clinicsched/internal/domain/maintenance"
	"github.com/ehr/clinicsched/internal/domain/optimizer"
	"github.com/ehr/clinicsched/internal/domain/resource"
	"github.com/ehr/clinicsched/internal/domain/scheduling"
	"github.com/ehr/clinicsched/internal/domain/utilization"
	"github.com/ehr/clinicsched/internal/platform/events"
	"github.com/ehr/clinicsched/internal/platform/interval"
	"github.com/ehr/clinicsched/internal/platform/lock"
	"github.com/ehr/clinicsched/internal/platform/telemetry"
)

// Snapshot is the plain data a session is built from and hands back.
type Snapshot struct {
	Rooms       []resource.Room        `json:"rooms"`
	Equipment   []resource.Equipment   `json:"equipment"`
	Bookings    []scheduling.Booking   `json:"bookings"`
	Maintenance []maintenance.Schedule `json:"maintenance"`
}

// Repositories is the persistence collaborator. Nil members make the
// session in-memory for that data.
type Repositories struct {
	Resources   resource.Repository
	Bookings    scheduling.Repository
	Maintenance maintenance.Repository
}

type Config struct {
	CommitTimeout  time.Duration
	CleaningBuffer time.Duration
	SweepInterval  time.Duration
	Availability   availability.Config
	LowWatermark   float64
	HighWatermark  float64
	ImprovePasses  int
	Now            func() time.Time
}

// ConfigFrom maps the process configuration onto a session configuration.
func ConfigFrom(c *config.Config) Config {
	avail := availability.DefaultConfig()
	avail.IdlePenaltyPerHour = c.IdlePenaltyPerHour
	avail.PreferenceBonus = c.PreferenceBonus
	avail.PreferenceTolerance = c.PreferenceTolerance
	avail.DefaultStep = c.SlotStep
	avail.Parallelism = c.AvailabilityParallel
	return Config{
		CommitTimeout:  c.CommitTimeout,
		CleaningBuffer: c.CleaningBuffer,
		SweepInterval:  c.SweepInterval,
		Availability:   avail,
		LowWatermark:   c.UtilLowWatermark,
		HighWatermark:  c.UtilHighWatermark,
		ImprovePasses:  c.OptimizerImprovePasses,
	}
}

type Engine struct {
	Catalog      *resource.Catalog
	Index        *interval.Index
	Locks        *lock.Manager
	Resources    *resource.Service
	Detector     *conflict.Detector
	Bookings     *scheduling.Manager
	Availability *availability.Engine
	Maintenance  *maintenance.Controller
	Optimizer    *optimizer.Optimizer
	Utilization  *utilization.Reporter
	Events       *events.Hub

	cfg   Config
	repos Repositories
	log   zerolog.Logger
}

// New builds a session from snap. Overlapping snapshot bookings or an
// invalid maintenance schedule fail the whole build.
func New(ctx context.Context, snap Snapshot, cfg Config, repos Repositories, metrics *telemetry.Metrics, log zerolog.Logger) (*Engine, error) {
	catalog, err := resource.NewCatalog(snap.Rooms, snap.Equipment)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	if cfg.Availability.Parallelism <= 0 {
		cfg.Availability.Parallelism = availability.DefaultConfig().Parallelism
	}

	index := interval.NewIndex()
	locks := lock.NewManager()
	locks.OnWait = metrics.LockWait
	detector := conflict.NewDetector(index, catalog, cfg.CleaningBuffer)

	bookings := scheduling.NewManager(index, detector, catalog, locks, scheduling.Options{
		CommitTimeout: cfg.CommitTimeout,
		Metrics:       metrics,
		Logger:        log.With().Str("component", "bookings").Logger(),
		Now:           cfg.Now,
	})
	if err := bookings.Load(snap.Bookings); err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}

	ctl := maintenance.NewController(index, catalog, locks, maintenance.Options{
		OpTimeout: cfg.CommitTimeout,
		Metrics:   metrics,
		Logger:    log.With().Str("component", "maintenance").Logger(),
		Now:       cfg.Now,
	})
	if err := ctl.Load(ctx, snap.Maintenance); err != nil {
		return nil, fmt.Errorf("load maintenance: %w", err)
	}

	avail := availability.NewEngine(catalog, index, detector, cfg.Availability, metrics,
		log.With().Str("component", "availability").Logger())
	opt := optimizer.New(avail, bookings, cfg.ImprovePasses, metrics,
		log.With().Str("component", "optimizer").Logger())

	e := &Engine{
		Catalog:      catalog,
		Index:        index,
		Locks:        locks,
		Resources:    resource.NewService(catalog, locks, repos.Resources, log.With().Str("component", "resources").Logger()),
		Detector:     detector,
		Bookings:     bookings,
		Availability: avail,
		Maintenance:  ctl,
		Optimizer:    opt,
		Utilization:  utilization.NewReporter(catalog, bookings, index, cfg.LowWatermark, cfg.HighWatermark),
		Events:       events.NewHub(log.With().Str("component", "events").Logger()),
		cfg:          cfg,
		repos:        repos,
		log:          log,
	}
	log.Info().
		Int("rooms", len(snap.Rooms)).
		Int("equipment", len(snap.Equipment)).
		Int("bookings", len(snap.Bookings)).
		Int("maintenance", len(snap.Maintenance)).
		Msg("scheduling session loaded")
	return e, nil
}

// LoadSnapshot reads the current state from the repositories.
func LoadSnapshot(ctx context.Context, repos Repositories) (Snapshot, error) {
	var snap Snapshot
	var err error
	if repos.Resources != nil {
		if snap.Rooms, err = repos.Resources.ListRooms(ctx); err != nil {
			return snap, fmt.Errorf("list rooms: %w", err)
		}
		if snap.Equipment, err = repos.Resources.ListEquipment(ctx); err != nil {
			return snap, fmt.Errorf("list equipment: %w", err)
		}
	}
	if repos.Bookings != nil {
		if snap.Bookings, err = repos.Bookings.List(ctx); err != nil {
			return snap, fmt.Errorf("list bookings: %w", err)
		}
	}
	if repos.Maintenance != nil {
		if snap.Maintenance, err = repos.Maintenance.List(ctx); err != nil {
			return snap, fmt.Errorf("list maintenance schedules: %w", err)
		}
	}
	return snap, nil
}

// Open loads a snapshot from repos and builds a session over it.
func Open(ctx context.Context, repos Repositories, cfg Config, metrics *telemetry.Metrics, log zerolog.Logger) (*Engine, error) {
	snap, err := LoadSnapshot(ctx, repos)
	if err != nil {
		return nil, err
	}
	return New(ctx, snap, cfg, repos, metrics, log)
}

// Snapshot returns the session's current state, including status and usage
// changes made since it was loaded.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Rooms:       e.Catalog.Rooms(),
		Equipment:   e.Catalog.EquipmentList(),
		Bookings:    e.Bookings.Snapshot(),
		Maintenance: e.Maintenance.Snapshot(),
	}
}

// RegisterRoutes mounts every component's HTTP handler on api.
func (e *Engine) RegisterRoutes(api *echo.Group) {
	resource.NewHandler(e.Resources).WithEvents(e.Events).RegisterRoutes(api)
	availability.NewHandler(e.Availability).RegisterRoutes(api)
	conflict.NewHandler(e.Detector).RegisterRoutes(api)
	scheduling.NewHandler(e.Bookings, e.repos.Bookings, e.Catalog, e.repos.Resources,
		e.log.With().Str("component", "bookings").Logger()).WithEvents(e.Events).RegisterRoutes(api)
	maintenance.NewHandler(e.Maintenance, e.repos.Maintenance, e.repos.Resources,
		e.log.With().Str("component", "maintenance").Logger()).WithEvents(e.Events).RegisterRoutes(api)
	optimizer.NewHandler(e.Optimizer, e.Bookings, e.repos.Bookings,
		e.log.With().Str("component", "optimizer").Logger()).RegisterRoutes(api)
	utilization.NewHandler(e.Utilization).RegisterRoutes(api)
	events.NewHandler(e.Events).RegisterRoutes(api)
}

// Sweep runs one maintenance sweep and persists its transitions.
func (e *Engine) Sweep(ctx context.Context) (maintenance.SweepResult, error) {
	res := e.Maintenance.Sweep(ctx)
	if err := maintenance.PersistTransitions(ctx, e.Maintenance, e.repos.Maintenance, e.repos.Resources, res.Transitions); err != nil {
		return res, err
	}
	maintenance.PublishTransitions(e.Events, res.Transitions)
	return res, nil
}

// RunSweeper sweeps every SweepInterval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context) {
	every := e.cfg.SweepInterval
	if every <= 0 {
		every = time.Minute
	}
	e.Maintenance.Run(ctx, every, func(ctx context.Context, res maintenance.SweepResult) {
		if err := maintenance.PersistTransitions(ctx, e.Maintenance, e.repos.Maintenance, e.repos.Resources, res.Transitions); err != nil {
			e.log.Error().Err(err).Int("transitions", len(res.Transitions)).Msg("failed to persist sweep transitions")
			return
		}
		maintenance.PublishTransitions(e.Events, res.Transitions)
	})
}
