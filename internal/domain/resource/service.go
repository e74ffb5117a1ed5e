package resource

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/platform/lock"
)

// Service applies operator-driven status changes. It takes the resource's
// serialization point so a status flip cannot interleave with a booking
// commit on the same resource.
type Service struct {
	catalog *Catalog
	locks   *lock.Manager
	repo    Repository
	log     zerolog.Logger
}

// NewService wires a service. repo may be nil for in-memory sessions.
func NewService(catalog *Catalog, locks *lock.Manager, repo Repository, log zerolog.Logger) *Service {
	return &Service{catalog: catalog, locks: locks, repo: repo, log: log}
}

func (s *Service) Catalog() *Catalog { return s.catalog }

func (s *Service) SetRoomStatus(ctx context.Context, id string, to RoomStatus) (StatusChange, error) {
	release, err := s.locks.Acquire(ctx, id)
	if err != nil {
		return StatusChange{}, err
	}
	defer release()

	change, err := s.catalog.SetRoomStatus(id, to)
	if err != nil {
		return StatusChange{}, err
	}
	if err := SaveResources(ctx, s.repo, s.catalog, id); err != nil {
		return change, err
	}
	s.log.Info().Str("resource_id", id).Str("from", change.From).Str("to", change.To).Msg("room status changed")
	return change, nil
}

func (s *Service) SetEquipmentStatus(ctx context.Context, id string, to EquipmentStatus) (StatusChange, error) {
	release, err := s.locks.Acquire(ctx, id)
	if err != nil {
		return StatusChange{}, err
	}
	defer release()

	change, err := s.catalog.SetEquipmentStatus(id, to)
	if err != nil {
		return StatusChange{}, err
	}
	if err := SaveResources(ctx, s.repo, s.catalog, id); err != nil {
		return change, err
	}
	s.log.Info().Str("resource_id", id).Str("from", change.From).Str("to", change.To).Msg("equipment status changed")
	return change, nil
}
