package resource

import (
	"context"
	"fmt"
)

// Repository persists rooms and equipment. It is the persistence
// collaborator for the catalog: snapshots are loaded from it and changed
// resources are written back to it.
type Repository interface {
	ListRooms(ctx context.Context) ([]Room, error)
	ListEquipment(ctx context.Context) ([]Equipment, error)
	SaveRoom(ctx context.Context, r *Room) error
	SaveEquipment(ctx context.Context, e *Equipment) error
}

// LoadCatalog builds a catalog from the repository contents.
func LoadCatalog(ctx context.Context, repo Repository) (*Catalog, error) {
	rooms, err := repo.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	equipment, err := repo.ListEquipment(ctx)
	if err != nil {
		return nil, fmt.Errorf("list equipment: %w", err)
	}
	return NewCatalog(rooms, equipment)
}

// SaveResources writes the catalog's current state of ids back to repo.
// Unknown ids are skipped. A nil repo is a no-op.
func SaveResources(ctx context.Context, repo Repository, c *Catalog, ids ...string) error {
	if repo == nil {
		return nil
	}
	for _, id := range ids {
		if r, ok := c.Room(id); ok {
			if err := repo.SaveRoom(ctx, &r); err != nil {
				return fmt.Errorf("save room %s: %w", id, err)
			}
			continue
		}
		if e, ok := c.Equipment(id); ok {
			if err := repo.SaveEquipment(ctx, &e); err != nil {
				return fmt.Errorf("save equipment %s: %w", id, err)
			}
		}
	}
	return nil
}
