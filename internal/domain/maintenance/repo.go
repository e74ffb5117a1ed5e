package maintenance

import (
	"context"

	"github.com/ehr/clinicsched/internal/domain/resource"
)

// Repository persists maintenance schedules for the next session's snapshot.
type Repository interface {
	List(ctx context.Context) ([]Schedule, error)
	Save(ctx context.Context, s *Schedule) error
}

// PersistTransitions writes the schedules and resources touched by ts. Nil
// repositories make it a no-op.
func PersistTransitions(ctx context.Context, c *Controller, repo Repository, resources resource.Repository, ts []Transition) error {
	if repo == nil {
		return nil
	}
	seen := make(map[string]bool, len(ts))
	var touched []string
	for _, t := range ts {
		if !seen[t.ScheduleID] {
			seen[t.ScheduleID] = true
			s, ok := c.Get(t.ScheduleID)
			if !ok {
				continue
			}
			if err := repo.Save(ctx, &s); err != nil {
				return err
			}
		}
		if t.ResourceChange != nil {
			touched = append(touched, t.ResourceChange.ResourceID)
		}
	}
	return resource.SaveResources(ctx, resources, c.catalog, touched...)
}
