package scheduling

import (
	"context"
	"time"
)

// SaveTimeout bounds a save of a booking the manager has already accepted.
const SaveTimeout = 5 * time.Second

// Repository persists bookings for the next session's snapshot.
type Repository interface {
	List(ctx context.Context) ([]Booking, error)
	// Save upserts b. A stored row with a higher version is left untouched.
	Save(ctx context.Context, b *Booking) error
}

// SaveAccepted persists a booking the manager already holds. The save is
// detached from ctx's cancellation so an accepted booking is not dropped
// with the request that placed it. A nil repo is a no-op.
func SaveAccepted(ctx context.Context, repo Repository, b *Booking) error {
	if repo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SaveTimeout)
	defer cancel()
	return repo.Save(ctx, b)
}
