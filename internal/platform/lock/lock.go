// Package lock provides per-resource serialization points. Callers that touch
// several resources acquire them together through Acquire, which always locks
// in ascending resource-id order so concurrent multi-resource writers cannot
// deadlock.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ehr/clinicsched/internal/platform/schederr"
)

// Manager hands out one binary semaphore per resource id.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted

	// OnWait, when set, observes how long each Acquire waited.
	OnWait func(time.Duration)
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*semaphore.Weighted)}
}

func (m *Manager) get(id string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.locks[id]
	if !ok {
		s = semaphore.NewWeighted(1)
		m.locks[id] = s
	}
	return s
}

// Release unlocks every resource taken by one Acquire call. It is safe to
// call more than once.
type Release func()

// Acquire locks every id in ascending order, blocking until all are held or
// ctx is done. On failure nothing stays locked and the error is a retryable
// schederr timeout (or the context's cancellation error).
func (m *Manager) Acquire(ctx context.Context, ids ...string) (Release, error) {
	ordered := Ordered(ids)
	start := time.Now()

	held := make([]*semaphore.Weighted, 0, len(ordered))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
		held = held[:0]
	}

	for _, id := range ordered {
		s := m.get(id)
		if err := s.Acquire(ctx, 1); err != nil {
			releaseAll()
			if m.OnWait != nil {
				m.OnWait(time.Since(start))
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, schederr.Wrap(schederr.CodeTimeout, "lock.acquire "+id, err)
			}
			return nil, err
		}
		held = append(held, s)
	}
	if m.OnWait != nil {
		m.OnWait(time.Since(start))
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// Ordered returns ids sorted ascending with duplicates and empties removed.
func Ordered(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
