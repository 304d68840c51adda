package reconcile

import (
	"context"
	"sync"
)

// Guard provides per-user mutual exclusion for reconciliation passes.
// TryAcquire never waits: ok is false when the user is already in progress.
type Guard interface {
	TryAcquire(ctx context.Context, userID uint) (release func(), ok bool, err error)
}

// LocalGuard is an in-process in-progress set keyed by user id.
type LocalGuard struct {
	mu     sync.Mutex
	active map[uint]struct{}
}

// NewLocalGuard creates an empty in-progress set.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{active: make(map[uint]struct{})}
}

func (g *LocalGuard) TryAcquire(_ context.Context, userID uint) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[userID]; busy {
		return nil, false, nil
	}
	g.active[userID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, userID)
			g.mu.Unlock()
		})
	}, true, nil
}

// InProgress reports whether userID currently holds the guard.
func (g *LocalGuard) InProgress(userID uint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[userID]
	return busy
}
