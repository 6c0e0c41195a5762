package gate

import (
	"context"
	"sync"
	"time"
)

// Gate bounds the number of simultaneous external calls for one job
// class. Acquisition waits up to a timeout and reports failure rather
// than queueing indefinitely; callers retry their whole acquisition
// loop instead.
type Gate struct {
	slots chan struct{}

	mu   sync.Mutex
	held int
}

// New creates a gate with the given capacity.
func New(capacity int) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{slots: make(chan struct{}, capacity)}
}

// Capacity returns the configured slot count.
func (g *Gate) Capacity() int { return cap(g.slots) }

// Held returns the number of currently held slots.
func (g *Gate) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Acquire blocks up to timeout for a slot. Returns false on timeout or
// context cancellation; that is not an error condition.
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case g.slots <- struct{}{}:
		g.mu.Lock()
		g.held++
		g.mu.Unlock()
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot. Releasing a gate that holds nothing is a no-op
// so a stray double release cannot corrupt the count.
func (g *Gate) Release() {
	g.mu.Lock()
	if g.held == 0 {
		g.mu.Unlock()
		return
	}
	g.held--
	g.mu.Unlock()
	<-g.slots
}
