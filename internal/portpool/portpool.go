// Package portpool implements C4, a bounded ring allocator over the host
// port range [lo, hi), used to hand out guest-facing forwarded ports.
package portpool

import (
	"fmt"
	"sync"
)

// Pool allocates ports from [lo, hi) in round-robin order starting from an
// internal cursor, per spec.md §4.4: "advance the cursor past the returned
// port so the next allocation prefers a port that has gone longest unused."
type Pool struct {
	mu        sync.Mutex
	lo, hi    int
	allocated map[int]bool
	cursor    int
}

// New returns a Pool over [lo, hi). Panics if hi <= lo, a programmer error
// guarded against earlier by internal/config.Load.
func New(lo, hi int) *Pool {
	if hi <= lo {
		panic(fmt.Sprintf("portpool: invalid range [%d, %d)", lo, hi))
	}
	return &Pool{
		lo:        lo,
		hi:        hi,
		allocated: make(map[int]bool),
		cursor:    lo,
	}
}

// ErrExhausted is returned by Allocate when every port in range is in use.
var ErrExhausted = fmt.Errorf("port pool exhausted")

// Allocate returns the next free port starting from the cursor, wrapping
// around the range at most once, and advances the cursor past it.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := p.hi - p.lo
	for i := 0; i < span; i++ {
		candidate := p.lo + (p.cursor-p.lo+i)%span
		if !p.allocated[candidate] {
			p.allocated[candidate] = true
			p.cursor = candidate + 1
			if p.cursor >= p.hi {
				p.cursor = p.lo
			}
			return candidate, nil
		}
	}
	return 0, ErrExhausted
}

// Release returns port to the free set. Releasing a port not currently
// allocated, or outside range, is a silent no-op: callers release on best
// effort during cleanup and must not be able to fail that path.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocated, port)
}

// IsAllocated reports whether port is currently held.
func (p *Pool) IsAllocated(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated[port]
}

// AllocatedCount returns the number of ports currently held.
func (p *Pool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// AvailableCount returns the number of ports still free.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return (p.hi - p.lo) - len(p.allocated)
}

// TotalCount returns the size of the configured range.
func (p *Pool) TotalCount() int {
	return p.hi - p.lo
}
