package incomingrev

import "sync"

// Pool is a capped freelist of IncomingRev instances, generalizing the
// teacher's vbucket handler reuse to per-revision tasks: Get reuses a
// reset instance when one is free, Put returns a finished instance for
// reuse up to Max entries.
type Pool struct {
	mu  sync.Mutex
	New func() *IncomingRev
	Max int

	free []*IncomingRev
}

func NewPool(max int, newFn func() *IncomingRev) *Pool {
	return &Pool{New: newFn, Max: max}
}

// Get returns a ready-to-use IncomingRev, reused from the pool if possible.
func (p *Pool) Get() *IncomingRev {
	p.mu.Lock()
	n := len(p.free)
	if n > 0 {
		ir := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return ir
	}
	p.mu.Unlock()
	return p.New()
}

// Put returns ir to the pool after resetting it, unless the pool is full.
func (p *Pool) Put(ir *IncomingRev) {
	ir.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.Max {
		return
	}
	p.free = append(p.free, ir)
}

// Len reports the number of instances currently idle in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
