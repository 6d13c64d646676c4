// Package pool provides typed, bounded object pools for the hot
// per-transaction structures the executor allocates and frees on every
// transaction: callbacks, transaction states, and dependency records.
package pool

import "sync"

// Stats mirrors the pool observability surface the site supervisor exposes.
type Stats struct {
	Hits      uint64
	Misses    uint64
	HighWater int
	IdleCount int
}

// Pool is a typed, mutex-guarded stack of reusable instances of T. New is
// called to create an instance when the idle list is empty; Reset is called
// on an instance immediately before it is handed back out by Acquire, so
// acquired instances never carry stale state from a previous transaction.
type Pool[T any] struct {
	mu        sync.Mutex
	idle      []*T
	idleCap   int
	newFn     func() *T
	resetFn   func(*T)
	profiling bool
	stats     Stats
}

// New creates a pool with the given idle-list capacity. newFn allocates a
// fresh instance; resetFn clears an instance's fields before reuse.
func New[T any](idleCap int, newFn func() *T, resetFn func(*T)) *Pool[T] {
	return &Pool[T]{
		idleCap: idleCap,
		newFn:   newFn,
		resetFn: resetFn,
	}
}

// EnableProfiling turns on hit/miss/high-water counters.
func (p *Pool[T]) EnableProfiling(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiling = on
}

// Acquire returns an idle instance if one is available, else a freshly
// allocated one.
func (p *Pool[T]) Acquire() *T {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n == 0 {
		if p.profiling {
			p.stats.Misses++
		}
		return p.newFn()
	}

	inst := p.idle[n-1]
	p.idle = p.idle[:n-1]
	if p.profiling {
		p.stats.Hits++
		p.stats.IdleCount = len(p.idle)
	}
	if p.resetFn != nil {
		p.resetFn(inst)
	}
	return inst
}

// Release returns inst to the pool. It is the caller's responsibility to
// ensure inst is idle (its callback/transaction-state slots all report
// finished) before releasing it; Release does not itself validate state
// beyond the idle-list capacity check.
func (p *Pool[T]) Release(inst *T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) >= p.idleCap {
		// Idle list full: drop the instance and let the GC reclaim it.
		return
	}
	p.idle = append(p.idle, inst)
	if p.profiling && len(p.idle) > p.stats.HighWater {
		p.stats.HighWater = len(p.idle)
	}
	if p.profiling {
		p.stats.IdleCount = len(p.idle)
	}
}

// Stats returns a snapshot of the pool's profiling counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// statsProvider is implemented by every *Pool[T]; used so Registry can hold
// pools of different T in one map without reflection.
type statsProvider interface {
	Stats() Stats
}

// Registry is the explicit, non-reflective enumeration of every pool class
// a site owns, replacing reflection-based pool discovery with named entries
// the supervisor can report on directly.
type Registry struct {
	mu    sync.RWMutex
	named map[string]statsProvider
}

// NewRegistry creates an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{named: make(map[string]statsProvider)}
}

// Register records name -> pool for later observability queries. Call this
// once per pool at site construction time.
func Register[T any](r *Registry, name string, p *Pool[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[name] = p
}

// AllStats returns every registered pool's current stats, keyed by name.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.named))
	for name, p := range r.named {
		out[name] = p.Stats()
	}
	return out
}
