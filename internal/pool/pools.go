package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/andresmejia3/faceengine/internal/native"
)

// Guard is a lent handle. Release gives it back; further calls are no-ops.
type Guard struct {
	pool     *HandlePool
	handle   native.Handle
	released atomic.Bool
}

// Handle returns the lent handle. It must not be used after Release.
func (g *Guard) Handle() native.Handle { return g.handle }

// Mode returns the mode the handle was created for.
func (g *Guard) Mode() native.Mode { return g.pool.mode }

// Release returns the handle to its pool.
func (g *Guard) Release() {
	if g == nil || !g.released.CompareAndSwap(false, true) {
		return
	}
	g.pool.release(g.handle)
}

// Pools holds one HandlePool per mode.
type Pools struct {
	pools map[native.Mode]*HandlePool
}

// NewPools builds a pool for every mode, sized by capacity.
func NewPools(factory Factory, capacity func(native.Mode) int, opts ...Option) *Pools {
	ps := &Pools{pools: make(map[native.Mode]*HandlePool, len(native.Modes))}
	for _, m := range native.Modes {
		ps.pools[m] = New(m, capacity(m), factory, opts...)
	}
	return ps
}

// Get returns the pool of mode.
func (ps *Pools) Get(mode native.Mode) (*HandlePool, error) {
	p, ok := ps.pools[mode]
	if !ok {
		return nil, fmt.Errorf("invalid detection mode %s", mode)
	}
	return p, nil
}

// Acquire lends a handle of mode.
func (ps *Pools) Acquire(ctx context.Context, mode native.Mode) (*Guard, error) {
	p, err := ps.Get(mode)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release gives g back. A guard is always returned to the pool it came from; asking for another
// mode is reported as ErrModeMismatch.
func (ps *Pools) Release(g *Guard, mode native.Mode) error {
	if g == nil {
		return nil
	}
	g.Release()
	if g.Mode() != mode {
		return fmt.Errorf("%w: handle is %s, released as %s", ErrModeMismatch, g.Mode(), mode)
	}
	return nil
}

// Capacity returns the capacity of mode's pool, zero for unknown modes.
func (ps *Pools) Capacity(mode native.Mode) int {
	if p, ok := ps.pools[mode]; ok {
		return p.capacity
	}
	return 0
}

// Stats returns every pool's counters in mode order.
func (ps *Pools) Stats() []Stats {
	out := make([]Stats, 0, len(native.Modes))
	for _, m := range native.Modes {
		out = append(out, ps.pools[m].Stats())
	}
	return out
}

// Close closes every pool.
func (ps *Pools) Close() {
	for _, m := range native.Modes {
		ps.pools[m].Close()
	}
}

// Wait blocks until every closed pool finished draining.
func (ps *Pools) Wait(ctx context.Context) error {
	var errs []error
	for _, m := range native.Modes {
		if err := ps.pools[m].Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s pool: %w", m, err))
		}
	}
	return errors.Join(errs...)
}
