// Package pool lends native engine handles, one bounded pool per detection mode.
//
// A pool starts empty and grows lazily up to its capacity. Handles are recycled, never shrunk,
// until the pool is closed; closing drains and destroys every handle exactly once.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/andresmejia3/faceengine/internal/logging"
	"github.com/andresmejia3/faceengine/internal/native"
)

// ErrClosed is returned by Acquire once the pool is closed.
var ErrClosed = errors.New("engine pool is closed")

// ErrModeMismatch is returned when a handle is released against another mode's pool.
var ErrModeMismatch = errors.New("engine handle released to a pool of another mode")

// DefaultRetryInterval paces destroy retries during teardown.
const DefaultRetryInterval = time.Second

// Factory creates and destroys handles for a mode.
type Factory interface {
	Create(mode native.Mode) (native.Handle, error)
	Destroy(h native.Handle) error
}

// Option configures a HandlePool.
type Option func(*HandlePool)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *HandlePool) { p.log = logging.OrNop(l) }
}

// WithRetryInterval sets how long teardown waits between failed destroy attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(p *HandlePool) { p.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Mode     native.Mode `json:"mode"`
	Live     int         `json:"live"`
	Idle     int         `json:"idle"`
	Capacity int         `json:"capacity"`
}

// HandlePool lends handles of a single mode.
type HandlePool struct {
	mode     native.Mode
	capacity int
	factory  Factory
	log      *zap.Logger
	limiter  *rate.Limiter

	mu     sync.Mutex
	idle   []native.Handle // FIFO
	live   int             // created or being created, never destroyed
	closed bool

	// gate behaves as an auto-reset event: a buffered token means "open".
	gate    chan struct{}
	done    chan struct{}
	trash   chan native.Handle
	drained chan struct{}
}

// New returns an empty pool. A capacity below one makes every Acquire wait until its context ends.
func New(mode native.Mode, capacity int, factory Factory, opts ...Option) *HandlePool {
	p := &HandlePool{
		mode:     mode,
		capacity: capacity,
		factory:  factory,
		log:      zap.NewNop(),
		limiter:  rate.NewLimiter(rate.Every(DefaultRetryInterval), 1),
		gate:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(zap.Stringer("mode", mode))
	// One slot per live handle plus one for the wake-up sentinel.
	p.trash = make(chan native.Handle, max(capacity, 0)+1)
	p.open()
	return p
}

// Mode returns the mode this pool serves.
func (p *HandlePool) Mode() native.Mode { return p.mode }

// Capacity returns the maximum number of live handles.
func (p *HandlePool) Capacity() int { return p.capacity }

// Acquire lends a handle, creating one when the pool still has room, otherwise waiting for a release.
// The returned Guard must be released exactly once; Release is idempotent.
func (p *HandlePool) Acquire(ctx context.Context) (*Guard, error) {
	for {
		// 1. Reuse an idle handle without waiting.
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if h, ok := p.popIdleLocked(); ok {
			more := len(p.idle) > 0
			p.mu.Unlock()
			if more {
				p.open()
			}
			return p.guard(h), nil
		}
		p.mu.Unlock()

		// 2. Wait for the gate.
		select {
		case <-p.gate:
		case <-p.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// 3. Re-check: a handle may have come back, or there may be room to grow.
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if h, ok := p.popIdleLocked(); ok {
			more := len(p.idle) > 0 || p.live < p.capacity
			p.mu.Unlock()
			if more {
				p.open()
			}
			return p.guard(h), nil
		}
		if p.live >= p.capacity {
			// 4. Filled up while we waited; a release will open the gate again.
			p.mu.Unlock()
			continue
		}
		p.live++
		grow := p.live < p.capacity
		p.mu.Unlock()

		h, err := p.factory.Create(p.mode)
		if err != nil {
			p.mu.Lock()
			p.live--
			closed := p.closed
			p.mu.Unlock()
			if closed {
				p.trash <- 0
			}
			p.open()
			p.log.Error("engine creation failed", zap.Error(err))
			return nil, err
		}
		p.log.Debug("engine created", zap.Uintptr("handle", uintptr(h)), zap.Bool("growing", grow))

		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			p.trash <- h
			return nil, ErrClosed
		}

		// Still room: let the next waiter create too instead of waiting for a release.
		if grow {
			p.open()
		}
		return p.guard(h), nil
	}
}

// release returns h to the idle queue, or to the drain once the pool is closed.
func (p *HandlePool) release(h native.Handle) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.trash <- h
		return
	}
	p.idle = append(p.idle, h)
	// Only a full pool needs a release to unblock waiters; a growing pool opens on creation.
	full := p.live >= p.capacity
	p.mu.Unlock()
	if full {
		p.open()
	}
}

// Close stops lending and starts destroying handles in the background.
// Idle handles are destroyed right away, lent ones when they are released.
// Calling Close more than once has no effect.
func (p *HandlePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.done)
	for _, h := range idle {
		p.trash <- h
	}
	go p.drain()
}

// Wait blocks until every handle of a closed pool is destroyed or ctx ends.
func (p *HandlePool) Wait(ctx context.Context) error {
	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (p *HandlePool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Mode: p.mode, Live: p.live, Idle: len(p.idle), Capacity: p.capacity}
}

func (p *HandlePool) drain() {
	defer close(p.drained)
	for {
		p.mu.Lock()
		remaining := p.live
		p.mu.Unlock()
		if remaining == 0 {
			return
		}

		h := <-p.trash
		if h == 0 {
			continue
		}
		if err := p.factory.Destroy(h); err != nil {
			p.log.Warn("engine destroy failed, retrying", zap.Uintptr("handle", uintptr(h)), zap.Error(err))
			_ = p.limiter.Wait(context.Background())
			p.trash <- h
			continue
		}
		p.log.Debug("engine destroyed", zap.Uintptr("handle", uintptr(h)))

		p.mu.Lock()
		p.live--
		p.mu.Unlock()
	}
}

func (p *HandlePool) popIdleLocked() (native.Handle, bool) {
	if len(p.idle) == 0 {
		return 0, false
	}
	h := p.idle[0]
	p.idle[0] = 0
	p.idle = p.idle[1:]
	return h, true
}

// open sets the gate; setting an open gate is a no-op.
func (p *HandlePool) open() {
	select {
	case p.gate <- struct{}{}:
	default:
	}
}

func (p *HandlePool) guard(h native.Handle) *Guard {
	return &Guard{pool: p, handle: h}
}
