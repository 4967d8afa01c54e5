package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/faceengine/internal/config"
	"github.com/andresmejia3/faceengine/internal/engine"
	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/native/nativetest"
)

func newTestPool(t *testing.T, capacity int) (*HandlePool, *nativetest.Backend) {
	t.Helper()
	b := nativetest.New()
	f := engine.NewFactory(b, config.Default().Engine)
	return New(native.ModeImage, capacity, f, WithRetryInterval(time.Millisecond)), b
}

func waitDrained(t *testing.T, w interface{ Wait(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	p, b := newTestPool(t, 2)
	ctx := context.Background()

	g1, err := p.Acquire(ctx)
	require.NoError(t, err)
	g2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, g1.Handle(), g2.Handle())
	assert.Equal(t, 2, b.Inits())

	got := make(chan *Guard)
	go func() {
		g3, err := p.Acquire(ctx)
		if err != nil {
			close(got)
			return
		}
		got <- g3
	}()

	select {
	case <-got:
		t.Fatal("third acquire should block while both handles are lent")
	case <-time.After(50 * time.Millisecond):
	}

	g1.Release()

	select {
	case g3, ok := <-got:
		require.True(t, ok, "third acquire failed")
		assert.Equal(t, g1.Handle(), g3.Handle())
		g3.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("third acquire was not woken by the release")
	}

	g2.Release()
	assert.Equal(t, 2, b.Inits(), "no third handle may be created")
	assert.Equal(t, Stats{Mode: native.ModeImage, Live: 2, Idle: 2, Capacity: 2}, p.Stats())
}

func TestCapacityAndExclusiveLending(t *testing.T) {
	const (
		capacity = 3
		workers  = 16
		rounds   = 200
	)
	p, b := newTestPool(t, capacity)

	var (
		mu          sync.Mutex
		lent        = make(map[native.Handle]bool)
		outstanding atomic.Int64
		peak        atomic.Int64
		violations  atomic.Int64
		wg          sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				g, err := p.Acquire(context.Background())
				if err != nil {
					violations.Add(1)
					return
				}

				n := outstanding.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}

				mu.Lock()
				if lent[g.Handle()] {
					violations.Add(1)
				}
				lent[g.Handle()] = true
				mu.Unlock()

				time.Sleep(10 * time.Microsecond)

				mu.Lock()
				delete(lent, g.Handle())
				mu.Unlock()
				outstanding.Add(-1)
				g.Release()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, violations.Load(), "a handle was lent twice or an acquire failed")
	assert.LessOrEqual(t, peak.Load(), int64(capacity))
	assert.LessOrEqual(t, b.Inits(), capacity)

	st := p.Stats()
	assert.Equal(t, st.Live, st.Idle, "every handle must be idle again")
}

func TestCreateFailureDoesNotCount(t *testing.T) {
	b := nativetest.New()
	var fail atomic.Bool
	fail.Store(true)
	b.InitHook = func(native.EngineConfig) native.Code {
		if fail.Load() {
			return 90118
		}
		return native.OK
	}
	p := New(native.ModeImage, 1, engine.NewFactory(b, config.Default().Engine))

	_, err := p.Acquire(context.Background())
	var initErr *engine.InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, native.Code(90118), initErr.Code)
	assert.Equal(t, 0, p.Stats().Live)

	// The gate must not be left shut after a failed creation.
	fail.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	g, err := p.Acquire(ctx)
	require.NoError(t, err)
	g.Release()
	assert.Equal(t, 1, p.Stats().Live)
}

func TestAcquireHonoursContext(t *testing.T) {
	p, _ := newTestPool(t, 1)
	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, 2)
	g, err := p.Acquire(context.Background())
	require.NoError(t, err)

	g.Release()
	g.Release()
	assert.Equal(t, 1, p.Stats().Idle)

	var nilGuard *Guard
	nilGuard.Release()
}

func TestCloseIsIdempotentAndDestroysOnce(t *testing.T) {
	p, b := newTestPool(t, 3)
	ctx := context.Background()

	g1, err := p.Acquire(ctx)
	require.NoError(t, err)
	g2, err := p.Acquire(ctx)
	require.NoError(t, err)
	g1.Release()

	p.Close()
	p.Close()

	// g2 is still lent: it must survive until it comes back.
	counts := b.DestroyCounts()
	assert.Zero(t, counts[g2.Handle()])

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	g2.Release()
	waitDrained(t, p)

	counts = b.DestroyCounts()
	assert.Equal(t, 1, counts[g1.Handle()])
	assert.Equal(t, 1, counts[g2.Handle()])
	assert.Equal(t, 0, b.LiveHandles())
	assert.Equal(t, 2, b.Uninits())
}

func TestCloseRetriesFailedDestroy(t *testing.T) {
	p, b := newTestPool(t, 2)
	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release()

	var attempts atomic.Int64
	b.UninitHook = func(native.Handle) native.Code {
		if attempts.Add(1) <= 3 {
			return 7
		}
		return native.OK
	}

	p.Close()
	waitDrained(t, p)
	assert.Equal(t, int64(4), attempts.Load())
	assert.Equal(t, 0, b.LiveHandles())
	assert.Equal(t, 1, b.DestroyCounts()[g.Handle()])
}

func TestCloseWakesWaiters(t *testing.T) {
	p, _ := newTestPool(t, 1)
	g, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by Close")
	}

	g.Release()
	waitDrained(t, p)
}

func TestPools(t *testing.T) {
	b := nativetest.New()
	f := engine.NewFactory(b, config.Default().Engine)
	caps := map[native.Mode]int{native.ModeImage: 2, native.ModeVideo: 1, native.ModeRGB: 1, native.ModeIR: 1}
	ps := NewPools(f, func(m native.Mode) int { return caps[m] }, WithRetryInterval(time.Millisecond))

	assert.Equal(t, 2, ps.Capacity(native.ModeImage))
	assert.Equal(t, 0, ps.Capacity(native.Mode(9)))

	g, err := ps.Acquire(context.Background(), native.ModeRGB)
	require.NoError(t, err)
	cfg, ok := b.Config(g.Handle())
	require.True(t, ok)
	assert.True(t, cfg.Mask.Has(native.MaskLiveness))

	// A liveness handle never ends up in the image pool.
	err = ps.Release(g, native.ModeImage)
	assert.True(t, errors.Is(err, ErrModeMismatch))
	stats := ps.Stats()
	assert.Equal(t, 0, stats[native.ModeImage].Idle)
	assert.Equal(t, 1, stats[native.ModeRGB].Idle)

	_, err = ps.Acquire(context.Background(), native.Mode(9))
	assert.Error(t, err)

	ps.Close()
	waitDrained(t, ps)
	assert.Equal(t, 0, b.LiveHandles())
}
