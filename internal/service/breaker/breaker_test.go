package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

func testConfig() Config {
	return Config{
		WindowSeconds:            60,
		MinRequests:              2,
		FailureRateToOpen:        1.0,
		CooldownSeconds:          10,
		HalfOpenProbeRequests:    1,
		HalfOpenSuccessesToClose: 2,
	}
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	p, _ := b.Allow()
	require.True(t, p.Allowed)
	b.Record(p, false)
}

func succeed(t *testing.T, b *Breaker) {
	t.Helper()
	p, _ := b.Allow()
	require.True(t, p.Allowed)
	b.Record(p, true)
}

func TestBreaker_OpensAfterMinRequests(t *testing.T) {
	clock := newFakeClock()
	var opens int32
	b := New(testConfig(), WithClock(clock.Now), WithOnOpen(func() { atomic.AddInt32(&opens, 1) }))

	fail(t, b)
	assert.Equal(t, StateClosed, b.State())
	fail(t, b)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&opens))

	p, st := b.Allow()
	assert.False(t, p.Allowed)
	assert.Equal(t, StateOpen, st)
}

func TestBreaker_FailureRateBelowThresholdStaysClosed(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.FailureRateToOpen = 0.6
	b := New(cfg, WithClock(clock.Now))

	succeed(t, b)
	succeed(t, b)
	fail(t, b)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())
	fail(t, b)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_WindowPrunesOldOutcomes(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), WithClock(clock.Now))

	fail(t, b)
	clock.Advance(61 * time.Second)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Snapshot().WindowSize)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), WithClock(clock.Now))
	fail(t, b)
	fail(t, b)

	clock.Advance(9 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(time.Second)

	p, st := b.Allow()
	require.True(t, p.Allowed)
	assert.Equal(t, StateHalfOpen, st)

	// probe cap of one
	p2, st2 := b.Allow()
	assert.False(t, p2.Allowed)
	assert.Equal(t, StateHalfOpen, st2)

	b.Record(p, true)
	assert.Equal(t, StateHalfOpen, b.State())
	succeed(t, b)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().WindowSize)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	var opens int32
	b := New(testConfig(), WithClock(clock.Now), WithOnOpen(func() { atomic.AddInt32(&opens, 1) }))
	fail(t, b)
	fail(t, b)
	clock.Advance(10 * time.Second)

	succeed(t, b)
	fail(t, b)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 0, b.Snapshot().HalfOpenSuccesses)
	assert.Equal(t, int32(2), atomic.LoadInt32(&opens))

	// cooldown restarts from the reopen
	clock.Advance(5 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(5 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_StalePermitIgnored(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), WithClock(clock.Now))

	late, _ := b.Allow()
	fail(t, b)
	fail(t, b)
	require.Equal(t, StateOpen, b.State())

	b.Record(late, true)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ReleaseFreesProbeSlot(t *testing.T) {
	clock := newFakeClock()
	b := New(testConfig(), WithClock(clock.Now))
	fail(t, b)
	fail(t, b)
	clock.Advance(10 * time.Second)

	p, _ := b.Allow()
	require.True(t, p.Allowed)
	b.Release(p)
	assert.Equal(t, StateHalfOpen, b.State())

	p, _ = b.Allow()
	assert.True(t, p.Allowed)
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.MinRequests = 1
	b := New(cfg, WithClock(clock.Now))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, _ := b.Allow()
			if p.Allowed {
				b.Record(p, false)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenProbeCapUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.HalfOpenProbeRequests = 3
	cfg.HalfOpenSuccessesToClose = 100
	b := New(cfg, WithClock(clock.Now))
	fail(t, b)
	fail(t, b)
	clock.Advance(10 * time.Second)

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, _ := b.Allow(); p.Allowed {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), granted)
	assert.Equal(t, 3, b.Snapshot().HalfOpenInFlight)
}
