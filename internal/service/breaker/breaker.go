package breaker

import (
	"sync"
	"time"

	"QuantServe/pkg/logger"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config for a sliding-window failure-rate breaker.
type Config struct {
	WindowSeconds            float64
	MinRequests              int
	FailureRateToOpen        float64
	CooldownSeconds          float64
	HalfOpenProbeRequests    int
	HalfOpenSuccessesToClose int
}

// Permit is handed out by Allow and must be passed back to Record or
// Release exactly once.
type Permit struct {
	Allowed bool
	gen     uint64
	probe   bool
}

type outcome struct {
	at time.Time
	ok bool
}

// Snapshot is a consistent read of the breaker.
type Snapshot struct {
	State             State     `json:"state"`
	WindowSize        int       `json:"window_size"`
	WindowFailures    int       `json:"window_failures"`
	OpenedAt          time.Time `json:"opened_at,omitempty"`
	HalfOpenInFlight  int       `json:"half_open_in_flight"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
}

type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.nowFunc = now }
}

// WithOnOpen registers a hook run after every transition to open. The hook
// runs outside the breaker lock.
func WithOnOpen(fn func()) Option {
	return func(b *Breaker) { b.onOpen = fn }
}

func WithLogger(l *logger.Logger) Option {
	return func(b *Breaker) { b.l = l }
}

// Breaker guards one logical backend. Allow and Record are separate critical
// sections so the guarded call itself never runs under the lock.
type Breaker struct {
	cfg Config

	mu                sync.Mutex
	state             State
	gen               uint64 // bumped on every phase change
	window            []outcome
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int

	nowFunc func() time.Time
	onOpen  func()
	l       *logger.Logger
}

func New(cfg Config, opts ...Option) *Breaker {
	if cfg.MinRequests < 1 {
		cfg.MinRequests = 1
	}
	if cfg.HalfOpenProbeRequests < 1 {
		cfg.HalfOpenProbeRequests = 1
	}
	if cfg.HalfOpenSuccessesToClose < 1 {
		cfg.HalfOpenSuccessesToClose = 1
	}
	b := &Breaker{cfg: cfg, state: StateClosed, nowFunc: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow decides whether a call may reach the backend. It returns the phase
// observed while deciding.
func (b *Breaker) Allow() (Permit, State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.maybeHalfOpen(now)

	switch b.state {
	case StateOpen:
		return Permit{}, StateOpen
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenProbeRequests {
			return Permit{}, StateHalfOpen
		}
		b.halfOpenInFlight++
		return Permit{Allowed: true, gen: b.gen, probe: true}, StateHalfOpen
	default:
		b.prune(now)
		return Permit{Allowed: true, gen: b.gen}, StateClosed
	}
}

// Record stores the outcome of a permitted call. Outcomes of permits issued
// before the latest phase change are dropped.
func (b *Breaker) Record(p Permit, success bool) {
	if !p.Allowed {
		return
	}
	opened := false

	b.mu.Lock()
	if p.gen != b.gen {
		b.mu.Unlock()
		return
	}
	now := b.nowFunc()
	switch b.state {
	case StateHalfOpen:
		if p.probe && b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if !success {
			b.trip(now)
			opened = true
			break
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccessesToClose {
			b.reset(StateClosed)
		}
	case StateClosed:
		b.window = append(b.window, outcome{at: now, ok: success})
		b.prune(now)
		if total, failures := b.counts(); total >= b.cfg.MinRequests &&
			float64(failures)/float64(total) >= b.cfg.FailureRateToOpen {
			b.trip(now)
			opened = true
		}
	}
	state := b.state
	b.mu.Unlock()

	if b.l != nil && (opened || (state == StateClosed && p.probe)) {
		b.l.Info("circuit breaker transition", logger.String("state", string(state)))
	}
	if opened && b.onOpen != nil {
		b.onOpen()
	}
}

// Release returns a permit without recording an outcome, e.g. when the
// caller gave up before the backend answered.
func (b *Breaker) Release(p Permit) {
	if !p.Allowed || !p.probe {
		return
	}
	b.mu.Lock()
	if p.gen == b.gen && b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	b.mu.Unlock()
}

// State returns the current phase, applying an elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen(b.nowFunc())
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFunc()
	b.maybeHalfOpen(now)
	b.prune(now)
	total, failures := b.counts()
	return Snapshot{
		State:             b.state,
		WindowSize:        total,
		WindowFailures:    failures,
		OpenedAt:          b.openedAt,
		HalfOpenInFlight:  b.halfOpenInFlight,
		HalfOpenSuccesses: b.halfOpenSuccesses,
	}
}

func (b *Breaker) maybeHalfOpen(now time.Time) {
	if b.state != StateOpen {
		return
	}
	cooldown := time.Duration(b.cfg.CooldownSeconds * float64(time.Second))
	if now.Sub(b.openedAt) >= cooldown {
		b.reset(StateHalfOpen)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.reset(StateOpen)
	b.openedAt = now
}

func (b *Breaker) reset(s State) {
	b.state = s
	b.gen++
	b.window = b.window[:0]
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
}

func (b *Breaker) prune(now time.Time) {
	if b.cfg.WindowSeconds <= 0 {
		return
	}
	cutoff := now.Add(-time.Duration(b.cfg.WindowSeconds * float64(time.Second)))
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) counts() (total, failures int) {
	for _, o := range b.window {
		if !o.ok {
			failures++
		}
	}
	return len(b.window), failures
}
