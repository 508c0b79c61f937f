package ratelimit

import (
    "sync"
    "time"

    "golang.org/x/time/rate"
)

type entry struct {
    lim  *rate.Limiter
    seen time.Time
}

// Limiter holds one token bucket per key. Buckets idle for longer than
// idleTTL are dropped on the next sweep.
type Limiter struct {
    mu      sync.Mutex
    m       map[string]*entry
    rps     rate.Limit
    burst   int
    idleTTL time.Duration
    now     func() time.Time
    calls   int
}

// New returns a limiter allowing rps sustained requests per key with the
// given burst. rps <= 0 disables limiting.
func New(rps float64, burst int) *Limiter {
    if burst < 1 {
        burst = 1
    }
    return &Limiter{
        m:       make(map[string]*entry),
        rps:     rate.Limit(rps),
        burst:   burst,
        idleTTL: 10 * time.Minute,
        now:     time.Now,
    }
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string) bool {
    if l == nil || l.rps <= 0 {
        return true
    }
    now := l.now()
    l.mu.Lock()
    e, ok := l.m[key]
    if !ok {
        e = &entry{lim: rate.NewLimiter(l.rps, l.burst)}
        l.m[key] = e
    }
    e.seen = now
    l.calls++
    if l.calls%1024 == 0 {
        l.sweep(now)
    }
    l.mu.Unlock()
    return e.lim.AllowN(now, 1)
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
    l.mu.Lock()
    defer l.mu.Unlock()
    return len(l.m)
}

func (l *Limiter) sweep(now time.Time) {
    for k, e := range l.m {
        if now.Sub(e.seen) > l.idleTTL {
            delete(l.m, k)
        }
    }
}
