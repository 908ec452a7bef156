// Package ratelimit paces requests to upstream hosts with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ticnsp/eaas/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	RPS   float64
	Burst int
}

type hostState struct {
	limiter  *rate.Limiter
	notUntil time.Time
}

// Limiter keeps one token bucket per host. A host can additionally be paused
// after it asks clients to slow down.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*hostState
	rps   rate.Limit
	burst int
	now   func() time.Time
}

// New creates a Limiter. A non-positive RPS disables pacing.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		hosts: make(map[string]*hostState),
		rps:   r,
		burst: burst,
		now:   time.Now,
	}
}

func (l *Limiter) state(host string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.hosts[host]
	if !ok {
		st = &hostState{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.hosts[host] = st
	}
	return st
}

// Wait blocks until the host of rawURL may be called again.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	st := l.state(host)
	start := l.now()

	l.mu.Lock()
	pause := st.notUntil.Sub(start)
	l.mu.Unlock()
	if pause > 0 {
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if err := st.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := l.now().Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// Backoff pauses the host of rawURL for d, typically from a Retry-After header.
func (l *Limiter) Backoff(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	st := l.state(hostOf(rawURL))
	until := l.now().Add(d)
	l.mu.Lock()
	if until.After(st.notUntil) {
		st.notUntil = until
	}
	l.mu.Unlock()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
