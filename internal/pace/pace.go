// Package pace provides the fixed-delay rate limiter shared by the fetcher
// and the extraction orchestrator.
package pace

import (
	"context"
	"sync"
	"time"
)

// Pacer enforces a minimum interval between successive calls. Safe for
// concurrent use; callers queue behind each other.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// New creates a Pacer. An interval <= 0 disables pacing entirely.
func New(interval time.Duration) *Pacer {
	return &Pacer{interval: interval}
}

// Wait blocks until the interval since the last permitted call has elapsed
// or ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.interval <= 0 {
		return ctx.Err()
	}

	p.mu.Lock()
	now := time.Now()
	wait := p.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	p.next = now.Add(wait + p.interval)
	p.mu.Unlock()

	if wait == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
