package clock

import (
	"sync"
	"time"
)

// Clock is the only time source the scheduler reads. Expiry, sliding windows
// and paging timeouts all go through it.
type Clock interface {
	Now() time.Time
}

// Live reads the wall clock.
type Live struct{}

func (Live) Now() time.Time { return time.Now() }

// Pseudo only moves when advanced.
type Pseudo struct {
	mu  sync.Mutex
	now time.Time
}

func NewPseudo(start time.Time) *Pseudo {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Pseudo{now: start}
}

func (p *Pseudo) Now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now
}

// Advance moves the clock forward by d and returns the new time.
func (p *Pseudo) Advance(d time.Duration) time.Time {
	if d < 0 {
		panic("clock: negative advance")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = p.now.Add(d)
	return p.now
}

// Set jumps to t. Going backwards is refused.
func (p *Pseudo) Set(t time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.Before(p.now) {
		return false
	}
	p.now = t
	return true
}
