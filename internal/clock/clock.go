// Package clock provides an injectable time source for the agent.
//
// Wall-clock UTC is used only for timestamps embedded in evidence and
// telemetry. Everything that measures elapsed time — cooldowns, TTLs,
// backoffs, rate limits — consumes the monotonic reading so that a
// clock stepping backwards cannot re-open a cooldown.
package clock

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Clock is the time source every component depends on.
type Clock interface {
	// Now returns the current wall-clock time in UTC.
	Now() time.Time
	// Monotonic returns the duration since the clock was created.
	Monotonic() time.Duration
	// Sleep blocks for d or until ctx is cancelled.
	Sleep(ctx context.Context, d time.Duration) error
	// Jitter returns d adjusted by a uniform ±10%.
	Jitter(d time.Duration) time.Duration
}

// Real is the production clock.
type Real struct {
	start time.Time
}

// NewReal creates a real clock anchored at process start.
func NewReal() *Real {
	return &Real{start: time.Now()}
}

func (r *Real) Now() time.Time { return time.Now().UTC() }

func (r *Real) Monotonic() time.Duration { return time.Since(r.start) }

func (r *Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Real) Jitter(d time.Duration) time.Duration { return jitter(d) }

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	// Uniform in [0.9d, 1.1d].
	f := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * f)
}

// Fake is a deterministic clock for tests. Advance moves both the wall
// and monotonic readings; sleeps return immediately.
type Fake struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewFake creates a fake clock at the given wall time.
func NewFake(wall time.Time) *Fake {
	return &Fake{wall: wall.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

func (f *Fake) Monotonic() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	f.Advance(d)
	return ctx.Err()
}

func (f *Fake) Jitter(d time.Duration) time.Duration { return d }

// Advance moves the clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
	f.mono += d
}

// SetWall moves only the wall clock (models a wall-clock step). The
// monotonic reading is unaffected, which is the property cooldown code
// relies on.
func (f *Fake) SetWall(wall time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = wall.UTC()
}
