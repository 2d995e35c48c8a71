package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
)

// DefaultActionCooldown between executions of the same action on the
// same host.
const DefaultActionCooldown = 5 * time.Minute

// RateLimiter prevents remediation thrash: the same (site, host,
// action) triple may fire at most once per cooldown. Keyed on the
// monotonic clock so wall-clock steps cannot reopen or extend a window.
type RateLimiter struct {
	clk      clock.Clock
	cooldown time.Duration

	mu    sync.Mutex
	fired map[string]time.Duration
}

// NewRateLimiter creates a limiter. cooldown <= 0 selects the default.
func NewRateLimiter(clk clock.Clock, cooldown time.Duration) *RateLimiter {
	if cooldown <= 0 {
		cooldown = DefaultActionCooldown
	}
	return &RateLimiter{
		clk:      clk,
		cooldown: cooldown,
		fired:    make(map[string]time.Duration),
	}
}

func rateKey(siteID, hostID, action string) string {
	return siteID + "|" + hostID + "|" + action
}

// Check returns a *BlockError with category cooldown when the triple
// fired within the cooldown window, nil otherwise.
func (r *RateLimiter) Check(siteID, hostID, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.fired[rateKey(siteID, hostID, action)]
	if !ok {
		return nil
	}
	elapsed := r.clk.Monotonic() - last
	if elapsed < r.cooldown {
		return &BlockError{
			Category: CategoryCooldown,
			Reason: fmt.Sprintf("action %s on %s fired %.0fs ago, cooldown %.0fs",
				action, hostID, elapsed.Seconds(), r.cooldown.Seconds()),
		}
	}
	return nil
}

// Mark records an execution of the triple.
func (r *RateLimiter) Mark(siteID, hostID, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired[rateKey(siteID, hostID, action)] = r.clk.Monotonic()
}

// ActiveCooldowns returns the number of tracked triples.
func (r *RateLimiter) ActiveCooldowns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}
