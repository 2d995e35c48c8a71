package planner

import (
	"fmt"
	"sync"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
)

// Published per-million-token rates used to sanity-check the
// authoritative cost the control plane reports.
const (
	inputPricePerMTok  = 0.80
	outputPricePerMTok = 4.00
)

// BudgetConfig holds the L2 spending and rate limits.
type BudgetConfig struct {
	DailyBudgetUSD     float64
	MaxCallsPerHour    int
	MaxConcurrentCalls int
}

// DefaultBudgetConfig returns the defaults: $10/day, 60 calls/hour, 3
// concurrent.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DailyBudgetUSD:     10.00,
		MaxCallsPerHour:    60,
		MaxConcurrentCalls: 3,
	}
}

// Budget enforces spending and rate limits for L2 planning calls.
// Hourly windows run on the monotonic clock; the daily window resets
// on the UTC date.
type Budget struct {
	mu  sync.Mutex
	clk clock.Clock

	dailyBudgetUSD  float64
	maxCallsPerHour int
	maxConcurrent   int

	dailySpendUSD float64
	dailyDate     string // YYYY-MM-DD
	hourlyCalls   int
	hourlyReset   time.Duration // monotonic

	sem chan struct{}
}

// NewBudget creates a tracker. Zero or negative limits select the
// defaults.
func NewBudget(cfg BudgetConfig, clk clock.Clock) *Budget {
	if cfg.DailyBudgetUSD <= 0 {
		cfg.DailyBudgetUSD = 10.00
	}
	if cfg.MaxCallsPerHour <= 0 {
		cfg.MaxCallsPerHour = 60
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 3
	}

	return &Budget{
		clk:             clk,
		dailyBudgetUSD:  cfg.DailyBudgetUSD,
		maxCallsPerHour: cfg.MaxCallsPerHour,
		maxConcurrent:   cfg.MaxConcurrentCalls,
		dailyDate:       clk.Now().Format("2006-01-02"),
		hourlyReset:     clk.Monotonic() + time.Hour,
		sem:             make(chan struct{}, cfg.MaxConcurrentCalls),
	}
}

// Check returns nil when a call is within budget, or an
// ErrBudgetExhausted-wrapped error.
func (b *Budget) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded()

	if b.dailySpendUSD >= b.dailyBudgetUSD {
		return fmt.Errorf("%w: daily $%.4f of $%.2f spent", ErrBudgetExhausted, b.dailySpendUSD, b.dailyBudgetUSD)
	}
	if b.hourlyCalls >= b.maxCallsPerHour {
		return fmt.Errorf("%w: hourly %d of %d calls used", ErrBudgetExhausted, b.hourlyCalls, b.maxCallsPerHour)
	}
	return nil
}

// TryAcquire takes a concurrency slot without blocking. The release
// function must be called on every exit path.
func (b *Budget) TryAcquire() (func(), bool) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, true
	default:
		return nil, false
	}
}

// RecordCost folds an authoritative control-plane cost into the daily
// spend and increments the hourly counter. When the control plane did
// not report cost, it is derived from token counts at published rates.
func (b *Budget) RecordCost(costUSD float64, inputTokens, outputTokens int) float64 {
	if costUSD <= 0 {
		costUSD = float64(inputTokens)/1_000_000*inputPricePerMTok +
			float64(outputTokens)/1_000_000*outputPricePerMTok
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded()
	b.dailySpendUSD += costUSD
	b.hourlyCalls++
	return costUSD
}

// Stats returns the budget state for the check-in payload.
func (b *Budget) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetIfNeeded()
	return map[string]interface{}{
		"daily_spend_usd":    b.dailySpendUSD,
		"daily_budget_usd":   b.dailyBudgetUSD,
		"hourly_calls":       b.hourlyCalls,
		"max_calls_per_hour": b.maxCallsPerHour,
		"concurrency_limit":  b.maxConcurrent,
	}
}

// resetIfNeeded rolls the daily and hourly windows. Caller holds b.mu.
func (b *Budget) resetIfNeeded() {
	today := b.clk.Now().Format("2006-01-02")
	if today != b.dailyDate {
		b.dailySpendUSD = 0
		b.dailyDate = today
	}
	if b.clk.Monotonic() >= b.hourlyReset {
		b.hourlyCalls = 0
		b.hourlyReset = b.clk.Monotonic() + time.Hour
	}
}
