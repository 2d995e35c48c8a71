package planner

import (
	"errors"
	"testing"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
)

func TestBudgetDailyLimit(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	b := NewBudget(BudgetConfig{DailyBudgetUSD: 1.00, MaxCallsPerHour: 100, MaxConcurrentCalls: 3}, clk)

	if err := b.Check(); err != nil {
		t.Fatalf("fresh budget blocked: %v", err)
	}
	b.RecordCost(0.60, 0, 0)
	if err := b.Check(); err != nil {
		t.Fatalf("under budget blocked: %v", err)
	}
	b.RecordCost(0.60, 0, 0)
	if err := b.Check(); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("over budget: %v, want ErrBudgetExhausted", err)
	}

	// The daily window resets on the UTC date.
	clk.Advance(15 * time.Hour) // past midnight
	if err := b.Check(); err != nil {
		t.Errorf("budget not reset after UTC midnight: %v", err)
	}
}

func TestBudgetHourlyCalls(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	b := NewBudget(BudgetConfig{DailyBudgetUSD: 100, MaxCallsPerHour: 2, MaxConcurrentCalls: 3}, clk)

	b.RecordCost(0.01, 0, 0)
	b.RecordCost(0.01, 0, 0)
	if err := b.Check(); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("hourly cap: %v, want ErrBudgetExhausted", err)
	}

	clk.Advance(61 * time.Minute)
	if err := b.Check(); err != nil {
		t.Errorf("hourly window not reset: %v", err)
	}
}

func TestBudgetDerivesCostFromTokens(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBudget(DefaultBudgetConfig(), clk)

	// 1M input + 1M output at published rates.
	got := b.RecordCost(0, 1_000_000, 1_000_000)
	if got < 4.79 || got > 4.81 {
		t.Errorf("derived cost = %f, want 4.80", got)
	}

	// An authoritative cost wins over token counts.
	if got := b.RecordCost(0.37, 1_000_000, 1_000_000); got != 0.37 {
		t.Errorf("authoritative cost = %f, want 0.37", got)
	}
}

func TestBudgetConcurrency(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBudget(BudgetConfig{MaxConcurrentCalls: 2}, clk)

	r1, ok := b.TryAcquire()
	if !ok {
		t.Fatal("first acquire failed")
	}
	r2, ok := b.TryAcquire()
	if !ok {
		t.Fatal("second acquire failed")
	}
	if _, ok := b.TryAcquire(); ok {
		t.Fatal("third acquire succeeded past the limit")
	}

	r1()
	r3, ok := b.TryAcquire()
	if !ok {
		t.Fatal("acquire after release failed")
	}
	r2()
	r3()
}

func TestBudgetStats(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewBudget(DefaultBudgetConfig(), clk)
	b.RecordCost(0.25, 0, 0)

	stats := b.Stats()
	if stats["daily_spend_usd"] != 0.25 {
		t.Errorf("daily_spend_usd = %v", stats["daily_spend_usd"])
	}
	if stats["hourly_calls"] != 1 {
		t.Errorf("hourly_calls = %v", stats["hourly_calls"])
	}
}
