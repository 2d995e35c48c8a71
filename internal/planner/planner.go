// Package planner implements the L2 pipeline: on an L1 miss, the
// incident is PHI-scrubbed, enriched with pattern context, and sent to
// the control plane's planning endpoint (never to an LLM provider
// directly). The returned decision is validated and run through the
// local guardrails before anything executes.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/controlplane"
	"github.com/osiriscare/sentinel/internal/guard"
	"github.com/osiriscare/sentinel/internal/phi"
	"github.com/osiriscare/sentinel/internal/store"
)

// Gate failures surfaced to the orchestrator.
var (
	ErrBudgetExhausted = errors.New("budget_exhausted")
	ErrConcurrency     = errors.New("concurrency_limit")
)

// Decision is the typed remediation decision an L2 plan produces.
type Decision struct {
	IncidentID       string                 `json:"incident_id"`
	Action           string                 `json:"action"`
	ActionParams     map[string]interface{} `json:"action_params"`
	Confidence       float64                `json:"confidence"`
	Reasoning        string                 `json:"reasoning"`
	RunbookID        string                 `json:"runbook_id,omitempty"`
	RequiresApproval bool                   `json:"requires_approval"`
	EscalateToL3     bool                   `json:"escalate_to_l3"`
	ContextUsed      map[string]interface{} `json:"context_used,omitempty"`

	CostUSD      float64 `json:"cost_usd,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
}

// Script returns the script payload, if any, for guardrail checks.
func (d *Decision) Script() string {
	s, _ := d.ActionParams["script"].(string)
	return s
}

// Planner runs the L2 pipeline.
type Planner struct {
	cp       *controlplane.Client
	scrubber *phi.Scrubber
	guard    *guard.Guardrails
	budget   *Budget
	store    *store.Store
	clk      clock.Clock
}

// New creates a planner.
func New(cp *controlplane.Client, scrubber *phi.Scrubber, g *guard.Guardrails, budget *Budget, st *store.Store, clk clock.Clock) *Planner {
	return &Planner{
		cp:       cp,
		scrubber: scrubber,
		guard:    g,
		budget:   budget,
		store:    st,
		clk:      clk,
	}
}

// Plan runs the pipeline: budget gate, non-blocking concurrency slot,
// PHI scrub, control-plane call, decision validation, guardrails, cost
// recording. The semaphore is released on every exit path.
func (p *Planner) Plan(ctx context.Context, inc store.Incident) (*Decision, error) {
	if err := p.budget.Check(); err != nil {
		return nil, err
	}

	release, ok := p.budget.TryAcquire()
	if !ok {
		return nil, ErrConcurrency
	}
	defer release()

	// Scrub before anything leaves the device; record categories.
	scrubbed, stats := p.scrubber.ScrubMap(inc.RawData)
	if stats.Total > 0 {
		log.Printf("[l2planner] PHI scrubbed before plan request: %v", stats.Replacements)
	}

	req := controlplane.PlanRequest{
		IncidentID:       inc.ID,
		SiteID:           inc.SiteID,
		HostID:           inc.HostID,
		IncidentType:     inc.IncidentType,
		Severity:         inc.Severity,
		RawData:          scrubbed,
		PatternSignature: inc.PatternSignature,
		CreatedAt:        inc.CreatedAt.Format(time.RFC3339),
		PatternContext:   p.patternContext(inc.PatternSignature),
	}

	start := p.clk.Monotonic()
	raw, err := p.cp.Plan(ctx, req)
	elapsed := p.clk.Monotonic() - start
	if err != nil {
		return nil, fmt.Errorf("plan (%v): %w", elapsed.Round(time.Millisecond), err)
	}

	decision, err := parseDecision(raw)
	if err != nil {
		return nil, fmt.Errorf("parse decision: %w", err)
	}
	if decision.IncidentID == "" {
		decision.IncidentID = inc.ID
	}

	log.Printf("[l2planner] Decision in %v: action=%s confidence=%.2f",
		elapsed.Round(time.Millisecond), decision.Action, decision.Confidence)

	// Guardrails force L3 instead of failing the plan; the decision
	// record keeps both the original reasoning and the block reason.
	if err := p.guard.CheckDecision(decision.Action, decision.Script(), decision.Confidence); err != nil {
		var block *guard.BlockError
		if errors.As(err, &block) {
			log.Printf("[l2planner] Guardrails blocked: %s (category=%s)", block.Reason, block.Category)
			decision.EscalateToL3 = true
			decision.Reasoning = fmt.Sprintf("Guardrails (%s): %s. Original: %s",
				block.Category, block.Reason, decision.Reasoning)
		} else {
			return nil, err
		}
	}

	// Cost is authoritative from the control-plane response.
	cost := p.budget.RecordCost(decision.CostUSD, decision.InputTokens, decision.OutputTokens)
	decision.CostUSD = cost

	if decision.ContextUsed == nil {
		decision.ContextUsed = make(map[string]interface{})
	}
	decision.ContextUsed["agent_latency_ms"] = elapsed.Milliseconds()

	return decision, nil
}

// PlanWithRetry retries the whole plan call with linear backoff (1s,
// 2s, ...) on transport-level failures only. Gate failures, permanent
// HTTP statuses, and successfully parsed decisions never retry.
func (p *Planner) PlanWithRetry(ctx context.Context, inc store.Incident, maxRetries int) (*Decision, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[l2planner] Retry %d/%d after error: %v", attempt, maxRetries, lastErr)
			if err := p.clk.Sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				return nil, err
			}
		}

		decision, err := p.Plan(ctx, inc)
		if err == nil {
			return decision, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("plan failed after %d retries: %w", maxRetries, lastErr)
}

// Stats returns budget statistics for the check-in payload.
func (p *Planner) Stats() map[string]interface{} { return p.budget.Stats() }

func retryable(err error) bool {
	if errors.Is(err, ErrBudgetExhausted) || errors.Is(err, ErrConcurrency) {
		return false
	}
	var httpErr *controlplane.HTTPError
	if errors.As(err, &httpErr) {
		return !httpErr.Permanent()
	}
	// Parse failures reflect LLM non-determinism, not transport.
	if strings.Contains(err.Error(), "parse decision") {
		return false
	}
	return true
}

func (p *Planner) patternContext(sig string) map[string]interface{} {
	if p.store == nil {
		return nil
	}
	stats, history, err := p.store.PatternContext(sig, 10)
	if err != nil || stats == nil {
		return nil
	}
	entries := make([]map[string]interface{}, 0, len(history))
	for _, h := range history {
		entries = append(entries, map[string]interface{}{
			"resolution_level": h.Level,
			"action":           h.Action,
			"outcome":          h.Outcome,
		})
	}
	return map[string]interface{}{
		"occurrences":       stats.Occurrences,
		"success_rate":      stats.SuccessRate(),
		"avg_resolution_ms": stats.AvgResolutionMs,
		"prior_resolutions": entries,
	}
}

// parseDecision decodes a decision body, stripping Markdown code
// fences when the model framed its JSON in them.
func parseDecision(raw json.RawMessage) (*Decision, error) {
	body := stripCodeFences(raw)

	var d Decision
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, err
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return nil, fmt.Errorf("confidence %.3f outside [0,1]", d.Confidence)
	}
	if d.Action == "" && !d.EscalateToL3 {
		return nil, fmt.Errorf("decision has no action and does not escalate")
	}
	if d.ActionParams == nil {
		d.ActionParams = map[string]interface{}{}
	}
	return &d, nil
}

// stripCodeFences unwraps ```json ... ``` framing. The payload may be
// a raw object, a fenced object, or a JSON string containing either.
func stripCodeFences(raw []byte) []byte {
	trimmed := strings.TrimSpace(string(raw))

	// A JSON string wrapping the real payload.
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			trimmed = strings.TrimSpace(inner)
		}
	}

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	return []byte(trimmed)
}
