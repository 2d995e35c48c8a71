// Package healer is the auto-healing orchestrator. It owns the
// per-incident state machine: L1 rule match, L2 planning on a miss,
// L3 escalation when automation is blocked or unsure. Every terminal
// transition writes exactly one Resolution and seals one evidence
// bundle.
package healer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/controlplane"
	"github.com/osiriscare/sentinel/internal/crypto"
	"github.com/osiriscare/sentinel/internal/escalate"
	"github.com/osiriscare/sentinel/internal/evidence"
	"github.com/osiriscare/sentinel/internal/guard"
	"github.com/osiriscare/sentinel/internal/planner"
	"github.com/osiriscare/sentinel/internal/queue"
	"github.com/osiriscare/sentinel/internal/remote"
	"github.com/osiriscare/sentinel/internal/rules"
	"github.com/osiriscare/sentinel/internal/store"
)

// ErrDeferred marks a non-terminal exit: the action is disruptive and
// the maintenance window opens within 24 hours. No Resolution is
// written; the supervisor reopens the incident on the next cycle.
var ErrDeferred = errors.New("deferred to maintenance window")

// L2 modes from check-in.
const (
	L2ModeAuto     = "auto"
	L2ModeManual   = "manual"
	L2ModeDisabled = "disabled"
)

// TargetResolver maps a host id to this cycle's credentials.
type TargetResolver interface {
	Target(hostID string) (*remote.Target, bool)
}

// Healer binds the three tiers together.
type Healer struct {
	engine    *rules.Engine
	planner   *planner.Planner
	escalator *escalate.Escalator
	guard     *guard.Guardrails
	rate      *guard.RateLimiter
	window    *guard.MaintenanceWindow
	exec      *remote.Executor
	store     *store.Store
	builder   *evidence.Builder
	cp        *controlplane.Client
	offline   *queue.Queue
	clk       clock.Clock

	applianceID string

	mu       sync.RWMutex
	l2Mode   string
	resolver TargetResolver
}

// Deps collects the healer's collaborators.
type Deps struct {
	Engine      *rules.Engine
	Planner     *planner.Planner
	Escalator   *escalate.Escalator
	Guard       *guard.Guardrails
	Rate        *guard.RateLimiter
	Window      *guard.MaintenanceWindow
	Executor    *remote.Executor
	Store       *store.Store
	Evidence    *evidence.Builder
	CP          *controlplane.Client
	Offline     *queue.Queue
	Clock       clock.Clock
	ApplianceID string
}

// New creates a healer starting in auto L2 mode.
func New(d Deps) *Healer {
	return &Healer{
		engine:      d.Engine,
		planner:     d.Planner,
		escalator:   d.Escalator,
		guard:       d.Guard,
		rate:        d.Rate,
		window:      d.Window,
		exec:        d.Executor,
		store:       d.Store,
		builder:     d.Evidence,
		cp:          d.CP,
		offline:     d.Offline,
		clk:         d.Clock,
		applianceID: d.ApplianceID,
		l2Mode:      L2ModeAuto,
	}
}

// SetL2Mode applies the tri-state from check-in: auto, manual
// (decisions become approval escalations), or disabled.
func (h *Healer) SetL2Mode(mode string) {
	switch mode {
	case L2ModeAuto, L2ModeManual, L2ModeDisabled:
	default:
		return
	}
	h.mu.Lock()
	if h.l2Mode != mode {
		log.Printf("[healer] L2 mode -> %s", mode)
		h.l2Mode = mode
	}
	h.mu.Unlock()
}

func (h *Healer) currentL2Mode() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.l2Mode
}

// heal-internal carry between tiers.
type attempt struct {
	level      string
	rule       *rules.Rule
	decision   *planner.Decision
	runbook    remote.Runbook
	result     *remote.RunbookResult
	rejected   *escalate.RejectedDecision
	hipaa      []string
	reasoning  string
	escalation *escalate.Ticket
}

// Heal drives one incident to a terminal Resolution. The only error
// returns are fatal-to-process conditions (store corruption, signing
// key loss) and ErrDeferred; everything else is captured in the
// Resolution.
func (h *Healer) Heal(ctx context.Context, inc store.Incident) (*store.Resolution, error) {
	start := h.clk.Monotonic()
	log.Printf("[healer] Incident %s (%s/%s, type=%s, severity=%s)",
		inc.ID, inc.SiteID, inc.HostID, inc.IncidentType, inc.Severity)

	att, err := h.resolve(ctx, inc)
	if err != nil {
		return nil, err
	}

	res := h.buildResolution(inc, att, start)
	if err := h.record(inc, att, res); err != nil {
		return nil, err
	}
	h.report(ctx, inc, att, res)
	return res, nil
}

// resolve walks the tiers and returns the attempt outcome.
func (h *Healer) resolve(ctx context.Context, inc store.Incident) (*attempt, error) {
	if match := h.engine.Match(inc); match != nil {
		log.Printf("[healer] L1 hit: rule %s -> %s", match.Rule.ID, match.Action)
		return h.runL1(ctx, inc, match)
	}
	log.Printf("[healer] No L1 match for %s, consulting L2", inc.ID)
	return h.runL2(ctx, inc)
}

func (h *Healer) runL1(ctx context.Context, inc store.Incident, match *rules.Match) (*attempt, error) {
	att := &attempt{level: store.LevelL1, rule: match.Rule, hipaa: match.Rule.HIPAAControls}

	if err := h.rate.Check(inc.SiteID, inc.HostID, match.Action); err != nil {
		return h.escalateBlocked(ctx, inc, att, match.Action, 1.0, err)
	}

	target, ok := h.target(inc.HostID)
	if !ok {
		return h.escalateReason(ctx, inc, att, fmt.Sprintf("no credentials for host %s this cycle", inc.HostID))
	}

	rb, err := Runbook(match.Action, target.Platform, match.ActionParams)
	if err != nil {
		return h.escalateReason(ctx, inc, att, err.Error())
	}

	switch h.window.Gate(h.clk.Now(), rb.Disruptive) {
	case guard.GateDefer:
		return nil, ErrDeferred
	case guard.GateEscalate:
		return h.escalateReason(ctx, inc, att, "disruptive action and maintenance window more than 24h away")
	}

	h.rate.Mark(inc.SiteID, inc.HostID, match.Action)
	h.engine.MarkFired(match.Rule.ID, inc.HostID)

	result := h.exec.ExecuteRunbook(ctx, rb, target)
	att.runbook = rb
	att.result = &result

	if match.Rule.Source == rules.SourcePromoted {
		if err := h.store.RecordWatchExecution(match.Rule.ID, result.Outcome == remote.OutcomeSuccess); err != nil {
			log.Printf("[healer] Watch execution for %s: %v", match.Rule.ID, err)
		}
	}
	return att, nil
}

func (h *Healer) runL2(ctx context.Context, inc store.Incident) (*attempt, error) {
	att := &attempt{level: store.LevelL2}

	mode := h.currentL2Mode()
	if mode == L2ModeDisabled {
		return h.escalateReason(ctx, inc, att, "L2 planning disabled by control plane")
	}

	decision, err := h.planner.PlanWithRetry(ctx, inc, 2)
	if err != nil {
		if fatal(err) {
			return nil, err
		}
		return h.escalateReason(ctx, inc, att, fmt.Sprintf("L2 planning failed: %v", err))
	}
	att.decision = decision
	att.reasoning = decision.Reasoning

	if decision.EscalateToL3 {
		att.rejected = &escalate.RejectedDecision{
			Action:     decision.Action,
			Confidence: decision.Confidence,
			Reasoning:  decision.Reasoning,
			Reason:     "planner requested escalation",
		}
		return h.escalateTicket(ctx, inc, att)
	}
	if decision.RequiresApproval || mode == L2ModeManual {
		att.rejected = &escalate.RejectedDecision{
			Action:     decision.Action,
			Confidence: decision.Confidence,
			Reasoning:  decision.Reasoning,
			Reason:     "operator approval required",
		}
		return h.escalateTicket(ctx, inc, att)
	}

	if err := h.rate.Check(inc.SiteID, inc.HostID, decision.Action); err != nil {
		return h.escalateBlocked(ctx, inc, att, decision.Action, decision.Confidence, err)
	}

	target, ok := h.target(inc.HostID)
	if !ok {
		return h.escalateReason(ctx, inc, att, fmt.Sprintf("no credentials for host %s this cycle", inc.HostID))
	}

	rb, err := Runbook(decision.Action, target.Platform, decision.ActionParams)
	if err != nil {
		return h.escalateReason(ctx, inc, att, err.Error())
	}
	if decision.RunbookID != "" {
		rb.ID = decision.RunbookID
	}

	switch h.window.Gate(h.clk.Now(), rb.Disruptive) {
	case guard.GateDefer:
		return nil, ErrDeferred
	case guard.GateEscalate:
		return h.escalateReason(ctx, inc, att, "disruptive action and maintenance window more than 24h away")
	}

	h.rate.Mark(inc.SiteID, inc.HostID, decision.Action)

	result := h.exec.ExecuteRunbook(ctx, rb, target)
	att.runbook = rb
	att.result = &result
	att.hipaa = rb.HIPAAControls
	return att, nil
}

// escalateBlocked wraps a guardrail block into an L3 hand-off.
func (h *Healer) escalateBlocked(ctx context.Context, inc store.Incident, att *attempt, action string, confidence float64, blockErr error) (*attempt, error) {
	var block *guard.BlockError
	reason := blockErr.Error()
	if errors.As(blockErr, &block) {
		reason = fmt.Sprintf("%s: %s", block.Category, block.Reason)
	}
	att.rejected = &escalate.RejectedDecision{
		Action:     action,
		Confidence: confidence,
		Reason:     reason,
	}
	return h.escalateTicket(ctx, inc, att)
}

func (h *Healer) escalateReason(ctx context.Context, inc store.Incident, att *attempt, reason string) (*attempt, error) {
	att.reasoning = reason
	return h.escalateTicket(ctx, inc, att)
}

func (h *Healer) escalateTicket(ctx context.Context, inc store.Incident, att *attempt) (*attempt, error) {
	_, history, err := h.store.PatternContext(inc.PatternSignature, 10)
	if err != nil {
		log.Printf("[healer] Pattern context for %s: %v", inc.ID, err)
	}
	att.escalation = h.escalator.Escalate(ctx, inc, history, att.rejected, att.hipaa)
	att.level = store.LevelL3
	return att, nil
}

func (h *Healer) target(hostID string) (*remote.Target, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.resolver == nil {
		return nil, false
	}
	return h.resolver.Target(hostID)
}

// SetTargetResolver installs this cycle's credential source.
func (h *Healer) SetTargetResolver(r TargetResolver) {
	h.mu.Lock()
	h.resolver = r
	h.mu.Unlock()
}

// buildResolution maps the attempt to the terminal Resolution.
func (h *Healer) buildResolution(inc store.Incident, att *attempt, start time.Duration) *store.Resolution {
	res := &store.Resolution{
		IncidentID: inc.ID,
		Level:      att.level,
		ResolvedAt: h.clk.Now(),
	}

	switch {
	case att.escalation != nil:
		res.Action = "escalate"
		res.Outcome = store.OutcomeEscalated
		res.Reasoning = att.reasoning
		if att.rejected != nil {
			res.Reasoning = att.rejected.Reason
		}
	case att.result != nil:
		res.Outcome = att.result.Outcome
		if att.rule != nil {
			res.Action = att.rule.Action
			res.ActionParams = att.rule.ActionParams
		} else if att.decision != nil {
			res.Action = att.decision.Action
			res.ActionParams = att.decision.ActionParams
		}
		if err := firstStepError(att.result); err != "" {
			res.ErrorMessage = err
		}
	default:
		res.Outcome = store.OutcomeFailure
		res.ErrorMessage = att.reasoning
	}

	if att.decision != nil {
		res.Reasoning = att.decision.Reasoning
		res.CostUSD = att.decision.CostUSD
		res.TokensIn = att.decision.InputTokens
		res.TokensOut = att.decision.OutputTokens
	}

	res.ResolutionTimeMs = (h.clk.Monotonic() - start).Milliseconds()
	return res
}

func firstStepError(result *remote.RunbookResult) string {
	for _, s := range result.Steps {
		if s.Outcome != remote.OutcomeSuccess && s.Error != "" {
			return fmt.Sprintf("%s: %s", s.Step, s.Error)
		}
		if s.Outcome != remote.OutcomeSuccess && s.ExitCode != 0 {
			return fmt.Sprintf("%s: exit code %d", s.Step, s.ExitCode)
		}
	}
	return ""
}

// record persists the resolution and seals the evidence bundle.
// Duplicate resolutions are a logic bug but not fatal; store
// corruption and signing failures are.
func (h *Healer) record(inc store.Incident, att *attempt, res *store.Resolution) error {
	if err := h.store.RecordResolution(*res); err != nil {
		if errors.Is(err, store.ErrDuplicateResolution) {
			log.Printf("[healer] Duplicate resolution for %s dropped", inc.ID)
			return nil
		}
		if fatal(err) {
			return err
		}
		log.Printf("[healer] Record resolution for %s: %v", inc.ID, err)
	}

	if _, err := h.builder.Seal(h.draft(inc, att, res)); err != nil {
		if fatal(err) {
			return err
		}
		log.Printf("[healer] Evidence for %s: %v", inc.ID, err)
	}

	log.Printf("[healer] Incident %s resolved: level=%s action=%s outcome=%s in %dms",
		inc.ID, res.Level, res.Action, res.Outcome, res.ResolutionTimeMs)
	return nil
}

// draft assembles the evidence bundle input. Raw incident data is the
// pre state; the runbook result (or escalation ticket) is the post
// state. Scripts never appear, only their hashes.
func (h *Healer) draft(inc store.Incident, att *attempt, res *store.Resolution) evidence.Draft {
	d := evidence.Draft{
		SiteID:           inc.SiteID,
		HostID:           inc.HostID,
		CheckOrRunbookID: inc.IncidentType,
		Outcome:          res.Outcome,
		HIPAAControls:    att.hipaa,
		PreState: map[string]interface{}{
			"incident_id":       inc.ID,
			"incident_type":     inc.IncidentType,
			"severity":          inc.Severity,
			"pattern_signature": inc.PatternSignature,
			"raw_data":          inc.RawData,
		},
		PostState: map[string]interface{}{
			"resolution_level":   res.Level,
			"action":             res.Action,
			"outcome":            res.Outcome,
			"resolution_time_ms": res.ResolutionTimeMs,
		},
	}
	if att.result != nil {
		d.CheckOrRunbookID = att.result.RunbookID
		d.PostState["rollback_ran"] = att.result.RollbackRan
		for _, s := range att.result.Steps {
			d.Actions = append(d.Actions, evidence.Action{
				Name:       s.Step,
				ScriptHash: s.ScriptHash,
				Outcome:    s.Outcome,
				DurationMs: s.DurationMs,
				ExitCode:   s.ExitCode,
			})
		}
	}
	if att.escalation != nil {
		d.PostState["escalation_ticket"] = att.escalation.ID
		d.PostState["channels"] = strings.Join(att.escalation.Channels, ",")
	}
	if res.ErrorMessage != "" {
		d.PostState["error"] = res.ErrorMessage
	}
	return d
}

// report posts execution telemetry; on control-plane failure the
// record lands in the offline queue for a later cycle.
func (h *Healer) report(ctx context.Context, inc store.Incident, att *attempt, res *store.Resolution) {
	rec := controlplane.ExecutionRecord{
		ExecutionID:      "EXE-" + uuid.NewString(),
		IncidentID:       inc.ID,
		ApplianceID:      h.applianceID,
		Hostname:         inc.HostID,
		IncidentType:     inc.IncidentType,
		DurationSeconds:  float64(res.ResolutionTimeMs) / 1000,
		Success:          res.Outcome == store.OutcomeSuccess,
		Status:           res.Outcome,
		ResolutionLevel:  res.Level,
		ErrorMessage:     res.ErrorMessage,
		CostUSD:          res.CostUSD,
		InputTokens:      res.TokensIn,
		OutputTokens:     res.TokensOut,
		Reasoning:        res.Reasoning,
		PatternSignature: inc.PatternSignature,
	}
	if att.result != nil {
		rec.RunbookID = att.result.RunbookID
	}
	if att.decision != nil {
		rec.Confidence = att.decision.Confidence
	} else if res.Level == store.LevelL1 {
		rec.Confidence = 1.0
	}

	if err := h.cp.ReportExecution(ctx, rec); err != nil {
		log.Printf("[healer] Telemetry for %s deferred: %v", inc.ID, err)
		payload, mErr := json.Marshal(rec)
		if mErr != nil {
			return
		}
		if qErr := h.offline.Enqueue(queue.KindTelemetry, rec.ExecutionID, payload); qErr != nil {
			log.Printf("[healer] Offline telemetry for %s: %v", inc.ID, qErr)
		}
	}
}

// FlushTelemetry drains queued execution records when the control
// plane is reachable again.
func (h *Healer) FlushTelemetry(ctx context.Context) {
	items, err := h.offline.Peek(queue.KindTelemetry, 100)
	if err != nil {
		log.Printf("[healer] Telemetry queue peek: %v", err)
		return
	}
	for _, it := range items {
		var rec controlplane.ExecutionRecord
		if err := json.Unmarshal(it.Payload, &rec); err != nil {
			log.Printf("[healer] Dropping unparseable telemetry %d: %v", it.ID, err)
			_ = h.offline.Ack(it.ID)
			continue
		}
		if err := h.cp.ReportExecution(ctx, rec); err != nil {
			if reqErr := h.offline.Requeue(it.ID, err.Error()); reqErr != nil {
				log.Printf("[healer] Requeue telemetry %d: %v", it.ID, reqErr)
			}
			return
		}
		_ = h.offline.Ack(it.ID)
	}
}

// fatal reports conditions that must stop the process.
func fatal(err error) bool {
	return errors.Is(err, store.ErrCorrupt) ||
		errors.Is(err, queue.ErrCorrupt) ||
		errors.Is(err, crypto.ErrKeyUnavailable)
}
