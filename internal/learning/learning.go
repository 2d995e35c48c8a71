// Package learning is the data flywheel: a background loop that scans
// resolution statistics for patterns the L2 planner keeps solving the
// same way and promotes them into deterministic L1 rules. Promoted
// rules start under watch; a rule whose live success rate collapses is
// disabled and the pattern drops back to L2.
package learning

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/rules"
	"github.com/osiriscare/sentinel/internal/store"
)

// Defaults for the promotion policy.
const (
	DefaultInterval        = 24 * time.Hour
	DefaultConfidenceFloor = 0.85
	DefaultWatchExecutions = 10
	DefaultRollbackRate    = 0.7
	promotedRulePriority   = 50
	maxSampleIncidents     = 5
)

// Config tunes the loop.
type Config struct {
	RulesDir        string
	Interval        time.Duration
	ConfidenceFloor float64
	AutoPromote     bool
	WatchExecutions int     // executions observed before a watch retires
	RollbackRate    float64 // disable below this live success rate
	PromotedBy      string  // recorded in rule metadata
}

// Loop scans for promotable patterns and maintains post-promotion
// watches.
type Loop struct {
	cfg    Config
	store  *store.Store
	engine *rules.Engine
	clk    clock.Clock
}

// New creates a learning loop. Zero config fields select defaults.
func New(cfg Config, st *store.Store, engine *rules.Engine, clk clock.Clock) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = DefaultConfidenceFloor
	}
	if cfg.WatchExecutions <= 0 {
		cfg.WatchExecutions = DefaultWatchExecutions
	}
	if cfg.RollbackRate <= 0 {
		cfg.RollbackRate = DefaultRollbackRate
	}
	if cfg.PromotedBy == "" {
		cfg.PromotedBy = "learning-loop"
	}
	return &Loop{cfg: cfg, store: st, engine: engine, clk: clk}
}

// Run executes the loop until ctx is cancelled. The first pass runs
// after one full interval; promotion is never urgent.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := l.clk.Sleep(ctx, l.clk.Jitter(l.cfg.Interval)); err != nil {
			return err
		}
		l.RunOnce(ctx)
	}
}

// RunOnce performs a single scan: watches first (a rollback must win
// over a re-promotion of the same pattern), then candidates.
func (l *Loop) RunOnce(ctx context.Context) {
	l.checkWatches()

	candidates, err := l.store.PromotionCandidates()
	if err != nil {
		log.Printf("[learning] Candidate scan: %v", err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	log.Printf("[learning] %d promotion candidate(s)", len(candidates))

	for _, cand := range candidates {
		if ctx.Err() != nil {
			return
		}
		l.consider(cand)
	}
}

// consider scores one candidate and either promotes it or parks it in
// the review queue.
func (l *Loop) consider(cand store.PatternStats) {
	if l.alreadyPromoted(cand.PatternSignature) {
		return
	}

	hist, err := l.store.ActionHistogram(cand.PatternSignature)
	if err != nil {
		log.Printf("[learning] Histogram for %s: %v", cand.PatternSignature, err)
		return
	}
	action, consistency := dominantAction(hist)
	if action == "" {
		return
	}

	confidence := Confidence(cand, consistency, l.clk.Now())
	log.Printf("[learning] Pattern %s: action=%s confidence=%.3f (rate=%.2f occ=%d consistency=%.2f)",
		cand.PatternSignature, action, confidence, cand.SuccessRate(), cand.Occurrences, consistency)

	rule, err := l.buildRule(cand, action, confidence)
	if err != nil {
		log.Printf("[learning] Build rule for %s: %v", cand.PatternSignature, err)
		return
	}

	if confidence >= l.cfg.ConfidenceFloor && l.cfg.AutoPromote {
		l.promote(rule, cand)
	} else {
		l.queueForReview(rule, confidence)
	}
}

// Confidence scores a candidate in [0,1]: base success rate, a volume
// bonus, an action-consistency bonus, and a staleness penalty.
func Confidence(cand store.PatternStats, consistency float64, now time.Time) float64 {
	days := now.Sub(cand.LastSeen).Hours() / 24
	if days < 0 {
		days = 0
	}
	c := cand.SuccessRate() +
		math.Min(float64(cand.Occurrences)/50, 0.10) +
		consistency*0.10 -
		math.Min(days/30, 0.20)
	return math.Max(0, math.Min(1, c))
}

// dominantAction returns the most frequent successful action and the
// histogram's consistency (sum of squared frequencies; 1.0 when every
// success used the same action).
func dominantAction(hist map[string]int) (string, float64) {
	total := 0
	for _, n := range hist {
		total += n
	}
	if total == 0 {
		return "", 0
	}

	best, bestN := "", 0
	consistency := 0.0
	for action, n := range hist {
		p := float64(n) / float64(total)
		consistency += p * p
		if n > bestN || (n == bestN && action < best) {
			best, bestN = action, n
		}
	}
	return best, consistency
}

// buildRule materializes a promoted rule from a representative
// incident of the pattern.
func (l *Loop) buildRule(cand store.PatternStats, action string, confidence float64) (*rules.Rule, error) {
	_, history, err := l.store.PatternContext(cand.PatternSignature, maxSampleIncidents)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("no history for pattern %s", cand.PatternSignature)
	}

	sample, err := l.store.GetIncident(history[0].IncidentID)
	if err != nil {
		return nil, err
	}

	conditions := []rules.Condition{
		{Field: "incident_type", Operator: rules.OpEquals, Value: cand.IncidentType},
		{Field: "severity", Operator: rules.OpEquals, Value: cand.Severity},
	}
	// The signature projection keys pin the rule to the exact pattern.
	for _, key := range []string{"check_type", "check", "actual"} {
		if v, ok := sample.RawData[key]; ok {
			conditions = append(conditions, rules.Condition{
				Field: "raw_data." + key, Operator: rules.OpEquals, Value: v,
			})
		}
	}

	samples := make([]string, 0, len(history))
	for _, h := range history {
		samples = append(samples, h.IncidentID)
	}
	sort.Strings(samples)

	var params map[string]interface{}
	for _, h := range history {
		if h.Action != action || h.Outcome != store.OutcomeSuccess {
			continue
		}
		if res, err := l.resolutionParams(h.IncidentID); err == nil {
			params = res
			break
		}
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	return &rules.Rule{
		ID:              "PROMOTED-" + uuid.NewString()[:8],
		Name:            fmt.Sprintf("Promoted: %s via %s", cand.IncidentType, action),
		Description:     fmt.Sprintf("Learned from %d resolutions of pattern %s (%.0f%% success).", cand.Occurrences, cand.PatternSignature, cand.SuccessRate()*100),
		Enabled:         true,
		Priority:        promotedRulePriority,
		Source:          rules.SourcePromoted,
		Conditions:      conditions,
		Action:          action,
		ActionParams:    params,
		CooldownSeconds: 300,
		MaxRetries:      1,
		Promotion: &rules.Promotion{
			Confidence:      confidence,
			SampleIncidents: samples,
			PromotedAt:      l.clk.Now().Format(time.RFC3339),
			PromotedBy:      l.cfg.PromotedBy,
		},
	}, nil
}

func (l *Loop) resolutionParams(incidentID string) (map[string]interface{}, error) {
	res, err := l.store.GetResolution(incidentID)
	if err != nil {
		return nil, err
	}
	return res.ActionParams, nil
}

// promote writes the rule file, reloads the engine, and starts the
// post-promotion watch.
func (l *Loop) promote(rule *rules.Rule, cand store.PatternStats) {
	path := filepath.Join(l.cfg.RulesDir, "promoted", rule.ID+".yaml")
	if err := writeRuleFile(path, rule); err != nil {
		log.Printf("[learning] Write promoted rule %s: %v", rule.ID, err)
		return
	}
	l.engine.Reload()

	if err := l.store.StartWatch(rule.ID, cand.PatternSignature, l.clk.Now()); err != nil {
		log.Printf("[learning] Start watch for %s: %v", rule.ID, err)
	}
	log.Printf("[learning] Promoted pattern %s as rule %s (action=%s, confidence=%.3f)",
		cand.PatternSignature, rule.ID, rule.Action, rule.Promotion.Confidence)
}

// queueForReview parks a below-threshold rule for an operator. Review
// files are plain rule YAML with enabled=false so an approval is a
// move plus an edit.
func (l *Loop) queueForReview(rule *rules.Rule, confidence float64) {
	rule.Enabled = false
	path := filepath.Join(l.cfg.RulesDir, "review", rule.ID+".yaml")
	if err := writeRuleFile(path, rule); err != nil {
		log.Printf("[learning] Write review rule %s: %v", rule.ID, err)
		return
	}
	log.Printf("[learning] Queued %s for review (confidence=%.3f below floor %.2f)",
		rule.ID, confidence, l.cfg.ConfidenceFloor)
}

// alreadyPromoted checks the watch table so a pattern is not promoted
// twice; a disabled watch means it was rolled back and must stay at L2.
func (l *Loop) alreadyPromoted(sig string) bool {
	watched, err := l.store.WatchedEver(sig)
	if err != nil {
		log.Printf("[learning] Watch scan: %v", err)
		return true
	}
	return watched
}

// checkWatches evaluates every active watch and rolls back rules whose
// live success rate fell under the rollback threshold.
func (l *Loop) checkWatches() {
	watches, err := l.store.Watches()
	if err != nil {
		log.Printf("[learning] Watch scan: %v", err)
		return
	}
	for _, w := range watches {
		if w.Executions < l.cfg.WatchExecutions {
			continue
		}
		if w.SuccessRate() >= l.cfg.RollbackRate {
			continue
		}
		l.rollback(w)
	}
}

// rollback disables the rule in the engine, rewrites its file with
// enabled=false, and retires the watch. The pattern returns to L2 on
// the next incident.
func (l *Loop) rollback(w store.WatchStats) {
	log.Printf("[learning] Rolling back rule %s: live success %.2f over %d executions",
		w.RuleID, w.SuccessRate(), w.Executions)

	l.engine.DisableRule(w.RuleID)
	if err := l.store.DisableWatch(w.RuleID); err != nil {
		log.Printf("[learning] Disable watch %s: %v", w.RuleID, err)
	}

	path := filepath.Join(l.cfg.RulesDir, "promoted", w.RuleID+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[learning] Read rule file for rollback %s: %v", w.RuleID, err)
		return
	}
	var rule rules.Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		log.Printf("[learning] Parse rule file for rollback %s: %v", w.RuleID, err)
		return
	}
	rule.Enabled = false
	if err := writeRuleFile(path, &rule); err != nil {
		log.Printf("[learning] Rewrite rule file for rollback %s: %v", w.RuleID, err)
	}
}

func writeRuleFile(path string, rule *rules.Rule) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create rules dir: %w", err)
	}
	data, err := yaml.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule %s: %w", rule.ID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write rule %s: %w", rule.ID, err)
	}
	return os.Rename(tmp, path)
}
