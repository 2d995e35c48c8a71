// Package rules implements the L1 deterministic rules engine: a fast,
// auditable mapping from incident to allowlisted action, loaded from
// builtin, custom, and promoted YAML rule files.
package rules

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/store"
)

// Operator is a rule condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "eq"
	OpNotEquals   Operator = "ne"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// Rule sources.
const (
	SourceBuiltin  = "builtin"
	SourceCustom   = "custom"
	SourcePromoted = "promoted"
)

// Condition is a single rule condition. Regex conditions are compiled
// eagerly at load; a pattern that fails to compile makes the whole rule
// invalid.
type Condition struct {
	Field    string      `yaml:"field"`
	Operator Operator    `yaml:"operator"`
	Value    interface{} `yaml:"value"`

	re *regexp.Regexp
}

// compile validates the condition and pre-compiles regex patterns.
func (c *Condition) compile() error {
	if c.Field == "" {
		return fmt.Errorf("condition has empty field")
	}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
	case OpIn, OpNotIn:
		if _, ok := c.Value.([]interface{}); !ok {
			return fmt.Errorf("operator %s requires a list value, got %T", c.Operator, c.Value)
		}
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("regex operator requires a string pattern, got %T", c.Value)
		}
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return fmt.Errorf("regex %q: %w", pattern, err)
		}
		c.re = re
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}

// Matches evaluates the condition against the incident's field map. A
// missing field makes every operator except ne and not_in return false.
func (c *Condition) Matches(data map[string]interface{}) bool {
	actual := fieldValue(data, c.Field)
	if actual == nil {
		return c.Operator == OpNotEquals || c.Operator == OpNotIn
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpNotEquals:
		return !valuesEqual(actual, c.Value)
	case OpContains:
		if list, ok := actual.([]interface{}); ok {
			return valueIn(c.Value, list)
		}
		return strings.Contains(fmt.Sprintf("%v", actual), fmt.Sprintf("%v", c.Value))
	case OpRegex:
		return c.re.MatchString(fmt.Sprintf("%v", actual))
	case OpGreaterThan:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		return aOK && vOK && af > vf
	case OpLessThan:
		af, aOK := toFloat(actual)
		vf, vOK := toFloat(c.Value)
		return aOK && vOK && af < vf
	case OpIn:
		list, _ := c.Value.([]interface{})
		return valueIn(actual, list)
	case OpNotIn:
		list, _ := c.Value.([]interface{})
		return !valueIn(actual, list)
	}
	return false
}

// Promotion carries the learning-loop metadata attached to promoted
// rules.
type Promotion struct {
	Confidence      float64  `yaml:"confidence"`
	SampleIncidents []string `yaml:"sample_incidents,omitempty"`
	PromotedAt      string   `yaml:"promoted_at"`
	PromotedBy      string   `yaml:"promoted_by"`
}

// Rule is a deterministic incident-handling rule.
type Rule struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	Description     string                 `yaml:"description"`
	Enabled         bool                   `yaml:"enabled"`
	Priority        int                    `yaml:"priority"`
	Source          string                 `yaml:"source"`
	Conditions      []Condition            `yaml:"conditions"`
	Action          string                 `yaml:"action"`
	ActionParams    map[string]interface{} `yaml:"action_params"`
	HIPAAControls   []string               `yaml:"hipaa_controls"`
	CooldownSeconds int                    `yaml:"cooldown_seconds"`
	MaxRetries      int                    `yaml:"max_retries"`
	Promotion       *Promotion             `yaml:"promotion,omitempty"`
}

// Matches checks whether every condition matches the incident (AND
// logic). Disabled rules never match.
func (r *Rule) Matches(data map[string]interface{}) bool {
	if !r.Enabled {
		return false
	}
	for i := range r.Conditions {
		if !r.Conditions[i].Matches(data) {
			return false
		}
	}
	return true
}

// Match is a successful rule match for an incident.
type Match struct {
	Rule         *Rule
	IncidentID   string
	Action       string
	ActionParams map[string]interface{}
}

// LoadError is a diagnostic for a rule rejected at load time.
type LoadError struct {
	File   string
	RuleID string
	Reason string
}

func (e LoadError) String() string {
	return fmt.Sprintf("%s: rule %q: %s", e.File, e.RuleID, e.Reason)
}

// ActionValidator reports whether an action name is allowlisted. Rules
// naming unknown actions are invalid.
type ActionValidator func(action string) bool

// Engine is the L1 deterministic rules engine.
type Engine struct {
	rulesDir      string
	clk           clock.Clock
	actionAllowed ActionValidator

	mu        sync.RWMutex
	rules     []*Rule
	invalid   []LoadError
	disabled  map[string]bool
	cooldowns map[string]time.Duration // "rule_id:host_id" -> monotonic fire time
}

// NewEngine creates an engine over rulesDir and loads all rules.
func NewEngine(rulesDir string, clk clock.Clock, allowed ActionValidator) *Engine {
	e := &Engine{
		rulesDir:      rulesDir,
		clk:           clk,
		actionAllowed: allowed,
		disabled:      make(map[string]bool),
		cooldowns:     make(map[string]time.Duration),
	}
	e.Load()
	return e
}

// Load reads builtin + custom + promoted rules, validates eagerly, and
// sorts by descending priority then ascending id. Invalid rules are
// rejected with diagnostics and never loaded.
func (e *Engine) Load() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = nil
	e.invalid = nil

	for _, r := range builtinRules() {
		e.validateAndAddLocked(r, "<builtin>")
	}
	if e.rulesDir != "" {
		e.loadDirLocked(filepath.Join(e.rulesDir, "builtin"), SourceBuiltin)
		e.loadDirLocked(filepath.Join(e.rulesDir, "custom"), SourceCustom)
		e.loadDirLocked(filepath.Join(e.rulesDir, "promoted"), SourcePromoted)
	}

	sort.Slice(e.rules, func(i, j int) bool {
		if e.rules[i].Priority != e.rules[j].Priority {
			return e.rules[i].Priority > e.rules[j].Priority
		}
		return e.rules[i].ID < e.rules[j].ID
	})

	log.Printf("[l1] Loaded %d rules (%d rejected)", len(e.rules), len(e.invalid))
	for _, le := range e.invalid {
		log.Printf("[l1] Rejected rule: %s", le.String())
	}
}

// Reload re-reads rules from disk. Cooldowns survive a reload.
func (e *Engine) Reload() { e.Load() }

func (e *Engine) loadDirLocked(dir, source string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			e.invalid = append(e.invalid, LoadError{File: path, Reason: fmt.Sprintf("read: %v", err)})
			continue
		}

		for _, r := range parseRuleFile(data, source, path, &e.invalid) {
			e.validateAndAddLocked(r, path)
		}
	}
}

// parseRuleFile accepts either a single rule document or a wrapped
// {rules: [...]} list.
func parseRuleFile(data []byte, source, path string, invalid *[]LoadError) []*Rule {
	var wrapped struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err == nil && len(wrapped.Rules) > 0 {
		out := make([]*Rule, 0, len(wrapped.Rules))
		for i := range wrapped.Rules {
			r := wrapped.Rules[i]
			applyDefaults(&r, source)
			out = append(out, &r)
		}
		return out
	}

	var single Rule
	if err := yaml.Unmarshal(data, &single); err != nil {
		*invalid = append(*invalid, LoadError{File: path, Reason: fmt.Sprintf("parse: %v", err)})
		return nil
	}
	if single.ID == "" {
		*invalid = append(*invalid, LoadError{File: path, Reason: "rule has no id"})
		return nil
	}
	applyDefaults(&single, source)
	return []*Rule{&single}
}

func applyDefaults(r *Rule, source string) {
	r.Source = source
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Priority == 0 {
		if source == SourcePromoted {
			r.Priority = 50
		} else {
			r.Priority = 100
		}
	}
	if r.CooldownSeconds == 0 {
		r.CooldownSeconds = 300
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 1
	}
	if r.ActionParams == nil {
		r.ActionParams = map[string]interface{}{}
	}
}

func (e *Engine) validateAndAddLocked(r *Rule, file string) {
	if r.ID == "" {
		e.invalid = append(e.invalid, LoadError{File: file, Reason: "rule has no id"})
		return
	}
	if r.Action == "" {
		e.invalid = append(e.invalid, LoadError{File: file, RuleID: r.ID, Reason: "rule has no action"})
		return
	}
	if e.actionAllowed != nil && !e.actionAllowed(r.Action) {
		e.invalid = append(e.invalid, LoadError{File: file, RuleID: r.ID,
			Reason: fmt.Sprintf("action %q is not in the allowlist", r.Action)})
		return
	}
	for i := range r.Conditions {
		if err := r.Conditions[i].compile(); err != nil {
			e.invalid = append(e.invalid, LoadError{File: file, RuleID: r.ID, Reason: err.Error()})
			return
		}
	}
	if e.disabled[r.ID] {
		r.Enabled = false
	}
	e.rules = append(e.rules, r)
}

// Match returns the first enabled rule whose conditions all evaluate
// true against the incident, or nil (escalate to L2). A rule whose
// (rule, host) cooldown has not elapsed is skipped without being
// consumed.
func (e *Engine) Match(inc store.Incident) *Match {
	e.mu.RLock()
	defer e.mu.RUnlock()

	data := incidentFields(inc)
	for _, rule := range e.rules {
		if !rule.Matches(data) {
			continue
		}

		key := rule.ID + ":" + inc.HostID
		if fired, ok := e.cooldowns[key]; ok {
			elapsed := e.clk.Monotonic() - fired
			if elapsed < time.Duration(rule.CooldownSeconds)*time.Second {
				log.Printf("[l1] Rule %s in cooldown for %s (%.0fs < %ds)",
					rule.ID, inc.HostID, elapsed.Seconds(), rule.CooldownSeconds)
				continue
			}
		}

		return &Match{
			Rule:         rule,
			IncidentID:   inc.ID,
			Action:       rule.Action,
			ActionParams: rule.ActionParams,
		}
	}
	return nil
}

// MarkFired records a rule execution for cooldown purposes. Called by
// the orchestrator when it hands the matched action to the executor.
func (e *Engine) MarkFired(ruleID, hostID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[ruleID+":"+hostID] = e.clk.Monotonic()
}

// DisableRule disables a rule (learning-loop rollback). Survives
// reloads.
func (e *Engine) DisableRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.disabled[id] = true
	for _, r := range e.rules {
		if r.ID == id {
			r.Enabled = false
			log.Printf("[l1] Rule %s disabled", id)
		}
	}
}

// InvalidRules returns the diagnostics for rules rejected at load.
func (e *Engine) InvalidRules() []LoadError {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]LoadError, len(e.invalid))
	copy(out, e.invalid)
	return out
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Stats returns rule engine statistics for the check-in payload.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	bySource := map[string]int{}
	enabled := 0
	for _, r := range e.rules {
		bySource[r.Source]++
		if r.Enabled {
			enabled++
		}
	}
	return map[string]interface{}{
		"total_rules":      len(e.rules),
		"enabled_rules":    enabled,
		"rejected_rules":   len(e.invalid),
		"by_source":        bySource,
		"active_cooldowns": len(e.cooldowns),
	}
}

// incidentFields flattens an incident into the map condition paths
// resolve against (e.g. "severity", "raw_data.drift_detected").
func incidentFields(inc store.Incident) map[string]interface{} {
	return map[string]interface{}{
		"id":                inc.ID,
		"site_id":           inc.SiteID,
		"host_id":           inc.HostID,
		"incident_type":     inc.IncidentType,
		"severity":          inc.Severity,
		"pattern_signature": inc.PatternSignature,
		"raw_data":          inc.RawData,
	}
}

// --- Value comparison helpers ---

func fieldValue(data map[string]interface{}, field string) interface{} {
	parts := strings.Split(field, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// valuesEqual is deep equality over primitives and containers, with
// numeric coercion (YAML and JSON decode numbers differently).
func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool || bIsBool {
		return aIsBool && bIsBool && ab == bb
	}

	af, aOK := toFloat(a)
	bf, bOK := toFloat(b)
	if aOK && bOK {
		return af == bf
	}

	if am, ok := a.(map[string]interface{}); ok {
		bm, ok := b.(map[string]interface{})
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}

	if as, ok := a.([]interface{}); ok {
		bs, ok := b.([]interface{})
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valuesEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}

	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func valueIn(actual interface{}, list []interface{}) bool {
	for _, item := range list {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}
