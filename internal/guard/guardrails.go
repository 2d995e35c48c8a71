// Package guard implements the deny-by-default policy layer applied
// before any remediation executes: the action allowlist, the
// dangerous-script pattern blocklist, the confidence threshold, the
// (site, host, action) rate-limit cooldown, and the maintenance-window
// gate.
package guard

import (
	"fmt"
	"regexp"
	"strings"
)

// ConfidenceThreshold below which L2 decisions are forced to L3.
const ConfidenceThreshold = 0.6

// Block categories.
const (
	CategoryDangerousPattern = "dangerous_pattern"
	CategoryUnknownAction    = "unknown_action"
	CategoryLowConfidence    = "low_confidence"
	CategoryCooldown         = "cooldown"
	CategoryMaintenance      = "maintenance_window"
)

// BlockError is a guardrail rejection. The healer converts it into an
// escalated or blocked resolution depending on category.
type BlockError struct {
	Category string
	Reason   string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("blocked: %s: %s", e.Category, e.Reason)
}

// DefaultAllowedActions is the canonical action set remediation may
// auto-execute. Custom deployments may supply a replacement list at
// startup; escalate is always allowed.
var DefaultAllowedActions = []string{
	"restart_service",
	"enable_service",
	"configure_firewall",
	"restore_firewall_baseline",
	"apply_gpo",
	"enable_bitlocker",
	"fix_audit_policy",
	"apply_ssh_hardening",
	"fix_ntp",
	"fix_permissions",
	"enable_defender",
	"fix_password_policy",
	"restart_logging_service",
	"trigger_backup",
	"escalate",
}

// dangerousPatternDefs are regex patterns that indicate destructive
// commands in a script or action payload.
var dangerousPatternDefs = []string{
	// Filesystem destruction
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/`,
	`rm\s+(-[a-zA-Z]*)?f[a-zA-Z]*r\s+/`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`\bdd\s+if=/dev/zero\b`,
	`\bdd\s+if=/dev/urandom\b`,

	// Permission destruction
	`chmod\s+777\s+/`,
	`chmod\s+(-[a-zA-Z]*)?R\s+777\b`,

	// Remote code execution via pipe
	`curl\s+.*\|\s*(?:ba)?sh`,
	`wget\s+.*\|\s*(?:ba)?sh`,
	`curl\s+.*\|\s*python`,
	`wget\s+.*\|\s*python`,

	// SQL destruction
	`(?i)\bDROP\s+(?:TABLE|DATABASE)\b`,
	`(?i)\bDELETE\s+FROM\b`,
	`(?i)\bTRUNCATE\b`,

	// Credential files
	`/etc/shadow`,
	`\bid_rsa\b`,
	`(?i)\bapi[_\s]?key\b`,
	`\.env\b`,

	// Reverse shells
	`\bnc\s+.*-[a-zA-Z]*e\s+/bin/`,
	`\bncat\s+.*-[a-zA-Z]*e\s+/bin/`,
	`/dev/tcp/`,

	// System destruction
	`\b(?:shutdown|reboot|halt|poweroff)\b.*-[a-zA-Z]*f\b`,
	`>\s*/dev/sd[a-z]`,

	// Windows destruction
	`(?i)Format-Volume`,
	`(?i)Clear-Disk`,
	`(?i)Remove-Partition`,
	`(?i)Stop-Computer\s+-Force`,
}

// Guardrails validates decisions before execution.
type Guardrails struct {
	dangerousPatterns []*regexp.Regexp
	allowedActions    map[string]bool
}

// NewGuardrails creates a checker with the given allowed actions. If
// allowedActions is nil, DefaultAllowedActions is used. escalate is
// always added.
func NewGuardrails(allowedActions []string) *Guardrails {
	if allowedActions == nil {
		allowedActions = DefaultAllowedActions
	}

	allowed := make(map[string]bool, len(allowedActions)+1)
	for _, a := range allowedActions {
		allowed[strings.ToLower(a)] = true
	}
	allowed["escalate"] = true

	patterns := make([]*regexp.Regexp, 0, len(dangerousPatternDefs))
	for _, p := range dangerousPatternDefs {
		patterns = append(patterns, regexp.MustCompile(p))
	}

	return &Guardrails{
		dangerousPatterns: patterns,
		allowedActions:    allowed,
	}
}

// CheckDecision validates an action + script + confidence triple.
// Returns nil when execution may proceed, or a *BlockError.
func (g *Guardrails) CheckDecision(action, script string, confidence float64) error {
	if confidence < ConfidenceThreshold {
		return &BlockError{
			Category: CategoryLowConfidence,
			Reason:   fmt.Sprintf("confidence %.2f below %.2f threshold", confidence, ConfidenceThreshold),
		}
	}
	if !g.IsActionAllowed(action) {
		return &BlockError{
			Category: CategoryUnknownAction,
			Reason:   "action not in allowed list: " + action,
		}
	}
	if reason := g.CheckDangerous(script); reason != "" {
		return &BlockError{Category: CategoryDangerousPattern, Reason: reason}
	}
	if reason := g.CheckDangerous(action); reason != "" {
		return &BlockError{Category: CategoryDangerousPattern, Reason: reason}
	}
	return nil
}

// IsActionAllowed checks the allowlist. Comparison is case-insensitive.
func (g *Guardrails) IsActionAllowed(action string) bool {
	return g.allowedActions[strings.ToLower(action)]
}

// CheckDangerous scans input for dangerous patterns. Returns the reason
// if dangerous, empty string if safe.
func (g *Guardrails) CheckDangerous(input string) string {
	for _, p := range g.dangerousPatterns {
		if p.MatchString(input) {
			return "dangerous pattern detected: " + p.String()
		}
	}
	return ""
}

// AllowedActions returns the configured allowlist.
func (g *Guardrails) AllowedActions() []string {
	actions := make([]string, 0, len(g.allowedActions))
	for a := range g.allowedActions {
		actions = append(actions, a)
	}
	return actions
}
