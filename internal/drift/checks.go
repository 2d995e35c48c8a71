// Package drift translates declarative compliance baselines into
// incidents. Each check is a pure function from a collected host
// snapshot to a check result; the detector schedules checks per host,
// materializes incidents for non-pass results, and closes them again
// when the check recovers.
package drift

import (
	"fmt"
	"time"
)

// Check statuses.
const (
	StatusPass  = "pass"
	StatusFail  = "fail"
	StatusWarn  = "warn"
	StatusError = "error"
)

// Check names. Fixed catalog.
const (
	CheckPatching   = "patching"
	CheckAVEDR      = "av_edr"
	CheckBackup     = "backup"
	CheckLogging    = "logging"
	CheckFirewall   = "firewall"
	CheckEncryption = "encryption"
)

// Compliance windows.
const (
	criticalPatchMaxAge = 7 * 24 * time.Hour
	backupMaxAge        = 24 * time.Hour
	restoreTestMaxAge   = 30 * 24 * time.Hour
	definitionsMaxAge   = 3 * 24 * time.Hour
)

// HostSnapshot is the state collected from a managed host once per
// cycle. Checks never touch the network themselves.
type HostSnapshot struct {
	HostID      string
	Hostname    string
	Platform    string
	CollectedAt time.Time

	Patching   PatchState
	AV         AVState
	Backup     BackupState
	Logging    LoggingState
	Firewall   FirewallState
	Encryption EncryptionState

	// CollectErrors maps a section name to the collector failure for
	// it; checks over a failed section return status error.
	CollectErrors map[string]string
}

// PatchState describes patch compliance.
type PatchState struct {
	BaselineGeneration  int      `json:"baseline_generation"`
	InstalledGeneration int      `json:"installed_generation"`
	MissingKBs          []string `json:"missing_kbs"`
	OldestCriticalAge   float64  `json:"oldest_critical_age_days"`
}

// AVState describes endpoint protection.
type AVState struct {
	ServicePresent bool    `json:"service_present"`
	ServiceRunning bool    `json:"service_running"`
	DefinitionsAge float64 `json:"definitions_age_days"`
}

// BackupState describes backup recency.
type BackupState struct {
	LastSuccess     time.Time `json:"last_success"`
	LastRestoreTest time.Time `json:"last_restore_test"`
}

// LoggingState describes the audit log pipeline.
type LoggingState struct {
	ServiceState string `json:"service_state"` // running, stopped, dead...
	Forwarding   bool   `json:"forwarding"`
}

// FirewallState describes the active firewall profile.
type FirewallState struct {
	Enabled       bool   `json:"enabled"`
	ActiveProfile string `json:"active_profile"`
}

// EncryptionState describes full-disk encryption.
type EncryptionState struct {
	InScopeVolumes    []string `json:"in_scope_volumes"`
	EncryptedVolumes  []string `json:"encrypted_volumes"`
	RecoveryKeyBacked bool     `json:"recovery_key_backed"`
}

// Baseline is the declarative per-site expectation checks compare
// against.
type Baseline struct {
	PatchGeneration  int      `yaml:"patch_generation"`
	RequiredKBs      []string `yaml:"required_kbs,omitempty"`
	FirewallProfile  string   `yaml:"firewall_profile"`
	LogForwarding    bool     `yaml:"log_forwarding"`
	EncryptedVolumes []string `yaml:"encrypted_volumes,omitempty"`
}

// CheckResult is the outcome of one check over one snapshot.
type CheckResult struct {
	Name     string                 `json:"name"`
	Status   string                 `json:"status"`
	Severity string                 `json:"severity"`
	Expected string                 `json:"expected,omitempty"`
	Actual   string                 `json:"actual,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// CheckFunc is a pure check over a snapshot.
type CheckFunc func(Baseline, HostSnapshot) CheckResult

// Catalog is the fixed check set with default cadence 5m; the detector
// applies per-check overrides.
func Catalog() map[string]CheckFunc {
	return map[string]CheckFunc{
		CheckPatching:   checkPatching,
		CheckAVEDR:      checkAVEDR,
		CheckBackup:     checkBackup,
		CheckLogging:    checkLogging,
		CheckFirewall:   checkFirewall,
		CheckEncryption: checkEncryption,
	}
}

func collectError(s HostSnapshot, section, name string) (CheckResult, bool) {
	if msg, ok := s.CollectErrors[section]; ok {
		return CheckResult{Name: name, Status: StatusError, Severity: "medium", Error: msg}, true
	}
	return CheckResult{}, false
}

func checkPatching(b Baseline, s HostSnapshot) CheckResult {
	if r, bad := collectError(s, "patching", CheckPatching); bad {
		return r
	}

	ageDays := s.Patching.OldestCriticalAge
	behind := s.Patching.InstalledGeneration < b.PatchGeneration || len(s.Patching.MissingKBs) > 0

	result := CheckResult{
		Name:     CheckPatching,
		Status:   StatusPass,
		Severity: "medium",
		Expected: fmt.Sprintf("generation %d, no missing KBs", b.PatchGeneration),
		Actual:   fmt.Sprintf("generation %d, %d missing", s.Patching.InstalledGeneration, len(s.Patching.MissingKBs)),
		Details: map[string]interface{}{
			"missing_kbs":              s.Patching.MissingKBs,
			"oldest_critical_age_days": ageDays,
		},
	}
	if !behind {
		return result
	}
	result.Status = StatusFail
	if time.Duration(ageDays*24)*time.Hour > criticalPatchMaxAge {
		result.Severity = "high"
	}
	return result
}

func checkAVEDR(b Baseline, s HostSnapshot) CheckResult {
	if r, bad := collectError(s, "av_edr", CheckAVEDR); bad {
		return r
	}

	result := CheckResult{
		Name:     CheckAVEDR,
		Severity: "high",
		Expected: "service present, running, definitions fresh",
		Details: map[string]interface{}{
			"service_present":      s.AV.ServicePresent,
			"service_running":      s.AV.ServiceRunning,
			"definitions_age_days": s.AV.DefinitionsAge,
		},
	}
	switch {
	case !s.AV.ServicePresent:
		result.Status = StatusFail
		result.Actual = "service absent"
	case !s.AV.ServiceRunning:
		result.Status = StatusFail
		result.Actual = "service stopped"
	case time.Duration(s.AV.DefinitionsAge*24)*time.Hour > definitionsMaxAge:
		result.Status = StatusWarn
		result.Severity = "medium"
		result.Actual = fmt.Sprintf("definitions %.1f days old", s.AV.DefinitionsAge)
	default:
		result.Status = StatusPass
		result.Actual = "running"
	}
	return result
}

func checkBackup(b Baseline, s HostSnapshot) CheckResult {
	if r, bad := collectError(s, "backup", CheckBackup); bad {
		return r
	}

	now := s.CollectedAt
	backupOK := !s.Backup.LastSuccess.IsZero() && now.Sub(s.Backup.LastSuccess) <= backupMaxAge
	restoreOK := !s.Backup.LastRestoreTest.IsZero() && now.Sub(s.Backup.LastRestoreTest) <= restoreTestMaxAge

	result := CheckResult{
		Name:     CheckBackup,
		Severity: "high",
		Expected: "backup within 24h and restore test within 30d",
		Details: map[string]interface{}{
			"last_success":      s.Backup.LastSuccess.Format(time.RFC3339),
			"last_restore_test": s.Backup.LastRestoreTest.Format(time.RFC3339),
		},
	}
	switch {
	case !backupOK:
		result.Status = StatusFail
		result.Actual = "no successful backup inside the 24h window"
	case !restoreOK:
		result.Status = StatusFail
		result.Severity = "medium"
		result.Actual = "restore test older than 30 days"
	default:
		result.Status = StatusPass
		result.Actual = "compliant"
	}
	return result
}

func checkLogging(b Baseline, s HostSnapshot) CheckResult {
	if r, bad := collectError(s, "logging", CheckLogging); bad {
		return r
	}

	result := CheckResult{
		Name:     CheckLogging,
		Severity: "high",
		Expected: "audit log service running and forwarding",
		Actual:   s.Logging.ServiceState,
		Details: map[string]interface{}{
			"service_state": s.Logging.ServiceState,
			"forwarding":    s.Logging.Forwarding,
		},
	}
	switch {
	case s.Logging.ServiceState != "running":
		result.Status = StatusFail
	case b.LogForwarding && !s.Logging.Forwarding:
		result.Status = StatusFail
		result.Actual = "running, not forwarding"
	default:
		result.Status = StatusPass
	}
	return result
}

func checkFirewall(b Baseline, s HostSnapshot) CheckResult {
	if r, bad := collectError(s, "firewall", CheckFirewall); bad {
		return r
	}

	expected := b.FirewallProfile
	if expected == "" {
		expected = "enabled"
	}

	result := CheckResult{
		Name:     CheckFirewall,
		Severity: "high",
		Expected: expected,
		Details: map[string]interface{}{
			"enabled":        s.Firewall.Enabled,
			"active_profile": s.Firewall.ActiveProfile,
		},
	}
	switch {
	case !s.Firewall.Enabled:
		result.Status = StatusFail
		result.Actual = "disabled"
	case b.FirewallProfile != "" && s.Firewall.ActiveProfile != b.FirewallProfile:
		result.Status = StatusFail
		result.Severity = "medium"
		result.Actual = s.Firewall.ActiveProfile
	default:
		result.Status = StatusPass
		result.Actual = s.Firewall.ActiveProfile
	}
	return result
}

func checkEncryption(b Baseline, s HostSnapshot) CheckResult {
	if r, bad := collectError(s, "encryption", CheckEncryption); bad {
		return r
	}

	inScope := s.Encryption.InScopeVolumes
	if len(b.EncryptedVolumes) > 0 {
		inScope = b.EncryptedVolumes
	}
	encrypted := make(map[string]bool, len(s.Encryption.EncryptedVolumes))
	for _, v := range s.Encryption.EncryptedVolumes {
		encrypted[v] = true
	}
	var missing []string
	for _, v := range inScope {
		if !encrypted[v] {
			missing = append(missing, v)
		}
	}

	result := CheckResult{
		Name:     CheckEncryption,
		Severity: "critical",
		Expected: "all in-scope volumes encrypted, recovery key backed up",
		Details: map[string]interface{}{
			"in_scope":            inScope,
			"unencrypted":         missing,
			"recovery_key_backed": s.Encryption.RecoveryKeyBacked,
		},
	}
	switch {
	case len(missing) > 0:
		result.Status = StatusFail
		result.Actual = fmt.Sprintf("%d in-scope volumes unencrypted", len(missing))
	case !s.Encryption.RecoveryKeyBacked:
		result.Status = StatusFail
		result.Severity = "high"
		result.Actual = "recovery key backup not verified"
	default:
		result.Status = StatusPass
		result.Actual = "compliant"
	}
	return result
}
