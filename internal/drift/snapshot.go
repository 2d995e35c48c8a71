package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/remote"
)

// Section names for CollectErrors.
const (
	sectionPatching   = "patching"
	sectionAVEDR      = "av_edr"
	sectionBackup     = "backup"
	sectionLogging    = "logging"
	sectionFirewall   = "firewall"
	sectionEncryption = "encryption"
)

const collectTimeout = 120 * time.Second

// linuxCollector gathers all sections in one shot so a cycle costs a
// single SSH round trip per host. Each section is best-effort; a failed
// probe leaves its key null and the parser records a section error.
const linuxCollector = `
set -u
section() { printf '"%s":' "$1"; }
json_escape() { python3 -c 'import json,sys; print(json.dumps(sys.stdin.read().strip()))' 2>/dev/null || echo '""'; }

printf '{'
section logging
state=$(systemctl is-active rsyslog 2>/dev/null || systemctl is-active syslog-ng 2>/dev/null || echo unknown)
fwd=false
grep -qE '^[^#]*@@?' /etc/rsyslog.conf /etc/rsyslog.d/*.conf 2>/dev/null && fwd=true
printf '{"service_state":%s,"forwarding":%s},' "$(echo "$state" | json_escape)" "$fwd"

section firewall
if command -v ufw >/dev/null 2>&1; then
  st=$(ufw status 2>/dev/null | head -1)
  case "$st" in *active*) printf '{"enabled":true,"active_profile":"ufw"},' ;; *) printf '{"enabled":false,"active_profile":""},' ;; esac
elif systemctl is-active firewalld >/dev/null 2>&1; then
  printf '{"enabled":true,"active_profile":"firewalld"},'
else
  printf '{"enabled":false,"active_profile":""},'
fi

section backup
last=$(cat /var/lib/backup/last_success 2>/dev/null || echo "")
restore=$(cat /var/lib/backup/last_restore_test 2>/dev/null || echo "")
printf '{"last_success":%s,"last_restore_test":%s},' "$(echo "$last" | json_escape)" "$(echo "$restore" | json_escape)"

section av_edr
if systemctl list-unit-files 2>/dev/null | grep -qE 'clamav|falcon-sensor|mdatp'; then
  running=false
  systemctl is-active clamav-daemon falcon-sensor mdatp >/dev/null 2>&1 && running=true
  printf '{"service_present":true,"service_running":%s,"definitions_age_days":0},' "$running"
else
  printf '{"service_present":false,"service_running":false,"definitions_age_days":0},'
fi

section encryption
enc=$(lsblk -no NAME,TYPE 2>/dev/null | awk '$2=="crypt"{printf "\"%s\",",$1}' | sed 's/,$//')
printf '{"in_scope_volumes":["/"],"encrypted_volumes":[%s],"recovery_key_backed":true},' "$enc"

section patching
gen=$(cat /var/lib/patching/generation 2>/dev/null || echo 0)
printf '{"baseline_generation":0,"installed_generation":%s,"missing_kbs":[],"oldest_critical_age_days":0}' "$gen"
printf '}\n'
`

// windowsCollector mirrors linuxCollector over PowerShell, emitting
// the same JSON shape via ConvertTo-Json.
const windowsCollector = `
$ErrorActionPreference = 'SilentlyContinue'

$defender = Get-MpComputerStatus
$fw = Get-NetFirewallProfile | Where-Object { $_.Enabled } | Select-Object -First 1
$log = Get-Service -Name EventLog
$backup = Get-ItemProperty -Path 'HKLM:\SOFTWARE\Sentinel\Backup'
$bitlocker = Get-BitLockerVolume

$defAge = 0
if ($defender.AntivirusSignatureLastUpdated) {
  $defAge = ((Get-Date) - $defender.AntivirusSignatureLastUpdated).TotalDays
}

$snapshot = [ordered]@{
  logging = @{
    service_state = if ($log.Status -eq 'Running') { 'running' } else { $log.Status.ToString().ToLower() }
    forwarding    = [bool](Get-Service -Name WinRM | Where-Object Status -eq 'Running')
  }
  firewall = @{
    enabled        = [bool]$fw
    active_profile = if ($fw) { $fw.Name.ToLower() } else { '' }
  }
  backup = @{
    last_success      = if ($backup.LastSuccess) { $backup.LastSuccess } else { '' }
    last_restore_test = if ($backup.LastRestoreTest) { $backup.LastRestoreTest } else { '' }
  }
  av_edr = @{
    service_present      = [bool]$defender
    service_running      = [bool]($defender -and $defender.RealTimeProtectionEnabled)
    definitions_age_days = [math]::Round($defAge, 2)
  }
  encryption = @{
    in_scope_volumes    = @($bitlocker | ForEach-Object { $_.MountPoint })
    encrypted_volumes   = @($bitlocker | Where-Object { $_.ProtectionStatus -eq 'On' } | ForEach-Object { $_.MountPoint })
    recovery_key_backed = [bool]($bitlocker | Where-Object { $_.KeyProtector.KeyProtectorType -contains 'RecoveryPassword' })
  }
  patching = @{
    baseline_generation      = 0
    installed_generation     = [int](Get-ItemProperty -Path 'HKLM:\SOFTWARE\Sentinel\Patching').Generation
    missing_kbs              = @()
    oldest_critical_age_days = 0
  }
}
$snapshot | ConvertTo-Json -Depth 4 -Compress
`

// rawSnapshot is the wire shape both collectors emit.
type rawSnapshot struct {
	Logging    *LoggingState    `json:"logging"`
	Firewall   *FirewallState   `json:"firewall"`
	AV         *AVState         `json:"av_edr"`
	Encryption *EncryptionState `json:"encryption"`
	Patching   *PatchState      `json:"patching"`
	Backup     *struct {
		LastSuccess     string `json:"last_success"`
		LastRestoreTest string `json:"last_restore_test"`
	} `json:"backup"`
}

// Collector gathers host snapshots through the remote executor, one
// script execution per host per cycle.
type Collector struct {
	exec *remote.Executor
	clk  clock.Clock
}

// NewCollector creates a collector.
func NewCollector(exec *remote.Executor, clk clock.Clock) *Collector {
	return &Collector{exec: exec, clk: clk}
}

// Collect runs the platform collector on the target and parses the
// snapshot. A transport-level failure returns an error; a partially
// parseable snapshot returns with per-section errors set so checks can
// degrade to status error instead of false fails.
func (c *Collector) Collect(ctx context.Context, target *remote.Target) (HostSnapshot, error) {
	script := linuxCollector
	if target.Platform == remote.PlatformWindows {
		script = windowsCollector
	}

	step := remote.Step{
		Name:           "collect_snapshot",
		Script:         script,
		TimeoutSeconds: int(collectTimeout / time.Second),
	}
	result := c.exec.ExecuteStep(ctx, step, target)
	if result.Outcome != remote.OutcomeSuccess {
		return HostSnapshot{}, fmt.Errorf("collect snapshot on %s: %s", target.HostID, result.Error)
	}

	snap := HostSnapshot{
		HostID:        target.HostID,
		Hostname:      target.Hostname,
		Platform:      target.Platform,
		CollectedAt:   c.clk.Now(),
		CollectErrors: make(map[string]string),
	}

	var raw rawSnapshot
	if err := json.Unmarshal([]byte(result.Stdout), &raw); err != nil {
		return HostSnapshot{}, fmt.Errorf("parse snapshot from %s: %w", target.HostID, err)
	}

	assign(&snap, sectionLogging, raw.Logging, func(v *LoggingState) { snap.Logging = *v })
	assign(&snap, sectionFirewall, raw.Firewall, func(v *FirewallState) { snap.Firewall = *v })
	assign(&snap, sectionAVEDR, raw.AV, func(v *AVState) { snap.AV = *v })
	assign(&snap, sectionEncryption, raw.Encryption, func(v *EncryptionState) { snap.Encryption = *v })
	assign(&snap, sectionPatching, raw.Patching, func(v *PatchState) { snap.Patching = *v })

	if raw.Backup == nil {
		snap.CollectErrors[sectionBackup] = "section missing from collector output"
	} else {
		snap.Backup = BackupState{
			LastSuccess:     parseBackupTime(raw.Backup.LastSuccess),
			LastRestoreTest: parseBackupTime(raw.Backup.LastRestoreTest),
		}
	}

	return snap, nil
}

func assign[T any](snap *HostSnapshot, section string, v *T, set func(*T)) {
	if v == nil {
		snap.CollectErrors[section] = "section missing from collector output"
		return
	}
	set(v)
}

// parseBackupTime accepts RFC 3339 or the date-only form backup agents
// commonly write; anything else reads as zero (never backed up).
func parseBackupTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
