package healer

import (
	"fmt"
	"strings"

	"github.com/osiriscare/sentinel/internal/remote"
)

// runbookDef is a per-platform runbook template for one canonical
// action. Remediation only ever executes scripts from this library;
// L2 decisions select an action, they never supply shell.
type runbookDef struct {
	windows    []remote.Step
	linux      []remote.Step
	rollback   map[string][]remote.Step
	disruptive bool
	hipaa      []string
}

// Runbook resolves an action for a platform. Unknown actions and
// actions with no steps for the platform return an error; the healer
// escalates those.
func Runbook(action, platform string, params map[string]interface{}) (remote.Runbook, error) {
	def, ok := runbookLibrary[strings.ToLower(action)]
	if !ok {
		return remote.Runbook{}, fmt.Errorf("no runbook for action %q", action)
	}

	var steps []remote.Step
	switch platform {
	case remote.PlatformWindows:
		steps = def.windows
	case remote.PlatformLinux, remote.PlatformLocal:
		steps = def.linux
	default:
		return remote.Runbook{}, fmt.Errorf("unknown platform %q", platform)
	}
	if len(steps) == 0 {
		return remote.Runbook{}, fmt.Errorf("action %q has no %s runbook", action, platform)
	}

	rb := remote.Runbook{
		ID:            "rb-" + strings.ToLower(action),
		Steps:         expand(steps, params),
		Rollback:      expand(def.rollback[platform], params),
		Disruptive:    def.disruptive,
		HIPAAControls: def.hipaa,
	}
	return rb, nil
}

// expand substitutes {{param}} placeholders from action params. Values
// are restricted to a conservative character set; anything else keeps
// the placeholder and the step will fail loudly rather than inject.
func expand(steps []remote.Step, params map[string]interface{}) []remote.Step {
	if len(steps) == 0 {
		return nil
	}
	out := make([]remote.Step, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].Script = substitute(out[i].Script, params)
	}
	return out
}

func substitute(script string, params map[string]interface{}) string {
	for key, val := range params {
		s, ok := val.(string)
		if !ok || !safeParam(s) {
			continue
		}
		script = strings.ReplaceAll(script, "{{"+key+"}}", s)
	}
	return script
}

func safeParam(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':' || r == '/' || r == '\\':
		default:
			return false
		}
	}
	return true
}

var runbookLibrary = map[string]*runbookDef{
	"restore_firewall_baseline": {
		windows: []remote.Step{{
			Name:   "enable_firewall_profiles",
			Script: `Set-NetFirewallProfile -Profile Domain,Private,Public -Enabled True`,
		}, {
			Name:   "verify_firewall",
			Script: `if ((Get-NetFirewallProfile | Where-Object { -not $_.Enabled })) { exit 1 }`,
		}},
		linux: []remote.Step{{
			Name:   "enable_firewall",
			Script: `if command -v ufw >/dev/null; then ufw --force enable; else systemctl enable --now firewalld; fi`,
		}, {
			Name:   "verify_firewall",
			Script: `ufw status 2>/dev/null | grep -q active || systemctl is-active firewalld`,
		}},
		hipaa: []string{"164.312(a)(1)", "164.312(c)(1)"},
	},
	"enable_defender": {
		windows: []remote.Step{{
			Name:   "enable_realtime_protection",
			Script: `Set-MpPreference -DisableRealtimeMonitoring $false; Start-Service WinDefend`,
		}, {
			Name:   "verify_defender",
			Script: `if (-not (Get-MpComputerStatus).RealTimeProtectionEnabled) { exit 1 }`,
		}},
		hipaa: []string{"164.308(a)(5)(ii)(B)"},
	},
	"restart_logging_service": {
		windows: []remote.Step{{
			Name:   "restart_eventlog",
			Script: `Restart-Service EventLog -Force; if ((Get-Service EventLog).Status -ne 'Running') { exit 1 }`,
		}},
		linux: []remote.Step{{
			Name:   "restart_syslog",
			Script: `systemctl restart rsyslog 2>/dev/null || systemctl restart syslog-ng`,
		}, {
			Name:   "verify_syslog",
			Script: `systemctl is-active rsyslog 2>/dev/null || systemctl is-active syslog-ng`,
		}},
		hipaa: []string{"164.312(b)"},
	},
	"fix_ntp": {
		windows: []remote.Step{{
			Name:   "resync_time",
			Script: `w32tm /resync /force; if ($LASTEXITCODE -ne 0) { Restart-Service w32time; w32tm /resync }`,
		}},
		linux: []remote.Step{{
			Name:   "restart_timesync",
			Script: `systemctl restart systemd-timesyncd 2>/dev/null || systemctl restart chronyd`,
		}},
		hipaa: []string{"164.312(b)"},
	},
	"trigger_backup": {
		windows: []remote.Step{{
			Name:           "start_backup_job",
			Script:         `Start-ScheduledTask -TaskName 'NightlyBackup'`,
			TimeoutSeconds: 300,
		}},
		linux: []remote.Step{{
			Name:           "start_backup_job",
			Script:         `systemctl start backup.service`,
			TimeoutSeconds: 300,
		}},
		hipaa: []string{"164.308(a)(7)(ii)(A)"},
	},
	"restart_service": {
		windows: []remote.Step{{
			Name:   "restart_service",
			Script: `Restart-Service -Name '{{service}}' -Force; if ((Get-Service '{{service}}').Status -ne 'Running') { exit 1 }`,
		}},
		linux: []remote.Step{{
			Name:   "restart_service",
			Script: `systemctl restart {{service}} && systemctl is-active {{service}}`,
		}},
		disruptive: true,
	},
	"enable_service": {
		windows: []remote.Step{{
			Name:   "enable_service",
			Script: `Set-Service -Name '{{service}}' -StartupType Automatic; Start-Service '{{service}}'`,
		}},
		linux: []remote.Step{{
			Name:   "enable_service",
			Script: `systemctl enable --now {{service}}`,
		}},
	},
	"configure_firewall": {
		windows: []remote.Step{{
			Name:   "configure_firewall",
			Script: `Set-NetFirewallProfile -Profile {{profile}} -Enabled True -DefaultInboundAction Block`,
		}},
		linux: []remote.Step{{
			Name:   "configure_firewall",
			Script: `ufw default deny incoming && ufw --force enable`,
		}},
		disruptive: true,
		hipaa:      []string{"164.312(a)(1)"},
	},
	"enable_bitlocker": {
		windows: []remote.Step{{
			Name:           "enable_bitlocker",
			Script:         `Enable-BitLocker -MountPoint '{{volume}}' -EncryptionMethod XtsAes256 -RecoveryPasswordProtector -SkipHardwareTest`,
			TimeoutSeconds: 600,
		}, {
			Name:   "backup_recovery_key",
			Script: `$kp = (Get-BitLockerVolume -MountPoint '{{volume}}').KeyProtector | Where-Object KeyProtectorType -eq 'RecoveryPassword'; Backup-BitLockerKeyProtector -MountPoint '{{volume}}' -KeyProtectorId $kp.KeyProtectorId`,
		}},
		disruptive: true,
		hipaa:      []string{"164.312(a)(2)(iv)"},
	},
	"fix_audit_policy": {
		windows: []remote.Step{{
			Name:   "enable_audit_categories",
			Script: `auditpol /set /category:'Logon/Logoff','Object Access','Account Management' /success:enable /failure:enable`,
		}},
		linux: []remote.Step{{
			Name:   "restart_auditd",
			Script: `systemctl enable --now auditd && auditctl -e 1`,
		}},
		hipaa: []string{"164.312(b)"},
	},
	"apply_ssh_hardening": {
		linux: []remote.Step{{
			Name:   "apply_sshd_config",
			Script: `sed -i -e 's/^#\?PermitRootLogin.*/PermitRootLogin no/' -e 's/^#\?PasswordAuthentication.*/PasswordAuthentication no/' /etc/ssh/sshd_config && sshd -t`,
		}, {
			Name:       "reload_sshd",
			Script:     `systemctl reload sshd`,
			Disruptive: true,
		}},
		rollback: map[string][]remote.Step{
			remote.PlatformLinux: {{
				Name:   "restore_sshd_config",
				Script: `cp /etc/ssh/sshd_config.bak /etc/ssh/sshd_config 2>/dev/null && systemctl reload sshd`,
			}},
		},
		disruptive: true,
		hipaa:      []string{"164.312(a)(1)", "164.312(e)(1)"},
	},
	"fix_permissions": {
		linux: []remote.Step{{
			Name:   "fix_permissions",
			Script: `chmod {{mode}} {{path}} && stat -c '%a' {{path}}`,
		}},
		hipaa: []string{"164.312(a)(1)"},
	},
	"fix_password_policy": {
		windows: []remote.Step{{
			Name:   "apply_password_policy",
			Script: `net accounts /minpwlen:14 /maxpwage:90 /uniquepw:24`,
		}},
		linux: []remote.Step{{
			Name:   "apply_password_policy",
			Script: `sed -i 's/^PASS_MAX_DAYS.*/PASS_MAX_DAYS 90/;s/^PASS_MIN_LEN.*/PASS_MIN_LEN 14/' /etc/login.defs`,
		}},
		hipaa: []string{"164.308(a)(5)(ii)(D)"},
	},
	"apply_gpo": {
		windows: []remote.Step{{
			Name:           "gpupdate",
			Script:         `gpupdate /force /wait:120; if ($LASTEXITCODE -ne 0) { exit 1 }`,
			TimeoutSeconds: 180,
		}},
	},
}
