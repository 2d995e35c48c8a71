package rules

// builtinRules are the compiled-in defaults covering the compliance
// check catalog. Builtin priorities are >= 100 so operator and promoted
// rules never outrank them by accident.
func builtinRules() []*Rule {
	return []*Rule{
		{
			ID:          "L1-FW-001",
			Name:        "Restore firewall baseline",
			Description: "Firewall reported disabled; restore the site baseline profile.",
			Enabled:     true,
			Priority:    110,
			Source:      SourceBuiltin,
			Conditions: []Condition{
				{Field: "raw_data.check_type", Operator: OpEquals, Value: "firewall_status"},
				{Field: "raw_data.drift_detected", Operator: OpEquals, Value: true},
				{Field: "raw_data.actual", Operator: OpEquals, Value: "disabled"},
			},
			Action:          "restore_firewall_baseline",
			ActionParams:    map[string]interface{}{"profile": "baseline"},
			HIPAAControls:   []string{"164.312(a)(1)", "164.312(c)(1)"},
			CooldownSeconds: 300,
			MaxRetries:      1,
		},
		{
			ID:          "L1-AV-001",
			Name:        "Re-enable realtime protection",
			Description: "AV/EDR realtime protection found disabled.",
			Enabled:     true,
			Priority:    110,
			Source:      SourceBuiltin,
			Conditions: []Condition{
				{Field: "raw_data.check_type", Operator: OpEquals, Value: "av_edr_status"},
				{Field: "raw_data.drift_detected", Operator: OpEquals, Value: true},
			},
			Action:          "enable_defender",
			ActionParams:    map[string]interface{}{},
			HIPAAControls:   []string{"164.308(a)(5)(ii)(B)"},
			CooldownSeconds: 300,
			MaxRetries:      1,
		},
		{
			ID:          "L1-LOG-001",
			Name:        "Restart logging service",
			Description: "Audit logging service stopped; restart it.",
			Enabled:     true,
			Priority:    105,
			Source:      SourceBuiltin,
			Conditions: []Condition{
				{Field: "raw_data.check_type", Operator: OpEquals, Value: "logging_status"},
				{Field: "raw_data.actual", Operator: OpIn, Value: []interface{}{"stopped", "dead", "inactive"}},
			},
			Action:          "restart_logging_service",
			ActionParams:    map[string]interface{}{},
			HIPAAControls:   []string{"164.312(b)"},
			CooldownSeconds: 300,
			MaxRetries:      1,
		},
		{
			ID:          "L1-NTP-001",
			Name:        "Fix time synchronization",
			Description: "Clock skew breaks audit-log ordering; resync NTP.",
			Enabled:     true,
			Priority:    100,
			Source:      SourceBuiltin,
			Conditions: []Condition{
				{Field: "raw_data.check_type", Operator: OpEquals, Value: "ntp_sync"},
				{Field: "raw_data.drift_detected", Operator: OpEquals, Value: true},
			},
			Action:          "fix_ntp",
			ActionParams:    map[string]interface{}{},
			HIPAAControls:   []string{"164.312(b)"},
			CooldownSeconds: 600,
			MaxRetries:      1,
		},
		{
			ID:          "L1-BK-001",
			Name:        "Trigger overdue backup",
			Description: "No successful backup inside the 24h window.",
			Enabled:     true,
			Priority:    100,
			Source:      SourceBuiltin,
			Conditions: []Condition{
				{Field: "raw_data.check_type", Operator: OpEquals, Value: "backup_status"},
				{Field: "raw_data.drift_detected", Operator: OpEquals, Value: true},
			},
			Action:          "trigger_backup",
			ActionParams:    map[string]interface{}{},
			HIPAAControls:   []string{"164.308(a)(7)(ii)(A)"},
			CooldownSeconds: 3600,
			MaxRetries:      1,
		},
	}
}
