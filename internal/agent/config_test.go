package agent

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseArgs() []string {
	return []string{
		"--site-id", "site-a",
		"--host-id", "appliance-1",
		"--mcp-url", "https://cp.example.com",
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(baseArgs())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollIntervalSeconds != 60 || cfg.LogLevel != "info" || cfg.DeploymentMode != "direct" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.WORM.Mode != "proxy" || cfg.WORM.RetentionDays != 90 || !cfg.WORM.AutoUpload {
		t.Errorf("worm defaults = %+v", cfg.WORM)
	}
	if !cfg.Learning.AutoPromote {
		t.Error("learning auto-promote not defaulted on")
	}
	if cfg.SigningKeyFile != "/var/lib/sentinel/phi_scrub_keys/signing.key" {
		t.Errorf("signing key = %s", cfg.SigningKeyFile)
	}
	if cfg.PollInterval() != time.Minute {
		t.Errorf("poll interval = %s", cfg.PollInterval())
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	file := writeConfigFile(t, `
site_id: file-site
host_id: file-host
mcp_url: https://file.example.com
poll_interval_seconds: 120
log_level: debug
`)
	t.Setenv("SITE_ID", "env-site")
	t.Setenv("POLL_INTERVAL", "240")

	cfg, err := LoadConfig([]string{
		"--config", file,
		"--site-id", "flag-site",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Flags beat env beats file.
	if cfg.SiteID != "flag-site" {
		t.Errorf("site_id = %s", cfg.SiteID)
	}
	if cfg.PollIntervalSeconds != 240 {
		t.Errorf("poll interval = %d", cfg.PollIntervalSeconds)
	}
	// File values untouched by higher layers survive.
	if cfg.HostID != "file-host" || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadConfigAPIKeyEnvOnly(t *testing.T) {
	file := writeConfigFile(t, `
site_id: s
host_id: h
mcp_url: https://cp.example.com
api_key: from-file
`)
	t.Setenv("MCP_API_KEY", "from-env")

	cfg, err := LoadConfig([]string{"--config", file})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIKey != "from-env" {
		t.Errorf("api key = %q, must come from the environment only", cfg.APIKey)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(append(baseArgs(), "--config", "/does/not/exist.yaml"))
	if !errors.Is(err, ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := defaults()
		c.SiteID = "site-a"
		c.HostID = "appliance-1"
		c.MCPURL = "https://cp.example.com"
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"missing site", func(c *Config) { c.SiteID = "" }, "site-id"},
		{"missing host", func(c *Config) { c.HostID = "" }, "host-id"},
		{"missing url", func(c *Config) { c.MCPURL = "" }, "mcp-url"},
		{"bad deployment mode", func(c *Config) { c.DeploymentMode = "hybrid" }, "deployment-mode"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log-level"},
		{"bad worm mode", func(c *Config) { c.WORM.Mode = "tape" }, "worm mode"},
		{"direct worm without bucket", func(c *Config) { c.WORM.Mode = "direct" }, "s3 bucket"},
		{"direct worm short retention", func(c *Config) {
			c.WORM.Mode = "direct"
			c.WORM.S3Bucket = "b"
			c.WORM.S3Region = "us-east-1"
			c.WORM.RetentionDays = 30
		}, "minimum 90"},
		{"zero poll interval", func(c *Config) { c.PollIntervalSeconds = 0 }, "poll interval"},
		{"bad maintenance window", func(c *Config) { c.Maintenance.Start = "25:99" }, "maintenance window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
			if !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("err = %v, want mention of %q", err, tt.substr)
			}
		})
	}

	c := valid()
	if err := c.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestCadenceOverrides(t *testing.T) {
	var c Config
	if c.CadenceOverrides() != nil {
		t.Error("empty cadence map should return nil")
	}
	c.Cadence = map[string]int{"firewall": 60, "backup": 3600}
	got := c.CadenceOverrides()
	if got["firewall"] != time.Minute || got["backup"] != time.Hour {
		t.Errorf("overrides = %v", got)
	}
}
