package agent

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osiriscare/sentinel/internal/drift"
	"github.com/osiriscare/sentinel/internal/guard"
)

// ErrConfig marks startup configuration failures (exit code 1).
var ErrConfig = errors.New("invalid configuration")

// Config is the resolved agent configuration. Precedence: CLI flags >
// environment > YAML file > defaults.
type Config struct {
	SiteID         string `yaml:"site_id"`
	HostID         string `yaml:"host_id"`
	MCPURL         string `yaml:"mcp_url"`
	APIKey         string `yaml:"-"`               // env-only, never from file
	DeploymentMode string `yaml:"deployment_mode"` // direct | reseller

	StateDir string `yaml:"state_dir"`
	RulesDir string `yaml:"rules_dir"`

	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`
	CACertFile     string `yaml:"ca_cert_file"`
	SigningKeyFile string `yaml:"signing_key_file"`

	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	LogLevel            string `yaml:"log_level"`
	DryRun              bool   `yaml:"dry_run"`
	OneShot             bool   `yaml:"-"`

	HealerWorkers   int `yaml:"healer_workers"`
	IncidentBacklog int `yaml:"incident_backlog"`
	QueueHighWater  int `yaml:"queue_high_water"`

	WORM WORMConfig `yaml:"worm"`

	Budget struct {
		DailyUSD        float64 `yaml:"daily_usd"`
		MaxCallsPerHour int     `yaml:"max_calls_per_hour"`
		MaxConcurrent   int     `yaml:"max_concurrent"`
	} `yaml:"budget"`

	Learning struct {
		AutoPromote     bool    `yaml:"auto_promote"`
		ConfidenceFloor float64 `yaml:"confidence_floor"`
		RollbackRate    float64 `yaml:"rollback_rate"`
	} `yaml:"learning"`

	Maintenance guard.MaintenanceWindow `yaml:"maintenance_window"`
	Baseline    drift.Baseline          `yaml:"baseline"`
	Cadence     map[string]int          `yaml:"check_cadence_seconds"`

	Notify struct {
		SlackWebhookURL string   `yaml:"slack_webhook_url"`
		PagerEndpoint   string   `yaml:"pager_endpoint"`
		PagerRoutingKey string   `yaml:"pager_routing_key"`
		SMTPAddr        string   `yaml:"smtp_addr"`
		EmailFrom       string   `yaml:"email_from"`
		EmailTo         []string `yaml:"email_to"`
	} `yaml:"notify"`
}

// WORMConfig selects the evidence upload target.
type WORMConfig struct {
	Mode          string `yaml:"mode"` // proxy | direct
	S3Bucket      string `yaml:"s3_bucket"`
	S3Region      string `yaml:"s3_region"`
	RetentionDays int    `yaml:"retention_days"`
	AutoUpload    bool   `yaml:"auto_upload"`
}

func defaults() Config {
	var c Config
	c.DeploymentMode = "direct"
	c.StateDir = "/var/lib/sentinel"
	c.RulesDir = "/etc/sentinel/rules"
	c.PollIntervalSeconds = 60
	c.LogLevel = "info"
	c.HealerWorkers = 3
	c.IncidentBacklog = 100
	c.QueueHighWater = 1000
	c.WORM.Mode = "proxy"
	c.WORM.RetentionDays = 90
	c.WORM.AutoUpload = true
	c.Learning.AutoPromote = true
	return c
}

// LoadConfig resolves configuration from args (excluding argv[0]).
func LoadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("sentinel-agent", flag.ContinueOnError)

	configFile := fs.String("config", "", "YAML configuration file")
	siteID := fs.String("site-id", "", "site identifier (required)")
	hostID := fs.String("host-id", "", "appliance host identifier (required)")
	mcpURL := fs.String("mcp-url", "", "control-plane base URL")
	deployMode := fs.String("deployment-mode", "", "direct or reseller")
	stateDir := fs.String("state-dir", "", "state directory")
	rulesDir := fs.String("rules-dir", "", "rules directory")
	clientCert := fs.String("client-cert", "", "mTLS client certificate file")
	clientKey := fs.String("client-key", "", "mTLS client key file")
	signingKey := fs.String("signing-key", "", "Ed25519 signing key file")
	pollInterval := fs.Int("poll-interval", 0, "check-in interval in seconds")
	logLevel := fs.String("log-level", "", "debug, info, warn, or error")
	dryRun := fs.Bool("dry-run", false, "remediation produces no side effects")
	oneShot := fs.Bool("one-shot", false, "run a single cycle and exit")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	cfg := defaults()

	// Layer 1: YAML file.
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, *configFile, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, *configFile, err)
		}
	}

	// Layer 2: environment.
	envStr(&cfg.SiteID, "SITE_ID")
	envStr(&cfg.HostID, "HOST_ID")
	envStr(&cfg.MCPURL, "MCP_URL")
	envStr(&cfg.APIKey, "MCP_API_KEY")
	envStr(&cfg.StateDir, "STATE_DIR")
	envStr(&cfg.RulesDir, "RULES_DIR")
	envStr(&cfg.SigningKeyFile, "SIGNING_KEY_FILE")
	envStr(&cfg.ClientCertFile, "CLIENT_CERT_FILE")
	envStr(&cfg.ClientKeyFile, "CLIENT_KEY_FILE")
	envStr(&cfg.LogLevel, "LOG_LEVEL")
	envInt(&cfg.PollIntervalSeconds, "POLL_INTERVAL")
	envStr(&cfg.WORM.Mode, "WORM_MODE")
	envStr(&cfg.WORM.S3Bucket, "WORM_S3_BUCKET")
	envStr(&cfg.WORM.S3Region, "WORM_S3_REGION")
	envInt(&cfg.WORM.RetentionDays, "WORM_RETENTION_DAYS")
	envBool(&cfg.WORM.AutoUpload, "WORM_AUTO_UPLOAD")

	// Layer 3: flags win.
	flagStr(&cfg.SiteID, siteID)
	flagStr(&cfg.HostID, hostID)
	flagStr(&cfg.MCPURL, mcpURL)
	flagStr(&cfg.DeploymentMode, deployMode)
	flagStr(&cfg.StateDir, stateDir)
	flagStr(&cfg.RulesDir, rulesDir)
	flagStr(&cfg.ClientCertFile, clientCert)
	flagStr(&cfg.ClientKeyFile, clientKey)
	flagStr(&cfg.SigningKeyFile, signingKey)
	flagStr(&cfg.LogLevel, logLevel)
	if *pollInterval > 0 {
		cfg.PollIntervalSeconds = *pollInterval
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *oneShot {
		cfg.OneShot = true
	}

	if cfg.SigningKeyFile == "" {
		cfg.SigningKeyFile = cfg.StateDir + "/phi_scrub_keys/signing.key"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the agent cannot start with.
func (c *Config) Validate() error {
	if c.SiteID == "" {
		return fmt.Errorf("%w: site-id is required", ErrConfig)
	}
	if c.HostID == "" {
		return fmt.Errorf("%w: host-id is required", ErrConfig)
	}
	if c.MCPURL == "" {
		return fmt.Errorf("%w: mcp-url is required", ErrConfig)
	}
	switch c.DeploymentMode {
	case "direct", "reseller":
	default:
		return fmt.Errorf("%w: deployment-mode %q (want direct or reseller)", ErrConfig, c.DeploymentMode)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log-level %q", ErrConfig, c.LogLevel)
	}
	switch c.WORM.Mode {
	case "proxy", "direct":
	default:
		return fmt.Errorf("%w: worm mode %q (want proxy or direct)", ErrConfig, c.WORM.Mode)
	}
	if c.WORM.Mode == "direct" {
		if c.WORM.S3Bucket == "" || c.WORM.S3Region == "" {
			return fmt.Errorf("%w: direct WORM mode requires s3 bucket and region", ErrConfig)
		}
		if c.WORM.RetentionDays < 90 {
			return fmt.Errorf("%w: WORM retention %d days, minimum 90", ErrConfig, c.WORM.RetentionDays)
		}
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrConfig)
	}
	if c.Maintenance.Start != "" {
		if err := c.Maintenance.Validate(); err != nil {
			return fmt.Errorf("%w: maintenance window: %v", ErrConfig, err)
		}
	}
	return nil
}

// PollInterval returns the check-in cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// CadenceOverrides converts per-check cadence seconds to durations.
func (c *Config) CadenceOverrides() map[string]time.Duration {
	if len(c.Cadence) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.Cadence))
	for check, secs := range c.Cadence {
		out[check] = time.Duration(secs) * time.Second
	}
	return out
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func flagStr(dst *string, v *string) {
	if *v != "" {
		*dst = *v
	}
}
