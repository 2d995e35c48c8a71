// Package controlplane implements the pull-only HTTPS client the agent
// uses to talk to its control plane: cycle check-ins, L2 planning
// requests, evidence uploads, and execution telemetry. All requests
// carry a client certificate and a bearer token; the agent never opens
// a listening socket.
package controlplane

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/crypto"
)

// Request timeouts per operation class.
const (
	checkinTimeout = 10 * time.Second
	planTimeout    = 30 * time.Second
	uploadTimeout  = 10 * time.Second
)

// DefaultOrderTTL bounds how stale a signed order may be.
const DefaultOrderTTL = 15 * time.Minute

// Config holds the client's connection settings.
type Config struct {
	BaseURL     string
	SiteID      string
	ApplianceID string
	BearerToken string

	// mTLS material (file paths). Empty disables the client cert.
	ClientCertPath string
	ClientKeyPath  string
	CACertPath     string

	OrderTTL time.Duration
}

// Client is the control-plane HTTP client.
type Client struct {
	cfg      Config
	http     *http.Client
	clk      clock.Clock
	verifier *crypto.OrderVerifier
}

// NewClient builds the client, loading mTLS material when configured.
func NewClient(cfg Config, clk clock.Clock) (*Client, error) {
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = DefaultOrderTTL
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.ClientCertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.CACertPath != "" {
		caPEM, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				MaxIdleConns:        5,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		clk:      clk,
		verifier: crypto.NewOrderVerifier(""),
	}, nil
}

// Credentials are remote-host credentials returned by check-in. They
// live in memory for exactly one cycle and are zeroed afterwards —
// never persisted, never logged, never placed in evidence.
type Credentials struct {
	HostID     string `json:"host_id"`
	Hostname   string `json:"hostname"`
	Platform   string `json:"platform"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	UseSSL     bool   `json:"use_ssl,omitempty"`
}

// Zero wipes the credential material.
func (c *Credentials) Zero() {
	c.Password = ""
	c.PrivateKey = ""
}

// Order is a signed instruction from the control plane.
type Order struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	IssuedAt   string                 `json:"issued_at"`
	TTLSeconds int                    `json:"ttl_seconds,omitempty"`
	Signature  string                 `json:"signature"`
}

// CheckinState is the agent-side half of the heartbeat.
type CheckinState struct {
	SiteID        string                 `json:"site_id"`
	ApplianceID   string                 `json:"appliance_id,omitempty"`
	Hostname      string                 `json:"hostname"`
	AgentVersion  string                 `json:"agent_version"`
	UptimeSeconds int                    `json:"uptime_seconds"`
	PublicKey     string                 `json:"agent_public_key,omitempty"`
	QueueDepth    int                    `json:"queue_depth"`
	RuleStats     map[string]interface{} `json:"rule_stats,omitempty"`
	BudgetStats   map[string]interface{} `json:"budget_stats,omitempty"`
	DroppedDupes  int                    `json:"dropped_duplicate_incidents,omitempty"`
}

// CheckinResponse is the control plane's half of the heartbeat.
type CheckinResponse struct {
	Status          string        `json:"status"`
	ApplianceID     string        `json:"appliance_id"`
	ServerTime      string        `json:"server_time"`
	ServerPublicKey string        `json:"server_public_key"`
	ConfigHash      string        `json:"config_hash"`
	L2Mode          string        `json:"l2_mode"` // auto | manual | disabled
	Orders          []Order       `json:"orders"`
	Credentials     []Credentials `json:"credentials"`
}

// Checkin posts the cycle heartbeat and returns orders, credentials,
// and config state. The server public key in the response arms order
// verification.
func (c *Client) Checkin(ctx context.Context, state CheckinState) (*CheckinResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, checkinTimeout)
	defer cancel()

	var result CheckinResponse
	if err := c.postJSON(ctx, "/api/appliances/checkin", state, &result); err != nil {
		return nil, fmt.Errorf("checkin: %w", err)
	}

	if result.ServerPublicKey != "" {
		if err := c.verifier.SetPublicKey(result.ServerPublicKey); err != nil {
			log.Printf("[cp] Ignoring bad server public key: %v", err)
		}
	}
	return &result, nil
}

// VerifyOrder checks the Ed25519 signature over the order's canonical
// encoding and its freshness against the TTL.
func (c *Client) VerifyOrder(o Order) error {
	if !c.verifier.HasKey() {
		return fmt.Errorf("no server public key yet; order %s rejected", o.ID)
	}

	payload, err := crypto.BuildSignedPayload(map[string]interface{}{
		"id":        o.ID,
		"type":      o.Type,
		"payload":   o.Payload,
		"issued_at": o.IssuedAt,
	})
	if err != nil {
		return fmt.Errorf("build order payload: %w", err)
	}
	if err := c.verifier.VerifyOrder(payload, o.Signature); err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}

	issued, err := time.Parse(time.RFC3339, o.IssuedAt)
	if err != nil {
		return fmt.Errorf("order %s: bad issued_at %q: %v", o.ID, o.IssuedAt, err)
	}
	ttl := c.cfg.OrderTTL
	if o.TTLSeconds > 0 {
		ttl = time.Duration(o.TTLSeconds) * time.Second
	}
	if age := c.clk.Now().Sub(issued); age > ttl {
		return fmt.Errorf("order %s expired: issued %s ago, ttl %s", o.ID, age.Round(time.Second), ttl)
	}
	return nil
}

// PlanRequest carries a PHI-scrubbed incident to the planning endpoint.
type PlanRequest struct {
	IncidentID       string                 `json:"incident_id"`
	SiteID           string                 `json:"site_id"`
	HostID           string                 `json:"host_id"`
	IncidentType     string                 `json:"incident_type"`
	Severity         string                 `json:"severity"`
	RawData          map[string]interface{} `json:"raw_data"`
	PatternSignature string                 `json:"pattern_signature"`
	CreatedAt        string                 `json:"created_at"`
	PatternContext   map[string]interface{} `json:"pattern_context,omitempty"`
}

// Plan posts a planning request and returns the raw decision body. The
// planner owns parsing (including code-fence stripping) and guardrail
// application.
func (c *Client) Plan(ctx context.Context, req PlanRequest) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, planTimeout)
	defer cancel()

	body, status, err := c.post(ctx, "/api/agent/l2/plan", req)
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}
	if status != http.StatusOK {
		return nil, &HTTPError{Status: status, Body: truncateBody(body)}
	}
	return json.RawMessage(body), nil
}

// UploadEvidence posts a sealed bundle and its detached signature as a
// multipart form (proxy WORM mode). Returns the worm_uri assigned by
// the control plane.
func (c *Client) UploadEvidence(ctx context.Context, bundleID string, bundleJSON, sig []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("bundle", bundleID+".json")
	if err != nil {
		return "", fmt.Errorf("create bundle part: %w", err)
	}
	if _, err := part.Write(bundleJSON); err != nil {
		return "", fmt.Errorf("write bundle part: %w", err)
	}
	sigPart, err := w.CreateFormFile("signature", bundleID+".sig")
	if err != nil {
		return "", fmt.Errorf("create signature part: %w", err)
	}
	if _, err := sigPart.Write(sig); err != nil {
		return "", fmt.Errorf("write signature part: %w", err)
	}
	if err := w.WriteField("site_id", c.cfg.SiteID); err != nil {
		return "", fmt.Errorf("write site_id: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/api/evidence/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload evidence: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &HTTPError{Status: resp.StatusCode, Body: truncateBody(respBody)}
	}

	var result struct {
		WormURI string `json:"worm_uri"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	return result.WormURI, nil
}

// ExecutionRecord is the per-incident outcome reported for the data
// flywheel.
type ExecutionRecord struct {
	ExecutionID      string  `json:"execution_id"`
	IncidentID       string  `json:"incident_id"`
	ApplianceID      string  `json:"appliance_id,omitempty"`
	RunbookID        string  `json:"runbook_id"`
	Hostname         string  `json:"hostname"`
	IncidentType     string  `json:"incident_type"`
	DurationSeconds  float64 `json:"duration_seconds"`
	Success          bool    `json:"success"`
	Status           string  `json:"status"`
	Confidence       float64 `json:"confidence"`
	ResolutionLevel  string  `json:"resolution_level"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
	InputTokens      int     `json:"input_tokens,omitempty"`
	OutputTokens     int     `json:"output_tokens,omitempty"`
	Reasoning        string  `json:"reasoning,omitempty"`
	PatternSignature string  `json:"pattern_signature,omitempty"`
}

// ReportExecution posts post-execution telemetry. Payloads must be
// PHI-scrubbed before they reach this call.
func (c *Client) ReportExecution(ctx context.Context, rec ExecutionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, checkinTimeout)
	defer cancel()

	payload := map[string]interface{}{
		"site_id":     c.cfg.SiteID,
		"execution":   rec,
		"reported_at": c.clk.Now().Format(time.RFC3339),
	}

	var result map[string]interface{}
	if err := c.postJSON(ctx, "/api/agent/executions", payload, &result); err != nil {
		return fmt.Errorf("report execution: %w", err)
	}
	return nil
}

// HTTPError is a non-200 control-plane response. Permanent (non-429
// 4xx) statuses must not be retried.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.Status, e.Body)
}

// Permanent reports whether retrying is pointless.
func (e *HTTPError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// --- HTTP plumbing ---

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	req.Header.Set("User-Agent", "Sentinel-Agent/Go")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, status, err := c.post(ctx, path, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &HTTPError{Status: status, Body: truncateBody(body)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func truncateBody(b []byte) string {
	s := string(b)
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
