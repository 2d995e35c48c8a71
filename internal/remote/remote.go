// Package remote drives remediation steps against managed hosts with
// structured, bounded behavior: hard timeouts, transport-only retries,
// bounded output capture, and runbook rollback semantics. Transports
// are WinRM for Windows, SSH for Linux, and local exec for checks on
// the appliance itself.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/crypto"
)

// Platforms a step may target.
const (
	PlatformWindows = "windows"
	PlatformLinux   = "linux"
	PlatformLocal   = "local"
)

// Step outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

// OnFailure modes.
const (
	FailureAbort    = "abort"
	FailureContinue = "continue"
)

const (
	defaultStepTimeout = 60 * time.Second
	maxStepTimeout     = 600 * time.Second
	maxOutputBytes     = 1 << 20 // 1 MiB per stream
	maxRetryBackoff    = 30 * time.Second
	truncationMarker   = "\n[OUTPUT TRUNCATED AT 1 MiB]"
)

// ErrTimeout marks a step that exceeded its hard deadline. Timeouts
// are failures, never retried.
var ErrTimeout = errors.New("step timed out")

// TransportError marks a transport-layer failure (dial, handshake,
// stale session). Only these are retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport-layer failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Target describes a managed host. Credentials arrive from the
// control-plane check-in, live only in memory for one cycle, and are
// never logged or written into evidence.
type Target struct {
	HostID     string
	Hostname   string
	Platform   string
	Port       int
	Username   string
	Password   string
	PrivateKey string // PEM, Linux targets
	UseSSL     bool
}

// Zero wipes credential material after the cycle ends.
func (t *Target) Zero() {
	t.Password = ""
	t.PrivateKey = ""
}

// Step is one bounded remediation command.
type Step struct {
	Name           string `yaml:"name" json:"name"`
	Script         string `yaml:"script" json:"-"`
	Platform       string `yaml:"platform" json:"platform"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	OnFailure      string `yaml:"on_failure" json:"on_failure"`
	Disruptive     bool   `yaml:"disruptive" json:"disruptive"`
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
}

// timeout applies the default and the hard cap.
func (s *Step) timeout() time.Duration {
	d := time.Duration(s.TimeoutSeconds) * time.Second
	if d <= 0 {
		d = defaultStepTimeout
	}
	if d > maxStepTimeout {
		d = maxStepTimeout
	}
	return d
}

// StepResult is the bounded record of one step execution. ScriptHash
// goes into evidence instead of the script body.
type StepResult struct {
	Step       string `json:"step"`
	Outcome    string `json:"outcome"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
	ScriptHash string `json:"script_hash"`
	Retries    int    `json:"retries,omitempty"`
	Error      string `json:"error,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
}

// Runbook is an ordered step list with an optional rollback list. A
// failed step with a declared rollback yields overall outcome partial.
type Runbook struct {
	ID            string   `yaml:"id" json:"id"`
	Steps         []Step   `yaml:"steps" json:"steps"`
	Rollback      []Step   `yaml:"rollback,omitempty" json:"rollback,omitempty"`
	Disruptive    bool     `yaml:"disruptive" json:"disruptive"`
	HIPAAControls []string `yaml:"hipaa_controls,omitempty" json:"hipaa_controls,omitempty"`
}

// RunbookResult is the aggregate of a runbook execution.
type RunbookResult struct {
	RunbookID   string       `json:"runbook_id"`
	Outcome     string       `json:"outcome"`
	Steps       []StepResult `json:"steps"`
	RollbackRan bool         `json:"rollback_ran,omitempty"`
	DurationMs  int64        `json:"duration_ms"`
}

// Transport executes a script against a target. A non-zero exit code
// is not an error; errors are reserved for transport problems and
// timeouts.
type Transport interface {
	Run(ctx context.Context, target *Target, script string, timeout time.Duration) (stdout, stderr string, exitCode int, err error)
	Invalidate(hostname string)
	CloseAll()
}

// Executor routes steps to the right transport and owns retry,
// truncation, and rollback policy.
type Executor struct {
	winrm  Transport
	ssh    Transport
	local  Transport
	clk    clock.Clock
	dryRun bool
}

// NewExecutor wires the three transports. dryRun substitutes a no-op
// success for every execution.
func NewExecutor(clk clock.Clock, dryRun bool) *Executor {
	return &Executor{
		winrm:  NewWinRMTransport(),
		ssh:    NewSSHTransport(),
		local:  NewLocalTransport(),
		clk:    clk,
		dryRun: dryRun,
	}
}

func (e *Executor) transportFor(platform string) (Transport, error) {
	switch platform {
	case PlatformWindows:
		return e.winrm, nil
	case PlatformLinux:
		return e.ssh, nil
	case PlatformLocal, "":
		return e.local, nil
	}
	return nil, fmt.Errorf("unknown platform %q", platform)
}

// ExecuteStep runs one step with the per-step contract: hard timeout,
// transport-only retries with exponential backoff (1s, 2s, 4s, capped
// at 30s), and 1 MiB output truncation.
func (e *Executor) ExecuteStep(ctx context.Context, step Step, target *Target) StepResult {
	start := e.clk.Monotonic()
	result := StepResult{
		Step:       step.Name,
		Outcome:    OutcomeFailure,
		ExitCode:   -1,
		ScriptHash: crypto.SHA256Hex([]byte(step.Script)),
	}

	if e.dryRun {
		result.Outcome = OutcomeSuccess
		result.ExitCode = 0
		result.DryRun = true
		result.DurationMs = (e.clk.Monotonic() - start).Milliseconds()
		log.Printf("[remote] DRY RUN step %s on %s", step.Name, target.HostID)
		return result
	}

	transport, err := e.transportFor(step.Platform)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = (e.clk.Monotonic() - start).Milliseconds()
		return result
	}

	maxRetries := step.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
			log.Printf("[remote] Retry %d/%d for step %s on %s after %s",
				attempt, maxRetries, step.Name, target.HostID, backoff)
			if err := e.clk.Sleep(ctx, backoff); err != nil {
				result.Error = "cancelled during retry backoff"
				break
			}
			result.Retries = attempt
		}

		stdout, stderr, exitCode, err := transport.Run(ctx, target, step.Script, step.timeout())
		if err == nil {
			result.Stdout, result.Stderr, result.Truncated = truncateOutputs(stdout, stderr)
			result.ExitCode = exitCode
			if exitCode == 0 {
				result.Outcome = OutcomeSuccess
			} else {
				result.Error = fmt.Sprintf("exit code %d", exitCode)
			}
			break
		}

		lastErr = err
		if errors.Is(err, ErrTimeout) {
			result.Error = fmt.Sprintf("timeout after %s", step.timeout())
			break
		}
		if !IsTransport(err) || attempt >= maxRetries {
			result.Error = err.Error()
			break
		}
		// Stale-session detector: re-establish on the next attempt.
		transport.Invalidate(target.Hostname)
	}

	if result.Error == "" && lastErr != nil && result.ExitCode == -1 {
		result.Error = lastErr.Error()
	}
	result.DurationMs = (e.clk.Monotonic() - start).Milliseconds()
	return result
}

// ExecuteRunbook runs steps in order. on_failure: continue proceeds
// past a failed step; abort (the default) stops. When a step fails and
// the runbook declares a rollback, the rollback runs and the overall
// outcome is partial.
func (e *Executor) ExecuteRunbook(ctx context.Context, rb Runbook, target *Target) RunbookResult {
	start := e.clk.Monotonic()
	out := RunbookResult{RunbookID: rb.ID, Outcome: OutcomeSuccess}

	failed := false
	for _, step := range rb.Steps {
		sr := e.ExecuteStep(ctx, step, target)
		out.Steps = append(out.Steps, sr)
		if sr.Outcome == OutcomeSuccess {
			continue
		}
		failed = true
		if step.OnFailure == FailureContinue {
			log.Printf("[remote] Step %s failed (on_failure=continue), proceeding", step.Name)
			continue
		}
		break
	}

	if failed {
		out.Outcome = OutcomeFailure
		if len(rb.Rollback) > 0 {
			log.Printf("[remote] Runbook %s failed, running %d rollback steps", rb.ID, len(rb.Rollback))
			out.RollbackRan = true
			for _, step := range rb.Rollback {
				sr := e.ExecuteStep(ctx, step, target)
				out.Steps = append(out.Steps, sr)
			}
			out.Outcome = OutcomePartial
		}
	}

	out.DurationMs = (e.clk.Monotonic() - start).Milliseconds()
	return out
}

// EndCycle drops cached sessions. Called when the per-cycle
// credentials are zeroed so no transport keeps authenticating with
// stale material.
func (e *Executor) EndCycle() {
	e.winrm.CloseAll()
	e.ssh.CloseAll()
	e.local.CloseAll()
}

// truncateOutputs bounds both streams at 1 MiB with a marker.
func truncateOutputs(stdout, stderr string) (string, string, bool) {
	truncated := false
	if len(stdout) > maxOutputBytes {
		stdout = stdout[:maxOutputBytes] + truncationMarker
		truncated = true
	}
	if len(stderr) > maxOutputBytes {
		stderr = stderr[:maxOutputBytes] + truncationMarker
		truncated = true
	}
	return strings.ToValidUTF8(stdout, ""), strings.ToValidUTF8(stderr, ""), truncated
}
