package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// LocalTransport executes scripts on the appliance itself. Used for
// drift checks against the local host and the self-remediation paths.
type LocalTransport struct{}

// NewLocalTransport creates the transport.
func NewLocalTransport() *LocalTransport { return &LocalTransport{} }

// Run executes a bash script locally under the step deadline.
func (t *LocalTransport) Run(ctx context.Context, target *Target, script string, timeout time.Duration) (string, string, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return "", "", -1, ErrTimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return "", "", -1, &TransportError{Op: "local exec", Err: err}
	}
	return stdout.String(), stderr.String(), 0, nil
}

// Invalidate is a no-op; there are no sessions to local exec.
func (t *LocalTransport) Invalidate(hostname string) {}

// CloseAll is a no-op.
func (t *LocalTransport) CloseAll() {}
