package remote

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestLocalTransportRun(t *testing.T) {
	lt := NewLocalTransport()

	stdout, _, code, err := lt.Run(context.Background(), nil, "echo hello", 10*time.Second)
	if err != nil || code != 0 || strings.TrimSpace(stdout) != "hello" {
		t.Errorf("run = %q, %d, %v", stdout, code, err)
	}

	// A non-zero exit is a result, not an error.
	_, stderr, code, err := lt.Run(context.Background(), nil, "echo oops >&2; exit 3", 10*time.Second)
	if err != nil || code != 3 || strings.TrimSpace(stderr) != "oops" {
		t.Errorf("run = %q, %d, %v", stderr, code, err)
	}
}

func TestLocalTransportTimeout(t *testing.T) {
	lt := NewLocalTransport()
	_, _, _, err := lt.Run(context.Background(), nil, "sleep 5", 100*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}
