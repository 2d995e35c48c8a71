package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	sshConnMaxAge  = 300 * time.Second
	maxCachedConns = 50 // LRU eviction threshold
)

type sshConn struct {
	client    *ssh.Client
	createdAt time.Time
}

// SSHTransport runs bash on Linux targets. Connections are cached per
// hostname with LRU eviction; scripts are base64-wrapped to avoid
// shell quoting issues. Host keys use trust-on-first-use with
// persistence.
type SSHTransport struct {
	mu        sync.Mutex
	conns     map[string]*sshConn
	connOrder []string // LRU order, oldest first
	hostKeys  map[string]ssh.PublicKey
}

// NewSSHTransport creates the transport and loads persisted host keys.
func NewSSHTransport() *SSHTransport {
	t := &SSHTransport{
		conns:    make(map[string]*sshConn),
		hostKeys: make(map[string]ssh.PublicKey),
	}
	t.loadKnownHosts()
	return t
}

// Run executes a bash script. Transport failures come back as
// *TransportError; deadline overruns as ErrTimeout.
func (t *SSHTransport) Run(ctx context.Context, target *Target, script string, timeout time.Duration) (string, string, int, error) {
	client, err := t.getConnection(target)
	if err != nil {
		return "", "", -1, &TransportError{Op: "ssh connect", Err: err}
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, &TransportError{Op: "ssh session", Err: err}
	}
	defer session.Close()

	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	cmd := fmt.Sprintf(`bash -c "$(echo %s | base64 -d)"`, encoded)

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		return "", "", -1, &TransportError{Op: "ssh run", Err: ctx.Err()}
	case <-time.After(timeout):
		t.Invalidate(target.Hostname)
		return "", "", -1, ErrTimeout
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return "", "", -1, &TransportError{Op: "ssh run", Err: err}
			}
		}
		return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), exitCode, nil
	}
}

func (t *SSHTransport) getConnection(target *Target) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cached, ok := t.conns[target.Hostname]; ok {
		if time.Since(cached.createdAt) < sshConnMaxAge {
			if s, err := cached.client.NewSession(); err == nil {
				s.Close()
				t.lruTouch(target.Hostname)
				return cached.client, nil
			}
			log.Printf("[remote] Stale SSH connection to %s, reconnecting", target.Hostname)
		}
		cached.client.Close()
		delete(t.conns, target.Hostname)
		t.lruRemove(target.Hostname)
	}

	config, err := t.buildSSHConfig(target)
	if err != nil {
		return nil, err
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Hostname, fmt.Sprintf("%d", port))

	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshNetConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshNetConn, chans, reqs)

	if len(t.conns) >= maxCachedConns && len(t.connOrder) > 0 {
		evictHost := t.connOrder[0]
		t.connOrder = t.connOrder[1:]
		if old, ok := t.conns[evictHost]; ok {
			old.client.Close()
			delete(t.conns, evictHost)
			log.Printf("[remote] LRU evicted SSH connection for %s (cache full at %d)", evictHost, maxCachedConns)
		}
	}

	t.conns[target.Hostname] = &sshConn{client: client, createdAt: time.Now()}
	t.lruTouch(target.Hostname)

	log.Printf("[remote] New SSH connection to %s:%d as %s", target.Hostname, port, target.Username)
	return client, nil
}

// lruTouch moves a hostname to the back of the LRU order. Caller holds
// t.mu.
func (t *SSHTransport) lruTouch(hostname string) {
	t.lruRemove(hostname)
	t.connOrder = append(t.connOrder, hostname)
}

// lruRemove drops a hostname from the LRU order. Caller holds t.mu.
func (t *SSHTransport) lruRemove(hostname string) {
	for i, h := range t.connOrder {
		if h == hostname {
			t.connOrder = append(t.connOrder[:i], t.connOrder[i+1:]...)
			return
		}
	}
}

// Invalidate closes and removes a cached connection.
func (t *SSHTransport) Invalidate(hostname string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cached, ok := t.conns[hostname]; ok {
		cached.client.Close()
		delete(t.conns, hostname)
		t.lruRemove(hostname)
	}
}

// CloseAll closes every cached connection.
func (t *SSHTransport) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for host, cached := range t.conns {
		cached.client.Close()
		delete(t.conns, host)
	}
	t.connOrder = nil
}

func (t *SSHTransport) buildSSHConfig(target *Target) (*ssh.ClientConfig, error) {
	username := target.Username
	if username == "" {
		username = "root"
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: t.tofuHostKeyCallback,
		Timeout:         30 * time.Second,
	}

	switch {
	case target.PrivateKey != "":
		signer, err := ssh.ParsePrivateKey([]byte(target.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case target.Password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(target.Password)}
	default:
		return nil, fmt.Errorf("no auth method for %s (need key or password)", target.Hostname)
	}

	return config, nil
}
