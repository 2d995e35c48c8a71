package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	gowinrm "github.com/masterzen/winrm"

	"github.com/osiriscare/sentinel/internal/crypto"
)

const (
	winrmSessionMaxAge = 300 * time.Second
	winrmInlineLimit   = 2000 // chars before switching to temp-file mode
	winrmChunkSize     = 6000 // base64 chunk size safe for cmd.exe echo
)

type winrmSession struct {
	client    *gowinrm.Client
	createdAt time.Time
}

// WinRMTransport runs PowerShell on Windows targets over WinRM with
// NTLM auth. Sessions are cached per hostname; the cmd.exe 8191
// character limit is handled by chunked temp-file upload.
type WinRMTransport struct {
	mu       sync.Mutex
	sessions map[string]*winrmSession
}

// NewWinRMTransport creates the transport with an empty session cache.
func NewWinRMTransport() *WinRMTransport {
	return &WinRMTransport{sessions: make(map[string]*winrmSession)}
}

// Run executes a PowerShell script. Transport failures are returned as
// *TransportError; deadline overruns as ErrTimeout.
func (t *WinRMTransport) Run(ctx context.Context, target *Target, script string, timeout time.Duration) (string, string, int, error) {
	client, err := t.getSession(target)
	if err != nil {
		return "", "", -1, &TransportError{Op: "winrm session", Err: err}
	}

	type runOut struct {
		stdout, stderr string
		exitCode       int
		err            error
	}
	done := make(chan runOut, 1)
	go func() {
		var out runOut
		if len(script) > winrmInlineLimit {
			out.stdout, out.stderr, out.exitCode, out.err = t.runViaTempFile(client, script)
		} else {
			out.stdout, out.stderr, out.exitCode, out.err = t.runInline(client, script)
		}
		done <- out
	}()

	select {
	case <-ctx.Done():
		return "", "", -1, &TransportError{Op: "winrm run", Err: ctx.Err()}
	case <-time.After(timeout):
		t.Invalidate(target.Hostname)
		return "", "", -1, ErrTimeout
	case out := <-done:
		if out.err != nil {
			return "", "", -1, &TransportError{Op: "winrm run", Err: out.err}
		}
		return out.stdout, out.stderr, out.exitCode, nil
	}
}

func (t *WinRMTransport) runInline(client *gowinrm.Client, script string) (string, string, int, error) {
	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodePowerShell(script))
	if err != nil {
		return "", "", -1, fmt.Errorf("execute: %w", err)
	}
	defer cmd.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	go io.Copy(&stdoutBuf, cmd.Stdout)
	go io.Copy(&stderrBuf, cmd.Stderr)
	cmd.Wait()

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), cmd.ExitCode(), nil
}

// runViaTempFile handles the cmd.exe 8191 character limit by writing
// the script to a temp file via chunked base64 echo commands.
func (t *WinRMTransport) runViaTempFile(client *gowinrm.Client, script string) (string, string, int, error) {
	scriptTag := crypto.SHA256Hex([]byte(script))[:8]
	tempB64 := fmt.Sprintf(`C:\Windows\Temp\sentinel_%s.b64`, scriptTag)
	tempPS1 := fmt.Sprintf(`C:\Windows\Temp\sentinel_%s.ps1`, scriptTag)

	encoded := base64.StdEncoding.EncodeToString([]byte(script))

	shell, err := client.CreateShell()
	if err != nil {
		return "", "", -1, fmt.Errorf("create shell: %w", err)
	}
	defer shell.Close()

	for i, chunk := range splitChunks(encoded, winrmChunkSize) {
		op := ">"
		if i > 0 {
			op = ">>"
		}
		cmd, err := shell.Execute("cmd.exe", "/c", fmt.Sprintf(`echo %s%s"%s"`, chunk, op, tempB64))
		if err != nil {
			return "", "", -1, fmt.Errorf("write chunk %d: %w", i, err)
		}
		cmd.Wait()
		code := cmd.ExitCode()
		cmd.Close()
		if code != 0 {
			return "", "", -1, fmt.Errorf("write chunk %d failed: exit %d", i, code)
		}
	}

	decodeAndRun := fmt.Sprintf(
		`$r=(Get-Content '%s' -Raw) -replace '\s',''; `+
			`$b=[Convert]::FromBase64String($r); `+
			`[IO.File]::WriteAllText('%s',[Text.Encoding]::UTF8.GetString($b)); `+
			`Remove-Item '%s' -Force -EA SilentlyContinue; `+
			`try { & '%s' } finally { Remove-Item '%s' -Force -EA SilentlyContinue }`,
		tempB64, tempPS1, tempB64, tempPS1, tempPS1,
	)

	cmd, err := shell.Execute("powershell.exe", "-NoProfile", "-NonInteractive", "-EncodedCommand", encodePowerShell(decodeAndRun))
	if err != nil {
		return "", "", -1, fmt.Errorf("execute temp file: %w", err)
	}
	defer cmd.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	go io.Copy(&stdoutBuf, cmd.Stdout)
	go io.Copy(&stderrBuf, cmd.Stderr)
	cmd.Wait()

	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), cmd.ExitCode(), nil
}

func (t *WinRMTransport) getSession(target *Target) (*gowinrm.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cached, ok := t.sessions[target.Hostname]; ok {
		if time.Since(cached.createdAt) < winrmSessionMaxAge {
			return cached.client, nil
		}
		log.Printf("[remote] WinRM session expired for %s, refreshing", target.Hostname)
	}

	port := target.Port
	if port == 0 {
		if target.UseSSL {
			port = 5986
		} else {
			port = 5985
		}
	}

	endpoint := gowinrm.NewEndpoint(target.Hostname, port, target.UseSSL, !target.UseSSL, nil, nil, nil, 120*time.Second)

	// NTLM is what domain environments actually enable; Basic rarely is.
	params := gowinrm.NewParameters("PT120S", "en-US", 153600)
	params.TransportDecorator = func() gowinrm.Transporter { return &gowinrm.ClientNTLM{} }

	client, err := gowinrm.NewClientWithParameters(endpoint, target.Username, target.Password, params)
	if err != nil {
		return nil, fmt.Errorf("create WinRM client for %s: %w", target.Hostname, err)
	}

	t.sessions[target.Hostname] = &winrmSession{client: client, createdAt: time.Now()}
	log.Printf("[remote] New WinRM session for %s:%d (ssl=%v)", target.Hostname, port, target.UseSSL)
	return client, nil
}

// Invalidate removes a cached session for a host.
func (t *WinRMTransport) Invalidate(hostname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, hostname)
}

// CloseAll drops every cached session.
func (t *WinRMTransport) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[string]*winrmSession)
}

// encodePowerShell encodes a script for -EncodedCommand (UTF-16LE
// base64).
func encodePowerShell(script string) string {
	utf16 := make([]byte, len(script)*2)
	for i, c := range []byte(script) {
		utf16[i*2] = c
		utf16[i*2+1] = 0
	}
	return base64.StdEncoding.EncodeToString(utf16)
}

func splitChunks(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		end := size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}
