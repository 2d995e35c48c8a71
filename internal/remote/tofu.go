package remote

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// knownHostsPath is where trust-on-first-use host keys persist.
const knownHostsPath = "/var/lib/sentinel/ssh_known_hosts"

// tofuHostKeyCallback accepts and persists new host keys and rejects
// changed keys (potential MITM). Caller-side locking: called from the
// SSH handshake, which runs inside getConnection with t.mu held.
func (t *SSHTransport) tofuHostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	existing, known := t.hostKeys[host]
	if !known {
		t.hostKeys[host] = key
		log.Printf("[remote] TOFU: accepted new host key for %s (%s)", host, key.Type())
		t.saveKnownHosts()
		return nil
	}

	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}

	log.Printf("[remote] SECURITY: host key CHANGED for %s (was %s, now %s)",
		host, existing.Type(), key.Type())
	return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept new key)",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), knownHostsPath)
}

// loadKnownHosts reads persisted host keys. Format: one line per host,
// "hostname key-type base64-key".
func (t *SSHTransport) loadKnownHosts() {
	f, err := os.Open(knownHostsPath)
	if err != nil {
		return // missing on first run
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			log.Printf("[remote] TOFU: bad base64 for %s in known_hosts, skipping", parts[0])
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			log.Printf("[remote] TOFU: bad key for %s in known_hosts, skipping", parts[0])
			continue
		}
		t.hostKeys[parts[0]] = pubKey
		loaded++
	}
	if loaded > 0 {
		log.Printf("[remote] TOFU: loaded %d known host keys from %s", loaded, knownHostsPath)
	}
}

func (t *SSHTransport) saveKnownHosts() {
	dir := filepath.Dir(knownHostsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[remote] TOFU: cannot create dir %s: %v", dir, err)
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts (TOFU — managed by sentinel agent)\n")
	for host, key := range t.hostKeys {
		buf.WriteString(fmt.Sprintf("%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal())))
	}

	if err := os.WriteFile(knownHostsPath, []byte(buf.String()), 0o600); err != nil {
		log.Printf("[remote] TOFU: failed to save known_hosts: %v", err)
	}
}
