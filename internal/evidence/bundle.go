// Package evidence builds, signs, chains, and uploads the
// tamper-evident forensic record of every check and remediation. A
// sealed bundle is immutable: its content hash covers the canonical
// serialization with the signature omitted, its signature is Ed25519
// over that hash, and its prev_hash links it into the local chain.
package evidence

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/crypto"
	"github.com/osiriscare/sentinel/internal/phi"
)

// Action records one executed step inside a bundle. The script itself
// never appears; only its hash.
type Action struct {
	Name       string `json:"name"`
	ScriptHash string `json:"script_hash,omitempty"`
	Outcome    string `json:"outcome"`
	DurationMs int64  `json:"duration_ms"`
	ExitCode   int    `json:"exit_code"`
}

// Draft is the unsealed input to the builder.
type Draft struct {
	SiteID           string
	HostID           string
	CheckOrRunbookID string
	Outcome          string
	HIPAAControls    []string
	PreState         map[string]interface{}
	PostState        map[string]interface{}
	Actions          []Action
}

// Bundle is the sealed, signed evidence record. Field order is
// irrelevant on the wire; hashing uses the canonical serialization.
type Bundle struct {
	BundleID         string                 `json:"bundle_id"`
	SiteID           string                 `json:"site_id"`
	HostID           string                 `json:"host_id"`
	CheckOrRunbookID string                 `json:"check_or_runbook_id"`
	Timestamp        string                 `json:"timestamp"` // RFC 3339, millisecond precision
	Outcome          string                 `json:"outcome"`
	HIPAAControls    []string               `json:"hipaa_controls,omitempty"`
	PreState         map[string]interface{} `json:"pre_state"`
	PostState        map[string]interface{} `json:"post_state"`
	Actions          []Action               `json:"actions"`
	PHIScrubbed      bool                   `json:"phi_scrubbed"`
	ScrubberStats    map[string]int         `json:"scrubber_stats,omitempty"`
	PrevHash         string                 `json:"prev_hash"`
	ContentHash      string                 `json:"content_hash"`
	Signature        string                 `json:"signature,omitempty"`
	WormURI          string                 `json:"worm_uri,omitempty"`
}

// hashable returns a copy with the fields excluded from the content
// hash cleared. worm_uri is assigned after sealing and must not affect
// the hash either.
func (b Bundle) hashable() Bundle {
	b.ContentHash = ""
	b.Signature = ""
	b.WormURI = ""
	return b
}

// Builder seals drafts into signed, chained bundles on disk.
type Builder struct {
	mu       sync.Mutex
	dir      string // <state_dir>/evidence
	signer   *crypto.Signer
	scrubber *phi.Scrubber
	chain    *Chain
	registry *Registry
	clk      clock.Clock

	seq     int
	seqDate string
}

// NewBuilder creates a builder rooted at stateDir. The chain and the
// upload registry are loaded (or created) under the same root.
func NewBuilder(stateDir string, signer *crypto.Signer, scrubber *phi.Scrubber, clk clock.Clock) (*Builder, error) {
	evDir := filepath.Join(stateDir, "evidence")
	if err := os.MkdirAll(evDir, 0o700); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}

	chain, err := OpenChain(filepath.Join(stateDir, "hash-chain"))
	if err != nil {
		return nil, err
	}
	registry, err := OpenRegistry(filepath.Join(evDir, ".upload_registry.json"))
	if err != nil {
		return nil, err
	}

	b := &Builder{
		dir:      evDir,
		signer:   signer,
		scrubber: scrubber,
		chain:    chain,
		registry: registry,
		clk:      clk,
	}
	b.seq, b.seqDate = b.recoverSequence()
	chain.SetHashFunc(b.contentHashFromDisk)
	return b, nil
}

// contentHashFromDisk re-derives the canonical content hash of a
// sealed bundle file so chain verification catches bundle tampering,
// not just link tampering.
func (b *Builder) contentHashFromDisk(bundleID string) (string, error) {
	bundle, _, _, err := b.Load(bundleID)
	if err != nil {
		return "", err
	}
	canonical, err := crypto.CanonicalMarshal(bundle.hashable())
	if err != nil {
		return "", err
	}
	return crypto.SHA256Hex(canonical), nil
}

// Chain exposes the hash chain for verification passes.
func (b *Builder) Chain() *Chain { return b.chain }

// Registry exposes the upload registry for the uploader worker.
func (b *Builder) Registry() *Registry { return b.registry }

// Seal scrubs, hashes, chains, signs, and persists a draft. The chain
// tip mutex is held only for the link append; disk writes happen under
// the same lock because the sequence number and the chain must agree.
func (b *Builder) Seal(draft Draft) (*Bundle, error) {
	now := b.clk.Now()

	pre, preStats := b.scrubber.ScrubMap(draft.PreState)
	post, postStats := b.scrubber.ScrubMap(draft.PostState)

	stats := make(map[string]int)
	for k, v := range preStats.Replacements {
		stats[k] += v
	}
	for k, v := range postStats.Replacements {
		stats[k] += v
	}
	if len(stats) == 0 {
		stats = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bundle := Bundle{
		BundleID:         b.nextIDLocked(now),
		SiteID:           draft.SiteID,
		HostID:           draft.HostID,
		CheckOrRunbookID: draft.CheckOrRunbookID,
		Timestamp:        now.Format("2006-01-02T15:04:05.000Z07:00"),
		Outcome:          draft.Outcome,
		HIPAAControls:    draft.HIPAAControls,
		PreState:         pre,
		PostState:        post,
		Actions:          draft.Actions,
		PHIScrubbed:      true,
		ScrubberStats:    stats,
		PrevHash:         b.chain.TipHash(),
	}
	if bundle.Actions == nil {
		bundle.Actions = []Action{}
	}
	if bundle.PreState == nil {
		bundle.PreState = map[string]interface{}{}
	}
	if bundle.PostState == nil {
		bundle.PostState = map[string]interface{}{}
	}

	canonical, err := crypto.CanonicalMarshal(bundle.hashable())
	if err != nil {
		return nil, fmt.Errorf("canonicalize bundle %s: %w", bundle.BundleID, err)
	}
	bundle.ContentHash = crypto.SHA256Hex(canonical)
	bundle.Signature = b.signer.SignBase64([]byte(bundle.ContentHash))

	if err := b.chain.Append(Link{
		Timestamp:   bundle.Timestamp,
		BundleID:    bundle.BundleID,
		ContentHash: bundle.ContentHash,
		PrevHash:    bundle.PrevHash,
	}); err != nil {
		return nil, fmt.Errorf("chain append for %s: %w", bundle.BundleID, err)
	}

	if err := b.writeLocked(&bundle); err != nil {
		return nil, err
	}
	if err := b.registry.MarkPending(bundle.BundleID); err != nil {
		log.Printf("[evidence] Registry update for %s: %v", bundle.BundleID, err)
	}

	log.Printf("[evidence] Sealed %s (%s/%s, outcome=%s, hash=%s...)",
		bundle.BundleID, bundle.SiteID, bundle.HostID, bundle.Outcome, bundle.ContentHash[:12])
	return &bundle, nil
}

// Path returns the on-disk JSON path for a bundle id. Layout is
// evidence/YYYY/MM/DD/EB-YYYYMMDD-NNNN.json.
func (b *Builder) Path(bundleID string) string {
	// EB-YYYYMMDD-NNNN
	if len(bundleID) < 11 {
		return filepath.Join(b.dir, bundleID+".json")
	}
	date := bundleID[3:11]
	return filepath.Join(b.dir, date[:4], date[4:6], date[6:8], bundleID+".json")
}

func (b *Builder) writeLocked(bundle *Bundle) error {
	path := b.Path(bundle.BundleID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	body, err := crypto.CanonicalMarshal(bundle)
	if err != nil {
		return fmt.Errorf("serialize bundle %s: %w", bundle.BundleID, err)
	}
	if err := writeAtomic(path, body, 0o600); err != nil {
		return fmt.Errorf("write bundle %s: %w", bundle.BundleID, err)
	}
	sigPath := path[:len(path)-len(".json")] + ".sig"
	if err := writeAtomic(sigPath, []byte(bundle.Signature), 0o600); err != nil {
		return fmt.Errorf("write signature for %s: %w", bundle.BundleID, err)
	}
	return nil
}

// nextIDLocked allocates EB-YYYYMMDD-NNNN; the counter resets at UTC
// midnight. Caller holds b.mu.
func (b *Builder) nextIDLocked(now time.Time) string {
	date := now.Format("20060102")
	if date != b.seqDate {
		b.seqDate = date
		b.seq = 0
	}
	b.seq++
	return fmt.Sprintf("EB-%s-%04d", date, b.seq)
}

// recoverSequence scans today's evidence directory so a restart does
// not reuse bundle ids.
func (b *Builder) recoverSequence() (int, string) {
	now := b.clk.Now()
	date := now.Format("20060102")
	dir := filepath.Join(b.dir, now.Format("2006"), now.Format("01"), now.Format("02"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, date
	}
	max := 0
	for _, e := range entries {
		name := e.Name()
		var d string
		var n int
		if _, err := fmt.Sscanf(name, "EB-%8s-%04d.json", &d, &n); err == nil && d == date && n > max {
			max = n
		}
	}
	return max, date
}

// Load reads a sealed bundle and its detached signature back from disk.
func (b *Builder) Load(bundleID string) (*Bundle, []byte, []byte, error) {
	path := b.Path(bundleID)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read bundle %s: %w", bundleID, err)
	}
	sig, err := os.ReadFile(path[:len(path)-len(".json")] + ".sig")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read signature for %s: %w", bundleID, err)
	}

	var bundle Bundle
	if err := unmarshalStrict(body, &bundle); err != nil {
		return nil, nil, nil, fmt.Errorf("parse bundle %s: %w", bundleID, err)
	}
	return &bundle, body, sig, nil
}

// VerifyBundle re-derives the content hash and checks the signature
// against the builder's own public key.
func (b *Builder) VerifyBundle(bundle *Bundle) error {
	canonical, err := crypto.CanonicalMarshal(bundle.hashable())
	if err != nil {
		return fmt.Errorf("canonicalize: %w", err)
	}
	if got := crypto.SHA256Hex(canonical); got != bundle.ContentHash {
		return fmt.Errorf("content hash mismatch for %s: stored %s, derived %s",
			bundle.BundleID, bundle.ContentHash, got)
	}
	if !b.scrubber.VerifyIPsPreserved(string(canonical)) {
		return fmt.Errorf("bundle %s failed IP preservation check", bundle.BundleID)
	}
	return crypto.VerifyBase64(b.signer.PublicKeyHex(), []byte(bundle.ContentHash), bundle.Signature)
}
