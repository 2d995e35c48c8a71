package evidence

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first link in a chain segment.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken indicates a verification pass found a link whose
// prev_hash does not match its predecessor's content_hash.
var ErrChainBroken = errors.New("hash chain broken")

// Link is one line of chain.jsonl.
type Link struct {
	Index       int    `json:"index"`
	Timestamp   string `json:"timestamp"`
	BundleID    string `json:"bundle_id"`
	ContentHash string `json:"content_hash"`
	PrevHash    string `json:"prev_hash"`
}

// Chain is the append-only local hash chain. The tip is guarded by a
// mutex held only for the duration of an append.
type Chain struct {
	mu     sync.Mutex
	dir    string
	path   string // <dir>/chain.jsonl
	tip    string
	next   int
	hashFn func(bundleID string) (string, error)
}

// segmentMeta records what was known-good when a damaged segment was
// frozen. It is written next to the frozen file so an auditor can tie
// the fresh segment back to the break point.
type segmentMeta struct {
	FrozenSegment string `json:"frozen_segment"`
	FrozenAt      string `json:"frozen_at"`
	Reason        string `json:"reason"`
	LastGoodIndex int    `json:"last_good_index"` // -1 when no link verified
	LastGoodHash  string `json:"last_good_hash"`
}

// OpenChain loads (or creates) the chain at dir/chain.jsonl and
// recovers the tip. A chain that fails verification on open is frozen
// and a fresh segment is started; sealing must not stop because the
// past is damaged.
func OpenChain(dir string) (*Chain, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create chain dir: %w", err)
	}

	c := &Chain{dir: dir, path: filepath.Join(dir, "chain.jsonl"), tip: GenesisHash}

	links, err := c.readAll()
	good := len(links)
	if err == nil {
		good, err = verifyLinks(links, nil)
	} else if errors.Is(err, ErrChainBroken) {
		good, _ = verifyLinks(links, nil)
	}
	if err != nil {
		if !errors.Is(err, ErrChainBroken) {
			return nil, err
		}
		log.Printf("[evidence] Chain verification failed on open: %v; freezing segment", err)
		if err := c.freezeLocked(links, good, err); err != nil {
			return nil, err
		}
		return c, nil
	}
	if n := len(links); n > 0 {
		c.tip = links[n-1].ContentHash
		c.next = links[n-1].Index + 1
	}
	return c, nil
}

// TipHash returns the content hash of the newest link, or the genesis
// hash for an empty segment.
func (c *Chain) TipHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip
}

// Append writes a link whose prev_hash must equal the current tip.
func (c *Chain) Append(link Link) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if link.PrevHash != c.tip {
		return fmt.Errorf("%w: append prev_hash %s does not match tip %s",
			ErrChainBroken, link.PrevHash, c.tip)
	}
	link.Index = c.next

	line, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open chain: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append link: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync chain: %w", err)
	}

	c.tip = link.ContentHash
	c.next++
	return nil
}

// SetHashFunc attaches the bundle hash resolver Verify uses to detect
// tampering with bundle files themselves. A nil resolver limits
// verification to link structure.
func (c *Chain) SetHashFunc(fn func(bundleID string) (string, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashFn = fn
}

// Verify walks the current segment end-to-end: index continuity,
// prev_hash linkage, and (with a hash resolver attached) each
// referenced bundle's re-derived content hash. On a break it freezes
// the segment (rename with a UTC stamp, metadata alongside) and starts
// a new one, returning an ErrChainBroken-wrapped error naming the
// offending index.
func (c *Chain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	links, err := c.readAll()
	good := len(links)
	if err == nil {
		good, err = verifyLinks(links, c.hashFn)
	} else if errors.Is(err, ErrChainBroken) {
		good, _ = verifyLinks(links, c.hashFn)
	}
	if errors.Is(err, ErrChainBroken) {
		if freezeErr := c.freezeLocked(links, good, err); freezeErr != nil {
			return fmt.Errorf("%v (freeze also failed: %v)", err, freezeErr)
		}
	}
	return err
}

// Len returns the number of links in the current segment.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// verifyLinks walks the segment and returns how many links verified
// before the break (len(links) with a nil error when intact). With a
// hash resolver, each link's bundle file is loaded and its canonical
// content hash recomputed, so a mutated bundle breaks the chain even
// when chain.jsonl itself is untouched.
func verifyLinks(links []Link, hashFn func(string) (string, error)) (int, error) {
	prev := GenesisHash
	for i, l := range links {
		if l.Index != i {
			return i, fmt.Errorf("%w: index %d holds link numbered %d", ErrChainBroken, i, l.Index)
		}
		if l.PrevHash != prev {
			return i, fmt.Errorf("%w: link %d (%s) prev_hash %s, want %s",
				ErrChainBroken, i, l.BundleID, l.PrevHash, prev)
		}
		if hashFn != nil {
			got, err := hashFn(l.BundleID)
			if err != nil {
				return i, fmt.Errorf("%w: link %d (%s) bundle unreadable: %v",
					ErrChainBroken, i, l.BundleID, err)
			}
			if got != l.ContentHash {
				return i, fmt.Errorf("%w: link %d (%s) bundle hashes to %s, chain records %s",
					ErrChainBroken, i, l.BundleID, got, l.ContentHash)
			}
		}
		prev = l.ContentHash
	}
	return len(links), nil
}

// freezeLocked renames the damaged segment aside, records the
// last-known-good link in a metadata file next to it, and resets the
// tip so new bundles chain from genesis. Caller holds c.mu.
func (c *Chain) freezeLocked(links []Link, good int, cause error) error {
	if _, err := os.Stat(c.path); err == nil {
		stamp := time.Now().UTC().Format("20060102T150405Z")
		frozen := filepath.Join(c.dir, fmt.Sprintf("chain-%s.frozen.jsonl", stamp))
		if err := os.Rename(c.path, frozen); err != nil {
			return fmt.Errorf("freeze chain segment: %w", err)
		}

		meta := segmentMeta{
			FrozenSegment: filepath.Base(frozen),
			FrozenAt:      time.Now().UTC().Format(time.RFC3339),
			Reason:        cause.Error(),
			LastGoodIndex: good - 1,
			LastGoodHash:  GenesisHash,
		}
		if good > 0 && good <= len(links) {
			meta.LastGoodHash = links[good-1].ContentHash
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal freeze metadata: %w", err)
		}
		if err := os.WriteFile(frozen+".meta.json", append(data, '\n'), 0o600); err != nil {
			return fmt.Errorf("write freeze metadata: %w", err)
		}
		log.Printf("[evidence] Frozen damaged chain segment as %s (last good index %d)",
			filepath.Base(frozen), meta.LastGoodIndex)
	}
	c.tip = GenesisHash
	c.next = 0
	return nil
}

// readAll parses every link line; a malformed line is a broken chain.
// The links parsed before the bad line are returned with the error so
// the freeze metadata can name the last good link.
func (c *Chain) readAll() ([]Link, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open chain: %w", err)
	}
	defer f.Close()

	var links []Link
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var l Link
		if err := json.Unmarshal([]byte(line), &l); err != nil {
			return links, fmt.Errorf("%w: line %d unparseable: %v", ErrChainBroken, lineNo, err)
		}
		links = append(links, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}
	return links, nil
}
