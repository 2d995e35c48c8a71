package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Upload states.
const (
	StatePending  = "pending"
	StateUploaded = "uploaded"
	StateFailed   = "failed"
)

// Entry is one bundle's upload state.
type Entry struct {
	BundleID   string    `json:"bundle_id"`
	State      string    `json:"state"`
	WormURI    string    `json:"worm_uri,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	UploadedAt time.Time `json:"uploaded_at,omitempty"`
}

// Registry tracks upload state per bundle in a single JSON file,
// rewritten atomically on every change. Bundles survive restarts in
// pending state and are retried on later cycles.
type Registry struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Entry
}

// OpenRegistry loads the registry file, creating an empty one if it
// does not exist.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, entries: make(map[string]*Entry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read upload registry: %w", err)
	}
	var list []*Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse upload registry: %w", err)
	}
	for _, e := range list {
		r.entries[e.BundleID] = e
	}
	return r, nil
}

// MarkPending registers a freshly sealed bundle.
func (r *Registry) MarkPending(bundleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[bundleID] = &Entry{
		BundleID:  bundleID,
		State:     StatePending,
		UpdatedAt: time.Now().UTC(),
	}
	return r.saveLocked()
}

// MarkUploaded records a successful WORM upload.
func (r *Registry) MarkUploaded(bundleID, wormURI string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[bundleID]
	if !ok {
		e = &Entry{BundleID: bundleID}
		r.entries[bundleID] = e
	}
	e.State = StateUploaded
	e.WormURI = wormURI
	e.LastError = ""
	e.UpdatedAt = time.Now().UTC()
	e.UploadedAt = e.UpdatedAt
	return r.saveLocked()
}

// MarkFailed records a failed attempt; the bundle stays eligible for
// later cycles.
func (r *Registry) MarkFailed(bundleID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[bundleID]
	if !ok {
		e = &Entry{BundleID: bundleID}
		r.entries[bundleID] = e
	}
	e.State = StateFailed
	e.Attempts++
	e.LastError = reason
	e.UpdatedAt = time.Now().UTC()
	return r.saveLocked()
}

// Pending returns bundle ids awaiting upload (pending or failed),
// oldest first.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.State == StatePending || e.State == StateFailed {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BundleID < out[j].BundleID })

	ids := make([]string, len(out))
	for i, e := range out {
		ids[i] = e.BundleID
	}
	return ids
}

// Get returns a copy of the entry for a bundle.
func (r *Registry) Get(bundleID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[bundleID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Counts returns per-state totals for the check-in payload.
func (r *Registry) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range r.entries {
		counts[e.State]++
	}
	return counts
}

func (r *Registry) saveLocked() error {
	list := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].BundleID < list[j].BundleID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal upload registry: %w", err)
	}
	if err := writeAtomic(r.path, data, 0o600); err != nil {
		return fmt.Errorf("write upload registry: %w", err)
	}
	return nil
}
