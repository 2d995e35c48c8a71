package drift

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/phi"
	"github.com/osiriscare/sentinel/internal/store"
)

// Default check cadence; individual checks can be overridden in config.
const defaultCadence = 5 * time.Minute

// Flap damping. A check that keeps re-opening gets a longer suppress
// cooldown so a flapping host does not burn L2 budget.
const (
	suppressCooldown = 10 * time.Minute
	flapCooldown     = time.Hour
	flapThreshold    = 3
	flapWindow       = 30 * time.Minute
	cooldownCleanup  = 2 * time.Hour
)

// checkTypeFor maps a catalog check to the incident type the rule
// engine matches on.
var checkTypeFor = map[string]string{
	CheckPatching:   "patching_status",
	CheckAVEDR:      "av_edr_status",
	CheckBackup:     "backup_status",
	CheckLogging:    "logging_status",
	CheckFirewall:   "firewall_status",
	CheckEncryption: "encryption_status",
}

// Config carries the per-site detector settings.
type Config struct {
	SiteID           string
	Baseline         Baseline
	CadenceOverrides map[string]time.Duration
}

type flapState struct {
	occurrences   []time.Duration // monotonic emit times inside the flap window
	suppressUntil time.Duration
}

// Detector evaluates the check catalog against host snapshots and
// turns non-pass results into incidents. One detector serves all hosts
// of a site; hosts may be evaluated concurrently, the cadence and flap
// state is guarded by mu.
type Detector struct {
	store    *store.Store
	scrubber *phi.Scrubber
	clk      clock.Clock
	cfg      Config
	catalog  map[string]CheckFunc

	mu      sync.Mutex
	lastRun map[string]time.Duration // host|check -> monotonic
	flaps   map[string]*flapState    // host|check
}

// New creates a detector for one site.
func New(st *store.Store, scrubber *phi.Scrubber, clk clock.Clock, cfg Config) *Detector {
	return &Detector{
		store:    st,
		scrubber: scrubber,
		clk:      clk,
		cfg:      cfg,
		catalog:  Catalog(),
		lastRun:  make(map[string]time.Duration),
		flaps:    make(map[string]*flapState),
	}
}

// cadence returns the interval for a check.
func (d *Detector) cadence(check string) time.Duration {
	if c, ok := d.cfg.CadenceOverrides[check]; ok && c > 0 {
		return c
	}
	return defaultCadence
}

// Evaluate runs every due check against the snapshot. It returns the
// incidents that should enter the healing pipeline; recovered checks
// close their open incident as a side effect. The caller must not run
// Evaluate concurrently for the same host.
func (d *Detector) Evaluate(snap HostSnapshot) []store.Incident {
	now := d.clk.Monotonic()
	var incidents []store.Incident

	for name, check := range d.catalog {
		key := snap.HostID + "|" + name
		if !d.markRun(key, name, now) {
			continue
		}

		result := check(d.cfg.Baseline, snap)
		d.scrubResult(&result)

		if result.Status == StatusPass {
			d.closeIfOpen(snap, name)
			continue
		}

		if d.shouldSuppress(key) {
			log.Printf("[drift] Suppressing flapping %s on %s", name, snap.HostID)
			continue
		}

		openID, err := d.store.OpenIncidentID(d.cfg.SiteID, snap.HostID, name)
		if err != nil {
			log.Printf("[drift] Open-incident lookup for %s/%s: %v", snap.HostID, name, err)
			continue
		}
		if openID != "" {
			// Already in the pipeline; do not stack duplicates.
			continue
		}

		inc := d.buildIncident(snap, name, result)
		if err := d.store.RecordIncident(inc); err != nil {
			log.Printf("[drift] Record incident %s: %v", inc.ID, err)
			continue
		}
		if err := d.store.MarkOpen(d.cfg.SiteID, snap.HostID, name, inc.ID, inc.CreatedAt); err != nil {
			log.Printf("[drift] Mark open %s/%s: %v", snap.HostID, name, err)
		}
		d.recordEmission(key)

		log.Printf("[drift] %s %s on %s (severity=%s): expected %q, actual %q",
			name, result.Status, snap.HostID, result.Severity, result.Expected, result.Actual)
		incidents = append(incidents, inc)
	}

	d.cleanupFlaps(now)
	return incidents
}

// buildIncident materializes a check failure as an incident. Details
// are already scrubbed.
func (d *Detector) buildIncident(snap HostSnapshot, check string, result CheckResult) store.Incident {
	raw := map[string]interface{}{
		"check":          check,
		"check_type":     checkTypeFor[check],
		"check_status":   result.Status,
		"drift_detected": result.Status == StatusFail || result.Status == StatusWarn,
		"expected":       result.Expected,
		"actual":         result.Actual,
		"platform":       snap.Platform,
	}
	for k, v := range result.Details {
		raw[k] = v
	}
	if result.Error != "" {
		raw["collect_error"] = result.Error
	}

	incType := checkTypeFor[check]
	return store.Incident{
		ID:               "INC-" + uuid.NewString(),
		SiteID:           d.cfg.SiteID,
		HostID:           snap.HostID,
		IncidentType:     incType,
		Severity:         result.Severity,
		CreatedAt:        d.clk.Now(),
		RawData:          raw,
		PatternSignature: phi.Signature(incType, result.Severity, raw),
	}
}

func (d *Detector) closeIfOpen(snap HostSnapshot, check string) {
	closedID, err := d.store.MarkClosed(d.cfg.SiteID, snap.HostID, check)
	if err != nil {
		log.Printf("[drift] Mark closed %s/%s: %v", snap.HostID, check, err)
		return
	}
	if closedID != "" {
		log.Printf("[drift] %s recovered on %s, closed incident %s", check, snap.HostID, closedID)
	}
}

// scrubResult scrubs the free-text fields before anything is stored.
// Expected/actual come from our own templates but details and errors
// can carry collector output.
func (d *Detector) scrubResult(r *CheckResult) {
	if r.Details != nil {
		r.Details, _ = d.scrubber.ScrubMap(r.Details)
	}
	if r.Error != "" {
		r.Error = d.scrubber.ScrubString(r.Error)
	}
	r.Actual = d.scrubber.ScrubString(r.Actual)
}

// markRun reports whether the check is due for the host and, when it
// is, records the run. One locked step so concurrent hosts cannot race
// the cadence map.
func (d *Detector) markRun(key, check string, now time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastRun[key]; ok && now-last < d.cadence(check) {
		return false
	}
	d.lastRun[key] = now
	return true
}

// shouldSuppress reports whether the (host, check) pair is inside its
// suppress cooldown.
func (d *Detector) shouldSuppress(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.flaps[key]
	if !ok {
		return false
	}
	return d.clk.Monotonic() < st.suppressUntil
}

// recordEmission notes an incident emission and arms the suppress
// cooldown. Three emissions inside the flap window escalate the
// cooldown from 10 minutes to an hour.
func (d *Detector) recordEmission(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clk.Monotonic()
	st, ok := d.flaps[key]
	if !ok {
		st = &flapState{}
		d.flaps[key] = st
	}

	recent := st.occurrences[:0]
	for _, t := range st.occurrences {
		if now-t <= flapWindow {
			recent = append(recent, t)
		}
	}
	st.occurrences = append(recent, now)

	cooldown := suppressCooldown
	if len(st.occurrences) >= flapThreshold {
		cooldown = flapCooldown
		log.Printf("[drift] %s flapping (%d occurrences in %v), cooldown %v",
			key, len(st.occurrences), flapWindow, flapCooldown)
	}
	st.suppressUntil = now + cooldown
}

// cleanupFlaps drops long-expired flap entries. Lazy: only walks the
// map when it has grown past a hundred entries.
func (d *Detector) cleanupFlaps(now time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.flaps) <= 100 {
		return
	}
	for key, st := range d.flaps {
		if now-st.suppressUntil > cooldownCleanup {
			delete(d.flaps, key)
		}
	}
}

// Due reports whether any check is due for the host, letting the
// supervisor skip snapshot collection entirely on quiet ticks.
func (d *Detector) Due(hostID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clk.Monotonic()
	for name := range d.catalog {
		key := hostID + "|" + name
		last, ok := d.lastRun[key]
		if !ok || now-last >= d.cadence(name) {
			return true
		}
	}
	return false
}

// Stats summarizes detector state for the check-in payload.
func (d *Detector) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	suppressed := 0
	now := d.clk.Monotonic()
	for _, st := range d.flaps {
		if now < st.suppressUntil {
			suppressed++
		}
	}
	return map[string]interface{}{
		"checks":     len(d.catalog),
		"suppressed": suppressed,
	}
}

// String implements fmt.Stringer for startup logging.
func (d *Detector) String() string {
	return fmt.Sprintf("drift detector (site=%s, checks=%d)", d.cfg.SiteID, len(d.catalog))
}
