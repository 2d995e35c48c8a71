package drift

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/phi"
	"github.com/osiriscare/sentinel/internal/store"
)

func newTestDetector(t *testing.T, clk clock.Clock) (*Detector, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	d := New(st, phi.New(), clk, Config{
		SiteID:   "site-a",
		Baseline: testBaseline(),
	})
	return d, st
}

func TestEvaluateOpensAndClosesIncidents(t *testing.T) {
	clk := clock.NewFake(collectedAt)
	d, st := newTestDetector(t, clk)

	snap := healthySnapshot()
	snap.Firewall.Enabled = false

	incidents := d.Evaluate(snap)
	if len(incidents) != 1 {
		t.Fatalf("incidents = %d, want 1 (firewall)", len(incidents))
	}
	inc := incidents[0]
	if inc.IncidentType != "firewall_status" || inc.Severity != "high" {
		t.Errorf("incident = %s/%s", inc.IncidentType, inc.Severity)
	}
	if inc.RawData["actual"] != "disabled" || inc.RawData["drift_detected"] != true {
		t.Errorf("raw_data = %v", inc.RawData)
	}
	if inc.PatternSignature == "" {
		t.Error("missing pattern signature")
	}

	// Persisted and marked open.
	if got, _ := st.OpenIncidentID("site-a", "host-1", CheckFirewall); got != inc.ID {
		t.Errorf("open marker = %q, want %s", got, inc.ID)
	}
	if _, err := st.GetIncident(inc.ID); err != nil {
		t.Errorf("incident not persisted: %v", err)
	}

	// Recovery closes the open incident.
	clk.Advance(6 * time.Minute)
	incidents = d.Evaluate(healthySnapshot())
	if len(incidents) != 0 {
		t.Fatalf("healthy snapshot produced %d incidents", len(incidents))
	}
	if got, _ := st.OpenIncidentID("site-a", "host-1", CheckFirewall); got != "" {
		t.Errorf("incident still open after recovery: %q", got)
	}
}

func TestEvaluateRespectsCadence(t *testing.T) {
	clk := clock.NewFake(collectedAt)
	d, _ := newTestDetector(t, clk)

	snap := healthySnapshot()
	snap.Firewall.Enabled = false

	if got := d.Evaluate(snap); len(got) != 1 {
		t.Fatalf("first pass: %d incidents", len(got))
	}
	if !d.Due("host-2") {
		t.Error("unseen host should be due")
	}
	if d.Due("host-1") {
		t.Error("host-1 due immediately after evaluation")
	}

	// Inside the cadence nothing runs, even though the check still fails.
	clk.Advance(time.Minute)
	if got := d.Evaluate(snap); len(got) != 0 {
		t.Errorf("inside cadence: %d incidents", len(got))
	}

	clk.Advance(5 * time.Minute)
	if !d.Due("host-1") {
		t.Error("host-1 not due after cadence elapsed")
	}
}

func TestEvaluateDoesNotStackDuplicates(t *testing.T) {
	clk := clock.NewFake(collectedAt)
	d, _ := newTestDetector(t, clk)

	snap := healthySnapshot()
	snap.Logging.ServiceState = "stopped"

	if got := d.Evaluate(snap); len(got) != 1 {
		t.Fatalf("first pass: %d incidents", len(got))
	}

	// Next due evaluation still fails, but the incident is already open.
	clk.Advance(6 * time.Minute)
	if got := d.Evaluate(snap); len(got) != 0 {
		t.Errorf("duplicate incident emitted for open check: %d", len(got))
	}
}

func TestFlapDamping(t *testing.T) {
	clk := clock.NewFake(collectedAt)
	st, err := store.Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	// A tight firewall cadence so the check is due again inside the
	// 10-minute suppress cooldown.
	d := New(st, phi.New(), clk, Config{
		SiteID:           "site-a",
		Baseline:         testBaseline(),
		CadenceOverrides: map[string]time.Duration{CheckFirewall: time.Minute},
	})

	failing := healthySnapshot()
	failing.Firewall.Enabled = false
	healthy := healthySnapshot()

	// First emission arms the suppress cooldown.
	if got := d.Evaluate(failing); len(got) != 1 {
		t.Fatalf("first failure: %d incidents", len(got))
	}
	clk.Advance(90 * time.Second)
	d.Evaluate(healthy) // recovery closes the incident

	// Failing again inside the cooldown is suppressed outright.
	clk.Advance(90 * time.Second)
	if got := d.Evaluate(failing); len(got) != 0 {
		t.Errorf("emission inside suppress cooldown: %d", len(got))
	}
	if id, _ := st.OpenIncidentID("site-a", "host-1", CheckFirewall); id != "" {
		t.Errorf("suppressed failure opened incident %q", id)
	}

	// After the cooldown the check may emit again.
	clk.Advance(8 * time.Minute)
	if got := d.Evaluate(failing); len(got) != 1 {
		t.Errorf("emission after cooldown: %d, want 1", len(got))
	}
}

func TestFlapEscalatesCooldown(t *testing.T) {
	clk := clock.NewFake(collectedAt)
	st, err := store.Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	d := New(st, phi.New(), clk, Config{
		SiteID:           "site-a",
		Baseline:         testBaseline(),
		CadenceOverrides: map[string]time.Duration{CheckFirewall: time.Minute},
	})

	failing := healthySnapshot()
	failing.Firewall.Enabled = false
	healthy := healthySnapshot()

	emitAndRecover := func(wantEmit bool) {
		t.Helper()
		got := d.Evaluate(failing)
		if wantEmit && len(got) != 1 {
			t.Fatalf("expected emission, got %d", len(got))
		}
		if !wantEmit && len(got) != 0 {
			t.Fatalf("expected suppression, got %d", len(got))
		}
		clk.Advance(90 * time.Second)
		d.Evaluate(healthy)
	}

	// Three emissions inside the 30-minute flap window.
	emitAndRecover(true) // t=0
	clk.Advance(9 * time.Minute)
	emitAndRecover(true) // ~t=10.5m
	clk.Advance(9 * time.Minute)
	emitAndRecover(true) // ~t=21m, third strike: cooldown jumps to an hour

	// Well past the normal 10-minute cooldown but inside the flap one.
	clk.Advance(20 * time.Minute)
	if got := d.Evaluate(failing); len(got) != 0 {
		t.Errorf("flapping check emitted inside the long cooldown: %d", len(got))
	}

	// The hour-long cooldown eventually expires.
	clk.Advance(time.Hour)
	if got := d.Evaluate(failing); len(got) != 1 {
		t.Errorf("no emission after flap cooldown expired: %d", len(got))
	}
}

func TestEvaluateConcurrentHosts(t *testing.T) {
	clk := clock.NewFake(collectedAt)
	d, st := newTestDetector(t, clk)

	// One goroutine per host, each hammering Evaluate; the shared
	// cadence and flap maps must hold up.
	const hosts = 8
	var wg sync.WaitGroup
	for i := 0; i < hosts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			snap := healthySnapshot()
			snap.HostID = fmt.Sprintf("host-c%d", n)
			snap.Firewall.Enabled = false
			for j := 0; j < 5; j++ {
				d.Evaluate(snap)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < hosts; i++ {
		host := fmt.Sprintf("host-c%d", i)
		if id, _ := st.OpenIncidentID("site-a", host, CheckFirewall); id == "" {
			t.Errorf("no incident opened for %s", host)
		}
		if d.Due(host) {
			t.Errorf("%s still due right after evaluation", host)
		}
	}
}

func TestDetectorScrubsCollectorOutput(t *testing.T) {
	clk := clock.NewFake(collectedAt)
	d, _ := newTestDetector(t, clk)

	snap := healthySnapshot()
	snap.CollectErrors = map[string]string{
		"backup": "export failed for patient_id: PT-8812, contact jdoe@clinic.example.org",
	}

	incidents := d.Evaluate(snap)
	if len(incidents) != 1 {
		t.Fatalf("incidents = %d, want 1 (backup collect error)", len(incidents))
	}
	msg, _ := incidents[0].RawData["collect_error"].(string)
	if msg == "" {
		t.Fatal("collect_error missing from raw_data")
	}
	for _, leaked := range []string{"PT-8812", "jdoe@"} {
		if strings.Contains(msg, leaked) {
			t.Errorf("PHI leaked into incident: %q", msg)
		}
	}
}
