package learning

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/rules"
	"github.com/osiriscare/sentinel/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "incidents.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func allowAll(string) bool { return true }

// seedPattern records n L2 resolutions of one signature, the last
// `failures` of them failed, all resolved at resolvedAt.
func seedPattern(t *testing.T, st *store.Store, sig string, n, failures int, resolvedAt time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("INC-%s-%03d", sig, i)
		err := st.RecordIncident(store.Incident{
			ID:           id,
			SiteID:       "site-a",
			HostID:       "host-1",
			IncidentType: "ntp_status",
			Severity:     "medium",
			CreatedAt:    resolvedAt.Add(-time.Minute),
			RawData: map[string]interface{}{
				"check_type": "ntp_status",
				"check":      "ntp",
				"actual":     "unsynchronized",
			},
			PatternSignature: sig,
		})
		if err != nil {
			t.Fatal(err)
		}
		outcome := store.OutcomeSuccess
		if i >= n-failures {
			outcome = store.OutcomeFailure
		}
		err = st.RecordResolution(store.Resolution{
			IncidentID:       id,
			Level:            "L2",
			Action:           "fix_ntp",
			ActionParams:     map[string]interface{}{"server": "time.internal"},
			Outcome:          outcome,
			ResolutionTimeMs: 3000,
			ResolvedAt:       resolvedAt,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestConfidence(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// 3/4 success, small volume, split actions, two weeks stale.
	cand := store.PatternStats{
		Occurrences: 4,
		Successes:   3,
		Failures:    1,
		LastSeen:    now.Add(-15 * 24 * time.Hour),
	}
	got := Confidence(cand, 0.5, now)
	want := 0.75 + 0.08 + 0.05 - 0.20
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Confidence = %f, want %f", got, want)
	}

	// A perfect fresh pattern clamps at 1.0.
	cand = store.PatternStats{Occurrences: 50, Successes: 50, LastSeen: now}
	if got := Confidence(cand, 1.0, now); got != 1.0 {
		t.Errorf("Confidence = %f, want clamp to 1.0", got)
	}

	// LastSeen in the future must not become a bonus.
	cand.LastSeen = now.Add(24 * time.Hour)
	if got := Confidence(cand, 1.0, now); got != 1.0 {
		t.Errorf("Confidence with future last_seen = %f", got)
	}
}

func TestDominantAction(t *testing.T) {
	if action, _ := dominantAction(nil); action != "" {
		t.Errorf("empty histogram gave %q", action)
	}

	action, consistency := dominantAction(map[string]int{"fix_ntp": 4})
	if action != "fix_ntp" || consistency != 1.0 {
		t.Errorf("single action = %q/%f", action, consistency)
	}

	action, consistency = dominantAction(map[string]int{"fix_ntp": 3, "restart_service": 1})
	if action != "fix_ntp" {
		t.Errorf("dominant = %q", action)
	}
	if math.Abs(consistency-0.625) > 1e-9 {
		t.Errorf("consistency = %f, want 0.625", consistency)
	}

	// Ties break lexicographically for determinism.
	action, _ = dominantAction(map[string]int{"b_action": 2, "a_action": 2})
	if action != "a_action" {
		t.Errorf("tie broke to %q", action)
	}
}

func TestRunOncePromotes(t *testing.T) {
	st := openTestStore(t)
	rulesDir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	engine := rules.NewEngine(rulesDir, clk, allowAll)
	before := engine.RuleCount()

	seedPattern(t, st, "a1b2c3d4e5f60718", 5, 0, clk.Now().Add(-time.Hour))

	loop := New(Config{RulesDir: rulesDir, AutoPromote: true}, st, engine, clk)
	loop.RunOnce(context.Background())

	entries, err := os.ReadDir(filepath.Join(rulesDir, "promoted"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("promoted dir = %v, %v", entries, err)
	}

	data, err := os.ReadFile(filepath.Join(rulesDir, "promoted", entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var rule rules.Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		t.Fatalf("promoted rule not parseable: %v", err)
	}
	if !strings.HasPrefix(rule.ID, "PROMOTED-") || rule.Action != "fix_ntp" {
		t.Errorf("rule = %+v", rule)
	}
	if rule.Source != rules.SourcePromoted || rule.Priority != 50 {
		t.Errorf("source/priority = %s/%d", rule.Source, rule.Priority)
	}
	if rule.Promotion == nil || rule.Promotion.Confidence < 0.85 || len(rule.Promotion.SampleIncidents) == 0 {
		t.Errorf("promotion metadata = %+v", rule.Promotion)
	}
	if rule.ActionParams["server"] != "time.internal" {
		t.Errorf("action params not carried from resolution: %v", rule.ActionParams)
	}

	if engine.RuleCount() != before+1 {
		t.Errorf("engine rule count = %d, want %d", engine.RuleCount(), before+1)
	}

	watches, err := st.Watches()
	if err != nil {
		t.Fatal(err)
	}
	if len(watches) != 1 || watches[0].PatternSignature != "a1b2c3d4e5f60718" {
		t.Errorf("watches = %+v", watches)
	}

	// A second pass must not promote the same pattern again.
	loop.RunOnce(context.Background())
	entries, _ = os.ReadDir(filepath.Join(rulesDir, "promoted"))
	if len(entries) != 1 {
		t.Errorf("pattern promoted twice: %d files", len(entries))
	}
}

func TestRunOnceQueuesStalePatternForReview(t *testing.T) {
	st := openTestStore(t)
	rulesDir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	engine := rules.NewEngine(rulesDir, clk, allowAll)

	// 9/10 success but 40 days stale: confidence 0.9 + 0.1 + 0.1 - 0.2.
	seedPattern(t, st, "feedfacecafebeef", 10, 1, clk.Now().Add(-40*24*time.Hour))

	loop := New(Config{RulesDir: rulesDir, AutoPromote: true, ConfidenceFloor: 0.95}, st, engine, clk)
	loop.RunOnce(context.Background())

	if _, err := os.ReadDir(filepath.Join(rulesDir, "promoted")); !os.IsNotExist(err) {
		t.Error("below-floor pattern was promoted")
	}
	entries, err := os.ReadDir(filepath.Join(rulesDir, "review"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("review dir = %v, %v", entries, err)
	}
	data, _ := os.ReadFile(filepath.Join(rulesDir, "review", entries[0].Name()))
	var rule rules.Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		t.Fatal(err)
	}
	if rule.Enabled {
		t.Error("review rule written enabled")
	}

	watches, _ := st.Watches()
	if len(watches) != 0 {
		t.Errorf("review path started a watch: %+v", watches)
	}
}

func TestRolledBackPatternNotRepromoted(t *testing.T) {
	st := openTestStore(t)
	rulesDir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	engine := rules.NewEngine(rulesDir, clk, allowAll)

	sig := "a1b2c3d4e5f60718"
	seedPattern(t, st, sig, 5, 0, clk.Now().Add(-time.Hour))

	loop := New(Config{RulesDir: rulesDir, AutoPromote: true}, st, engine, clk)
	loop.RunOnce(context.Background())

	entries, err := os.ReadDir(filepath.Join(rulesDir, "promoted"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("promoted dir = %v, %v", entries, err)
	}
	rulePath := filepath.Join(rulesDir, "promoted", entries[0].Name())

	// The promoted rule fails live: the watch crosses the rollback
	// threshold.
	watches, err := st.Watches()
	if err != nil || len(watches) != 1 {
		t.Fatalf("watches = %+v, %v", watches, err)
	}
	for i := 0; i < 10; i++ {
		if err := st.RecordWatchExecution(watches[0].RuleID, i < 5); err != nil {
			t.Fatal(err)
		}
	}

	// The same pass rolls back and then rescans candidates; the
	// pattern's historical stats still qualify, but a rolled-back
	// pattern must stay at L2.
	loop.RunOnce(context.Background())
	loop.RunOnce(context.Background())

	entries, _ = os.ReadDir(filepath.Join(rulesDir, "promoted"))
	if len(entries) != 1 {
		t.Fatalf("rolled-back pattern promoted again: %d rule files", len(entries))
	}
	data, err := os.ReadFile(rulePath)
	if err != nil {
		t.Fatal(err)
	}
	var after rules.Rule
	if err := yaml.Unmarshal(data, &after); err != nil {
		t.Fatal(err)
	}
	if after.Enabled {
		t.Error("rolled-back rule re-enabled on disk")
	}

	watched, err := st.WatchedEver(sig)
	if err != nil || !watched {
		t.Errorf("WatchedEver(%s) = %v, %v, want true after rollback", sig, watched, err)
	}
}

func TestCheckWatchesRollsBack(t *testing.T) {
	st := openTestStore(t)
	rulesDir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	ruleID := "PROMOTED-deadbeef"
	rule := &rules.Rule{
		ID:       ruleID,
		Name:     "Promoted: ntp_status via fix_ntp",
		Enabled:  true,
		Priority: 50,
		Source:   rules.SourcePromoted,
		Conditions: []rules.Condition{
			{Field: "incident_type", Operator: rules.OpEquals, Value: "ntp_status"},
		},
		Action: "fix_ntp",
	}
	if err := writeRuleFile(filepath.Join(rulesDir, "promoted", ruleID+".yaml"), rule); err != nil {
		t.Fatal(err)
	}
	engine := rules.NewEngine(rulesDir, clk, allowAll)

	if err := st.StartWatch(ruleID, "feedfacecafebeef", clk.Now()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := st.RecordWatchExecution(ruleID, i < 5); err != nil {
			t.Fatal(err)
		}
	}

	loop := New(Config{RulesDir: rulesDir}, st, engine, clk)
	loop.RunOnce(context.Background())

	// The watch retires and the rule file is rewritten disabled.
	watches, _ := st.Watches()
	if len(watches) != 0 {
		t.Errorf("watch survived rollback: %+v", watches)
	}
	data, err := os.ReadFile(filepath.Join(rulesDir, "promoted", ruleID+".yaml"))
	if err != nil {
		t.Fatal(err)
	}
	var after rules.Rule
	if err := yaml.Unmarshal(data, &after); err != nil {
		t.Fatal(err)
	}
	if after.Enabled {
		t.Error("rolled-back rule still enabled on disk")
	}

	// The disabled rule no longer matches.
	m := engine.Match(store.Incident{
		ID:           "INC-x",
		IncidentType: "ntp_status",
		RawData:      map[string]interface{}{},
	})
	if m != nil && m.Rule.ID == ruleID {
		t.Error("rolled-back rule still firing")
	}
}

func TestWatchStillHealthyNotRolledBack(t *testing.T) {
	st := openTestStore(t)
	rulesDir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	engine := rules.NewEngine(rulesDir, clk, allowAll)

	if err := st.StartWatch("PROMOTED-ok", "sig-healthy", clk.Now()); err != nil {
		t.Fatal(err)
	}
	// 8/10 live success stays above the 0.7 default.
	for i := 0; i < 10; i++ {
		if err := st.RecordWatchExecution("PROMOTED-ok", i < 8); err != nil {
			t.Fatal(err)
		}
	}
	// A second watch with too few executions is not judged yet.
	if err := st.StartWatch("PROMOTED-new", "sig-new", clk.Now()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := st.RecordWatchExecution("PROMOTED-new", false); err != nil {
			t.Fatal(err)
		}
	}

	loop := New(Config{RulesDir: rulesDir}, st, engine, clk)
	loop.RunOnce(context.Background())

	watches, _ := st.Watches()
	if len(watches) != 2 {
		t.Errorf("healthy/young watches rolled back: %+v", watches)
	}
}
