package planner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/controlplane"
	"github.com/osiriscare/sentinel/internal/guard"
	"github.com/osiriscare/sentinel/internal/phi"
	"github.com/osiriscare/sentinel/internal/store"
)

func newTestPlanner(t *testing.T, baseURL string, clk clock.Clock) *Planner {
	t.Helper()
	cp, err := controlplane.NewClient(controlplane.Config{
		BaseURL:     baseURL,
		SiteID:      "site-a",
		BearerToken: "token",
	}, clk)
	if err != nil {
		t.Fatal(err)
	}
	return New(cp, phi.New(), guard.NewGuardrails(nil), NewBudget(DefaultBudgetConfig(), clk), nil, clk)
}

func testPlanIncident() store.Incident {
	return store.Incident{
		ID:           "INC-20260301-0001",
		SiteID:       "site-a",
		HostID:       "host-1",
		IncidentType: "firewall_status",
		Severity:     "high",
		CreatedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		RawData: map[string]interface{}{
			"check":          "firewall",
			"drift_detected": true,
			"note":           "seen while reviewing chart for PT-4471",
		},
		PatternSignature: "a1b2c3d4e5f60718",
	}
}

func decisionBody(action string, confidence float64) string {
	b, _ := json.Marshal(map[string]interface{}{
		"action":        action,
		"action_params": map[string]interface{}{},
		"confidence":    confidence,
		"reasoning":     "drift matches known baseline deviation",
		"cost_usd":      0.02,
	})
	return string(b)
}

func TestPlanScrubsBeforeEgress(t *testing.T) {
	var gotReq controlplane.PlanRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(decisionBody("restore_firewall_baseline", 0.92)))
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	p := newTestPlanner(t, srv.URL, clk)

	d, err := p.Plan(context.Background(), testPlanIncident())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if d.Action != "restore_firewall_baseline" || d.EscalateToL3 {
		t.Errorf("decision = %+v", d)
	}
	if d.CostUSD != 0.02 {
		t.Errorf("cost = %f", d.CostUSD)
	}
	if d.IncidentID != "INC-20260301-0001" {
		t.Errorf("incident_id = %s", d.IncidentID)
	}

	note, _ := gotReq.RawData["note"].(string)
	if strings.Contains(note, "PT-4471") {
		t.Errorf("patient identifier left the device: %q", note)
	}
	if gotReq.RawData["drift_detected"] != true {
		t.Errorf("non-PHI fields mangled: %v", gotReq.RawData)
	}
}

func TestPlanGuardrailBlockEscalates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An action outside the allowlist.
		w.Write([]byte(decisionBody("wipe_host", 0.95)))
	}))
	defer srv.Close()

	p := newTestPlanner(t, srv.URL, clock.NewFake(time.Now()))
	d, err := p.Plan(context.Background(), testPlanIncident())
	if err != nil {
		t.Fatalf("guardrail block must not fail the plan: %v", err)
	}
	if !d.EscalateToL3 {
		t.Error("blocked decision did not escalate")
	}
	if !strings.HasPrefix(d.Reasoning, "Guardrails (") {
		t.Errorf("reasoning = %q", d.Reasoning)
	}
	if !strings.Contains(d.Reasoning, "Original: drift matches known baseline deviation") {
		t.Errorf("original reasoning lost: %q", d.Reasoning)
	}
}

func TestPlanLowConfidenceEscalates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(decisionBody("restart_service", 0.35)))
	}))
	defer srv.Close()

	p := newTestPlanner(t, srv.URL, clock.NewFake(time.Now()))
	d, err := p.Plan(context.Background(), testPlanIncident())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !d.EscalateToL3 {
		t.Error("low-confidence decision did not escalate")
	}
}

func TestPlanBudgetGate(t *testing.T) {
	clk := clock.NewFake(time.Now())
	cp, err := controlplane.NewClient(controlplane.Config{BaseURL: "http://unused", SiteID: "s", BearerToken: "t"}, clk)
	if err != nil {
		t.Fatal(err)
	}
	budget := NewBudget(BudgetConfig{DailyBudgetUSD: 0.01, MaxCallsPerHour: 100, MaxConcurrentCalls: 1}, clk)
	budget.RecordCost(0.05, 0, 0)
	p := New(cp, phi.New(), guard.NewGuardrails(nil), budget, nil, clk)

	if _, err := p.Plan(context.Background(), testPlanIncident()); !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("err = %v, want ErrBudgetExhausted", err)
	}
}

func TestPlanWithRetryTransientThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(decisionBody("restore_firewall_baseline", 0.9)))
	}))
	defer srv.Close()

	p := newTestPlanner(t, srv.URL, clock.NewFake(time.Now()))
	d, err := p.PlanWithRetry(context.Background(), testPlanIncident(), 2)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if d.Action != "restore_firewall_baseline" {
		t.Errorf("decision = %+v", d)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestPlanWithRetryPermanentStops(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"bad request"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := newTestPlanner(t, srv.URL, clock.NewFake(time.Now()))
	if _, err := p.PlanWithRetry(context.Background(), testPlanIncident(), 3); err == nil {
		t.Fatal("permanent failure returned a decision")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestPlanWithRetryParseFailureStops(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"action":"","confidence":0.9}`))
	}))
	defer srv.Close()

	p := newTestPlanner(t, srv.URL, clock.NewFake(time.Now()))
	if _, err := p.PlanWithRetry(context.Background(), testPlanIncident(), 3); err == nil {
		t.Fatal("unparseable decision returned")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (no retry on parse failure)", got)
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"plain object", `{"action":"restart_service","confidence":0.8}`, false},
		{"fenced json", "```json\n{\"action\":\"restart_service\",\"confidence\":0.8}\n```", false},
		{"bare fence", "```\n{\"action\":\"restart_service\",\"confidence\":0.8}\n```", false},
		{"string-wrapped", `"{\"action\":\"restart_service\",\"confidence\":0.8}"`, false},
		{"string-wrapped fenced", `"` + "```json\\n{\\\"action\\\":\\\"restart_service\\\",\\\"confidence\\\":0.8}\\n```" + `"`, false},
		{"escalate without action", `{"action":"","confidence":0.2,"escalate_to_l3":true}`, false},
		{"no action no escalation", `{"action":"","confidence":0.8}`, true},
		{"confidence above one", `{"action":"restart_service","confidence":1.3}`, true},
		{"negative confidence", `{"action":"restart_service","confidence":-0.1}`, true},
		{"not json", `the service should be restarted`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := parseDecision(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && d.ActionParams == nil {
				t.Error("action_params not defaulted")
			}
		})
	}
}

func TestRetryableClassification(t *testing.T) {
	if retryable(ErrBudgetExhausted) || retryable(ErrConcurrency) {
		t.Error("gate failures marked retryable")
	}
	if retryable(&controlplane.HTTPError{Status: 422}) {
		t.Error("permanent http error marked retryable")
	}
	if !retryable(&controlplane.HTTPError{Status: 503}) {
		t.Error("503 not retryable")
	}
	if retryable(errors.New("parse decision: unexpected token")) {
		t.Error("parse failure marked retryable")
	}
	if !retryable(errors.New("connection refused")) {
		t.Error("transport error not retryable")
	}
}
