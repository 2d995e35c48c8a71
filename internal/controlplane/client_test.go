package controlplane

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/crypto"
)

func newTestClient(t *testing.T, baseURL string, clk clock.Clock) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:     baseURL,
		SiteID:      "site-a",
		ApplianceID: "app-1",
		BearerToken: "test-token",
	}, clk)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCheckin(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pubHex := hex.EncodeToString(pub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/appliances/checkin" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		var state CheckinState
		if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
			t.Errorf("decode state: %v", err)
		}
		if state.SiteID != "site-a" {
			t.Errorf("site_id = %s", state.SiteID)
		}
		json.NewEncoder(w).Encode(CheckinResponse{
			Status:          "ok",
			ApplianceID:     "app-1",
			ServerPublicKey: pubHex,
			L2Mode:          "auto",
			Credentials: []Credentials{
				{HostID: "host-1", Hostname: "dc01", Platform: "windows", Username: "svc", Password: "secret"},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, clock.NewFake(time.Now()))
	resp, err := c.Checkin(context.Background(), CheckinState{SiteID: "site-a", Hostname: "appliance"})
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}
	if resp.L2Mode != "auto" || len(resp.Credentials) != 1 {
		t.Errorf("response = %+v", resp)
	}

	// The server key from the response arms order verification.
	if !c.verifier.HasKey() {
		t.Error("server public key not recorded")
	}
}

func TestCheckinOffline(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", clock.NewFake(time.Now()))
	if _, err := c.Checkin(context.Background(), CheckinState{}); err == nil {
		t.Error("checkin against closed port succeeded")
	}
}

func TestVerifyOrder(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	c := newTestClient(t, "http://unused", clk)

	order := Order{
		ID:       "ORD-1",
		Type:     "reload_rules",
		Payload:  map[string]interface{}{},
		IssuedAt: now.Add(-time.Minute).Format(time.RFC3339),
	}
	signedPayload, err := crypto.BuildSignedPayload(map[string]interface{}{
		"id":        order.ID,
		"type":      order.Type,
		"payload":   order.Payload,
		"issued_at": order.IssuedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	order.Signature = hex.EncodeToString(ed25519.Sign(priv, []byte(signedPayload)))

	// No key yet: every order is rejected.
	if err := c.VerifyOrder(order); err == nil {
		t.Error("order accepted before server key known")
	}

	if err := c.verifier.SetPublicKey(hex.EncodeToString(pub)); err != nil {
		t.Fatal(err)
	}
	if err := c.VerifyOrder(order); err != nil {
		t.Errorf("valid order rejected: %v", err)
	}

	// Tampered payload.
	bad := order
	bad.Type = "disable_rule"
	if err := c.VerifyOrder(bad); err == nil {
		t.Error("tampered order accepted")
	}

	// Stale order beyond the default TTL.
	clk.Advance(DefaultOrderTTL + time.Minute)
	if err := c.VerifyOrder(order); err == nil {
		t.Error("expired order accepted")
	}

	// A per-order TTL overrides the default.
	longLived := order
	longLived.TTLSeconds = int((time.Hour).Seconds())
	payload2, _ := crypto.BuildSignedPayload(map[string]interface{}{
		"id":        longLived.ID,
		"type":      longLived.Type,
		"payload":   longLived.Payload,
		"issued_at": longLived.IssuedAt,
	})
	longLived.Signature = hex.EncodeToString(ed25519.Sign(priv, []byte(payload2)))
	if err := c.VerifyOrder(longLived); err != nil {
		t.Errorf("order inside per-order ttl rejected: %v", err)
	}
}

func TestPlanNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"budget exhausted"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, clock.NewFake(time.Now()))
	_, err := c.Plan(context.Background(), PlanRequest{IncidentID: "INC-1"})
	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if he.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", he.Status)
	}
	if he.Permanent() {
		t.Error("429 marked permanent")
	}

	if !(&HTTPError{Status: http.StatusUnprocessableEntity}).Permanent() {
		t.Error("422 not marked permanent")
	}
	if (&HTTPError{Status: http.StatusBadGateway}).Permanent() {
		t.Error("502 marked permanent")
	}
}

func TestUploadEvidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/evidence/upload" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("site_id"); got != "site-a" {
			t.Errorf("site_id = %q", got)
		}
		if _, _, err := r.FormFile("bundle"); err != nil {
			t.Errorf("bundle part: %v", err)
		}
		if _, _, err := r.FormFile("signature"); err != nil {
			t.Errorf("signature part: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"worm_uri": "s3://worm/evidence/site-a/2026/03/EB-20260301-0001.json",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, clock.NewFake(time.Now()))
	uri, err := c.UploadEvidence(context.Background(), "EB-20260301-0001", []byte(`{"bundle_id":"EB-20260301-0001"}`), []byte("sigdata"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uri != "s3://worm/evidence/site-a/2026/03/EB-20260301-0001.json" {
		t.Errorf("worm_uri = %s", uri)
	}
}

func TestReportExecution(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/executions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, clock.NewFake(time.Now()))
	err := c.ReportExecution(context.Background(), ExecutionRecord{
		ExecutionID: "EXE-1",
		IncidentID:  "INC-1",
		Success:     true,
		Status:      "success",
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if got["site_id"] != "site-a" {
		t.Errorf("payload site_id = %v", got["site_id"])
	}
	exe, _ := got["execution"].(map[string]interface{})
	if exe["execution_id"] != "EXE-1" {
		t.Errorf("execution = %v", exe)
	}
}
