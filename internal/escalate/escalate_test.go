package escalate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/phi"
	"github.com/osiriscare/sentinel/internal/store"
)

type fakeNotifier struct {
	name    string
	err     error
	tickets []*Ticket
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(_ context.Context, t *Ticket) error {
	f.tickets = append(f.tickets, t)
	return f.err
}

func escalationIncident(severity string) store.Incident {
	return store.Incident{
		ID:           "INC-20260301-0007",
		SiteID:       "site-a",
		HostID:       "host-1",
		IncidentType: "encryption_status",
		Severity:     severity,
		CreatedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		RawData: map[string]interface{}{
			"expected": "encrypted",
			"actual":   "unencrypted",
			"note":     "volume holds records for PT-8812",
		},
	}
}

func TestEscalateRouting(t *testing.T) {
	tests := []struct {
		severity string
		want     []string
	}{
		{"critical", []string{ChannelPager, ChannelChat, ChannelEmail}},
		{"high", []string{ChannelPager, ChannelChat}},
		{"medium", []string{ChannelChat, ChannelEmail}},
		{"low", []string{ChannelEmail}},
		{"unknown", []string{ChannelEmail}},
	}
	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			pager := &fakeNotifier{name: ChannelPager}
			chat := &fakeNotifier{name: ChannelChat}
			email := &fakeNotifier{name: ChannelEmail}
			e := New(phi.New(), clock.NewFake(time.Now()), pager, chat, email)

			ticket := e.Escalate(context.Background(), escalationIncident(tt.severity), nil, nil, nil)

			if len(ticket.Channels) != len(tt.want) {
				t.Fatalf("channels = %v, want %v", ticket.Channels, tt.want)
			}
			for i, ch := range tt.want {
				if ticket.Channels[i] != ch {
					t.Fatalf("channels = %v, want %v", ticket.Channels, tt.want)
				}
			}
			for _, n := range []*fakeNotifier{pager, chat, email} {
				delivered := len(n.tickets) == 1
				routed := false
				for _, ch := range tt.want {
					if ch == n.name {
						routed = true
					}
				}
				if delivered != routed {
					t.Errorf("channel %s delivered=%v routed=%v", n.name, delivered, routed)
				}
			}
		})
	}
}

func TestEscalateScrubsTicket(t *testing.T) {
	chat := &fakeNotifier{name: ChannelChat}
	e := New(phi.New(), clock.NewFake(time.Now()), chat)

	ticket := e.Escalate(context.Background(), escalationIncident("medium"), nil, nil, nil)

	note, _ := ticket.ScrubbedRawData["note"].(string)
	if strings.Contains(note, "PT-8812") {
		t.Errorf("patient identifier on ticket: %q", note)
	}
	if ticket.ScrubbedRawData["actual"] != "unencrypted" {
		t.Errorf("non-PHI fields mangled: %v", ticket.ScrubbedRawData)
	}
}

func TestEscalateChannelFailureDoesNotFail(t *testing.T) {
	pager := &fakeNotifier{name: ChannelPager, err: errors.New("routing key rejected")}
	chat := &fakeNotifier{name: ChannelChat}
	e := New(phi.New(), clock.NewFake(time.Now()), pager, chat)

	ticket := e.Escalate(context.Background(), escalationIncident("high"), nil, nil, nil)

	if ticket == nil {
		t.Fatal("ticket dropped on channel failure")
	}
	if got := ticket.ChannelFailures[ChannelPager]; got != "routing key rejected" {
		t.Errorf("failure record = %v", ticket.ChannelFailures)
	}
	if len(chat.tickets) != 1 {
		t.Error("healthy channel skipped after another failed")
	}
}

func TestEscalateUnconfiguredChannel(t *testing.T) {
	// Critical routes to three channels but only email is configured.
	email := &fakeNotifier{name: ChannelEmail}
	e := New(phi.New(), clock.NewFake(time.Now()), email)

	ticket := e.Escalate(context.Background(), escalationIncident("critical"), nil, nil, nil)

	if len(email.tickets) != 1 {
		t.Error("configured channel not delivered")
	}
	if len(ticket.ChannelFailures) != 0 {
		t.Errorf("unconfigured channels recorded as failures: %v", ticket.ChannelFailures)
	}
}

func TestEscalatePreservesRejectedDecision(t *testing.T) {
	e := New(phi.New(), clock.NewFake(time.Now()))
	rejected := &RejectedDecision{
		Action:     "enable_bitlocker",
		Confidence: 0.55,
		Reasoning:  "volume reports unencrypted",
		Reason:     "confidence 0.55 below threshold 0.60",
	}

	ticket := e.Escalate(context.Background(), escalationIncident("high"), nil, rejected, []string{"164.312(a)(2)(iv)"})

	if ticket.RejectedDecision == nil || ticket.RejectedDecision.Action != "enable_bitlocker" {
		t.Errorf("rejected decision = %+v", ticket.RejectedDecision)
	}
	if len(ticket.HIPAAControls) != 1 {
		t.Errorf("hipaa controls = %v", ticket.HIPAAControls)
	}
	if !strings.HasPrefix(ticket.ID, "ESC-") {
		t.Errorf("ticket id = %s", ticket.ID)
	}
}

func TestSummarize(t *testing.T) {
	inc := escalationIncident("high")
	got := summarize(inc)
	if !strings.Contains(got, `expected "encrypted"`) || !strings.Contains(got, `found "unencrypted"`) {
		t.Errorf("summary = %q", got)
	}

	inc.RawData = map[string]interface{}{"check": "backup"}
	got = summarize(inc)
	if !strings.Contains(got, "requires operator attention") {
		t.Errorf("fallback summary = %q", got)
	}
}

func TestRecommend(t *testing.T) {
	entry := func(action, outcome string) store.HistoryEntry {
		return store.HistoryEntry{Level: "L2", Action: action, Outcome: outcome}
	}

	// Fewer than three successes: no recommendation.
	if got := recommend([]store.HistoryEntry{
		entry("restart_service", store.OutcomeSuccess),
		entry("restart_service", store.OutcomeSuccess),
	}); got != "" {
		t.Errorf("recommendation from thin history: %q", got)
	}

	// A dominant action recommends itself.
	got := recommend([]store.HistoryEntry{
		entry("restart_service", store.OutcomeSuccess),
		entry("restart_service", store.OutcomeSuccess),
		entry("restart_service", store.OutcomeSuccess),
		entry("restart_service", store.OutcomeSuccess),
		entry("trigger_backup", store.OutcomeFailure),
	})
	if !strings.Contains(got, "restart_service") || !strings.Contains(got, "4 of 4") {
		t.Errorf("recommendation = %q", got)
	}

	// Successes split across actions: nothing dominates.
	if got := recommend([]store.HistoryEntry{
		entry("restart_service", store.OutcomeSuccess),
		entry("restart_service", store.OutcomeSuccess),
		entry("trigger_backup", store.OutcomeSuccess),
		entry("trigger_backup", store.OutcomeSuccess),
	}); got != "" {
		t.Errorf("recommendation from split history: %q", got)
	}
}
