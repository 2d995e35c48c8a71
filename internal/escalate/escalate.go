// Package escalate implements the L3 human escalator: when automation
// cannot or must not act, the incident is surfaced to an operator as a
// ticket with full pipeline context, routed over the channels its
// severity warrants. Channel failures are logged and never fail the
// escalation — the record is the evidence.
package escalate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/phi"
	"github.com/osiriscare/sentinel/internal/store"
)

// Channel names.
const (
	ChannelPager = "pager"
	ChannelChat  = "chat"
	ChannelEmail = "email"
)

// channelsBySeverity routes tickets: critical pages, low just mails.
var channelsBySeverity = map[string][]string{
	"critical": {ChannelPager, ChannelChat, ChannelEmail},
	"high":     {ChannelPager, ChannelChat},
	"medium":   {ChannelChat, ChannelEmail},
	"low":      {ChannelEmail},
}

// RejectedDecision captures an L2 decision that guardrails refused,
// preserved on the ticket so the operator sees what automation wanted
// to do and why it was stopped.
type RejectedDecision struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Reason     string  `json:"rejected_because"`
}

// Ticket is the escalation record handed to operators.
type Ticket struct {
	ID               string                 `json:"id"`
	IncidentID       string                 `json:"incident_id"`
	SiteID           string                 `json:"site_id"`
	HostID           string                 `json:"host_id"`
	IncidentType     string                 `json:"incident_type"`
	Severity         string                 `json:"severity"`
	Summary          string                 `json:"summary"`
	ScrubbedRawData  map[string]interface{} `json:"raw_data"`
	PatternHistory   []store.HistoryEntry   `json:"pattern_history,omitempty"`
	RejectedDecision *RejectedDecision      `json:"rejected_decision,omitempty"`
	HIPAAControls    []string               `json:"hipaa_controls,omitempty"`
	Recommendation   string                 `json:"recommendation,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	Channels         []string               `json:"channels"`
	ChannelFailures  map[string]string      `json:"channel_failures,omitempty"`
}

// Notifier delivers a ticket over one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, t *Ticket) error
}

// Escalator builds and delivers tickets.
type Escalator struct {
	scrubber  *phi.Scrubber
	clk       clock.Clock
	notifiers map[string]Notifier
}

// New creates an escalator. Notifiers are configured once at startup;
// a severity routing to an unconfigured channel just logs.
func New(scrubber *phi.Scrubber, clk clock.Clock, notifiers ...Notifier) *Escalator {
	byName := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		byName[n.Name()] = n
	}
	return &Escalator{scrubber: scrubber, clk: clk, notifiers: byName}
}

// Escalate builds the ticket and fans it out. It never returns an
// error for channel failures; those are recorded on the ticket.
func (e *Escalator) Escalate(ctx context.Context, inc store.Incident, history []store.HistoryEntry, rejected *RejectedDecision, hipaaControls []string) *Ticket {
	scrubbed, _ := e.scrubber.ScrubMap(inc.RawData)

	t := &Ticket{
		ID:               "ESC-" + uuid.NewString(),
		IncidentID:       inc.ID,
		SiteID:           inc.SiteID,
		HostID:           inc.HostID,
		IncidentType:     inc.IncidentType,
		Severity:         inc.Severity,
		Summary:          summarize(inc),
		ScrubbedRawData:  scrubbed,
		PatternHistory:   history,
		RejectedDecision: rejected,
		HIPAAControls:    hipaaControls,
		Recommendation:   recommend(history),
		CreatedAt:        e.clk.Now(),
		Channels:         routeChannels(inc.Severity),
	}

	for _, ch := range t.Channels {
		notifier, ok := e.notifiers[ch]
		if !ok {
			log.Printf("[l3] No %s notifier configured for ticket %s", ch, t.ID)
			continue
		}
		if err := notifier.Notify(ctx, t); err != nil {
			log.Printf("[l3] Channel %s failed for ticket %s: %v", ch, t.ID, err)
			if t.ChannelFailures == nil {
				t.ChannelFailures = make(map[string]string)
			}
			t.ChannelFailures[ch] = err.Error()
		}
	}

	log.Printf("[l3] Escalated incident %s as %s (severity=%s, channels=%v, failures=%d)",
		inc.ID, t.ID, inc.Severity, t.Channels, len(t.ChannelFailures))
	return t
}

func routeChannels(severity string) []string {
	if chs, ok := channelsBySeverity[severity]; ok {
		return chs
	}
	return []string{ChannelEmail}
}

func summarize(inc store.Incident) string {
	expected, _ := inc.RawData["expected"].(string)
	actual, _ := inc.RawData["actual"].(string)
	if expected != "" || actual != "" {
		return fmt.Sprintf("%s drift on %s: expected %q, found %q",
			inc.IncidentType, inc.HostID, expected, actual)
	}
	return fmt.Sprintf("%s incident on %s requires operator attention", inc.IncidentType, inc.HostID)
}

// recommend suggests an action when the pattern history shows one
// working consistently.
func recommend(history []store.HistoryEntry) string {
	counts := make(map[string]int)
	total := 0
	for _, h := range history {
		if h.Outcome == store.OutcomeSuccess {
			counts[h.Action]++
			total++
		}
	}
	if total < 3 {
		return ""
	}
	for action, n := range counts {
		if float64(n)/float64(total) >= 0.8 {
			return fmt.Sprintf("prior incidents of this pattern resolved by %s (%d of %d successes)", action, n, total)
		}
	}
	return ""
}
