package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// ChatNotifier posts tickets to a Slack incoming webhook.
type ChatNotifier struct {
	webhookURL string
}

// NewChatNotifier creates the chat channel.
func NewChatNotifier(webhookURL string) *ChatNotifier {
	return &ChatNotifier{webhookURL: webhookURL}
}

// Name implements Notifier.
func (n *ChatNotifier) Name() string { return ChannelChat }

// Notify posts the ticket as a Slack attachment, color-coded by
// severity.
func (n *ChatNotifier) Notify(ctx context.Context, t *Ticket) error {
	color := map[string]string{
		"critical": "#d00000",
		"high":     "#e85d04",
		"medium":   "#ffba08",
		"low":      "#6c757d",
	}[t.Severity]

	fields := []slack.AttachmentField{
		{Title: "Incident", Value: t.IncidentID, Short: true},
		{Title: "Host", Value: t.HostID, Short: true},
		{Title: "Type", Value: t.IncidentType, Short: true},
		{Title: "Severity", Value: t.Severity, Short: true},
	}
	if t.RejectedDecision != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Rejected L2 decision",
			Value: fmt.Sprintf("%s (confidence %.2f): %s",
				t.RejectedDecision.Action, t.RejectedDecision.Confidence, t.RejectedDecision.Reason),
		})
	}
	if t.Recommendation != "" {
		fields = append(fields, slack.AttachmentField{Title: "Recommendation", Value: t.Recommendation})
	}

	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("Escalation %s: %s", t.ID, t.Summary),
		Attachments: []slack.Attachment{{
			Color:  color,
			Fields: fields,
			Footer: t.SiteID,
			Ts:     json.Number(fmt.Sprintf("%d", t.CreatedAt.Unix())),
		}},
	}
	return slack.PostWebhookContext(ctx, n.webhookURL, msg)
}

// PagerNotifier triggers a pager event over a generic events webhook.
type PagerNotifier struct {
	endpoint   string
	routingKey string
	client     *http.Client
}

// NewPagerNotifier creates the pager channel.
func NewPagerNotifier(endpoint, routingKey string) *PagerNotifier {
	return &PagerNotifier{
		endpoint:   endpoint,
		routingKey: routingKey,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Notifier.
func (n *PagerNotifier) Name() string { return ChannelPager }

// Notify posts a trigger event keyed on the incident so repeat
// escalations of the same incident dedupe on the pager side.
func (n *PagerNotifier) Notify(ctx context.Context, t *Ticket) error {
	payload := map[string]interface{}{
		"routing_key":  n.routingKey,
		"event_action": "trigger",
		"dedup_key":    t.IncidentID,
		"payload": map[string]interface{}{
			"summary":  fmt.Sprintf("[%s] %s", strings.ToUpper(t.Severity), t.Summary),
			"source":   t.HostID,
			"severity": t.Severity,
			"custom_details": map[string]interface{}{
				"ticket_id":     t.ID,
				"incident_type": t.IncidentType,
				"site_id":       t.SiteID,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal pager event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create pager request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("pager request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("pager returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// EmailNotifier sends tickets over SMTP.
type EmailNotifier struct {
	addr string // host:port
	from string
	to   []string
	auth smtp.Auth
}

// NewEmailNotifier creates the email channel. auth may be nil for an
// unauthenticated relay.
func NewEmailNotifier(addr, from string, to []string, auth smtp.Auth) *EmailNotifier {
	return &EmailNotifier{addr: addr, from: from, to: to, auth: auth}
}

// Name implements Notifier.
func (n *EmailNotifier) Name() string { return ChannelEmail }

// Notify sends a plain-text ticket summary.
func (n *EmailNotifier) Notify(ctx context.Context, t *Ticket) error {
	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", n.from)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(n.to, ", "))
	fmt.Fprintf(&body, "Subject: [%s] Escalation %s: %s\r\n", strings.ToUpper(t.Severity), t.ID, t.Summary)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")

	fmt.Fprintf(&body, "Incident:  %s\r\n", t.IncidentID)
	fmt.Fprintf(&body, "Site/Host: %s / %s\r\n", t.SiteID, t.HostID)
	fmt.Fprintf(&body, "Type:      %s (severity %s)\r\n", t.IncidentType, t.Severity)
	fmt.Fprintf(&body, "Created:   %s\r\n\r\n", t.CreatedAt.Format(time.RFC3339))

	if t.RejectedDecision != nil {
		fmt.Fprintf(&body, "Automation proposed %q (confidence %.2f) but was blocked: %s\r\n\r\n",
			t.RejectedDecision.Action, t.RejectedDecision.Confidence, t.RejectedDecision.Reason)
	}
	if len(t.PatternHistory) > 0 {
		body.WriteString("Prior occurrences of this pattern:\r\n")
		for _, h := range t.PatternHistory {
			fmt.Fprintf(&body, "  %s %s via %s -> %s\r\n",
				h.ResolvedAt.Format("2006-01-02"), h.Level, h.Action, h.Outcome)
		}
		body.WriteString("\r\n")
	}
	if len(t.HIPAAControls) > 0 {
		fmt.Fprintf(&body, "HIPAA controls affected: %s\r\n", strings.Join(t.HIPAAControls, ", "))
	}
	if t.Recommendation != "" {
		fmt.Fprintf(&body, "Recommendation: %s\r\n", t.Recommendation)
	}

	return smtp.SendMail(n.addr, n.auth, n.from, n.to, []byte(body.String()))
}
