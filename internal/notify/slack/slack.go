// Package slack delivers subject notifications and emergency alerts to Slack
// via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/triage"
)

const (
	maxMessageLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier posts to a Slack webhook. It satisfies investigation.Notifier and
// triage.Alerter.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, messages are only
// logged.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify sends a subject-facing intervention message.
func (n *Notifier) Notify(ctx context.Context, msg *investigation.Notification) error {
	if n.webhookURL == "" {
		n.logger.Info(ctx, "notification (no webhook configured)",
			"task_id", msg.TaskID,
			"subject_id", msg.SubjectID,
			"risk_level", msg.RiskLevel,
			"message", msg.Message,
		)
		return nil
	}
	return n.post(ctx, buildNotification(msg))
}

// Alert sends an emergency alert raised by a hard rule.
func (n *Notifier) Alert(ctx context.Context, a *triage.Alert) error {
	if n.webhookURL == "" {
		n.logger.Warn(ctx, "emergency alert (no webhook configured)",
			"alert_id", a.ID,
			"subject_id", a.SubjectID,
			"reason", a.Reason,
		)
		return nil
	}
	return n.post(ctx, buildAlert(a))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildNotification(m *investigation.Notification) map[string]any {
	title := "Glucose reminder"
	if m.Urgent {
		title = "Glucose alert"
	}
	return map[string]any{
		"blocks": []map[string]any{
			header(riskEmoji(m.RiskLevel) + " " + title),
			{"type": "divider"},
			{
				"type": "section",
				"fields": []map[string]any{
					mrkdwn(fmt.Sprintf("*Subject:* %s", m.SubjectID)),
					mrkdwn(fmt.Sprintf("*Risk:* %s", m.RiskLevel)),
				},
			},
			{
				"type": "section",
				"text": mrkdwn(truncate(m.Message, maxMessageLen)),
			},
			contextBlock(fmt.Sprintf("guardian • task %s", m.TaskID), time.Now()),
		},
	}
}

func buildAlert(a *triage.Alert) map[string]any {
	r := a.Reading
	return map[string]any{
		"blocks": []map[string]any{
			header("\U0001f6a8 Emergency: " + a.SubjectID),
			{"type": "divider"},
			{
				"type": "section",
				"fields": []map[string]any{
					mrkdwn(fmt.Sprintf("*Glucose:* %.1f mmol/L", r.GlucoseMmolL)),
					mrkdwn(fmt.Sprintf("*Heart rate:* %d bpm", r.HeartRate)),
					mrkdwn(fmt.Sprintf("*Location:* %.5f, %.5f", r.Latitude, r.Longitude)),
					mrkdwn(fmt.Sprintf("*Recorded:* %s", r.RecordedAt.UTC().Format("15:04 UTC"))),
				},
			},
			{
				"type": "section",
				"text": mrkdwn("*Reason*\n\n" + truncate(a.Reason, maxMessageLen)),
			},
			contextBlock(fmt.Sprintf("guardian • alert %s", a.ID), a.RaisedAt),
		},
	}
}

func header(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": text},
	}
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func contextBlock(text string, ts time.Time) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			mrkdwn(fmt.Sprintf("%s • %s", text, ts.UTC().Format("2006-01-02 15:04 UTC"))),
		},
	}
}

func riskEmoji(risk investigation.RiskLevel) string {
	switch risk {
	case investigation.RiskHigh:
		return "\U0001f534" // red circle
	case investigation.RiskMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
