// Package webhook delivers escalation notifications to a Slack-compatible
// incoming webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

const httpTimeout = 10 * time.Second

// AlertGetter resolves the alert being escalated so the message can carry
// its details, not just its ID.
type AlertGetter interface {
	GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error)
}

// Notifier posts escalated alerts to a webhook. It implements
// aggregate.Notifier.
type Notifier struct {
	webhookURL string
	store      AlertGetter
	client     *http.Client
}

// New creates a webhook notifier. If webhookURL is empty, OnAlertAssigned is
// a no-op.
func New(webhookURL string, store AlertGetter) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		store:      store,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// OnAlertAssigned posts the escalated alert to the configured webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) OnAlertAssigned(ctx context.Context, alertID, channelID string) error {
	if n.webhookURL == "" {
		return nil
	}

	a, ok, err := n.store.GetAlert(ctx, alertID)
	if err != nil {
		return fmt.Errorf("webhook: load alert: %w", err)
	}
	if !ok {
		return fmt.Errorf("webhook: alert %s not found", alertID)
	}

	body, err := json.Marshal(buildMessage(a, channelID))
	if err != nil {
		return fmt.Errorf("webhook: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(a *alert.Alert, channelID string) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(a),
			{"type": "divider"},
			fieldsBlock(a),
			{"type": "divider"},
			contextBlock(a, channelID),
		},
	}
}

func headerBlock(a *alert.Alert) map[string]any {
	text := fmt.Sprintf("%s Alert escalated: %s / %s", levelEmoji(a.Level), a.Resource, a.RuleKey)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(a *alert.Alert) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Level:* %s", a.Level),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Events:* %d", a.EventCount),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*First seen:* %s", a.FirstEventAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Last seen:* %s", a.LastEventAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	if len(a.Labels) > 0 {
		pairs := make([]string, 0, len(a.Labels))
		for k, v := range a.Labels {
			pairs = append(pairs, k+"="+v)
		}
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Labels:* %s", strings.Join(pairs, " ")),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(a *alert.Alert, channelID string) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("klaxon • alert %s • channel %s", a.ID, channelID),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func levelEmoji(level alert.Level) string {
	switch level {
	case alert.LevelCritical, alert.LevelNoData:
		return "\U0001f534" // red circle
	case alert.LevelError:
		return "\U0001f7e0" // orange circle
	case alert.LevelWarning:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}
