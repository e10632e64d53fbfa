// Package claude enriches alert groups with contextual labels produced by
// the Claude API. Enrichment is strictly best-effort: the engine persists
// alerts whether or not a label set comes back.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/klaxon/internal/alert"
)

const systemPrompt = `You label aggregated monitoring alerts for an on-call dashboard.
Given one alert group, respond with a single JSON object mapping short label
names to short string values, for example {"service":"checkout","team":"payments"}.
Respond with the JSON object only, no prose.`

// maxLabels caps how many labels one response may attach to an alert.
const maxLabels = 16

// Client calls the Claude API to produce labels for an alert group.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Claude enrichment client.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Labels implements aggregate.Enricher.
func (c *Client) Labels(ctx context.Context, fingerprint string, events []*alert.Event) (map[string]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 512,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(fingerprint, events))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseLabels(text.String())
}

// buildPrompt renders the alert group for the model: identity fields, event
// count, and one sample payload.
func buildPrompt(fingerprint string, events []*alert.Event) string {
	last := events[len(events)-1]

	var b strings.Builder
	fmt.Fprintf(&b, "fingerprint: %s\n", fingerprint)
	fmt.Fprintf(&b, "resource: %s\n", last.Resource)
	fmt.Fprintf(&b, "rule_key: %s\n", last.RuleKey)
	fmt.Fprintf(&b, "level: %s\n", last.Level)
	fmt.Fprintf(&b, "event_count: %d\n", len(events))
	if len(last.RawPayload) > 0 {
		payload := string(last.RawPayload)
		if len(payload) > 2048 {
			payload = payload[:2048]
		}
		fmt.Fprintf(&b, "sample_payload: %s\n", payload)
	}
	return b.String()
}

// parseLabels extracts the JSON object from the model's reply, tolerating
// markdown fences and surrounding prose.
func parseLabels(text string) (map[string]string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response %q", truncate(text, 120))
	}

	var labels map[string]string
	if err := json.Unmarshal([]byte(text[start:end+1]), &labels); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}

	for k, v := range labels {
		if k == "" || v == "" {
			delete(labels, k)
		}
	}
	if len(labels) > maxLabels {
		return nil, fmt.Errorf("response carries %d labels, cap is %d", len(labels), maxLabels)
	}
	if len(labels) == 0 {
		return nil, nil
	}
	return labels, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
