package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// WebhookNotifier sends alerts via webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends an alert to webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, msg AlertMessage) error {
	if n == nil || n.url == "" {
		return errors.New("webhook notifier: empty url")
	}
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: formatAlertMessage(msg)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: status %d", resp.StatusCode)
	}
	return nil
}

func formatAlertMessage(msg AlertMessage) string {
	var b strings.Builder
	b.WriteString("[NCU Collector Alert]\n")
	if msg.Source != "" {
		fmt.Fprintf(&b, "Source: %s\n", msg.Source)
	}
	if msg.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", msg.Summary)
	}
	if msg.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, "Consecutive failures: %d\n", msg.ConsecutiveFailures)
	}
	if msg.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", msg.LastError)
	}
	if msg.Cooldown > 0 {
		fmt.Fprintf(&b, "Cooldown: %s\n", msg.Cooldown)
	}
	if !msg.ResumeAt.IsZero() {
		fmt.Fprintf(&b, "Resumes at: %s\n", msg.ResumeAt.UTC().Format(time.RFC3339))
	}
	if len(msg.Meta) > 0 {
		keys := make([]string, 0, len(msg.Meta))
		for k := range msg.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, msg.Meta[k])
		}
	}
	return strings.TrimSpace(b.String())
}
