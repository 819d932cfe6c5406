// Package notify posts operator alerts to a webhook. Alerts are advisory;
// a delivery failure never affects decision handling.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notifier sends alerts to a JSON webhook. An empty URL disables delivery.
type Notifier struct {
	WebhookURL string
	Client     *http.Client
}

// New returns a Notifier for the given webhook URL.
func New(webhookURL string, timeout time.Duration) *Notifier {
	return &Notifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: timeout},
	}
}

type message struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Send posts one alert. No-op when no webhook is configured.
func (n *Notifier) Send(title, text string) error {
	if n == nil || n.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(message{Title: title, Text: text})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	resp, err := n.Client.Post(n.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// FormatReviewsRaised formats the alert for a sweep that flagged decisions.
func FormatReviewsRaised(created int) (title, text string) {
	title = "tripverdict review sweep"
	text = fmt.Sprintf("sweep raised %d review record(s) needing human attention", created)
	return title, text
}

// FormatCircuitOpen formats the alert for an open inference circuit.
func FormatCircuitOpen(failures int64) (title, text string) {
	title = "tripverdict inference circuit open"
	text = fmt.Sprintf("inference calls suspended after %d consecutive failures; reset the counter once the provider recovers", failures)
	return title, text
}
