package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// webhookPayload is the body posted for each check that raised alerts.
type webhookPayload struct {
	Source   string           `json:"source"`
	Snapshot *MetricsSnapshot `json:"snapshot"`
	Alerts   []Alert          `json:"alerts"`
}

// Notifier posts alerts to a webhook. A Notifier without a URL is a no-op.
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier creates a Notifier for url.
func NewNotifier(url string) *Notifier {
	return &Notifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.url != "" }

// Notify posts all alerts from one check in a single request.
func (n *Notifier) Notify(ctx context.Context, snap *MetricsSnapshot, alerts []Alert) error {
	if !n.Enabled() || len(alerts) == 0 {
		return nil
	}

	body, err := json.Marshal(webhookPayload{Source: "onemap-sync", Snapshot: snap, Alerts: alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
