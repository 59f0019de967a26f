package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/getmockd/unshubd/pkg/ratelimit"
)

// Notifier delivers a formatted alert summary to an external endpoint
// (spec.md 4.5: "If notifications.webhook is set, POST a formatted
// summary; errors are logged only").
type Notifier interface {
	Notify(ctx context.Context, url string, summary WebhookSummary) error
}

// WebhookSummary is the JSON body posted to a rule's webhook URL.
type WebhookSummary struct {
	AlertID   string    `json:"alertId"`
	RuleID    string    `json:"ruleId"`
	RuleName  string    `json:"ruleName"`
	Topic     string    `json:"topic"`
	BrokerID  string    `json:"brokerId"`
	Severity  string    `json:"severity"`
	Trigger   string    `json:"trigger"`
	CreatedAt time.Time `json:"createdAt"`
}

// httpNotifier POSTs the summary as JSON with a bounded client and a
// token bucket guarding outbound request volume, grounded on
// pkg/logging.LokiHandler's outbound-push client shape (bounded
// http.Client, JSON-marshal body, status-code check).
type httpNotifier struct {
	client *http.Client
	bucket *ratelimit.Bucket
}

// newHTTPNotifier builds a Notifier whose requests time out after timeout
// and are bounded to rate webhook POSTs per second (burst of the same
// size), guarding against a misbehaving rule hammering an external
// endpoint on every matching event.
func newHTTPNotifier(timeout time.Duration, rate float64) *httpNotifier {
	if rate <= 0 {
		rate = 5
	}
	return &httpNotifier{
		client: &http.Client{Timeout: timeout},
		bucket: ratelimit.NewBucket(rate, int(rate)),
	}
}

func (n *httpNotifier) Notify(ctx context.Context, url string, summary WebhookSummary) error {
	if !n.bucket.Allow() {
		return fmt.Errorf("alert: webhook rate limit exceeded for %s", url)
	}

	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("alert: marshal webhook summary: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alert: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
