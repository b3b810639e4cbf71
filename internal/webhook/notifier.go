// Package webhook delivers flow events to a keysystem owner's configured URL.
// Delivery is strictly best-effort: failures are logged and swallowed, and a
// slow endpoint can never hold up the visitor flow.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Event kinds sent to owner webhooks.
const (
	EventCheckpointCompleted = "checkpoint_completed"
	EventBypassDetected      = "bypass_detected"
)

// Event is the payload POSTed to the owner's webhook URL.
type Event struct {
	Kind            string    `json:"kind"`
	KeysystemID     uuid.UUID `json:"keysystem_id"`
	KeysystemName   string    `json:"keysystem_name"`
	VisitorID       string    `json:"visitor_id"`
	CheckpointIndex int       `json:"checkpoint_index"`
	Detail          string    `json:"detail,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Notifier sends events. Implementations must never block the caller on
// delivery or surface delivery errors.
type Notifier interface {
	Notify(url string, ev Event)
}

// HTTPNotifier posts events with a short timeout and no retries.
type HTTPNotifier struct {
	client *http.Client
}

// NewHTTPNotifier creates a notifier with the given delivery timeout.
func NewHTTPNotifier(timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{client: &http.Client{Timeout: timeout}}
}

// Notify delivers ev to url in the background. A missing URL is a no-op.
func (n *HTTPNotifier) Notify(url string, ev Event) {
	if url == "" {
		return
	}
	go n.deliver(url, ev)
}

func (n *HTTPNotifier) deliver(url string, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("webhook: encode event", "error", err, "kind", ev.Kind)
		return
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("webhook: build request", "error", err, "kind", ev.Kind)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("webhook: delivery failed", "error", err, "kind", ev.Kind, "keysystem_id", ev.KeysystemID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("webhook: non-success status", "status", resp.StatusCode, "kind", ev.Kind, "keysystem_id", ev.KeysystemID)
	}
}
