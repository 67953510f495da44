package messaging

import (
	"encoding/json"
	"log"
	"time"

	"github.com/whisper/live-match/internal/metrics"
)

// Event is the frame published on live.notify.<user_id> and forwarded
// verbatim to the user's push connections.
type Event struct {
	Type    string          `json:"type"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"` // unix milliseconds
}

// publisher is the subset of NATSClient the Notifier needs.
type publisher interface {
	PublishNotify(userID string, data []byte) error
}

// Notifier delivers best-effort notifications over NATS. Failures are
// logged and counted, never returned: the database stays authoritative.
type Notifier struct {
	pub publisher
	now func() time.Time
}

// NewNotifier creates a Notifier publishing through client.
func NewNotifier(client *NATSClient) *Notifier {
	return &Notifier{pub: client, now: time.Now}
}

// Notify publishes eventType with payload to userID.
func (n *Notifier) Notify(userID, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[notify] marshal %s for user=%s: %v", eventType, userID, err)
		metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
		return
	}

	data, err := json.Marshal(Event{
		Type:    eventType,
		UserID:  userID,
		Payload: raw,
		Ts:      n.now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[notify] marshal envelope %s for user=%s: %v", eventType, userID, err)
		metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
		return
	}

	if err := n.pub.PublishNotify(userID, data); err != nil {
		log.Printf("[notify] publish %s to user=%s: %v", eventType, userID, err)
		metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType, "ok").Inc()
}

// LogNotifier only logs. Used when NATS is unreachable at startup.
type LogNotifier struct{}

func (LogNotifier) Notify(userID, eventType string, _ any) {
	log.Printf("[notify] (no channel) dropped %s for user=%s", eventType, userID)
}
