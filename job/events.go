package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Event types published when a job reaches a terminal state.
const (
	EventPlanReady = "plan_ready"
	EventPlanError = "plan_error"
)

// StreamEvents is the JetStream stream holding terminal-state events, so
// clients that were disconnected when their plan finished can still catch up.
const StreamEvents = "PLANFORGE_EVENTS"

const subjectPrefix = "planforge.events."

// Event is the notification payload. Error details stay on the job record;
// the event only tells the client what to fetch.
type Event struct {
	Type    string    `json:"type"`
	OwnerID string    `json:"ownerId"`
	JobID   string    `json:"jobId"`
	At      time.Time `json:"at"`
}

// Notifier publishes terminal-state events to JetStream. Delivery is best
// effort: a publish failure is logged and never fails the job itself.
type Notifier struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewNotifier creates the events stream if needed. A nil JetStream context
// disables publishing.
func NewNotifier(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{js: js, logger: logger}
	if js == nil {
		return n, nil
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamEvents,
		Description: "Planforge job terminal-state events",
		Subjects:    []string{subjectPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create events stream: %w", err)
	}
	return n, nil
}

// PlanReady announces a completed job.
func (n *Notifier) PlanReady(ownerID, jobID string) {
	n.publish(EventPlanReady, ownerID, jobID)
}

// PlanError announces a failed job.
func (n *Notifier) PlanError(ownerID, jobID string) {
	n.publish(EventPlanError, ownerID, jobID)
}

func (n *Notifier) publish(eventType, ownerID, jobID string) {
	if n == nil || n.js == nil {
		return
	}
	evt := Event{Type: eventType, OwnerID: ownerID, JobID: jobID, At: time.Now().UTC()}
	data, err := json.Marshal(evt)
	if err != nil {
		n.logger.Error("marshal event", "type", eventType, "error", err)
		return
	}
	subject := subjectPrefix + eventType
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.js.Publish(ctx, subject, data); err != nil {
		n.logger.Warn("publish event failed", "subject", subject, "job_id", jobID, "error", err)
	}
}
