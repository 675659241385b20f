package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// alertPayload is the JSON body published for each alert.
type alertPayload struct {
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// PubSubNotifier publishes alerts to a Google Cloud Pub/Sub topic so they can
// fan out to paging or chat integrations.
type PubSubNotifier struct {
	topic *pubsub.Topic
}

// NewPubSubNotifier builds a notifier around an existing topic handle.
func NewPubSubNotifier(topic *pubsub.Topic) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubNotifier{topic: topic}, nil
}

// Alert implements pipeline.Notifier. It blocks until the publish is
// acknowledged or ctx expires.
func (n *PubSubNotifier) Alert(ctx context.Context, message string) error {
	data, err := json.Marshal(alertPayload{
		Message:   message,
		Source:    "sourcepipe",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	result := n.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
