package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/cloudevents/sdk-go/v2/event"
)

// PubSubAdapter publishes CloudEvents to Google Cloud Pub/Sub topics.
type PubSubAdapter struct {
	Client *pubsub.Client
}

func (a *PubSubAdapter) PublishCloudEvent(ctx context.Context, topicID string, e event.Event) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	res := a.Client.Topic(topicID).Publish(ctx, &pubsub.Message{Data: data})
	return res.Get(ctx)
}

// LogPublisher is a mock publisher for local development and tests.
type LogPublisher struct{}

func (p *LogPublisher) PublishCloudEvent(ctx context.Context, topicID string, e event.Event) (string, error) {
	slog.Info("MOCK PUBLISH", "topic", topicID, "event_type", e.Type(), "data", string(e.Data()))
	return "mock-msg-id", nil
}
