// Package pubsub publishes dead-letter messages to a Google Cloud Pub/Sub
// topic for out-of-band operator review.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/snapvault/snapvault/internal/capture"
)

// Publisher wraps a Pub/Sub topic as the dead-letter channel.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// NewFromClient resolves the topic by ID on an existing client.
func NewFromClient(client *pubsub.Client, topicID string) *Publisher {
	return &Publisher{topic: client.Topic(topicID)}
}

// Publish marshals the message to JSON and blocks until the server confirms
// it. Confirmation matters here: a dead letter is the only surviving signal
// for an exhausted capture.
func (p *Publisher) Publish(ctx context.Context, msg capture.DeadLetterMessage) error {
	if p.topic == nil {
		return fmt.Errorf("dead-letter topic is not configured")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"capture_id": msg.CaptureID,
			"owner_id":   msg.OwnerID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// Stop flushes pending messages; call on shutdown.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
