// Package pubsub is a notify.Publisher backed by Google Cloud Pub/Sub,
// adapted from the teacher's internal/publisher/pubsub against the
// v1 cloud.google.com/go/pubsub client pinned in go.mod (the teacher's own
// copy targets the newer /pubsub/v2 surface, which this module does not
// depend on).
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// invalidationPayload is the JSON body published for each invalidation.
type invalidationPayload struct {
	Key         string `json:"key"`
	ContentHash string `json:"content_hash"`
}

// Publisher wraps a Pub/Sub topic handle.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the given topic. Callers own the client's
// lifecycle and should call client.Close when done; Publisher itself does
// not close anything.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Open dials a Pub/Sub client for projectID and returns a Publisher bound
// to topicID, along with the client so the caller can Close it on shutdown.
func Open(ctx context.Context, projectID, topicID string) (*pubsub.Client, *Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return client, New(client.Topic(topicID)), nil
}

// PublishInvalidation implements notify.Publisher.
func (p *Publisher) PublishInvalidation(ctx context.Context, key, contentHash string) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}

	data, err := json.Marshal(invalidationPayload{Key: key, ContentHash: contentHash})
	if err != nil {
		return fmt.Errorf("marshal invalidation payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
