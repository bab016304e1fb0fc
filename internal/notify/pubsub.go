package notify

import (
	"context"
	"errors"
	"fmt"

	gcppubsub "cloud.google.com/go/pubsub/v2"
)

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type topicPublisher interface {
	Publish(ctx context.Context, msg *gcppubsub.Message) publishResult
}

// PubSubPublisher publishes envelopes to Google Pub/Sub topics.
type PubSubPublisher struct {
	factory func(topic string) topicPublisher
	closer  func() error
}

type pubsubClient interface {
	Publisher(name string) *gcppubsub.Publisher
	Close() error
}

func NewPubSubPublisher(client pubsubClient) (*PubSubPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub client required")
	}
	return &PubSubPublisher{
		factory: func(topic string) topicPublisher {
			p := client.Publisher(topic)
			if p == nil {
				return nil
			}
			p.EnableMessageOrdering = true
			return &gcpPublisher{Publisher: p}
		},
		closer: client.Close,
	}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, topic, key string, body []byte) error {
	pub := p.factory(topic)
	if pub == nil {
		return fmt.Errorf("publisher not configured for topic %s", topic)
	}
	result := pub.Publish(ctx, &gcppubsub.Message{
		Data:        body,
		OrderingKey: key,
		Attributes:  map[string]string{"recipient": key},
	})
	if result == nil {
		return fmt.Errorf("publisher returned nil for topic %s", topic)
	}
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (p *PubSubPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
