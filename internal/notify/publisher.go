package notify

import (
	"context"

	"github.com/angelmondragon/zonedispatch/pkg/logger"
)

// Publisher delivers an encoded envelope to a topic. Key groups messages per recipient.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
	Close() error
}

// LogPublisher writes envelopes to the structured log. It is the default backend.
type LogPublisher struct {
	logg *logger.Logger
}

func NewLogPublisher(logg *logger.Logger) *LogPublisher {
	return &LogPublisher{logg: logg}
}

func (p *LogPublisher) Publish(ctx context.Context, topic, key string, body []byte) error {
	ctx = p.logg.WithFields(ctx, map[string]any{
		"topic":    topic,
		"key":      key,
		"envelope": string(body),
	})
	p.logg.Info(ctx, "notification published")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
