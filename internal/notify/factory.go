package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/zonedispatch/pkg/config"
	"github.com/angelmondragon/zonedispatch/pkg/logger"
	"github.com/angelmondragon/zonedispatch/pkg/pubsub"
)

// NewPublisher opens the backend selected by DISPATCH_NOTIFY_BACKEND.
func NewPublisher(ctx context.Context, cfg *config.Config, logg *logger.Logger) (Publisher, error) {
	switch strings.ToLower(cfg.Notify.Backend) {
	case "", config.NotifyBackendLog:
		return NewLogPublisher(logg), nil
	case config.NotifyBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.GCP, []string{cfg.Notify.DriverTopic, cfg.Notify.CustomerTopic}, logg)
		if err != nil {
			return nil, err
		}
		return NewPubSubPublisher(client)
	case config.NotifyBackendKafka:
		return DialKafka(cfg.Kafka)
	case config.NotifyBackendAMQP:
		return DialAMQP(cfg.AMQP)
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
	}
}
