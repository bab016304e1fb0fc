package notify

import (
	"context"
	"errors"
	"testing"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/angelmondragon/zonedispatch/pkg/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

func TestKafkaPublisherSendsKeyedMessage(t *testing.T) {
	cfg := NewKafkaConfig(config.KafkaConfig{ClientID: "zonedispatch"})
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"type":"zone_offer"}` {
			return errors.New("unexpected value")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisher(producer)
	if err := pub.Publish(context.Background(), "drivers", "7", []byte(`{"type":"zone_offer"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := pub.Publish(context.Background(), "drivers", "7", []byte(`{}`)); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaConfigWaitsForAllReplicas(t *testing.T) {
	cfg := NewKafkaConfig(config.KafkaConfig{ClientID: "zd"})
	if cfg.Producer.RequiredAcks != sarama.WaitForAll || !cfg.Producer.Return.Successes {
		t.Fatalf("producer must wait for all replicas and return successes")
	}
	if _, err := DialKafka(config.KafkaConfig{}); err == nil {
		t.Fatalf("expected missing brokers error")
	}
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	closed   bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange = exchange
	f.key = key
	f.msg = msg
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisherRoutesByTopicAndRecipient(t *testing.T) {
	ch := &fakeChannel{}
	pub := NewAMQPPublisher(ch, "dispatch_notifications")
	if err := pub.Publish(context.Background(), "customers", "42", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ch.exchange != "dispatch_notifications" || ch.key != "customers.42" {
		t.Fatalf("unexpected routing exchange=%s key=%s", ch.exchange, ch.key)
	}
	if ch.msg.DeliveryMode != amqp.Persistent || ch.msg.ContentType != "application/json" {
		t.Fatalf("expected persistent json message, got %+v", ch.msg)
	}
	if err := pub.Close(); err != nil || !ch.closed {
		t.Fatalf("expected channel closed, err=%v", err)
	}
}

type fakeResult struct{ err error }

func (f fakeResult) Get(context.Context) (string, error) { return "id-1", f.err }

type fakeTopic struct {
	msgs []*gcppubsub.Message
	err  error
}

func (f *fakeTopic) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.msgs = append(f.msgs, msg)
	return fakeResult{err: f.err}
}

func TestPubSubPublisherWaitsForResult(t *testing.T) {
	topic := &fakeTopic{}
	pub := &PubSubPublisher{factory: func(name string) topicPublisher {
		if name != "drivers" {
			return nil
		}
		return topic
	}}
	if err := pub.Publish(context.Background(), "drivers", "5", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(topic.msgs) != 1 || topic.msgs[0].OrderingKey != "5" {
		t.Fatalf("unexpected messages %+v", topic.msgs)
	}
	if err := pub.Publish(context.Background(), "unknown", "5", nil); err == nil {
		t.Fatalf("expected missing topic error")
	}
	topic.err = errors.New("deadline")
	if err := pub.Publish(context.Background(), "drivers", "5", nil); err == nil {
		t.Fatalf("expected result error")
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close without closer: %v", err)
	}
}
