package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/angelmondragon/zonedispatch/pkg/logger"
)

const defaultPublishTimeout = 5 * time.Second

// ServiceParams configure the notification service.
type ServiceParams struct {
	Logger        *logger.Logger
	Publisher     Publisher
	DriverTopic   string
	CustomerTopic string
	Timeout       time.Duration
	Now           func() time.Time
}

// Service encodes driver offers and customer messages into envelopes and publishes them.
type Service struct {
	logg          *logger.Logger
	publisher     Publisher
	driverTopic   string
	customerTopic string
	timeout       time.Duration
	now           func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher required")
	}
	if params.DriverTopic == "" || params.CustomerTopic == "" {
		return nil, errors.New("driver and customer topics required")
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		logg:          params.Logger,
		publisher:     params.Publisher,
		driverTopic:   params.DriverTopic,
		customerTopic: params.CustomerTopic,
		timeout:       timeout,
		now:           now,
	}, nil
}

// NotifyWorker sends an offer to a driver.
func (s *Service) NotifyWorker(ctx context.Context, driverID int64, offer Offer) error {
	if offer.Kind == "" {
		return errors.New("offer kind required")
	}
	return s.send(ctx, s.driverTopic, offer.Kind, driverID, offer)
}

// NotifyCustomer sends an order update to a customer.
func (s *Service) NotifyCustomer(ctx context.Context, customerID int64, msg CustomerMessage) error {
	if msg.Kind == "" {
		return errors.New("message kind required")
	}
	return s.send(ctx, s.customerTopic, msg.Kind, customerID, msg)
}

func (s *Service) send(ctx context.Context, topic string, kind Kind, recipientID int64, payload any) error {
	body, err := Encode(kind, recipientID, s.now(), payload)
	if err != nil {
		return err
	}
	publishCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.publisher.Publish(publishCtx, topic, strconv.FormatInt(recipientID, 10), body); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

// Close releases the underlying publisher.
func (s *Service) Close() error {
	return s.publisher.Close()
}

// Encode wraps payload into a JSON envelope.
func Encode(kind Kind, recipientID int64, occurredAt time.Time, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	body, err := json.Marshal(Envelope{
		Type:        kind,
		RecipientID: recipientID,
		OccurredAt:  occurredAt.UTC(),
		Payload:     raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	return body, nil
}
