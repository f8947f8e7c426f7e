package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/smukkama/safety-engine/internal/protocol"
)

// Publisher receives alert lifecycle notifications
type Publisher interface {
	Publish(ctx context.Context, n *protocol.AlertNotification) error
}

// keyedProducer is satisfied by queue.Producer
type keyedProducer interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// KafkaPublisher writes notifications to the alerts topic keyed by user
type KafkaPublisher struct {
	producer keyedProducer
}

// NewKafkaPublisher wraps a producer bound to the alerts topic
func NewKafkaPublisher(producer keyedProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, n *protocol.AlertNotification) error {
	data, err := protocol.EncodeAlertNotification(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return p.producer.Publish(ctx, n.ProtectedID, data)
}

// FanOut publishes to every publisher and joins their errors
type FanOut []Publisher

func (f FanOut) Publish(ctx context.Context, n *protocol.AlertNotification) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
