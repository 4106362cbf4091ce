package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	domain "github.com/stockroom/api/internal/domain"
)

// PubSubPublisher forwards status events to a Pub/Sub topic. Publish results are awaited
// in the background so callers never wait on the broker.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	logger  *zap.Logger
	marshal func(domain.OrderStatusEvent) ([]byte, error)
	pending sync.WaitGroup
}

// NewPubSubPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubPublisher(topic *pubsub.Topic, logger *zap.Logger) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{
		topic:   topic,
		logger:  logger,
		marshal: EncodeEvent,
	}, nil
}

// PublishOrderStatus enqueues the event keyed by order id.
func (p *PubSubPublisher) PublishOrderStatus(ctx context.Context, event domain.OrderStatusEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order status event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", string(event.Status))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: event.OrderID,
	})

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		id, err := result.Get(context.WithoutCancel(ctx))
		if err != nil {
			p.logger.Warn("pubsub publish failed",
				zap.String("orderId", event.OrderID),
				zap.String("status", string(event.Status)),
				zap.Error(err),
			)
			p.topic.ResumePublish(event.OrderID)
			return
		}
		p.logger.Debug("pubsub event published", zap.String("orderId", event.OrderID), zap.String("messageId", id))
	}()
	return nil
}

// Close waits for outstanding publish results and stops the topic.
func (p *PubSubPublisher) Close(context.Context) error {
	if p == nil || p.topic == nil {
		return nil
	}
	p.topic.Stop()
	p.pending.Wait()
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
