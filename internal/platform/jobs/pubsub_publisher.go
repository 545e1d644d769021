package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/orderflow/api/internal/services"
)

// PubSubPublisher publishes order lifecycle events and reconciliation jobs to Pub/Sub topics.
type PubSubPublisher struct {
	events         *pubsub.Topic
	reconciliation *pubsub.Topic
	marshal        func(any) ([]byte, error)
}

// NewPubSubPublisher constructs a Pub/Sub backed publisher over the two topics.
func NewPubSubPublisher(events, reconciliation *pubsub.Topic) (*PubSubPublisher, error) {
	if events == nil {
		return nil, errors.New("pubsub publisher: events topic is required")
	}
	if reconciliation == nil {
		return nil, errors.New("pubsub publisher: reconciliation topic is required")
	}
	return &PubSubPublisher{
		events:         events,
		reconciliation: reconciliation,
		marshal:        json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues an order lifecycle event on the events topic.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, message services.OrderEventMessage) (string, error) {
	if p == nil || p.events == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", message.Type)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "orderNumber", message.OrderNumber)
	setAttr(attrs, "status", message.Status)

	result := p.events.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish order event: %w", err)
	}
	return id, nil
}

// PublishReconciliationJob enqueues a failed stock confirmation for later replay.
func (p *PubSubPublisher) PublishReconciliationJob(ctx context.Context, message services.ReconciliationJobMessage) (string, error) {
	if p == nil || p.reconciliation == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal reconciliation job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "jobId", message.JobID)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "productId", message.ProductID)
	setAttr(attrs, "reason", message.Reason)

	result := p.reconciliation.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish reconciliation job: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
