package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"order-sync/internal/models"
	"order-sync/internal/util"
)

// EventProducer writes keyed events to a topic.
type EventProducer interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer EventProducer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventProducer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// NewBaseEvent stamps a new event envelope
func NewBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PublishShipmentStatusChanged publishes ShipmentStatusChanged event
func (ep *EventPublisher) PublishShipmentStatusChanged(ctx context.Context, event *models.ShipmentStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishStockRestored publishes StockRestored event
func (ep *EventPublisher) PublishStockRestored(ctx context.Context, event *models.StockRestoredEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishWebhookReplayRequested publishes WebhookReplayRequested event
func (ep *EventPublisher) PublishWebhookReplayRequested(ctx context.Context, event *models.WebhookReplayRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, "webhook-"+event.WebhookID, event)
}

// RequestReplay queues a stored webhook for reprocessing by the replay worker
func (ep *EventPublisher) RequestReplay(ctx context.Context, webhookID, requestedBy string) error {
	return ep.PublishWebhookReplayRequested(ctx, &models.WebhookReplayRequestedEvent{
		BaseEvent:   NewBaseEvent(models.EventTypeWebhookReplayRequested),
		WebhookID:   webhookID,
		RequestedBy: requestedBy,
	})
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// EventHandler handles incoming events
type EventHandler struct {
	onReplayRequested func(context.Context, *models.WebhookReplayRequestedEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnWebhookReplayRequested registers a handler for WebhookReplayRequested events
func (eh *EventHandler) OnWebhookReplayRequested(handler func(context.Context, *models.WebhookReplayRequestedEvent) error) {
	eh.onReplayRequested = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// Poison messages are logged and committed.
		eh.logger.Error("Failed to unmarshal base event", zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID),
	)

	switch baseEvent.EventType {
	case models.EventTypeWebhookReplayRequested:
		if eh.onReplayRequested != nil {
			var event models.WebhookReplayRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal WebhookReplayRequested event: %w", err)
			}
			return eh.onReplayRequested(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
