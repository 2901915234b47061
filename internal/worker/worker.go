package worker

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"order-sync/internal/broker"
	"order-sync/internal/models"
	"order-sync/internal/service"
	"order-sync/internal/util"
)

// MessageConsumer is the subset of broker.Consumer the workers use.
type MessageConsumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// Reprocessor re-runs a stored webhook.
type Reprocessor interface {
	Reprocess(ctx context.Context, webhookID string) (*service.IngestResult, error)
}

// WebhookReplayWorker consumes replay requests and re-dispatches stored webhooks
type WebhookReplayWorker struct {
	consumer     MessageConsumer
	eventHandler *broker.EventHandler
	webhooks     Reprocessor
	logger       *zap.Logger
}

// NewWebhookReplayWorker creates a new replay worker
func NewWebhookReplayWorker(consumer MessageConsumer, webhooks Reprocessor) *WebhookReplayWorker {
	w := &WebhookReplayWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		webhooks:     webhooks,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnWebhookReplayRequested(w.handleReplay)
	return w
}

// Start starts the worker
func (w *WebhookReplayWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting webhook replay worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// HandleMessage routes one replay message.
func (w *WebhookReplayWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// Stop stops the worker
func (w *WebhookReplayWorker) Stop() error {
	w.logger.Info("Stopping webhook replay worker")
	return w.consumer.Close()
}

func (w *WebhookReplayWorker) handleReplay(ctx context.Context, event *models.WebhookReplayRequestedEvent) error {
	log := w.logger.With(
		zap.String("webhook_id", event.WebhookID),
		zap.String("requested_by", event.RequestedBy),
		zap.String("event_id", event.EventID),
	)

	result, err := w.webhooks.Reprocess(ctx, event.WebhookID)
	if errors.Is(err, service.ErrWebhookNotFound) {
		log.Warn("Replay requested for unknown webhook")
		return nil
	}
	if err != nil {
		return err
	}

	// Handler failures are stored on the webhook record; redelivering the
	// message would not change the outcome.
	if !result.Success {
		log.Warn("Replayed webhook failed", zap.String("error", result.Error))
		return nil
	}
	log.Info("Replayed webhook")
	return nil
}
