package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-sync/internal/models"
	"order-sync/internal/signature"
	"order-sync/internal/store"
	"order-sync/internal/util"
)

var (
	// ErrUnknownApplication is returned for notifications addressed to another marketplace app.
	ErrUnknownApplication = errors.New("unknown application_id")
	// ErrWebhookNotFound is returned when reprocessing an unknown webhook record.
	ErrWebhookNotFound = errors.New("webhook record not found")
)

// Marketplace topics
const (
	TopicItems     = "items"
	TopicOrders    = "orders"
	TopicOrdersV2  = "orders_v2"
	TopicQuestions = "questions"
	TopicPayments  = "payments"
	TopicShipments = "shipments"
)

// Payment provider notification types
const (
	PaymentTypePayment       = "payment"
	PaymentTypeMerchantOrder = "merchant_order"
)

// Notification is the marketplace webhook body.
type Notification struct {
	ID            string `json:"_id,omitempty"`
	ApplicationID int64  `json:"application_id"`
	UserID        int64  `json:"user_id" validate:"required"`
	Topic         string `json:"topic" validate:"required"`
	Resource      string `json:"resource" validate:"required"`
	Attempts      int    `json:"attempts"`
	Sent          string `json:"sent,omitempty"`
	Received      string `json:"received,omitempty"`
}

// PaymentNotification is the payment provider webhook body.
type PaymentNotification struct {
	Action   string `json:"action"`
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	Resource string `json:"resource"`
	Data     struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// Kind returns the notification type, normalizing the provider's aliases.
func (n *PaymentNotification) Kind() string {
	kind := n.Type
	if kind == "" {
		kind = n.Topic
	}
	if kind == "" && strings.HasPrefix(n.Action, "payment.") {
		kind = PaymentTypePayment
	}
	kind = strings.TrimPrefix(kind, "topic_")
	kind = strings.TrimSuffix(kind, "_wh")
	return kind
}

// IngestResult is the outcome of one webhook delivery.
type IngestResult struct {
	Success   bool        `json:"success"`
	WebhookID string      `json:"webhook_id"`
	Topic     string      `json:"topic"`
	Error     string      `json:"error,omitempty"`
	Detail    interface{} `json:"detail,omitempty"`
}

// WebhookService persists inbound notifications and dispatches them by topic
type WebhookService struct {
	repo          store.Repository
	ml            MarketplaceAPI
	reconciler    *ShipmentReconciler
	poller        *MerchantOrderPoller
	payments      *PaymentService
	applicationID int64
	logger        *zap.Logger
}

// NewWebhookService creates a new webhook service. An applicationID of zero
// accepts notifications for any application.
func NewWebhookService(
	repo store.Repository,
	ml MarketplaceAPI,
	reconciler *ShipmentReconciler,
	poller *MerchantOrderPoller,
	payments *PaymentService,
	applicationID int64,
) *WebhookService {
	return &WebhookService{
		repo:          repo,
		ml:            ml,
		reconciler:    reconciler,
		poller:        poller,
		payments:      payments,
		applicationID: applicationID,
		logger:        util.GetLogger(),
	}
}

// Ingest records a marketplace notification and dispatches it. Handler failures
// are recorded on the webhook and reported in the result, not returned.
func (s *WebhookService) Ingest(ctx context.Context, n Notification, rawBody []byte) (*IngestResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.Ingest")
	defer span.End()

	if s.applicationID != 0 && n.ApplicationID != s.applicationID {
		util.WebhooksRejectedTotal.WithLabelValues(models.SourceMercadoLibre, "application_id").Inc()
		return nil, fmt.Errorf("%w: %d", ErrUnknownApplication, n.ApplicationID)
	}

	userID := n.UserID
	record := &models.WebhookRecord{
		ID:         uuid.New().String(),
		Source:     models.SourceMercadoLibre,
		Topic:      n.Topic,
		Resource:   n.Resource,
		UserID:     &userID,
		ResourceID: ResourceIDFromPath(n.Resource),
		Payload:    json.RawMessage(rawBody),
	}
	return s.process(ctx, record, false)
}

// IngestPayment records a payment provider notification and dispatches it.
func (s *WebhookService) IngestPayment(ctx context.Context, rawBody []byte, requestID string) (*IngestResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.IngestPayment")
	defer span.End()

	var n PaymentNotification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", signature.ErrInvalidBody, err)
	}

	resourceID, _ := signature.ExtractDataID(rawBody)
	if resourceID == "" {
		resourceID = ResourceIDFromPath(n.Resource)
	}
	if resourceID == "" {
		return nil, signature.ErrMissingDataID
	}

	record := &models.WebhookRecord{
		ID:         requestIDOrNew(requestID),
		Source:     models.SourceMercadoPago,
		Topic:      n.Kind(),
		Resource:   n.Resource,
		ResourceID: resourceID,
		Payload:    json.RawMessage(rawBody),
	}
	return s.process(ctx, record, false)
}

// Reprocess re-runs dispatch for a stored webhook record.
func (s *WebhookService) Reprocess(ctx context.Context, webhookID string) (*IngestResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.Reprocess")
	defer span.End()

	record, err := s.repo.GetWebhookRecord(ctx, webhookID)
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook record: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("%s: %w", webhookID, ErrWebhookNotFound)
	}
	if err := s.repo.IncrementWebhookRetry(ctx, webhookID); err != nil {
		return nil, fmt.Errorf("failed to bump retry count: %w", err)
	}

	s.logger.Info("Reprocessing webhook",
		zap.String("webhook_id", webhookID),
		zap.String("topic", record.Topic),
		zap.Int("retry_count", record.RetryCount+1),
	)
	return s.process(ctx, record, true)
}

// ListWebhooks returns stored webhook records.
func (s *WebhookService) ListWebhooks(ctx context.Context, filter models.WebhookFilter) ([]models.WebhookRecord, error) {
	return s.repo.ListWebhookRecords(ctx, filter)
}

// GetWebhook returns one stored webhook record.
func (s *WebhookService) GetWebhook(ctx context.Context, id string) (*models.WebhookRecord, error) {
	record, err := s.repo.GetWebhookRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrWebhookNotFound)
	}
	return record, nil
}

func (s *WebhookService) process(ctx context.Context, record *models.WebhookRecord, replay bool) (*IngestResult, error) {
	if !replay {
		if err := s.repo.CreateWebhookRecord(ctx, record); err != nil {
			if !errors.Is(err, store.ErrDuplicate) {
				return nil, fmt.Errorf("failed to persist webhook: %w", err)
			}
			// Same request id delivered twice; keep both deliveries on record.
			record.ID = uuid.New().String()
			if err := s.repo.CreateWebhookRecord(ctx, record); err != nil {
				return nil, fmt.Errorf("failed to persist webhook: %w", err)
			}
		}
	}
	util.WebhooksReceivedTotal.WithLabelValues(record.Source, record.Topic).Inc()

	start := time.Now()
	dctx, span := util.StartSpan(ctx, "WebhookService.dispatch")
	log := util.LoggerWithTrace(dctx, s.logger.With(
		zap.String("webhook_id", record.ID),
		zap.String("source", record.Source),
		zap.String("topic", record.Topic),
		zap.String("resource_id", record.ResourceID),
	))
	var (
		detail     interface{}
		handlerErr error
	)
	if record.Source == models.SourceMercadoPago {
		detail, handlerErr = s.dispatchPayment(dctx, record)
	} else {
		detail, handlerErr = s.dispatch(dctx, record)
	}
	util.RecordSpanError(span, handlerErr)
	span.End()
	util.WebhookProcessingLatency.WithLabelValues(record.Source, record.Topic).Observe(time.Since(start).Seconds())

	if err := s.repo.MarkWebhookResult(ctx, record.ID, handlerErr); err != nil {
		log.Error("Failed to record webhook result", zap.Error(err))
	}

	result := &IngestResult{
		Success:   handlerErr == nil,
		WebhookID: record.ID,
		Topic:     record.Topic,
		Detail:    detail,
	}
	if handlerErr != nil {
		util.WebhooksFailedTotal.WithLabelValues(record.Source, record.Topic).Inc()
		result.Error = handlerErr.Error()
		log.Error("Webhook handler failed", zap.Error(handlerErr))
	} else {
		log.Info("Webhook processed", zap.Duration("duration", time.Since(start)))
	}
	return result, nil
}

func (s *WebhookService) dispatch(ctx context.Context, record *models.WebhookRecord) (interface{}, error) {
	var userID int64
	if record.UserID != nil {
		userID = *record.UserID
	}

	switch record.Topic {
	case TopicShipments:
		return s.reconciler.Reconcile(ctx, record.ResourceID, userID)

	case TopicOrders, TopicOrdersV2:
		order, err := s.ml.GetOrder(ctx, userID, record.ResourceID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch order %s: %w", record.ResourceID, err)
		}
		if order.Shipping.ID == 0 {
			return map[string]interface{}{"order_id": order.ID, "status": order.Status}, nil
		}
		return s.reconciler.Reconcile(ctx, fmt.Sprintf("%d", order.Shipping.ID), userID)

	case TopicItems:
		item, err := s.ml.GetItem(ctx, userID, record.ResourceID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch item %s: %w", record.ResourceID, err)
		}
		n, err := s.repo.UpdateProductSyncStatus(ctx, item.ID, item.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to update product sync status: %w", err)
		}
		return map[string]interface{}{"item_id": item.ID, "status": item.Status, "products_updated": n}, nil

	case TopicQuestions:
		return nil, nil

	case TopicPayments:
		// Payment state comes from the payment provider's own notifications.
		return nil, nil

	default:
		s.logger.Info("Ignoring unknown webhook topic", zap.String("topic", record.Topic))
		return nil, nil
	}
}

func (s *WebhookService) dispatchPayment(ctx context.Context, record *models.WebhookRecord) (interface{}, error) {
	requestID := record.ID
	switch record.Topic {
	case PaymentTypePayment:
		res := s.payments.HandleNotification(ctx, record.ResourceID, requestID)
		if !res.Success {
			return res, errors.New(res.Error)
		}
		return res, nil

	case PaymentTypeMerchantOrder:
		res := s.poller.ProcessMerchantOrderWebhook(ctx, record.ResourceID, requestID)
		if !res.Success {
			return res, errors.New(res.Error)
		}
		return res, nil

	default:
		s.logger.Info("Ignoring unknown payment notification type", zap.String("type", record.Topic))
		return nil, nil
	}
}

// ResourceIDFromPath returns the last path segment of a resource such as
// "/shipments/123" or "https://api.example.com/merchant_orders/456?x=1".
func ResourceIDFromPath(resource string) string {
	resource = strings.TrimSpace(resource)
	if i := strings.IndexAny(resource, "?#"); i >= 0 {
		resource = resource[:i]
	}
	resource = strings.TrimRight(resource, "/")
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return resource[i+1:]
	}
	return resource
}

func requestIDOrNew(requestID string) string {
	if id, err := uuid.Parse(requestID); err == nil {
		return id.String()
	}
	return uuid.New().String()
}
