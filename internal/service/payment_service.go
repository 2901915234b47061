package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-sync/internal/broker"
	"order-sync/internal/marketplace"
	"order-sync/internal/models"
	"order-sync/internal/store"
	"order-sync/internal/util"
)

// Payment statuses reported by the provider
const (
	PaymentStatusApproved  = "approved"
	PaymentStatusCancelled = "cancelled"
	PaymentStatusRejected  = "rejected"
)

// PaymentService applies payment provider state to orders
type PaymentService struct {
	repo      store.Repository
	mp        PaymentAPI
	stock     *StockService
	publisher EventPublisher
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service. publisher may be nil.
func NewPaymentService(repo store.Repository, mp PaymentAPI, stock *StockService, publisher EventPublisher) *PaymentService {
	return &PaymentService{
		repo:      repo,
		mp:        mp,
		stock:     stock,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// PaymentResult is the outcome of a payment notification.
type PaymentResult struct {
	Success       bool   `json:"success"`
	PaymentID     string `json:"payment_id"`
	Status        string `json:"status,omitempty"`
	Action        string `json:"action,omitempty"`
	OrderID       int64  `json:"order_id,omitempty"`
	Created       bool   `json:"created,omitempty"`
	StockRestored bool   `json:"stock_restored,omitempty"`
	Error         string `json:"error,omitempty"`
}

// MaterializeResult is the outcome of HandlePaymentApproved.
type MaterializeResult struct {
	OrderID          int64           `json:"order_id"`
	Created          bool            `json:"created"`
	AlreadyProcessed bool            `json:"already_processed"`
	Total            decimal.Decimal `json:"total"`
}

// HandleNotification fetches the payment from the provider and applies its
// status. Failures are reported in the result.
func (s *PaymentService) HandleNotification(ctx context.Context, paymentID, requestID string) *PaymentResult {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleNotification")
	defer span.End()

	log := s.logger.With(zap.String("payment_id", paymentID), zap.String("request_id", requestID))
	result := &PaymentResult{PaymentID: paymentID}

	payment, err := s.mp.GetPayment(ctx, paymentID)
	if err != nil {
		log.Error("Failed to fetch payment", zap.Error(err))
		result.Error = err.Error()
		return result
	}
	result.Status = payment.Status

	switch payment.Status {
	case PaymentStatusApproved:
		err = s.handleApproved(ctx, payment, requestID, result)
	case PaymentStatusCancelled, PaymentStatusRejected:
		err = s.handleCancelled(ctx, payment, requestID, result)
	default:
		result.Action = "snapshot"
		err = s.refreshSnapshot(ctx, payment, requestID, result)
	}
	if err != nil {
		log.Error("Payment notification failed",
			zap.String("status", payment.Status),
			zap.String("action", result.Action),
			zap.Error(err),
		)
		result.Error = err.Error()
		return result
	}

	result.Success = true
	log.Info("Payment notification processed",
		zap.String("status", payment.Status),
		zap.String("action", result.Action),
		zap.Int64("order_id", result.OrderID),
	)
	return result
}

func (s *PaymentService) handleApproved(ctx context.Context, payment *marketplace.Payment, requestID string, result *PaymentResult) error {
	order, err := s.repo.GetOrderByPaymentID(ctx, payment.IDString())
	if err != nil {
		return fmt.Errorf("failed to look up order by payment: %w", err)
	}
	if order == nil {
		if orderID, ok := ParseExternalReference(payment.ExternalReference); ok {
			order, err = s.repo.GetOrderByID(ctx, orderID)
			if err != nil {
				return fmt.Errorf("failed to load order: %w", err)
			}
			// An order settled by another payment is not this payment's checkout.
			if order != nil && order.PaymentID != nil && *order.PaymentID != payment.IDString() {
				order = nil
			}
		}
	}
	if order != nil {
		result.Action = "confirm"
		result.OrderID = order.ID
		return s.ConfirmCheckoutPayment(ctx, order.ID, payment, requestID)
	}

	result.Action = "materialize"
	res, err := s.HandlePaymentApproved(ctx, payment)
	if err != nil {
		return err
	}
	result.OrderID = res.OrderID
	result.Created = res.Created
	return nil
}

// ConfirmCheckoutPayment marks a checkout order paid and deducts its stock once.
func (s *PaymentService) ConfirmCheckoutPayment(ctx context.Context, orderID int64, payment *marketplace.Payment, requestID string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.ConfirmCheckoutPayment")
	defer span.End()

	paymentID := payment.IDString()
	var (
		order       *models.Order
		alreadyPaid bool
	)

	err := s.repo.InTx(ctx, func(tx store.Repository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if order == nil {
			return fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
		}
		if order.PaymentID != nil && *order.PaymentID != paymentID {
			return invalid("payment_id", "order %d already paid by payment %s", orderID, *order.PaymentID)
		}
		alreadyPaid = order.PaymentID != nil && order.Status != models.OrderStatusPending

		if !alreadyPaid {
			if err := tx.MarkOrderPaid(ctx, orderID, paymentID); err != nil {
				return fmt.Errorf("failed to mark order paid: %w", err)
			}
		}

		metadata := order.Metadata.Merge(models.OrderMetadata{
			Payment:       paymentSnapshot(payment),
			LastRequestID: requestID,
		})
		if err := tx.UpdateOrderMetadata(ctx, orderID, metadata); err != nil {
			return fmt.Errorf("failed to update order metadata: %w", err)
		}

		if _, err := DeductStock(ctx, tx, orderID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if alreadyPaid {
		util.PaymentsDuplicateTotal.Inc()
		return nil
	}
	util.OrdersPaidTotal.Inc()
	s.publishPaid(ctx, orderID, paymentID, order.Total, false)
	return nil
}

// HandlePaymentApproved creates the order described by an approved payment's
// checkout metadata. It is idempotent per payment id: a payment that already
// has an order is reported as AlreadyProcessed and nothing is written.
func (s *PaymentService) HandlePaymentApproved(ctx context.Context, payment *marketplace.Payment) (*MaterializeResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandlePaymentApproved")
	defer span.End()

	paymentID := payment.IDString()
	if existing, err := s.repo.GetOrderByPaymentID(ctx, paymentID); err != nil {
		return nil, fmt.Errorf("failed to check payment idempotency: %w", err)
	} else if existing != nil {
		return s.alreadyProcessed(existing), nil
	}

	meta, err := ParseCheckoutMetadata(payment.Metadata)
	if err != nil {
		util.MaterializationFailedTotal.WithLabelValues("invalid_metadata").Inc()
		return nil, err
	}

	exists, err := s.repo.UserExists(ctx, meta.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to check user: %w", err)
	}
	if !exists {
		util.MaterializationFailedTotal.WithLabelValues("unknown_user").Inc()
		return nil, invalid("user_id", "user %d does not exist", meta.UserID)
	}

	if meta.ShippingMethodID != nil {
		method, err := s.repo.GetShippingMethod(ctx, *meta.ShippingMethodID)
		if err != nil {
			return nil, fmt.Errorf("failed to check shipping method: %w", err)
		}
		if method == nil {
			util.MaterializationFailedTotal.WithLabelValues("unknown_shipping_method").Inc()
			return nil, invalid("shipping_method_id", "shipping method %d does not exist", *meta.ShippingMethodID)
		}
	}

	order := &models.Order{
		UserID:           meta.UserID,
		Status:           models.OrderStatusPaid,
		Total:            meta.Total(),
		PaymentID:        &paymentID,
		ShippingMethodID: meta.ShippingMethodID,
		ShippingCost:     meta.ShippingCost,
		ShippingAddress:  meta.ShippingAddress,
		Metadata:         models.OrderMetadata{Payment: paymentSnapshot(payment)},
		StockDeducted:    true,
	}

	err = s.repo.InTx(ctx, func(tx store.Repository) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		for _, item := range meta.Items {
			if err := deductItem(ctx, tx, order.ID, item.ProductID, item.Quantity); err != nil {
				return err
			}
			if err := tx.CreateOrderItem(ctx, &models.OrderItem{
				OrderID:   order.ID,
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: item.Price,
			}); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent delivery of the same payment won the insert.
		existing, lookupErr := s.repo.GetOrderByPaymentID(ctx, paymentID)
		if lookupErr == nil && existing != nil {
			return s.alreadyProcessed(existing), nil
		}
		return nil, err
	}
	if err != nil {
		reason := "db_error"
		if errors.Is(err, store.ErrInsufficientStock) {
			reason = "insufficient_stock"
		} else if IsPermanent(err) {
			reason = "invalid_item"
		}
		util.MaterializationFailedTotal.WithLabelValues(reason).Inc()
		return nil, err
	}

	util.OrdersMaterializedTotal.Inc()
	s.logger.Info("Order materialized from payment",
		zap.Int64("order_id", order.ID),
		zap.String("payment_id", paymentID),
		zap.String("total", order.Total.StringFixed(2)),
		zap.Int("items", len(meta.Items)),
	)
	s.publishPaid(ctx, order.ID, paymentID, order.Total, true)

	return &MaterializeResult{OrderID: order.ID, Created: true, Total: order.Total}, nil
}

func (s *PaymentService) alreadyProcessed(order *models.Order) *MaterializeResult {
	util.PaymentsDuplicateTotal.Inc()
	s.logger.Info("Payment already processed",
		zap.Int64("order_id", order.ID),
		zap.String("payment_id", deref(order.PaymentID)),
	)
	return &MaterializeResult{OrderID: order.ID, AlreadyProcessed: true, Total: order.Total}
}

func (s *PaymentService) handleCancelled(ctx context.Context, payment *marketplace.Payment, requestID string, result *PaymentResult) error {
	result.Action = "rollback"

	found, err := s.findOrder(ctx, payment)
	if err != nil {
		return err
	}
	if found == nil {
		s.logger.Info("Cancelled payment has no local order", zap.String("payment_id", payment.IDString()))
		return nil
	}
	result.OrderID = found.ID

	status := models.OrderStatusCancelled
	if payment.Status == PaymentStatusRejected {
		status = models.OrderStatusRejected
	}

	superseded := false
	err = s.repo.InTx(ctx, func(tx store.Repository) error {
		order, err := tx.GetOrderForUpdate(ctx, found.ID)
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if order == nil {
			return fmt.Errorf("order %d: %w", found.ID, ErrOrderNotFound)
		}

		// The order belongs to another payment: record the request only.
		if order.PaymentID != nil && *order.PaymentID != payment.IDString() {
			superseded = true
			metadata := order.Metadata.Merge(models.OrderMetadata{LastRequestID: requestID})
			return tx.UpdateOrderMetadata(ctx, order.ID, metadata)
		}

		if order.Status != status {
			if err := tx.UpdateOrderStatus(ctx, order.ID, status); err != nil {
				return fmt.Errorf("failed to update order status: %w", err)
			}
		}
		metadata := order.Metadata.Merge(models.OrderMetadata{
			Payment:       paymentSnapshot(payment),
			LastRequestID: requestID,
		})
		return tx.UpdateOrderMetadata(ctx, order.ID, metadata)
	})
	if err != nil {
		return err
	}
	if superseded {
		result.Action = "superseded"
		s.logger.Info("Cancelled payment does not own the order",
			zap.String("payment_id", payment.IDString()),
			zap.Int64("order_id", found.ID),
		)
		return nil
	}

	// Rollback failure is an operator concern and does not fail the notification.
	restored, err := s.stock.RestoreStock(ctx, found.ID)
	if err == nil && restored != nil {
		result.StockRestored = restored.Restored
	}
	return nil
}

func (s *PaymentService) refreshSnapshot(ctx context.Context, payment *marketplace.Payment, requestID string, result *PaymentResult) error {
	found, err := s.findOrder(ctx, payment)
	if err != nil || found == nil {
		return err
	}
	result.OrderID = found.ID
	return s.repo.InTx(ctx, func(tx store.Repository) error {
		order, err := tx.GetOrderForUpdate(ctx, found.ID)
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if order == nil {
			return fmt.Errorf("order %d: %w", found.ID, ErrOrderNotFound)
		}
		update := models.OrderMetadata{LastRequestID: requestID}
		if order.PaymentID == nil || *order.PaymentID == payment.IDString() {
			update.Payment = paymentSnapshot(payment)
		}
		return tx.UpdateOrderMetadata(ctx, order.ID, order.Metadata.Merge(update))
	})
}

// findOrder resolves the order of a payment by payment id, then by external reference.
func (s *PaymentService) findOrder(ctx context.Context, payment *marketplace.Payment) (*models.Order, error) {
	order, err := s.repo.GetOrderByPaymentID(ctx, payment.IDString())
	if err != nil {
		return nil, fmt.Errorf("failed to look up order by payment: %w", err)
	}
	if order != nil {
		return order, nil
	}
	if orderID, ok := ParseExternalReference(payment.ExternalReference); ok {
		order, err = s.repo.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up order: %w", err)
		}
	}
	return order, nil
}

func (s *PaymentService) publishPaid(ctx context.Context, orderID int64, paymentID string, total decimal.Decimal, created bool) {
	if s.publisher == nil {
		return
	}
	event := &models.OrderPaidEvent{
		BaseEvent: broker.NewBaseEvent(models.EventTypeOrderPaid),
		OrderID:   orderID,
		PaymentID: paymentID,
		Total:     total.StringFixed(2),
		Created:   created,
	}
	if err := s.publisher.PublishOrderPaid(ctx, event); err != nil {
		s.logger.Error("Failed to publish order paid event", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func paymentSnapshot(p *marketplace.Payment) *models.PaymentSnapshot {
	return &models.PaymentSnapshot{
		ID:                p.IDString(),
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		TransactionAmount: p.TransactionAmount,
		ExternalReference: strings.TrimSpace(p.ExternalReference),
		DateApproved:      p.DateApproved,
	}
}
