package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"order-sync/config"
	"order-sync/internal/marketplace"
	"order-sync/internal/models"
	"order-sync/internal/retry"
	"order-sync/internal/store"
	"order-sync/internal/util"
)

// ErrShipmentNotReady means the merchant order does not list a shipment yet.
var ErrShipmentNotReady = errors.New("shipment_not_ready")

var digitRun = regexp.MustCompile(`\d+`)

// MerchantOrderPoller links payment provider merchant orders to local orders
type MerchantOrderPoller struct {
	repo   store.Repository
	mp     PaymentAPI
	retry  retry.Options
	now    func() time.Time
	logger *zap.Logger
}

// NewMerchantOrderPoller creates a new merchant order poller
func NewMerchantOrderPoller(repo store.Repository, mp PaymentAPI, cfg config.RetryConfig) *MerchantOrderPoller {
	return &MerchantOrderPoller{
		repo: repo,
		mp:   mp,
		retry: retry.Options{
			Name:         "merchant_order.poll",
			MaxRetries:   cfg.PollMaxRetries,
			InitialDelay: cfg.PollInitialDelay,
			MaxDelay:     cfg.PollMaxDelay,
			ShouldRetry: func(err error) bool {
				return errors.Is(err, ErrShipmentNotReady) || marketplace.IsRetryable(err)
			},
		},
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// MerchantOrderResult is the outcome of processing a merchant order notification.
type MerchantOrderResult struct {
	Success         bool   `json:"success"`
	OrderID         int64  `json:"order_id,omitempty"`
	ShipmentID      string `json:"shipment_id,omitempty"`
	ShipmentPending bool   `json:"shipment_pending,omitempty"`
	Error           string `json:"error,omitempty"`
}

// FetchMerchantOrderUntilHasShipment polls the merchant order until it lists a
// shipment. When retries run out it fetches once more and returns that response
// as is, with or without a shipment.
func (p *MerchantOrderPoller) FetchMerchantOrderUntilHasShipment(ctx context.Context, merchantOrderID string) (*marketplace.MerchantOrder, error) {
	ctx, span := util.StartSpan(ctx, "MerchantOrderPoller.FetchMerchantOrderUntilHasShipment")
	defer span.End()

	mo, err := retry.Do(ctx, p.retry, func(ctx context.Context) (*marketplace.MerchantOrder, error) {
		mo, err := p.mp.GetMerchantOrder(ctx, merchantOrderID)
		if err != nil {
			return nil, err
		}
		if mo.FirstShipment() == nil {
			return nil, ErrShipmentNotReady
		}
		return mo, nil
	})
	if err == nil {
		return mo, nil
	}
	if !errors.Is(err, ErrShipmentNotReady) {
		return nil, fmt.Errorf("failed to fetch merchant order %s: %w", merchantOrderID, err)
	}

	p.logger.Info("Merchant order still has no shipment, fetching once more",
		zap.String("merchant_order_id", merchantOrderID),
	)
	mo, err = p.mp.GetMerchantOrder(ctx, merchantOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch merchant order %s: %w", merchantOrderID, err)
	}
	return mo, nil
}

// ProcessMerchantOrderWebhook links the merchant order's shipment to the local
// order named by its external reference. Failures are reported in the result.
func (p *MerchantOrderPoller) ProcessMerchantOrderWebhook(ctx context.Context, merchantOrderID, requestID string) *MerchantOrderResult {
	ctx, span := util.StartSpan(ctx, "MerchantOrderPoller.ProcessMerchantOrderWebhook")
	defer span.End()

	log := p.logger.With(
		zap.String("merchant_order_id", merchantOrderID),
		zap.String("request_id", requestID),
	)
	fail := func(err error) *MerchantOrderResult {
		log.Error("Merchant order processing failed", zap.Error(err))
		return &MerchantOrderResult{Error: err.Error()}
	}

	mo, err := p.FetchMerchantOrderUntilHasShipment(ctx, merchantOrderID)
	if err != nil {
		return fail(err)
	}

	orderID, ok := ParseExternalReference(mo.ExternalReference)
	if !ok {
		return fail(fmt.Errorf("merchant order %s has unusable external_reference %q", merchantOrderID, mo.ExternalReference))
	}

	result := &MerchantOrderResult{OrderID: orderID}
	shipment := mo.FirstShipment()

	err = p.repo.InTx(ctx, func(tx store.Repository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if order == nil {
			return fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
		}

		snapshot := p.snapshot(mo)
		patch := models.OrderMetadata{MerchantOrder: snapshot, LastRequestID: requestID}

		if order.MerchantOrderID == nil {
			if err := tx.SetMerchantOrderID(ctx, orderID, merchantOrderID); err != nil {
				return fmt.Errorf("failed to link merchant order: %w", err)
			}
		}

		switch {
		case order.MLShipmentID != nil && *order.MLShipmentID != "":
			// Already linked; a redelivered or older notification only refreshes the snapshot.
			result.ShipmentID = *order.MLShipmentID
			return tx.UpdateOrderMetadata(ctx, orderID, order.Metadata.Merge(patch))

		case shipment != nil:
			shipmentID := strconv.FormatInt(shipment.ID, 10)
			external := shipment.Status
			if external == "" {
				external = shipment.ShipmentStatus
			}
			shippingStatus := models.MapShipmentStatus(external)
			patch.ShipmentPending = models.BoolPtr(false)
			metadata := order.Metadata.Merge(patch)

			update := models.ShipmentUpdate{
				MLShipmentID:     &shipmentID,
				MLShipmentStatus: models.StringPtr(external),
				ShippingStatus:   &shippingStatus,
				Metadata:         &metadata,
			}
			if err := tx.UpdateOrderShipment(ctx, orderID, update); err != nil {
				return fmt.Errorf("failed to link shipment: %w", err)
			}
			result.ShipmentID = shipmentID
			return nil

		default:
			patch.ShipmentPending = models.BoolPtr(true)
			result.ShipmentPending = true
			return tx.UpdateOrderMetadata(ctx, orderID, order.Metadata.Merge(patch))
		}
	})
	if err != nil {
		return fail(err)
	}

	if result.ShipmentPending {
		util.ShipmentPendingTotal.Inc()
	}
	result.Success = true
	log.Info("Merchant order processed",
		zap.Int64("order_id", orderID),
		zap.String("shipment_id", result.ShipmentID),
		zap.Bool("shipment_pending", result.ShipmentPending),
	)
	return result
}

func (p *MerchantOrderPoller) snapshot(mo *marketplace.MerchantOrder) *models.MerchantOrderSnapshot {
	s := &models.MerchantOrderSnapshot{
		ID:                mo.ID,
		Status:            mo.Status,
		OrderStatus:       mo.OrderStatus,
		ExternalReference: mo.ExternalReference,
		TotalAmount:       mo.TotalAmount,
		FetchedAt:         p.now().UTC().Format(time.RFC3339),
	}
	for _, sh := range mo.Shipments {
		if sh.ID != 0 {
			s.ShipmentIDs = append(s.ShipmentIDs, strconv.FormatInt(sh.ID, 10))
		}
	}
	for _, pay := range mo.Payments {
		s.PaymentIDs = append(s.PaymentIDs, strconv.FormatInt(pay.ID, 10))
	}
	return s
}

// ParseExternalReference resolves a local order id from an external reference.
// An exact integer wins; otherwise the first run of digits is used.
func ParseExternalReference(ref string) (int64, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, false
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, id > 0
	}
	match := digitRun.FindString(ref)
	if match == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(match, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
