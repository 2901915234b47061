package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"order-sync/internal/broker"
	"order-sync/internal/models"
	"order-sync/internal/store"
	"order-sync/internal/util"
)

// ErrOrderNotFound is returned when an operation names an order that does not exist.
var ErrOrderNotFound = errors.New("order not found")

// StatusNotifier is told about shipping status transitions after they commit.
type StatusNotifier interface {
	ShipmentStatusChanged(ctx context.Context, order *models.Order, oldStatus, newStatus, source string)
}

// ShipmentReconciler merges marketplace shipment state into local orders
type ShipmentReconciler struct {
	repo     store.Repository
	ml       MarketplaceAPI
	notifier StatusNotifier
	logger   *zap.Logger
}

// NewShipmentReconciler creates a new shipment reconciler
func NewShipmentReconciler(repo store.Repository, ml MarketplaceAPI, notifier StatusNotifier) *ShipmentReconciler {
	return &ShipmentReconciler{
		repo:     repo,
		ml:       ml,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// ReconcileResult describes the effect of one reconciliation.
type ReconcileResult struct {
	ShipmentID    string `json:"shipment_id"`
	OrderID       int64  `json:"order_id,omitempty"`
	Found         bool   `json:"found"`
	OldStatus     string `json:"old_status,omitempty"`
	NewStatus     string `json:"new_status,omitempty"`
	StatusChanged bool   `json:"status_changed"`
	AgencySet     bool   `json:"agency_set"`
}

// Reconcile fetches a marketplace shipment and applies it to the order linked to it.
// A shipment with no local order is not an error.
func (r *ShipmentReconciler) Reconcile(ctx context.Context, shipmentID string, userID int64) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "ShipmentReconciler.Reconcile")
	defer span.End()

	shipment, err := r.ml.GetShipment(ctx, userID, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch shipment %s: %w", shipmentID, err)
	}

	result := &ReconcileResult{ShipmentID: shipmentID}

	found, err := r.repo.GetOrderByShipmentID(ctx, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up order for shipment %s: %w", shipmentID, err)
	}
	if found == nil {
		r.logger.Info("No local order for shipment", zap.String("shipment_id", shipmentID))
		return result, nil
	}

	result.Found = true
	result.OrderID = found.ID
	result.NewStatus = models.MapShipmentStatus(shipment.Status)

	var order *models.Order
	err = r.repo.InTx(ctx, func(tx store.Repository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, found.ID)
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if order == nil {
			return fmt.Errorf("order %d: %w", found.ID, ErrOrderNotFound)
		}
		result.OldStatus = deref(order.ShippingStatus)

		update := models.ShipmentUpdate{
			ShippingStatus:      &result.NewStatus,
			MLShipmentStatus:    &shipment.Status,
			MLShipmentSubstatus: models.StringPtr(shipment.Substatus),
			TrackingNumber:      models.StringPtr(shipment.TrackingNumber),
			TrackingURL:         models.StringPtr(shipment.TrackingURL),
		}
		if status := nextOrderStatus(order.Status, result.NewStatus); status != order.Status {
			update.Status = &status
		}

		if order.ShippingAgency == nil {
			if agency := ExtractAgency(shipment); agency != nil {
				update.ShippingAgency = agency
				result.AgencySet = true
			}
		}

		metadata := order.Metadata.Merge(models.OrderMetadata{
			Shipment: &models.ShipmentSnapshot{
				ID:           shipmentID,
				Status:       shipment.Status,
				Substatus:    shipment.Substatus,
				LogisticType: shipment.LogisticType,
				Mode:         shipment.Mode,
			},
			ShipmentPending: models.BoolPtr(false),
		})
		update.Metadata = &metadata

		if err := tx.UpdateOrderShipment(ctx, order.ID, update); err != nil {
			return fmt.Errorf("failed to update order shipment: %w", err)
		}
		err = tx.AppendShipmentHistory(ctx, &models.ShipmentHistoryEntry{
			OrderID:        order.ID,
			ShipmentID:     models.StringPtr(shipmentID),
			Status:         result.NewStatus,
			Substatus:      models.StringPtr(shipment.Substatus),
			TrackingNumber: models.StringPtr(shipment.TrackingNumber),
			TrackingURL:    models.StringPtr(shipment.TrackingURL),
			Source:         models.SourceMercadoLibre,
		})
		if err != nil {
			return fmt.Errorf("failed to append shipment history: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.StatusChanged = result.OldStatus != result.NewStatus
	r.logger.Info("Shipment reconciled",
		zap.Int64("order_id", order.ID),
		zap.String("shipment_id", shipmentID),
		zap.String("external_status", shipment.Status),
		zap.String("old_status", result.OldStatus),
		zap.String("new_status", result.NewStatus),
		zap.Bool("agency_set", result.AgencySet),
	)

	if result.StatusChanged && r.notifier != nil {
		r.notifier.ShipmentStatusChanged(ctx, order, result.OldStatus, result.NewStatus, models.SourceMercadoLibre)
	}
	return result, nil
}

// AdminShipmentUpdate is a manual shipment correction entered by an operator.
type AdminShipmentUpdate struct {
	Status         string `json:"status" validate:"required,oneof=pending processing shipped delivered cancelled returned failed"`
	Substatus      string `json:"substatus,omitempty" validate:"omitempty,max=64"`
	TrackingNumber string `json:"tracking_number,omitempty" validate:"omitempty,max=128"`
	TrackingURL    string `json:"tracking_url,omitempty" validate:"omitempty,url"`
}

// ApplyAdminUpdate records a manual shipment update on an order.
func (r *ShipmentReconciler) ApplyAdminUpdate(ctx context.Context, orderID int64, req AdminShipmentUpdate) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "ShipmentReconciler.ApplyAdminUpdate")
	defer span.End()

	if !models.IsValidShippingStatus(req.Status) {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown shipping status %q", req.Status)}
	}

	var (
		order  *models.Order
		result = &ReconcileResult{OrderID: orderID, NewStatus: req.Status}
	)

	err := r.repo.InTx(ctx, func(tx store.Repository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if order == nil {
			return fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
		}

		result.Found = true
		result.ShipmentID = deref(order.MLShipmentID)
		result.OldStatus = deref(order.ShippingStatus)

		update := models.ShipmentUpdate{
			ShippingStatus:      &req.Status,
			MLShipmentSubstatus: models.StringPtr(req.Substatus),
			TrackingNumber:      models.StringPtr(req.TrackingNumber),
			TrackingURL:         models.StringPtr(req.TrackingURL),
		}
		if status := nextOrderStatus(order.Status, req.Status); status != order.Status {
			update.Status = &status
		}
		if err := tx.UpdateOrderShipment(ctx, orderID, update); err != nil {
			return fmt.Errorf("failed to update order shipment: %w", err)
		}

		return tx.AppendShipmentHistory(ctx, &models.ShipmentHistoryEntry{
			OrderID:        orderID,
			ShipmentID:     order.MLShipmentID,
			Status:         req.Status,
			Substatus:      models.StringPtr(req.Substatus),
			TrackingNumber: models.StringPtr(req.TrackingNumber),
			TrackingURL:    models.StringPtr(req.TrackingURL),
			Source:         models.SourceAdmin,
		})
	})
	if err != nil {
		return nil, err
	}

	result.StatusChanged = result.OldStatus != result.NewStatus
	r.logger.Info("Shipment updated by admin",
		zap.Int64("order_id", orderID),
		zap.String("old_status", result.OldStatus),
		zap.String("new_status", result.NewStatus),
	)

	if result.StatusChanged && r.notifier != nil {
		r.notifier.ShipmentStatusChanged(ctx, order, result.OldStatus, result.NewStatus, models.SourceAdmin)
	}
	return result, nil
}

// History returns the shipment history of an order, oldest first.
func (r *ShipmentReconciler) History(ctx context.Context, orderID int64) ([]models.ShipmentHistoryEntry, error) {
	order, err := r.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
	}
	return r.repo.ListShipmentHistory(ctx, orderID)
}

// nextOrderStatus derives the order status from a shipping status. A pending
// shipment never moves an order back from a later status.
func nextOrderStatus(current, shipping string) string {
	next := models.OrderStatusForShipping(shipping)
	if next == models.OrderStatusPending && current != "" && current != models.OrderStatusPending {
		return current
	}
	return next
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EventNotifier logs status transitions and publishes them as domain events.
type EventNotifier struct {
	publisher EventPublisher
	logger    *zap.Logger
}

// NewEventNotifier creates a notifier; publisher may be nil for log-only.
func NewEventNotifier(publisher EventPublisher) *EventNotifier {
	return &EventNotifier{publisher: publisher, logger: util.GetLogger()}
}

// ShipmentStatusChanged implements StatusNotifier.
func (n *EventNotifier) ShipmentStatusChanged(ctx context.Context, order *models.Order, oldStatus, newStatus, source string) {
	util.ShipmentStatusChangesTotal.WithLabelValues(newStatus).Inc()
	n.logger.Info("Shipment status changed",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("old_status", oldStatus),
		zap.String("new_status", newStatus),
		zap.String("source", source),
	)

	if n.publisher == nil {
		return
	}
	event := &models.ShipmentStatusChangedEvent{
		BaseEvent:  broker.NewBaseEvent(models.EventTypeShipmentStatusChanged),
		OrderID:    order.ID,
		ShipmentID: deref(order.MLShipmentID),
		OldStatus:  oldStatus,
		NewStatus:  newStatus,
		Source:     source,
	}
	if err := n.publisher.PublishShipmentStatusChanged(ctx, event); err != nil {
		n.logger.Error("Failed to publish shipment status event", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}
