package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"order-sync/internal/models"
)

const orderColumns = `id, user_id, status, total, payment_id, merchant_order_id, shipping_method_id,
	shipping_cost, shipping_address, ml_shipment_id, ml_shipment_status, ml_shipment_substatus,
	shipping_status, tracking_number, tracking_url, shipping_agency, metadata,
	stock_deducted, stock_restored, created_at, updated_at`

func (s *Store) getOrder(ctx context.Context, where string, arg interface{}) (*models.Order, error) {
	var order models.Order
	err := s.q.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrder(ctx, "id = $1", id)
}

// GetOrderForUpdate retrieves an order by ID and locks the row
func (s *Store) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrder(ctx, "id = $1 FOR UPDATE", id)
}

// GetOrderByPaymentID retrieves an order by provider payment id
func (s *Store) GetOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	return s.getOrder(ctx, "payment_id = $1", paymentID)
}

// GetOrderByShipmentID retrieves the most recent order linked to a marketplace shipment
func (s *Store) GetOrderByShipmentID(ctx context.Context, shipmentID string) (*models.Order, error) {
	return s.getOrder(ctx, "ml_shipment_id = $1 ORDER BY id DESC LIMIT 1", shipmentID)
}

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, status, total, payment_id, merchant_order_id, shipping_method_id,
			shipping_cost, shipping_address, metadata, stock_deducted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err := s.q.QueryRowxContext(ctx, query,
		order.UserID, order.Status, order.Total, order.PaymentID, order.MerchantOrderID,
		order.ShippingMethodID, order.ShippingCost, order.ShippingAddress, order.Metadata,
		order.StockDeducted,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// UpdateOrderStatus updates order status
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// UpdateOrderShipment writes the non-nil fields of update
func (s *Store) UpdateOrderShipment(ctx context.Context, orderID int64, update models.ShipmentUpdate) error {
	var (
		sets []string
		args []interface{}
	)
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.ShippingStatus != nil {
		add("shipping_status", *update.ShippingStatus)
	}
	if update.MLShipmentID != nil {
		add("ml_shipment_id", *update.MLShipmentID)
	}
	if update.MLShipmentStatus != nil {
		add("ml_shipment_status", *update.MLShipmentStatus)
	}
	if update.MLShipmentSubstatus != nil {
		add("ml_shipment_substatus", *update.MLShipmentSubstatus)
	}
	if update.TrackingNumber != nil {
		add("tracking_number", *update.TrackingNumber)
	}
	if update.TrackingURL != nil {
		add("tracking_url", *update.TrackingURL)
	}
	if update.ShippingAgency != nil {
		add("shipping_agency", *update.ShippingAgency)
	}
	if update.Metadata != nil {
		add("metadata", *update.Metadata)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, orderID)
	query := fmt.Sprintf("UPDATE orders SET %s, updated_at = NOW() WHERE id = $%d", strings.Join(sets, ", "), len(args))
	_, err := s.q.ExecContext(ctx, query, args...)
	return err
}

// UpdateOrderMetadata replaces the order metadata
func (s *Store) UpdateOrderMetadata(ctx context.Context, orderID int64, metadata models.OrderMetadata) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE orders SET metadata = $1, updated_at = NOW() WHERE id = $2",
		metadata, orderID)
	return err
}

// SetMerchantOrderID links a provider merchant order to an order
func (s *Store) SetMerchantOrderID(ctx context.Context, orderID int64, merchantOrderID string) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE orders SET merchant_order_id = $1, updated_at = NOW() WHERE id = $2",
		merchantOrderID, orderID)
	return err
}

// MarkOrderPaid records the payment on a checkout order
func (s *Store) MarkOrderPaid(ctx context.Context, orderID int64, paymentID string) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE orders SET status = $1, payment_id = $2, updated_at = NOW() WHERE id = $3",
		models.OrderStatusPaid, paymentID, orderID)
	return mapError(err)
}

// MarkStockDeducted flips stock_deducted once
func (s *Store) MarkStockDeducted(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		"UPDATE orders SET stock_deducted = TRUE, updated_at = NOW() WHERE id = $1 AND NOT stock_deducted",
		orderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkStockRestored flips stock_restored once for an order whose stock was deducted
func (s *Store) MarkStockRestored(ctx context.Context, orderID int64) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		"UPDATE orders SET stock_restored = TRUE, updated_at = NOW() WHERE id = $1 AND stock_deducted AND NOT stock_restored",
		orderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CreateOrderItem creates a new order item
func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	return s.q.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPrice)
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.q.SelectContext(ctx, &items,
		"SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// UserExists reports whether a user row exists
func (s *Store) UserExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := s.q.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", id)
	return exists, err
}

// GetShippingMethod retrieves a shipping method by ID
func (s *Store) GetShippingMethod(ctx context.Context, id int64) (*models.ShippingMethod, error) {
	var method models.ShippingMethod
	err := s.q.GetContext(ctx, &method, "SELECT id, name, cost, active FROM shipping_methods WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &method, nil
}
