package store

import (
	"context"
	"errors"

	"order-sync/internal/models"
)

var (
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate record")
	// ErrInsufficientStock is returned when a stock decrement would go negative.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Repository is the unit of work over the tables the service touches.
// Lookups return nil, nil when the row does not exist.
type Repository interface {
	// InTx runs fn inside a transaction. Calling InTx on a transactional
	// repository reuses the open transaction.
	InTx(ctx context.Context, fn func(tx Repository) error) error

	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByPaymentID(ctx context.Context, paymentID string) (*models.Order, error)
	GetOrderByShipmentID(ctx context.Context, shipmentID string) (*models.Order, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdateOrderShipment(ctx context.Context, orderID int64, update models.ShipmentUpdate) error
	UpdateOrderMetadata(ctx context.Context, orderID int64, metadata models.OrderMetadata) error
	SetMerchantOrderID(ctx context.Context, orderID int64, merchantOrderID string) error
	MarkOrderPaid(ctx context.Context, orderID int64, paymentID string) error
	// MarkStockDeducted flips stock_deducted and reports whether this call flipped it.
	MarkStockDeducted(ctx context.Context, orderID int64) (bool, error)
	// MarkStockRestored flips stock_restored on a deducted order and reports
	// whether this call flipped it.
	MarkStockRestored(ctx context.Context, orderID int64) (bool, error)

	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)

	GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error)
	// AdjustProductStock adds delta to the product stock. A negative delta
	// that would drive the stock below zero fails with ErrInsufficientStock.
	AdjustProductStock(ctx context.Context, productID int64, delta int) error
	UpdateProductSyncStatus(ctx context.Context, mlItemID, status string) (int64, error)
	AppendStockMovement(ctx context.Context, movement *models.StockMovement) error

	UserExists(ctx context.Context, id int64) (bool, error)
	GetShippingMethod(ctx context.Context, id int64) (*models.ShippingMethod, error)

	AppendShipmentHistory(ctx context.Context, entry *models.ShipmentHistoryEntry) error
	ListShipmentHistory(ctx context.Context, orderID int64) ([]models.ShipmentHistoryEntry, error)

	CreateWebhookRecord(ctx context.Context, record *models.WebhookRecord) error
	GetWebhookRecord(ctx context.Context, id string) (*models.WebhookRecord, error)
	ListWebhookRecords(ctx context.Context, filter models.WebhookFilter) ([]models.WebhookRecord, error)
	MarkWebhookResult(ctx context.Context, id string, handlerErr error) error
	IncrementWebhookRetry(ctx context.Context, id string) error
}
