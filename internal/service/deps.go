package service

import (
	"context"
	"time"

	"order-sync/internal/marketplace"
	"order-sync/internal/models"
)

// MarketplaceAPI is the marketplace side of the marketplace client.
type MarketplaceAPI interface {
	GetShipment(ctx context.Context, userID int64, shipmentID string) (*marketplace.Shipment, error)
	GetOrder(ctx context.Context, userID int64, orderID string) (*marketplace.Order, error)
	GetItem(ctx context.Context, userID int64, itemID string) (*marketplace.Item, error)
}

// PaymentAPI is the payment provider side of the marketplace client.
type PaymentAPI interface {
	GetPayment(ctx context.Context, paymentID string) (*marketplace.Payment, error)
	GetMerchantOrder(ctx context.Context, merchantOrderID string) (*marketplace.MerchantOrder, error)
}

// EventPublisher publishes domain events after state changes commit.
type EventPublisher interface {
	PublishShipmentStatusChanged(ctx context.Context, event *models.ShipmentStatusChangedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishStockRestored(ctx context.Context, event *models.StockRestoredEvent) error
}

// Locker serializes work on a key across instances.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}
