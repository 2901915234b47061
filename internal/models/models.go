package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a product in the catalog
type Product struct {
	ID           int64           `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	Price        decimal.Decimal `db:"price" json:"price"`
	Stock        int             `db:"stock" json:"stock"`
	MLItemID     *string         `db:"ml_item_id" json:"ml_item_id,omitempty"`
	MLSyncStatus *string         `db:"ml_sync_status" json:"ml_sync_status,omitempty"`
	MLLastSyncAt *time.Time      `db:"ml_last_sync_at" json:"ml_last_sync_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Order represents a customer order
type Order struct {
	ID                  int64            `db:"id" json:"id"`
	UserID              int64            `db:"user_id" json:"user_id"`
	Status              string           `db:"status" json:"status"`
	Total               decimal.Decimal  `db:"total" json:"total"`
	PaymentID           *string          `db:"payment_id" json:"payment_id,omitempty"`
	MerchantOrderID     *string          `db:"merchant_order_id" json:"merchant_order_id,omitempty"`
	ShippingMethodID    *int64           `db:"shipping_method_id" json:"shipping_method_id,omitempty"`
	ShippingCost        decimal.Decimal  `db:"shipping_cost" json:"shipping_cost"`
	ShippingAddress     *ShippingAddress `db:"shipping_address" json:"shipping_address,omitempty"`
	MLShipmentID        *string          `db:"ml_shipment_id" json:"ml_shipment_id,omitempty"`
	MLShipmentStatus    *string          `db:"ml_shipment_status" json:"ml_shipment_status,omitempty"`
	MLShipmentSubstatus *string          `db:"ml_shipment_substatus" json:"ml_shipment_substatus,omitempty"`
	ShippingStatus      *string          `db:"shipping_status" json:"shipping_status,omitempty"`
	TrackingNumber      *string          `db:"tracking_number" json:"tracking_number,omitempty"`
	TrackingURL         *string          `db:"tracking_url" json:"tracking_url,omitempty"`
	ShippingAgency      *ShippingAgency  `db:"shipping_agency" json:"shipping_agency,omitempty"`
	Metadata            OrderMetadata    `db:"metadata" json:"metadata"`
	StockDeducted       bool             `db:"stock_deducted" json:"stock_deducted"`
	StockRestored       bool             `db:"stock_restored" json:"stock_restored"`
	CreatedAt           time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time        `db:"updated_at" json:"updated_at"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   int64           `db:"order_id" json:"order_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// ShipmentHistoryEntry is an append-only record of a shipment status observation.
type ShipmentHistoryEntry struct {
	ID             int64     `db:"id" json:"id"`
	OrderID        int64     `db:"order_id" json:"order_id"`
	ShipmentID     *string   `db:"shipment_id" json:"shipment_id,omitempty"`
	Status         string    `db:"status" json:"status"`
	Substatus      *string   `db:"substatus" json:"substatus,omitempty"`
	TrackingNumber *string   `db:"tracking_number" json:"tracking_number,omitempty"`
	TrackingURL    *string   `db:"tracking_url" json:"tracking_url,omitempty"`
	Source         string    `db:"source" json:"source"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// WebhookRecord is the durable copy of an inbound notification.
type WebhookRecord struct {
	ID           string          `db:"id" json:"id"`
	Source       string          `db:"source" json:"source"`
	Topic        string          `db:"topic" json:"topic"`
	Resource     string          `db:"resource" json:"resource"`
	UserID       *int64          `db:"user_id" json:"user_id,omitempty"`
	ResourceID   string          `db:"resource_id" json:"resource_id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Processed    bool            `db:"processed" json:"processed"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// StockMovement is one line of the stock ledger.
type StockMovement struct {
	ID        int64     `db:"id" json:"id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	Delta     int       `db:"delta" json:"delta"`
	Kind      string    `db:"kind" json:"kind"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// MarketplaceCredential holds the OAuth pair of one marketplace seller.
type MarketplaceCredential struct {
	UserID       int64     `db:"user_id"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ExpiresAt    time.Time `db:"expires_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusPaid       = "paid"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRejected   = "rejected"
	OrderStatusReturned   = "returned"
	OrderStatusFailed     = "failed"
)

// Webhook sources
const (
	SourceMercadoLibre = "mercadolibre"
	SourceMercadoPago  = "mercadopago"
	SourceAdmin        = "admin"
)

// Stock movement kinds
const (
	MovementDeduct  = "deduct"
	MovementRestore = "restore"
)

// ShippingAddress is the buyer address stashed at checkout.
type ShippingAddress struct {
	Name         string `json:"name,omitempty"`
	Street       string `json:"street,omitempty"`
	Number       string `json:"number,omitempty"`
	Apartment    string `json:"apartment,omitempty"`
	City         string `json:"city,omitempty"`
	Province     string `json:"province,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Observations string `json:"observations,omitempty"`
}

func (a ShippingAddress) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *ShippingAddress) Scan(src interface{}) error {
	return scanJSON(src, a)
}

// ShippingAgency is a pickup point (branch office) the buyer collects the parcel from.
type ShippingAgency struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

func (a ShippingAgency) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *ShippingAgency) Scan(src interface{}) error {
	return scanJSON(src, a)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}

// ShippingMethod is a storefront shipping option.
type ShippingMethod struct {
	ID     int64           `db:"id" json:"id"`
	Name   string          `db:"name" json:"name"`
	Cost   decimal.Decimal `db:"cost" json:"cost"`
	Active bool            `db:"active" json:"active"`
}

// ShipmentUpdate is the set of shipment fields written onto an order.
// Nil fields are left unchanged.
type ShipmentUpdate struct {
	Status              *string
	ShippingStatus      *string
	MLShipmentID        *string
	MLShipmentStatus    *string
	MLShipmentSubstatus *string
	TrackingNumber      *string
	TrackingURL         *string
	ShippingAgency      *ShippingAgency
	Metadata            *OrderMetadata
}

// WebhookFilter narrows webhook record listings.
type WebhookFilter struct {
	Source    string
	Processed *bool
	Limit     int
}
