package models

import "time"

// Event types
const (
	EventTypeShipmentStatusChanged  = "SHIPMENT_STATUS_CHANGED"
	EventTypeOrderPaid              = "ORDER_PAID"
	EventTypeStockRestored          = "STOCK_RESTORED"
	EventTypeWebhookReplayRequested = "WEBHOOK_REPLAY_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope returns the common event fields. Embedding types inherit it.
func (e BaseEvent) Envelope() BaseEvent {
	return e
}

// ShipmentStatusChangedEvent published when an order's shipping status moves
type ShipmentStatusChangedEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	ShipmentID string `json:"shipment_id,omitempty"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
	Source     string `json:"source"`
}

// OrderPaidEvent published when a payment is applied to an order
type OrderPaidEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Total     string `json:"total"`
	Created   bool   `json:"created"`
}

// StockRestoredEvent published after a cancelled order's stock is returned
type StockRestoredEvent struct {
	BaseEvent
	OrderID int64           `json:"order_id"`
	Items   []OrderItemData `json:"items"`
}

// WebhookReplayRequestedEvent asks the replay worker to reprocess a stored webhook
type WebhookReplayRequestedEvent struct {
	BaseEvent
	WebhookID   string `json:"webhook_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}
