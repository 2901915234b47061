package models

import (
	"database/sql/driver"
	"encoding/json"
)

// MerchantOrderSnapshot is the last merchant order seen for an order.
type MerchantOrderSnapshot struct {
	ID                int64    `json:"id"`
	Status            string   `json:"status,omitempty"`
	OrderStatus       string   `json:"order_status,omitempty"`
	ExternalReference string   `json:"external_reference,omitempty"`
	ShipmentIDs       []string `json:"shipment_ids,omitempty"`
	PaymentIDs        []string `json:"payment_ids,omitempty"`
	TotalAmount       float64  `json:"total_amount,omitempty"`
	FetchedAt         string   `json:"fetched_at,omitempty"`
}

// PaymentSnapshot is the last payment state seen for an order.
type PaymentSnapshot struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	StatusDetail      string  `json:"status_detail,omitempty"`
	TransactionAmount float64 `json:"transaction_amount,omitempty"`
	ExternalReference string  `json:"external_reference,omitempty"`
	DateApproved      string  `json:"date_approved,omitempty"`
}

// ShipmentSnapshot is the last marketplace shipment state seen for an order.
type ShipmentSnapshot struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Substatus    string `json:"substatus,omitempty"`
	LogisticType string `json:"logistic_type,omitempty"`
	Mode         string `json:"mode,omitempty"`
}

// OrderMetadata is the typed audit blob kept on orders.metadata.
type OrderMetadata struct {
	MerchantOrder   *MerchantOrderSnapshot `json:"merchant_order,omitempty"`
	Payment         *PaymentSnapshot       `json:"payment,omitempty"`
	Shipment        *ShipmentSnapshot      `json:"shipment,omitempty"`
	ShipmentPending *bool                  `json:"shipment_pending,omitempty"`
	LastRequestID   string                 `json:"last_request_id,omitempty"`
}

// Merge returns m overlaid with the non-empty fields of newer.
func (m OrderMetadata) Merge(newer OrderMetadata) OrderMetadata {
	out := m
	if newer.MerchantOrder != nil {
		out.MerchantOrder = newer.MerchantOrder
	}
	if newer.Payment != nil {
		out.Payment = newer.Payment
	}
	if newer.Shipment != nil {
		out.Shipment = newer.Shipment
	}
	if newer.ShipmentPending != nil {
		out.ShipmentPending = newer.ShipmentPending
	}
	if newer.LastRequestID != "" {
		out.LastRequestID = newer.LastRequestID
	}
	return out
}

// IsShipmentPending reports whether the order is still waiting for a shipment link.
func (m OrderMetadata) IsShipmentPending() bool {
	return m.ShipmentPending != nil && *m.ShipmentPending
}

func (m OrderMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *OrderMetadata) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
