package marketplace

import (
	"encoding/json"
	"strconv"
)

// Shipment is the subset of the marketplace shipment resource the service reads.
type Shipment struct {
	ID              int64           `json:"id"`
	Status          string          `json:"status"`
	Substatus       string          `json:"substatus"`
	TrackingNumber  string          `json:"tracking_number"`
	TrackingMethod  string          `json:"tracking_method"`
	TrackingURL     string          `json:"tracking_url"`
	LogisticType    string          `json:"logistic_type"`
	Mode            string          `json:"mode"`
	OrderID         int64           `json:"order_id"`
	ReceiverAddress ReceiverAddress `json:"receiver_address"`
	ShippingOption  ShippingOption  `json:"shipping_option"`
}

// IDString returns the shipment id as stored on orders.
func (s *Shipment) IDString() string {
	return strconv.FormatInt(s.ID, 10)
}

type ReceiverAddress struct {
	ID           int64   `json:"id"`
	AddressLine  string  `json:"address_line"`
	StreetName   string  `json:"street_name"`
	StreetNumber string  `json:"street_number"`
	Comment      string  `json:"comment"`
	ZipCode      string  `json:"zip_code"`
	City         NamedID `json:"city"`
	State        NamedID `json:"state"`
	ReceiverName string  `json:"receiver_name"`
	Phone        string  `json:"receiver_phone"`
}

type ShippingOption struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ShippingMode string `json:"shipping_method_type"`
}

type NamedID struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Order is a marketplace order.
type Order struct {
	ID       int64  `json:"id"`
	Status   string `json:"status"`
	Shipping struct {
		ID int64 `json:"id"`
	} `json:"shipping"`
	TotalAmount float64 `json:"total_amount"`
}

// Item is a marketplace listing.
type Item struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Status            string `json:"status"`
	AvailableQuantity int    `json:"available_quantity"`
	SellerCustomField string `json:"seller_custom_field"`
}

// Payment is the payment provider payment resource.
type Payment struct {
	ID                int64             `json:"id"`
	Status            string            `json:"status"`
	StatusDetail      string            `json:"status_detail"`
	ExternalReference string            `json:"external_reference"`
	TransactionAmount float64           `json:"transaction_amount"`
	DateApproved      string            `json:"date_approved"`
	Metadata          map[string]any    `json:"metadata"`
	Order             *PaymentOrderLink `json:"order,omitempty"`
}

type PaymentOrderLink struct {
	ID   json.Number `json:"id"`
	Type string      `json:"type"`
}

// IDString returns the payment id as stored on orders.
func (p *Payment) IDString() string {
	return strconv.FormatInt(p.ID, 10)
}

// MerchantOrder is the payment provider merchant order resource.
type MerchantOrder struct {
	ID                int64                   `json:"id"`
	Status            string                  `json:"status"`
	OrderStatus       string                  `json:"order_status"`
	ExternalReference string                  `json:"external_reference"`
	TotalAmount       float64                 `json:"total_amount"`
	Payments          []MerchantOrderPayment  `json:"payments"`
	Shipments         []MerchantOrderShipment `json:"shipments"`
}

type MerchantOrderPayment struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

type MerchantOrderShipment struct {
	ID             int64  `json:"id"`
	Status         string `json:"status"`
	ShippingType   string `json:"shipping_type"`
	ShippingMode   string `json:"shipping_mode"`
	ShipmentStatus string `json:"shipment_status"`
}

// FirstShipment returns the first linked shipment, or nil.
func (m *MerchantOrder) FirstShipment() *MerchantOrderShipment {
	for i := range m.Shipments {
		if m.Shipments[i].ID != 0 {
			return &m.Shipments[i]
		}
	}
	return nil
}

// TokenResponse is the OAuth token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       int64  `json:"user_id"`
	RefreshToken string `json:"refresh_token"`
}
