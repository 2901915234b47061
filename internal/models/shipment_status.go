package models

import "strings"

// Internal shipping statuses
const (
	ShippingPending    = "pending"
	ShippingProcessing = "processing"
	ShippingShipped    = "shipped"
	ShippingDelivered  = "delivered"
	ShippingCancelled  = "cancelled"
	ShippingReturned   = "returned"
	ShippingFailed     = "failed"
)

// ShipmentStatusMap maps marketplace shipment statuses onto internal shipping statuses.
var ShipmentStatusMap = map[string]string{
	"pending":       ShippingPending,
	"handling":      ShippingProcessing,
	"ready_to_ship": ShippingProcessing,
	"shipped":       ShippingShipped,
	"delivered":     ShippingDelivered,
	"not_delivered": ShippingFailed,
	"cancelled":     ShippingCancelled,
	"returned":      ShippingReturned,
	"to_be_agreed":  ShippingPending,
}

// MapShipmentStatus returns the internal shipping status for a marketplace status.
// Unknown values map to pending.
func MapShipmentStatus(external string) string {
	if s, ok := ShipmentStatusMap[strings.ToLower(strings.TrimSpace(external))]; ok {
		return s
	}
	return ShippingPending
}

// OrderStatusForShipping returns the order status implied by a shipping status.
func OrderStatusForShipping(shipping string) string {
	switch shipping {
	case ShippingProcessing:
		return OrderStatusProcessing
	case ShippingShipped:
		return OrderStatusShipped
	case ShippingDelivered:
		return OrderStatusDelivered
	case ShippingCancelled:
		return OrderStatusCancelled
	case ShippingReturned:
		return OrderStatusReturned
	case ShippingFailed:
		return OrderStatusFailed
	default:
		return OrderStatusPending
	}
}

// IsValidShippingStatus reports whether s is one of the internal shipping statuses.
func IsValidShippingStatus(s string) bool {
	switch s {
	case ShippingPending, ShippingProcessing, ShippingShipped, ShippingDelivered,
		ShippingCancelled, ShippingReturned, ShippingFailed:
		return true
	}
	return false
}
