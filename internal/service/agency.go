package service

import (
	"strconv"
	"strings"

	"order-sync/internal/marketplace"
	"order-sync/internal/models"
)

var agencyMarkers = []string{"agencia", "sucursal", "correo argentino"}

// pickupLogisticTypes are the shipment logistic types where the buyer collects
// the parcel at a carrier branch.
var pickupLogisticTypes = map[string]bool{
	"drop_off":      true,
	"xd_drop_off":   true,
	"cross_docking": true,
}

// IsAgencyAddress reports whether an address line names a carrier branch.
func IsAgencyAddress(addressLine string) bool {
	lower := strings.ToLower(addressLine)
	for _, marker := range agencyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// AgencyNameFromAddress returns the branch name, taken as the text before the
// first comma of the address line. It falls back to the whole trimmed line.
func AgencyNameFromAddress(addressLine string) string {
	name := strings.TrimSpace(strings.Split(addressLine, ",")[0])
	if name == "" {
		return strings.TrimSpace(addressLine)
	}
	return name
}

// ExtractAgency builds a pickup agency from a drop-off shipment whose receiver
// address points at a carrier branch. It returns nil when the shipment is not
// a pickup or the address does not look like an agency.
func ExtractAgency(s *marketplace.Shipment) *models.ShippingAgency {
	if s == nil {
		return nil
	}
	isPickup := pickupLogisticTypes[strings.ToLower(s.LogisticType)] ||
		strings.Contains(strings.ToLower(s.ShippingOption.Name), "sucursal")
	if !isPickup {
		return nil
	}

	addr := s.ReceiverAddress
	if !IsAgencyAddress(addr.AddressLine) {
		return nil
	}

	id := strconv.FormatInt(addr.ID, 10)
	if addr.ID == 0 {
		id = s.IDString()
	}

	return &models.ShippingAgency{
		ID:         id,
		Name:       AgencyNameFromAddress(addr.AddressLine),
		Address:    strings.TrimSpace(addr.AddressLine),
		City:       addr.City.Name,
		State:      addr.State.Name,
		PostalCode: addr.ZipCode,
		Phone:      addr.Phone,
	}
}
