package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-sync/internal/marketplace"
)

func TestIsAgencyAddress(t *testing.T) {
	assert.True(t, IsAgencyAddress("Agencia OCA Centro, San Martin 100"))
	assert.True(t, IsAgencyAddress("SUCURSAL Andreani"))
	assert.True(t, IsAgencyAddress("Correo Argentino - Suc. 12"))
	assert.False(t, IsAgencyAddress("Av. Corrientes 1234, Piso 3"))
	assert.False(t, IsAgencyAddress(""))
}

func TestAgencyNameFromAddress(t *testing.T) {
	assert.Equal(t, "Agencia OCA Centro", AgencyNameFromAddress("Agencia OCA Centro, San Martin 100"))
	assert.Equal(t, "Sucursal Norte", AgencyNameFromAddress("  Sucursal Norte  "))
	assert.Equal(t, ", Sucursal", AgencyNameFromAddress(", Sucursal"))
}

func TestExtractAgency(t *testing.T) {
	base := func() *marketplace.Shipment {
		return &marketplace.Shipment{
			ID:           9001,
			LogisticType: "drop_off",
			ReceiverAddress: marketplace.ReceiverAddress{
				AddressLine: "Agencia OCA Centro, San Martin 100",
				ZipCode:     "5000",
				City:        marketplace.NamedID{Name: "Cordoba"},
			},
		}
	}

	agency := ExtractAgency(base())
	require.NotNil(t, agency)
	assert.Equal(t, "9001", agency.ID, "falls back to the shipment id")
	assert.Equal(t, "Agencia OCA Centro", agency.Name)
	assert.Equal(t, "Cordoba", agency.City)
	assert.Equal(t, "5000", agency.PostalCode)

	home := base()
	home.LogisticType = "fulfillment"
	assert.Nil(t, ExtractAgency(home), "not a pickup shipment")

	byOption := base()
	byOption.LogisticType = ""
	byOption.ShippingOption.Name = "Retiro en sucursal"
	assert.NotNil(t, ExtractAgency(byOption))

	street := base()
	street.ReceiverAddress.AddressLine = "Av. Colon 500"
	assert.Nil(t, ExtractAgency(street), "address is not an agency")

	assert.Nil(t, ExtractAgency(nil))
}
