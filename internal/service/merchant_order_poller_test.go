package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-sync/internal/marketplace"
	"order-sync/internal/models"
)

func merchantOrder(ref string, shipments ...marketplace.MerchantOrderShipment) *marketplace.MerchantOrder {
	return &marketplace.MerchantOrder{
		ID:                314,
		Status:            "closed",
		ExternalReference: ref,
		TotalAmount:       210,
		Payments:          []marketplace.MerchantOrderPayment{{ID: 555, Status: "approved"}},
		Shipments:         shipments,
	}
}

func TestFetchMerchantOrderUntilHasShipment_Converges(t *testing.T) {
	mp := newFakeMarketplace()
	mp.merchantOrders = []*marketplace.MerchantOrder{
		merchantOrder("42"),
		merchantOrder("42"),
		merchantOrder("42", marketplace.MerchantOrderShipment{ID: 9001, Status: "ready_to_ship"}),
	}
	p := NewMerchantOrderPoller(newMemRepo(), mp, fastRetry())

	mo, err := p.FetchMerchantOrderUntilHasShipment(context.Background(), "314")
	require.NoError(t, err)
	require.NotNil(t, mo.FirstShipment())
	assert.Equal(t, int64(9001), mo.FirstShipment().ID)
	assert.Equal(t, 3, mp.merchantOrderCalls)
}

func TestFetchMerchantOrderUntilHasShipment_FallsBackAfterRetries(t *testing.T) {
	mp := newFakeMarketplace()
	mp.merchantOrders = []*marketplace.MerchantOrder{merchantOrder("42")}
	cfg := fastRetry()
	p := NewMerchantOrderPoller(newMemRepo(), mp, cfg)

	mo, err := p.FetchMerchantOrderUntilHasShipment(context.Background(), "314")
	require.NoError(t, err)
	assert.Nil(t, mo.FirstShipment())
	// Initial attempt, every retry, then the unconditional final fetch.
	assert.Equal(t, cfg.PollMaxRetries+2, mp.merchantOrderCalls)
}

func TestFetchMerchantOrderUntilHasShipment_NotFoundFailsFast(t *testing.T) {
	mp := newFakeMarketplace()
	p := NewMerchantOrderPoller(newMemRepo(), mp, fastRetry())

	_, err := p.FetchMerchantOrderUntilHasShipment(context.Background(), "314")
	require.Error(t, err)
	assert.True(t, marketplace.IsNotFound(err))
	assert.Equal(t, 1, mp.merchantOrderCalls)
}

func TestProcessMerchantOrderWebhook_LinksShipment(t *testing.T) {
	repo := newMemRepo()
	orderID := repo.addOrder(models.Order{ID: 42, Status: models.OrderStatusPaid})
	mp := newFakeMarketplace()
	mp.merchantOrders = []*marketplace.MerchantOrder{
		merchantOrder("42", marketplace.MerchantOrderShipment{ID: 9001, Status: "ready_to_ship"}),
	}
	p := NewMerchantOrderPoller(repo, mp, fastRetry())

	res := p.ProcessMerchantOrderWebhook(context.Background(), "314", "req-1")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, orderID, res.OrderID)
	assert.Equal(t, "9001", res.ShipmentID)
	assert.False(t, res.ShipmentPending)

	order := repo.mustOrder(orderID)
	assert.Equal(t, "9001", *order.MLShipmentID)
	assert.Equal(t, "314", *order.MerchantOrderID)
	assert.Equal(t, models.ShippingProcessing, *order.ShippingStatus)
	require.NotNil(t, order.Metadata.MerchantOrder)
	assert.Equal(t, []string{"9001"}, order.Metadata.MerchantOrder.ShipmentIDs)
	assert.Equal(t, []string{"555"}, order.Metadata.MerchantOrder.PaymentIDs)
	assert.Equal(t, "req-1", order.Metadata.LastRequestID)
	assert.False(t, order.Metadata.IsShipmentPending())
}

func TestProcessMerchantOrderWebhook_MarksPendingWithoutShipment(t *testing.T) {
	repo := newMemRepo()
	orderID := repo.addOrder(models.Order{ID: 42})
	mp := newFakeMarketplace()
	mp.merchantOrders = []*marketplace.MerchantOrder{merchantOrder("order-42")}
	p := NewMerchantOrderPoller(repo, mp, fastRetry())

	res := p.ProcessMerchantOrderWebhook(context.Background(), "314", "req-1")
	require.True(t, res.Success, res.Error)
	assert.True(t, res.ShipmentPending)
	assert.Empty(t, res.ShipmentID)

	order := repo.mustOrder(orderID)
	assert.Nil(t, order.MLShipmentID)
	assert.True(t, order.Metadata.IsShipmentPending())
}

func TestProcessMerchantOrderWebhook_KeepsLinkedShipment(t *testing.T) {
	repo := newMemRepo()
	orderID := repo.addOrder(models.Order{
		ID:             42,
		MLShipmentID:   models.StringPtr("9001"),
		ShippingStatus: models.StringPtr(models.ShippingShipped),
	})
	mp := newFakeMarketplace()
	mp.merchantOrders = []*marketplace.MerchantOrder{
		merchantOrder("42", marketplace.MerchantOrderShipment{ID: 1234, Status: "pending"}),
	}
	p := NewMerchantOrderPoller(repo, mp, fastRetry())

	res := p.ProcessMerchantOrderWebhook(context.Background(), "314", "req-2")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "9001", res.ShipmentID)

	order := repo.mustOrder(orderID)
	assert.Equal(t, "9001", *order.MLShipmentID)
	assert.Equal(t, models.ShippingShipped, *order.ShippingStatus)
	assert.Equal(t, "req-2", order.Metadata.LastRequestID)
}

func TestProcessMerchantOrderWebhook_Failures(t *testing.T) {
	t.Run("unusable reference", func(t *testing.T) {
		mp := newFakeMarketplace()
		mp.merchantOrders = []*marketplace.MerchantOrder{
			merchantOrder("no-digits", marketplace.MerchantOrderShipment{ID: 1}),
		}
		res := NewMerchantOrderPoller(newMemRepo(), mp, fastRetry()).ProcessMerchantOrderWebhook(context.Background(), "314", "r")
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "external_reference")
	})

	t.Run("unknown order", func(t *testing.T) {
		mp := newFakeMarketplace()
		mp.merchantOrders = []*marketplace.MerchantOrder{
			merchantOrder("77", marketplace.MerchantOrderShipment{ID: 1}),
		}
		res := NewMerchantOrderPoller(newMemRepo(), mp, fastRetry()).ProcessMerchantOrderWebhook(context.Background(), "314", "r")
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, ErrOrderNotFound.Error())
	})
}

func TestParseExternalReference(t *testing.T) {
	tests := []struct {
		ref  string
		want int64
		ok   bool
	}{
		{"42", 42, true},
		{" 42 ", 42, true},
		{"order-42", 42, true},
		{"ORD_0042_x9", 42, true},
		{"", 0, false},
		{"abc", 0, false},
		{"0", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseExternalReference(tt.ref)
		assert.Equal(t, tt.ok, ok, tt.ref)
		assert.Equal(t, tt.want, got, tt.ref)
	}
}
