package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"order-sync/internal/models"
)

// CheckoutMetadata is the checkout state stashed on a payment's metadata.
type CheckoutMetadata struct {
	UserID           int64
	Items            []CheckoutItem
	ShippingAddress  *models.ShippingAddress
	ShippingMethodID *int64
	ShippingCost     decimal.Decimal
}

// CheckoutItem is one purchased line as submitted at checkout.
type CheckoutItem struct {
	ProductID int64
	Price     decimal.Decimal
	Quantity  int
}

// Total is the server-side order total: items plus shipping.
func (m *CheckoutMetadata) Total() decimal.Decimal {
	total := m.ShippingCost
	for _, item := range m.Items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total.Round(2)
}

// lookup returns the first present key; the provider snake-cases metadata keys
// while older checkouts sent camelCase.
func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// ParseCheckoutMetadata validates payment metadata, failing on the first problem.
func ParseCheckoutMetadata(raw map[string]any) (*CheckoutMetadata, error) {
	if len(raw) == 0 {
		return nil, invalid("metadata", "missing")
	}

	out := &CheckoutMetadata{}

	userRaw, ok := lookup(raw, "user_id", "userId")
	if !ok {
		return nil, invalid("user_id", "required")
	}
	userID, err := toInt64(userRaw)
	if err != nil || userID <= 0 {
		return nil, invalid("user_id", "must be a positive integer, got %v", userRaw)
	}
	out.UserID = userID

	itemsRaw, ok := lookup(raw, "items")
	if !ok {
		return nil, invalid("items", "required")
	}
	items, err := parseItems(itemsRaw)
	if err != nil {
		return nil, err
	}
	out.Items = items

	if addrRaw, ok := lookup(raw, "shipping_address", "shippingAddress"); ok {
		var addr models.ShippingAddress
		if err := decodeLoose(addrRaw, &addr); err != nil {
			return nil, invalid("shipping_address", "not valid JSON: %v", err)
		}
		out.ShippingAddress = &addr
	}

	if methodRaw, ok := lookup(raw, "shipping_method_id", "shippingMethodId"); ok {
		if s, isStr := methodRaw.(string); !isStr || strings.TrimSpace(s) != "" {
			methodID, err := toInt64(methodRaw)
			if err != nil || methodID <= 0 {
				return nil, invalid("shipping_method_id", "must be a positive integer, got %v", methodRaw)
			}
			out.ShippingMethodID = &methodID
		}
	}

	out.ShippingCost = decimal.Zero
	if costRaw, ok := lookup(raw, "shipping_cost", "shippingCost"); ok {
		cost, err := toDecimal(costRaw)
		if err != nil {
			return nil, invalid("shipping_cost", "not a number: %v", costRaw)
		}
		if cost.IsNegative() {
			return nil, invalid("shipping_cost", "must not be negative")
		}
		out.ShippingCost = cost
	}

	return out, nil
}

func parseItems(raw any) ([]CheckoutItem, error) {
	var elems []map[string]any
	if err := decodeLoose(raw, &elems); err != nil {
		return nil, invalid("items", "not a JSON array: %v", err)
	}
	if len(elems) == 0 {
		return nil, invalid("items", "must not be empty")
	}

	items := make([]CheckoutItem, 0, len(elems))
	for i, e := range elems {
		idRaw, ok := lookup(e, "id", "product_id", "productId")
		if !ok {
			return nil, invalid(fmt.Sprintf("items[%d].id", i), "required")
		}
		id, err := toInt64(idRaw)
		if err != nil || id <= 0 {
			return nil, invalid(fmt.Sprintf("items[%d].id", i), "must be a positive integer, got %v", idRaw)
		}

		priceRaw, ok := lookup(e, "price", "unit_price")
		if !ok {
			return nil, invalid(fmt.Sprintf("items[%d].price", i), "required")
		}
		price, err := toDecimal(priceRaw)
		if err != nil || price.IsNegative() {
			return nil, invalid(fmt.Sprintf("items[%d].price", i), "must be a non-negative number, got %v", priceRaw)
		}

		qtyRaw, ok := lookup(e, "quantity")
		if !ok {
			return nil, invalid(fmt.Sprintf("items[%d].quantity", i), "required")
		}
		qty, err := toInt64(qtyRaw)
		if err != nil || qty <= 0 {
			return nil, invalid(fmt.Sprintf("items[%d].quantity", i), "must be a positive integer, got %v", qtyRaw)
		}

		items = append(items, CheckoutItem{ProductID: id, Price: price, Quantity: int(qty)})
	}
	return items, nil
}

// decodeLoose accepts either a JSON-encoded string or an already decoded value.
func decodeLoose(raw any, dst any) error {
	if s, ok := raw.(string); ok {
		return json.Unmarshal([]byte(s), dst)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	default:
		return decimal.Zero, fmt.Errorf("unsupported type %T", v)
	}
}
