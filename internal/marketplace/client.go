// Package marketplace talks to the marketplace and payment provider REST APIs.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"order-sync/config"
	"order-sync/internal/retry"
	"order-sync/internal/util"
)

// APIError is a non-2xx response from an upstream API.
type APIError struct {
	StatusCode int
	Body       string
	Path       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// IsRetryable reports whether err is worth retrying: 429 and 5xx responses only.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
}

// IsNotFound reports whether err is a 404 from an upstream API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// TokenStore yields a valid bearer token for a marketplace user, refreshing if needed.
type TokenStore interface {
	AccessToken(ctx context.Context, userID int64) (string, error)
}

// Client is the marketplace and payment provider API client.
type Client struct {
	ml          *resty.Client
	mp          *resty.Client
	tokens      TokenStore
	accessToken string
	retry       retry.Options
	logger      *zap.Logger
}

// NewClient creates a new marketplace client
func NewClient(mlCfg config.MarketplaceConfig, mpCfg config.PaymentConfig, retryCfg config.RetryConfig, tokens TokenStore) *Client {
	return &Client{
		ml:          newResty(mlCfg.APIBaseURL, mlCfg.HTTPTimeout),
		mp:          newResty(mpCfg.APIBaseURL, mpCfg.HTTPTimeout),
		tokens:      tokens,
		accessToken: mpCfg.AccessToken,
		retry: retry.Options{
			MaxRetries:   retryCfg.FetchMaxRetries,
			InitialDelay: retryCfg.FetchInitialDelay,
			MaxDelay:     retryCfg.FetchMaxDelay,
			ShouldRetry:  IsRetryable,
		},
		logger: util.GetLogger(),
	}
}

func newResty(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

// GetShipment fetches a marketplace shipment on behalf of userID.
func (c *Client) GetShipment(ctx context.Context, userID int64, shipmentID string) (*Shipment, error) {
	var out Shipment
	if err := c.getML(ctx, userID, "shipments", "/shipments/"+shipmentID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder fetches a marketplace order on behalf of userID.
func (c *Client) GetOrder(ctx context.Context, userID int64, orderID string) (*Order, error) {
	var out Order
	if err := c.getML(ctx, userID, "orders", "/orders/"+orderID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetItem fetches a marketplace listing on behalf of userID.
func (c *Client) GetItem(ctx context.Context, userID int64, itemID string) (*Item, error) {
	var out Item
	if err := c.getML(ctx, userID, "items", "/items/"+itemID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayment fetches a payment from the payment provider.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var out Payment
	if err := c.getMP(ctx, "payments", "/v1/payments/"+paymentID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMerchantOrder fetches a merchant order once, without retrying.
func (c *Client) GetMerchantOrder(ctx context.Context, merchantOrderID string) (*MerchantOrder, error) {
	var out MerchantOrder
	if err := c.doGet(ctx, c.mp, "mp", "merchant_orders", "/merchant_orders/"+merchantOrderID, c.accessToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getML(ctx context.Context, userID int64, resource, path string, out interface{}) error {
	ctx, span := util.StartSpan(ctx, "marketplace.Get"+resource)
	defer span.End()

	opts := c.retry
	opts.Name = "ml." + resource
	return retry.Run(ctx, opts, func(ctx context.Context) error {
		token, err := c.tokens.AccessToken(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to get token for user %d: %w", userID, err)
		}
		return c.doGet(ctx, c.ml, "ml", resource, path, token, out)
	})
}

func (c *Client) getMP(ctx context.Context, resource, path string, out interface{}) error {
	ctx, span := util.StartSpan(ctx, "payments.Get"+resource)
	defer span.End()

	opts := c.retry
	opts.Name = "mp." + resource
	return retry.Run(ctx, opts, func(ctx context.Context) error {
		return c.doGet(ctx, c.mp, "mp", resource, path, c.accessToken, out)
	})
}

func (c *Client) doGet(ctx context.Context, rc *resty.Client, api, resource, path, token string, out interface{}) error {
	start := time.Now()
	resp, err := rc.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(out).
		Get(path)
	if err != nil {
		util.MarketplaceRequestDuration.WithLabelValues(api, resource, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("GET %s: %w", path, err)
	}

	util.MarketplaceRequestDuration.WithLabelValues(api, resource, strconv.Itoa(resp.StatusCode())).Observe(time.Since(start).Seconds())
	if resp.IsError() {
		c.logger.Warn("Upstream request failed",
			zap.String("api", api),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()),
		)
		return &APIError{StatusCode: resp.StatusCode(), Body: resp.String(), Path: path}
	}
	return nil
}
