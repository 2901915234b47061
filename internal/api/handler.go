package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"order-sync/internal/models"
	"order-sync/internal/service"
	"order-sync/internal/signature"
	"order-sync/internal/util"
)

const maxBodyBytes = 1 << 20

// WebhookService is what the handlers need from the webhook pipeline.
type WebhookService interface {
	Ingest(ctx context.Context, n service.Notification, rawBody []byte) (*service.IngestResult, error)
	IngestPayment(ctx context.Context, rawBody []byte, requestID string) (*service.IngestResult, error)
	Reprocess(ctx context.Context, webhookID string) (*service.IngestResult, error)
	ListWebhooks(ctx context.Context, filter models.WebhookFilter) ([]models.WebhookRecord, error)
	GetWebhook(ctx context.Context, id string) (*models.WebhookRecord, error)
}

// ShipmentAdmin is what the handlers need for manual shipment updates.
type ShipmentAdmin interface {
	ApplyAdminUpdate(ctx context.Context, orderID int64, req service.AdminShipmentUpdate) (*service.ReconcileResult, error)
	History(ctx context.Context, orderID int64) ([]models.ShipmentHistoryEntry, error)
}

// ReplayRequester queues a webhook for asynchronous reprocessing.
type ReplayRequester interface {
	RequestReplay(ctx context.Context, webhookID, requestedBy string) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// PaymentWebhookConfig configures payment notification authentication.
type PaymentWebhookConfig struct {
	Secret string
	Window time.Duration
}

// Handler contains HTTP handlers
type Handler struct {
	webhooks  WebhookService
	shipments ShipmentAdmin
	replayer  ReplayRequester
	payment   PaymentWebhookConfig
	checks    map[string]HealthCheck
	validate  *validatorv10.Validate
	now       func() time.Time
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler. replayer may be nil.
func NewHandler(
	webhooks WebhookService,
	shipments ShipmentAdmin,
	replayer ReplayRequester,
	payment PaymentWebhookConfig,
	checks map[string]HealthCheck,
) *Handler {
	return &Handler{
		webhooks:  webhooks,
		shipments: shipments,
		replayer:  replayer,
		payment:   payment,
		checks:    checks,
		validate:  validatorv10.New(),
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/mercadolibre", h.marketplaceWebhook)
		webhooks.POST("/mercadopago", h.paymentWebhook)
	}

	admin := router.Group("/admin")
	{
		admin.GET("/webhooks", h.listWebhooks)
		admin.GET("/webhooks/:id", h.getWebhook)
		admin.POST("/webhooks/:id/reprocess", h.reprocessWebhook)
		admin.PUT("/orders/:id/shipment", h.updateShipment)
		admin.GET("/orders/:id/shipment-history", h.shipmentHistory)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// marketplaceWebhook handles marketplace notifications
func (h *Handler) marketplaceWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable_body"})
		return
	}

	var n service.Notification
	if err := bindAndValidate(c, body, &n, h.validate); err != nil {
		util.WebhooksRejectedTotal.WithLabelValues(models.SourceMercadoLibre, "invalid_body").Inc()
		return
	}

	result, err := h.webhooks.Ingest(c.Request.Context(), n, body)
	if errors.Is(err, service.ErrUnknownApplication) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unknown_application"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to ingest marketplace webhook", zap.String("topic", n.Topic), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "ingest_failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// paymentWebhook authenticates and handles payment provider notifications
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unreadable_body"})
		return
	}

	xSignature := c.GetHeader("x-signature")
	requestID := c.GetHeader("x-request-id")
	if xSignature == "" || requestID == "" {
		h.rejectPayment(c, http.StatusUnauthorized, "missing_headers", signature.ErrMissingHeaders)
		return
	}

	if ts, err := signature.ParseTimestamp(xSignature); err == nil {
		if err := signature.CheckFreshness(ts, h.now(), h.payment.Window); err != nil {
			h.rejectPayment(c, http.StatusUnauthorized, "stale_signature", err)
			return
		}
	} else if !strings.Contains(xSignature, "sha256=") {
		h.rejectPayment(c, http.StatusUnauthorized, "malformed_signature", err)
		return
	}

	verified := signature.Verify(body, xSignature, requestID, h.payment.Secret)
	if !verified.Valid {
		switch {
		case errors.Is(verified.Err, signature.ErrMissingSecret):
			h.rejectPayment(c, http.StatusInternalServerError, "missing_secret", verified.Err)
		case errors.Is(verified.Err, signature.ErrInvalidBody), errors.Is(verified.Err, signature.ErrMissingDataID):
			h.rejectPayment(c, http.StatusBadRequest, "invalid_body", verified.Err)
		default:
			h.rejectPayment(c, http.StatusUnauthorized, "invalid_signature", verified.Err)
		}
		return
	}

	result, err := h.webhooks.IngestPayment(c.Request.Context(), body, requestID)
	if errors.Is(err, signature.ErrInvalidBody) || errors.Is(err, signature.ErrMissingDataID) {
		h.rejectPayment(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err != nil {
		h.logger.Error("Failed to ingest payment webhook", zap.String("request_id", requestID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "ingest_failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) rejectPayment(c *gin.Context, status int, reason string, err error) {
	util.WebhooksRejectedTotal.WithLabelValues(models.SourceMercadoPago, reason).Inc()
	h.logger.Warn("Payment webhook rejected",
		zap.String("reason", reason),
		zap.String("request_id", c.GetHeader("x-request-id")),
		zap.Error(err),
	)
	c.JSON(status, gin.H{"success": false, "error": reason})
}

// listWebhooks lists stored webhook records
func (h *Handler) listWebhooks(c *gin.Context) {
	filter := models.WebhookFilter{Source: c.Query("source")}

	if raw := c.Query("processed"); raw != "" {
		processed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid processed filter"})
			return
		}
		filter.Processed = &processed
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		filter.Limit = limit
	}

	records, err := h.webhooks.ListWebhooks(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list webhooks",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"webhooks": records, "count": len(records)})
}

// getWebhook returns one webhook record
func (h *Handler) getWebhook(c *gin.Context) {
	record, err := h.webhooks.GetWebhook(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrWebhookNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load webhook",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, record)
}

// reprocessWebhook re-runs a stored webhook, inline or through the replay queue
func (h *Handler) reprocessWebhook(c *gin.Context) {
	id := c.Param("id")

	if c.Query("async") == "true" && h.replayer != nil {
		if _, err := h.webhooks.GetWebhook(c.Request.Context(), id); errors.Is(err, service.ErrWebhookNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Webhook not found"})
			return
		}
		if err := h.replayer.RequestReplay(c.Request.Context(), id, "admin-api"); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to queue replay",
				"details": err.Error(),
			})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true, "webhook_id": id})
		return
	}

	result, err := h.webhooks.Reprocess(c.Request.Context(), id)
	if errors.Is(err, service.ErrWebhookNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to reprocess webhook",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// updateShipment applies a manual shipment update
func (h *Handler) updateShipment(c *gin.Context) {
	orderID, ok := parseOrderID(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	var req service.AdminShipmentUpdate
	if err := bindAndValidate(c, body, &req, h.validate); err != nil {
		return
	}

	result, err := h.shipments.ApplyAdminUpdate(c.Request.Context(), orderID, req)
	if err != nil {
		h.writeServiceError(c, err, "Failed to update shipment")
		return
	}

	c.JSON(http.StatusOK, result)
}

// shipmentHistory returns an order's shipment history
func (h *Handler) shipmentHistory(c *gin.Context) {
	orderID, ok := parseOrderID(c)
	if !ok {
		return
	}

	history, err := h.shipments.History(c.Request.Context(), orderID)
	if err != nil {
		h.writeServiceError(c, err, "Failed to load shipment history")
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "history": history})
}

func (h *Handler) writeServiceError(c *gin.Context, err error, msg string) {
	var verr *service.ValidationError
	switch {
	case errors.Is(err, service.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": msg, "details": verr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "details": err.Error()})
	}
}

func parseOrderID(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return 0, false
	}
	return orderID, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
