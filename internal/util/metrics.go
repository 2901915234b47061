package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_received_total",
		Help: "Total number of inbound webhooks",
	}, []string{"source", "topic"})

	WebhooksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_failed_total",
		Help: "Total number of webhooks whose handler failed",
	}, []string{"source", "topic"})

	WebhooksRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_rejected_total",
		Help: "Total number of webhooks rejected at the transport layer",
	}, []string{"source", "reason"})

	WebhookProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_processing_latency_seconds",
		Help:    "Latency of webhook dispatch",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "topic"})

	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_attempts_total",
		Help: "Total number of retried operation attempts",
	}, []string{"operation"})

	MarketplaceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketplace_request_duration_seconds",
		Help:    "Latency of outbound marketplace and payment API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"api", "resource", "status"})

	ShipmentStatusChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipment_status_changes_total",
		Help: "Total number of order shipping status transitions",
	}, []string{"status"})

	ShipmentPendingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "merchant_order_shipment_pending_total",
		Help: "Total number of merchant orders processed before a shipment was linked",
	})

	OrdersMaterializedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_materialized_total",
		Help: "Total number of orders created from approved payments",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of checkout orders confirmed as paid",
	})

	PaymentsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_duplicate_total",
		Help: "Total number of approved payments already applied to an order",
	})

	MaterializationFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_materialization_failed_total",
		Help: "Total number of failed order materializations",
	}, []string{"reason"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Total number of events written to Kafka",
	}, []string{"topic", "event_type"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "Total number of consumed events committed after their handler kept failing",
	}, []string{"topic"})

	StockRestoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_restored_total",
		Help: "Total number of orders whose stock was restored",
	})

	StockRestoreFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_restore_failed_total",
		Help: "Total number of stock restorations that exhausted retries",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
