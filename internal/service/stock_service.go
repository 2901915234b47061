package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"order-sync/config"
	"order-sync/internal/broker"
	"order-sync/internal/models"
	"order-sync/internal/retry"
	"order-sync/internal/store"
	"order-sync/internal/util"
)

const stockLockTTL = 30 * time.Second

// StockService returns reserved stock for cancelled orders
type StockService struct {
	repo      store.Repository
	locker    Locker
	publisher EventPublisher
	retry     retry.Options
	logger    *zap.Logger
}

// NewStockService creates a new stock service. locker and publisher may be nil.
func NewStockService(repo store.Repository, locker Locker, publisher EventPublisher, cfg config.RetryConfig) *StockService {
	return &StockService{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		retry: retry.Options{
			Name:         "stock.restore",
			MaxRetries:   cfg.RollbackMaxRetries,
			InitialDelay: cfg.RollbackInitialDelay,
			MaxDelay:     cfg.RollbackMaxDelay,
			ShouldRetry:  func(err error) bool { return !IsPermanent(err) },
		},
		logger: util.GetLogger(),
	}
}

// RestoreResult describes what a stock restoration did.
type RestoreResult struct {
	OrderID  int64                  `json:"order_id"`
	Restored bool                   `json:"restored"`
	Skipped  string                 `json:"skipped,omitempty"`
	Items    []models.OrderItemData `json:"items,omitempty"`
}

// RestoreStock increments stock for every item of a cancelled order. It is
// idempotent per order: the stock_restored flag flips in the same transaction
// as the increments, so a retried or redelivered call applies them at most once.
func (s *StockService) RestoreStock(ctx context.Context, orderID int64) (*RestoreResult, error) {
	ctx, span := util.StartSpan(ctx, "StockService.RestoreStock")
	defer span.End()

	result, err := retry.Do(ctx, s.retry, func(ctx context.Context) (*RestoreResult, error) {
		if s.locker == nil {
			return s.restoreOnce(ctx, orderID)
		}
		var res *RestoreResult
		err := s.locker.WithLock(ctx, fmt.Sprintf("stock-restore:%d", orderID), stockLockTTL, func(ctx context.Context) error {
			var err error
			res, err = s.restoreOnce(ctx, orderID)
			return err
		})
		return res, err
	})
	if err != nil {
		util.RecordSpanError(span, err)
		util.StockRestoreFailedTotal.Inc()
		s.logger.Error("Stock restoration failed, manual intervention required",
			zap.Int64("order_id", orderID),
			zap.Bool("manual_intervention", true),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to restore stock for order %d: %w", orderID, err)
	}

	if result.Restored {
		util.StockRestoredTotal.Inc()
		s.logger.Info("Stock restored", zap.Int64("order_id", orderID), zap.Int("items", len(result.Items)))
		s.publishRestored(ctx, result)
	} else {
		s.logger.Info("Stock restoration skipped", zap.Int64("order_id", orderID), zap.String("reason", result.Skipped))
	}
	return result, nil
}

func (s *StockService) restoreOnce(ctx context.Context, orderID int64) (*RestoreResult, error) {
	result := &RestoreResult{OrderID: orderID}

	err := s.repo.InTx(ctx, func(tx store.Repository) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load order: %w", err)
		}
		if order == nil {
			return fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
		}

		flipped, err := tx.MarkStockRestored(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to mark stock restored: %w", err)
		}
		if !flipped {
			if order.StockRestored {
				result.Skipped = "already_restored"
			} else {
				result.Skipped = "stock_not_deducted"
			}
			return nil
		}

		items, err := tx.GetOrderItems(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}
		for _, item := range items {
			if err := tx.AdjustProductStock(ctx, item.ProductID, item.Quantity); err != nil {
				return fmt.Errorf("failed to restore product %d: %w", item.ProductID, err)
			}
			if err := tx.AppendStockMovement(ctx, &models.StockMovement{
				OrderID:   orderID,
				ProductID: item.ProductID,
				Delta:     item.Quantity,
				Kind:      models.MovementRestore,
			}); err != nil {
				return fmt.Errorf("failed to record stock movement: %w", err)
			}
			result.Items = append(result.Items, models.OrderItemData{ProductID: item.ProductID, Quantity: item.Quantity})
		}
		result.Restored = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeductStock decrements stock for every item of an order inside tx and flips
// stock_deducted. It does nothing if the flag is already set.
func DeductStock(ctx context.Context, tx store.Repository, orderID int64) (bool, error) {
	flipped, err := tx.MarkStockDeducted(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to mark stock deducted: %w", err)
	}
	if !flipped {
		return false, nil
	}

	items, err := tx.GetOrderItems(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to load order items: %w", err)
	}
	for _, item := range items {
		if err := deductItem(ctx, tx, orderID, item.ProductID, item.Quantity); err != nil {
			return false, err
		}
	}
	return true, nil
}

func deductItem(ctx context.Context, tx store.Repository, orderID, productID int64, quantity int) error {
	product, err := tx.GetProductForUpdate(ctx, productID)
	if err != nil {
		return fmt.Errorf("failed to load product %d: %w", productID, err)
	}
	if product == nil {
		return invalid("product", "product %d not found", productID)
	}
	if product.Stock < quantity {
		return fmt.Errorf("product %d has %d, needs %d: %w", productID, product.Stock, quantity, store.ErrInsufficientStock)
	}
	if err := tx.AdjustProductStock(ctx, productID, -quantity); err != nil {
		return err
	}
	return tx.AppendStockMovement(ctx, &models.StockMovement{
		OrderID:   orderID,
		ProductID: productID,
		Delta:     -quantity,
		Kind:      models.MovementDeduct,
	})
}

func (s *StockService) publishRestored(ctx context.Context, result *RestoreResult) {
	if s.publisher == nil {
		return
	}
	event := &models.StockRestoredEvent{
		BaseEvent: broker.NewBaseEvent(models.EventTypeStockRestored),
		OrderID:   result.OrderID,
		Items:     result.Items,
	}
	if err := s.publisher.PublishStockRestored(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Failed to publish stock restored event", zap.Int64("order_id", result.OrderID), zap.Error(err))
	}
}
