package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-sync/internal/models"
)

const productColumns = `id, name, price, stock, ml_item_id, ml_sync_status, ml_last_sync_at, created_at, updated_at`

// GetProductForUpdate retrieves a product and locks the row
func (s *Store) GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.q.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM products WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// AdjustProductStock adds delta to the product's stock
func (s *Store) AdjustProductStock(ctx context.Context, productID int64, delta int) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE products SET stock = stock + $1, updated_at = NOW() WHERE id = $2 AND stock + $1 >= 0",
		delta, productID)
	if err != nil {
		return fmt.Errorf("failed to adjust stock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("product %d: %w", productID, ErrInsufficientStock)
	}
	return nil
}

// UpdateProductSyncStatus records the marketplace listing status for a product
func (s *Store) UpdateProductSyncStatus(ctx context.Context, mlItemID, status string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		"UPDATE products SET ml_sync_status = $1, ml_last_sync_at = NOW(), updated_at = NOW() WHERE ml_item_id = $2",
		status, mlItemID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendStockMovement writes one stock ledger line
func (s *Store) AppendStockMovement(ctx context.Context, movement *models.StockMovement) error {
	return s.q.QueryRowxContext(ctx,
		`INSERT INTO stock_movements (order_id, product_id, delta, kind)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		movement.OrderID, movement.ProductID, movement.Delta, movement.Kind,
	).Scan(&movement.ID, &movement.CreatedAt)
}
