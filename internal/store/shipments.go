package store

import (
	"context"
	"database/sql"
	"errors"

	"order-sync/internal/models"
)

// AppendShipmentHistory writes one shipment history row
func (s *Store) AppendShipmentHistory(ctx context.Context, entry *models.ShipmentHistoryEntry) error {
	return s.q.QueryRowxContext(ctx,
		`INSERT INTO shipment_history (order_id, shipment_id, status, substatus, tracking_number, tracking_url, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		entry.OrderID, entry.ShipmentID, entry.Status, entry.Substatus, entry.TrackingNumber, entry.TrackingURL, entry.Source,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// ListShipmentHistory returns an order's shipment history, oldest first
func (s *Store) ListShipmentHistory(ctx context.Context, orderID int64) ([]models.ShipmentHistoryEntry, error) {
	entries := []models.ShipmentHistoryEntry{}
	err := s.q.SelectContext(ctx, &entries,
		`SELECT id, order_id, shipment_id, status, substatus, tracking_number, tracking_url, source, created_at
		FROM shipment_history WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	return entries, err
}

// GetCredential retrieves the marketplace credentials of a user
func (s *Store) GetCredential(ctx context.Context, userID int64) (*models.MarketplaceCredential, error) {
	var cred models.MarketplaceCredential
	err := s.q.GetContext(ctx, &cred,
		"SELECT user_id, access_token, refresh_token, expires_at, updated_at FROM marketplace_credentials WHERE user_id = $1",
		userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// SaveCredential upserts the marketplace credentials of a user
func (s *Store) SaveCredential(ctx context.Context, cred *models.MarketplaceCredential) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO marketplace_credentials (user_id, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		cred.UserID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt)
	return err
}
