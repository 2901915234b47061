package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"order-sync/internal/models"
)

const webhookColumns = `id, source, topic, resource, user_id, resource_id, payload, processed,
	error_message, retry_count, processed_at, created_at, updated_at`

// CreateWebhookRecord persists an inbound notification
func (s *Store) CreateWebhookRecord(ctx context.Context, record *models.WebhookRecord) error {
	payload := string(record.Payload)
	if payload == "" {
		payload = "{}"
	}
	err := s.q.QueryRowxContext(ctx,
		`INSERT INTO webhook_records (id, source, topic, resource, user_id, resource_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING created_at, updated_at`,
		record.ID, record.Source, record.Topic, record.Resource, record.UserID, record.ResourceID, payload,
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	return mapError(err)
}

// GetWebhookRecord retrieves a webhook record by ID
func (s *Store) GetWebhookRecord(ctx context.Context, id string) (*models.WebhookRecord, error) {
	var record models.WebhookRecord
	err := s.q.GetContext(ctx, &record, "SELECT "+webhookColumns+" FROM webhook_records WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListWebhookRecords lists webhook records, newest first
func (s *Store) ListWebhookRecords(ctx context.Context, filter models.WebhookFilter) ([]models.WebhookRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Source != "" {
		args = append(args, filter.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Processed != nil {
		args = append(args, *filter.Processed)
		where = append(where, fmt.Sprintf("processed = $%d", len(args)))
	}

	args = append(args, webhookLimit(filter.Limit))

	query := "SELECT " + webhookColumns + " FROM webhook_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	records := []models.WebhookRecord{}
	err := s.q.SelectContext(ctx, &records, query, args...)
	return records, err
}

// MarkWebhookResult records the outcome of processing a webhook
func (s *Store) MarkWebhookResult(ctx context.Context, id string, handlerErr error) error {
	if handlerErr == nil {
		_, err := s.q.ExecContext(ctx,
			`UPDATE webhook_records SET processed = TRUE, error_message = NULL, processed_at = NOW(), updated_at = NOW()
			WHERE id = $1`, id)
		return err
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE webhook_records SET processed = FALSE, error_message = $1, processed_at = NOW(), updated_at = NOW()
		WHERE id = $2`, handlerErr.Error(), id)
	return err
}

// IncrementWebhookRetry bumps the retry counter of a webhook record
func (s *Store) IncrementWebhookRetry(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		"UPDATE webhook_records SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1", id)
	return err
}

const (
	defaultWebhookLimit = 50
	maxWebhookLimit     = 500
)

func webhookLimit(n int) int {
	switch {
	case n <= 0:
		return defaultWebhookLimit
	case n > maxWebhookLimit:
		return maxWebhookLimit
	}
	return n
}
