package postgres

import (
	"context"
	"fmt"

	"donut-notifier/internal/domain"
	"donut-notifier/internal/storage"
)

// NotificationStore is a PostgreSQL implementation of storage.NotificationStore.
type NotificationStore struct {
	pool *Pool
}

// NewNotificationStore creates a new PostgreSQL notification store.
func NewNotificationStore(pool *Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.NotificationStore = (*NotificationStore)(nil)

// Insert appends a notification record and assigns its ID.
func (s *NotificationStore) Insert(ctx context.Context, n *domain.NotificationRecord) error {
	if n == nil {
		return storage.ErrInvalidInput
	}

	fids := n.FIDs
	if fids == nil {
		fids = []int64{}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (sent_at, title, body, target_url, target_fids)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, n.SentAt, n.Notification.Title, n.Notification.Body, n.Notification.TargetURL, fids).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *NotificationStore) Recent(ctx context.Context, limit int) ([]*domain.NotificationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sent_at, title, body, target_url, target_fids
		FROM notifications
		ORDER BY sent_at DESC, id DESC
		LIMIT $1
	`, storage.NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var result []*domain.NotificationRecord
	for rows.Next() {
		var n domain.NotificationRecord
		if err := rows.Scan(&n.ID, &n.SentAt, &n.Notification.Title, &n.Notification.Body,
			&n.Notification.TargetURL, &n.FIDs); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		result = append(result, &n)
	}

	return result, rows.Err()
}
