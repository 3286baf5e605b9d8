package memory

import (
	"context"
	"sync"

	"donut-notifier/internal/domain"
	"donut-notifier/internal/storage"
)

// NotificationStore is an in-memory implementation of storage.NotificationStore.
type NotificationStore struct {
	mu     sync.RWMutex
	nextID int64
	data   []*domain.NotificationRecord // oldest first
}

// NewNotificationStore creates a new in-memory notification store.
func NewNotificationStore() *NotificationStore {
	return &NotificationStore{nextID: 1}
}

// Compile-time interface check.
var _ storage.NotificationStore = (*NotificationStore)(nil)

// Insert appends a notification record and assigns its ID.
func (s *NotificationStore) Insert(_ context.Context, n *domain.NotificationRecord) error {
	if n == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n.ID = s.nextID
	s.nextID++
	s.data = append(s.data, copyNotification(n))
	return nil
}

// Recent returns up to limit records, newest first.
func (s *NotificationStore) Recent(_ context.Context, limit int) ([]*domain.NotificationRecord, error) {
	limit = storage.NormalizeLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.NotificationRecord
	for i := len(s.data) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, copyNotification(s.data[i]))
	}
	return result, nil
}

func copyNotification(n *domain.NotificationRecord) *domain.NotificationRecord {
	c := *n
	c.FIDs = append([]int64(nil), n.FIDs...)
	return &c
}
