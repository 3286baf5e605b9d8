package memory

import (
	"context"
	"sync"

	"donut-notifier/internal/domain"
	"donut-notifier/internal/storage"
)

// DefaultRunCapacity is how many run records the in-memory store keeps.
const DefaultRunCapacity = 1000

// RunStore is an in-memory implementation of storage.RunStore.
// It keeps the most recent records up to its capacity.
type RunStore struct {
	mu       sync.RWMutex
	capacity int
	runs     []*domain.RunRecord // oldest first
}

// NewRunStore creates a new in-memory run store.
// capacity <= 0 uses DefaultRunCapacity.
func NewRunStore(capacity int) *RunStore {
	if capacity <= 0 {
		capacity = DefaultRunCapacity
	}
	return &RunStore{capacity: capacity}
}

// Compile-time interface check.
var _ storage.RunStore = (*RunStore)(nil)

// Insert appends a run record, evicting the oldest when full.
func (s *RunStore) Insert(_ context.Context, r *domain.RunRecord) error {
	if r == nil || r.RunID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, copyRun(r))
	if over := len(s.runs) - s.capacity; over > 0 {
		s.runs = append(s.runs[:0:0], s.runs[over:]...)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *RunStore) Recent(_ context.Context, limit int) ([]*domain.RunRecord, error) {
	limit = storage.NormalizeLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := min(limit, len(s.runs))
	result := make([]*domain.RunRecord, 0, n)
	for i := len(s.runs) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, copyRun(s.runs[i]))
	}
	return result, nil
}

func copyRun(r *domain.RunRecord) *domain.RunRecord {
	c := *r
	if r.Evaluation != nil {
		eval := *r.Evaluation
		c.Evaluation = &eval
	}
	return &c
}
