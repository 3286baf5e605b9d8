package storage

import (
	"context"

	"donut-notifier/internal/domain"
)

// FlagStore persists boolean flags under fixed keys.
// A flag is either present ("true") or absent.
type FlagStore interface {
	// Get reports whether the flag is set.
	Get(ctx context.Context, key string) (bool, error)

	// Set sets the flag. Setting an already-set flag is not an error.
	Set(ctx context.Context, key string) error

	// SetIfAbsent sets the flag only if it is not already set.
	// Returns true if this call set it, false if it was already present.
	SetIfAbsent(ctx context.Context, key string) (bool, error)

	// Delete clears the flag. Deleting an absent flag is not an error.
	Delete(ctx context.Context, key string) error
}

// RunStore provides access to notifier run history.
type RunStore interface {
	// Insert appends a run record. Returns ErrInvalidInput for nil or empty RunID.
	Insert(ctx context.Context, r *domain.RunRecord) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*domain.RunRecord, error)
}

// NotificationStore provides access to the log of delivered notifications.
type NotificationStore interface {
	// Insert appends a notification record and assigns its ID.
	Insert(ctx context.Context, n *domain.NotificationRecord) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*domain.NotificationRecord, error)
}
