package postgres

import (
	"context"
	"fmt"

	"donut-notifier/internal/storage"
)

// FlagStore is a PostgreSQL implementation of storage.FlagStore.
// Flags are rows in kv_flags; an absent row means the flag is unset.
type FlagStore struct {
	pool *Pool
}

// NewFlagStore creates a new PostgreSQL flag store.
func NewFlagStore(pool *Pool) *FlagStore {
	return &FlagStore{pool: pool}
}

// Compile-time interface check.
var _ storage.FlagStore = (*FlagStore)(nil)

// Get reports whether the flag is set.
func (s *FlagStore) Get(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, storage.ErrInvalidInput
	}

	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_flags WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("get flag %s: %w", key, err)
	}

	return value == "true", nil
}

// Set sets the flag. Uses upsert so repeated sets are harmless.
func (s *FlagStore) Set(ctx context.Context, key string) error {
	if key == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_flags (key, value, updated_at)
		VALUES ($1, 'true', NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    updated_at = NOW()
	`, key)
	if err != nil {
		return fmt.Errorf("set flag %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent sets the flag only if no row exists for key.
func (s *FlagStore) SetIfAbsent(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO kv_flags (key, value, updated_at)
		VALUES ($1, 'true', NOW())
		ON CONFLICT (key) DO NOTHING
	`, key)
	if err != nil {
		return false, fmt.Errorf("set flag %s if absent: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete clears the flag.
func (s *FlagStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return storage.ErrInvalidInput
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM kv_flags WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete flag %s: %w", key, err)
	}
	return nil
}
