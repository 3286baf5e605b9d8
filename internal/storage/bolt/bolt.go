// Package bolt provides a single-file embedded flag store backed by bbolt.
// It suits single-instance deployments that have no database.
package bolt

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"donut-notifier/internal/storage"
)

var flagsBucket = []byte("flags")

var flagValue = []byte("true")

// FlagStore implements storage.FlagStore on a bbolt database.
type FlagStore struct {
	db *bbolt.DB
}

// Compile-time interface check.
var _ storage.FlagStore = (*FlagStore)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*FlagStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(flagsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create flags bucket: %w", err)
	}

	return &FlagStore{db: db}, nil
}

// Close closes the database.
func (s *FlagStore) Close() error {
	return s.db.Close()
}

// Get reports whether the flag is set.
func (s *FlagStore) Get(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, storage.ErrInvalidInput
	}

	var set bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		set = tx.Bucket(flagsBucket).Get([]byte(key)) != nil
		return nil
	})
	return set, err
}

// Set sets the flag.
func (s *FlagStore) Set(_ context.Context, key string) error {
	if key == "" {
		return storage.ErrInvalidInput
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(flagsBucket).Put([]byte(key), flagValue)
	})
}

// SetIfAbsent sets the flag only if it is not already set.
// bbolt serializes write transactions, so check-then-put is atomic.
func (s *FlagStore) SetIfAbsent(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, storage.ErrInvalidInput
	}

	var created bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(flagsBucket)
		if b.Get([]byte(key)) != nil {
			return nil
		}
		created = true
		return b.Put([]byte(key), flagValue)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// Delete clears the flag.
func (s *FlagStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return storage.ErrInvalidInput
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(flagsBucket).Delete([]byte(key))
	})
}
