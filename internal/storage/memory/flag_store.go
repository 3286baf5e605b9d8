package memory

import (
	"context"
	"sync"

	"donut-notifier/internal/storage"
)

// FlagStore is an in-memory implementation of storage.FlagStore.
type FlagStore struct {
	mu    sync.Mutex
	flags map[string]struct{}
}

// NewFlagStore creates a new in-memory flag store.
func NewFlagStore() *FlagStore {
	return &FlagStore{
		flags: make(map[string]struct{}),
	}
}

// Compile-time interface check.
var _ storage.FlagStore = (*FlagStore)(nil)

// Get reports whether the flag is set.
func (s *FlagStore) Get(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.flags[key]
	return ok, nil
}

// Set sets the flag.
func (s *FlagStore) Set(_ context.Context, key string) error {
	if key == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.flags[key] = struct{}{}
	return nil
}

// SetIfAbsent sets the flag only if it is not already set.
func (s *FlagStore) SetIfAbsent(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[key]; ok {
		return false, nil
	}
	s.flags[key] = struct{}{}
	return true, nil
}

// Delete clears the flag.
func (s *FlagStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flags, key)
	return nil
}
