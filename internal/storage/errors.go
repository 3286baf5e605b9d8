package storage

import "errors"

// Storage errors.
var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownDriver is returned when a configured backend name is not recognised.
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// DefaultRecentLimit caps Recent queries when the caller passes limit <= 0.
const DefaultRecentLimit = 50

// NormalizeLimit returns limit, or DefaultRecentLimit if limit <= 0.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}
