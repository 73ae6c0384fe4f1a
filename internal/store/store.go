package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrMalformed is returned when a persisted record exists but cannot be decoded.
var ErrMalformed = errors.New("malformed record")

// Store defines the persistence interface.
type Store interface {
	// Device configuration record (settings + device list).
	GetConfig() (*ConfigRecord, error)
	SaveConfig(rec *ConfigRecord) error

	// Last known-good shift catalog.
	SaveShiftCatalog(shifts []ShiftRecord) error
	ListShiftCatalog() ([]ShiftRecord, error)

	// Close the store
	Close() error
}
