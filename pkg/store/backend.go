package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors for storage operations.
var (
	// ErrNotFound is returned when no record exists for an owner and key.
	ErrNotFound = errors.New("record not found")
	// ErrUnsupported is returned by every operation when the durable medium
	// is not available in this environment.
	ErrUnsupported = errors.New("durable storage unsupported")
	// ErrStorageClosed is returned when operating on a closed backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrKeyMismatch is returned when a payload is decoded from a record of
	// another logical key.
	ErrKeyMismatch = errors.New("payload does not match record key")
	// ErrInvalidKey is returned for an empty owner or unknown logical key.
	ErrInvalidKey = errors.New("invalid record key")
	// ErrOpenTimeout is returned when the medium does not open in time.
	ErrOpenTimeout = errors.New("storage open timed out")
)

// Backend is a durable medium for records.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Put upserts rec by its composite key, replacing any prior payload.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record for owner and key.
	// Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, owner string, key LogicalKey) (*Record, error)

	// Delete removes the record if present. Deleting a missing record is not an error.
	Delete(ctx context.Context, owner string, key LogicalKey) error

	// ClearAll removes every record of owner and returns how many were removed.
	ClearAll(ctx context.Context, owner string) (int, error)

	// List returns every record of owner.
	List(ctx context.Context, owner string) ([]*Record, error)

	// Ping checks that the medium is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

func validate(owner string, key LogicalKey) error {
	if err := validateOwner(owner); err != nil {
		return err
	}
	if !key.Valid() {
		return fmt.Errorf("%w: unknown logical key %q", ErrInvalidKey, key)
	}
	return nil
}

// validateOwner rejects owners that cannot be used as a path or document
// component in every backend.
func validateOwner(owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: owner cannot be empty", ErrInvalidKey)
	}
	if strings.ContainsAny(owner, `/\`) || strings.Contains(owner, "..") {
		return fmt.Errorf("%w: owner contains path separator or traversal sequence", ErrInvalidKey)
	}
	return nil
}
