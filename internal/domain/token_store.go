package domain

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for a key, including
	// records the store has already expunged past their TTL.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned by PutNew when a record exists for the key.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrVersionConflict is returned by CompareAndSwap when the stored version
	// does not match the expected one.
	ErrVersionConflict = errors.New("record version conflict")
)

// TokenStore is a key-value store for credential records. Existing records
// may only be replaced through CompareAndSwap; there is deliberately no plain
// overwrite, so concurrent writers cannot lose each other's updates. TTL
// expungement is a store-level guarantee: an expired record is simply
// ErrNotFound.
type TokenStore interface {
	Get(ctx context.Context, key string) (CredentialRecord, error)
	PutNew(ctx context.Context, record CredentialRecord) error
	CompareAndSwap(ctx context.Context, expectedVersion int64, record CredentialRecord) error
	Delete(ctx context.Context, key string) error
}
