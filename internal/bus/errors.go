package bus

import (
	"errors"
	"fmt"
)

// ValidationError rejects a mutation before it reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a uniqueness violation. OwnerID is the record that
// already holds Value, when known.
type ConflictError struct {
	Field   string
	Value   string
	OwnerID string
}

func (e *ConflictError) Error() string {
	if e.OwnerID != "" {
		return fmt.Sprintf("%s %q already used by bus %s", e.Field, e.Value, e.OwnerID)
	}
	return fmt.Sprintf("%s %q already exists", e.Field, e.Value)
}

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("bus %s not found", e.ID)
}

// StoreUnavailableError wraps a backend failure (network, timeout, closed client).
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Error kinds reported to clients.
const (
	KindValidation       = "validation"
	KindConflict         = "conflict"
	KindNotFound         = "not_found"
	KindStoreUnavailable = "store_unavailable"
	KindInternal         = "internal"
)

// Kind classifies err into one of the Kind* constants.
func Kind(err error) string {
	var (
		ve *ValidationError
		ce *ConflictError
		ne *NotFoundError
		se *StoreUnavailableError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ce):
		return KindConflict
	case errors.As(err, &ne):
		return KindNotFound
	case errors.As(err, &se):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}
