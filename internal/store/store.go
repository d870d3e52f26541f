// Package store persists bus records keyed by id and enforces uniqueness of
// ids and non-empty number plates.
package store

import (
	"context"
	"errors"

	"bustrack-svr/internal/bus"
)

// Store is the authoritative record collection. Implementations must make
// every write atomic with respect to the uniqueness checks.
type Store interface {
	// List returns every record ordered by id.
	List(ctx context.Context) ([]bus.Record, error)
	// Get returns *bus.NotFoundError when id is absent.
	Get(ctx context.Context, id string) (bus.Record, error)
	// Upsert inserts or fully replaces the record with rec.ID.
	Upsert(ctx context.Context, rec bus.Record) (created bool, err error)
	// Insert fails with *bus.ConflictError when rec.ID already exists.
	Insert(ctx context.Context, rec bus.Record) error
	// Replace fails with *bus.NotFoundError when rec.ID is absent.
	Replace(ctx context.Context, rec bus.Record) error
	// Delete reports whether a record was removed.
	Delete(ctx context.Context, id string) (deleted bool, err error)
	Ping(ctx context.Context) error
	Close() error
}

type writeMode int

const (
	modeUpsert writeMode = iota
	modeInsert
	modeReplace
)

func (m writeMode) String() string {
	switch m {
	case modeInsert:
		return "insert"
	case modeReplace:
		return "replace"
	default:
		return "upsert"
	}
}

// ErrClosed is wrapped in *bus.StoreUnavailableError after Close.
var ErrClosed = errors.New("store closed")

func errClosed(op string) error {
	return &bus.StoreUnavailableError{Op: op, Err: ErrClosed}
}
