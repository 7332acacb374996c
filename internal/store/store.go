// Package store provides local persistence for syncable entities, queued
// sync operations, and sync cursors.
//
// Two implementations are provided: DB, an embedded SQLite database with
// WAL mode for crash consistency, and Memory, an in-process map used by
// tests and by hosts that supply their own durability.
package store

import (
	"context"
	"errors"

	"github.com/woodshed-app/shedsync/internal/entity"
)

// ErrNotFound is returned when a key or entity is absent.
var ErrNotFound = errors.New("not found")

// Store is the local persistence adapter consumed by the sync engine.
//
// Implementations must be crash-consistent: a Save that is interrupted
// must never leave a partially-written entity readable. The SQLite
// implementation relies on transactional writes for this; Memory swaps
// fully-built values.
type Store interface {
	// Save writes the entity under the given key, replacing any previous
	// value atomically.
	Save(ctx context.Context, key string, e *entity.Entity) error

	// Load returns the entity stored under key, or ErrNotFound.
	Load(ctx context.Context, key string) (*entity.Entity, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ListKeys returns all stored entity keys in unspecified order.
	ListKeys(ctx context.Context) ([]string, error)
}
