// Package queue provides the durable, ordered queue of pending sync
// operations awaiting transmission to the remote store.
//
// The queue itself holds no state in memory: every operation is persisted
// through a Storage backend so pending work survives process restarts.
// Operations are dequeued oldest-first to preserve per-entity ordering.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/woodshed-app/shedsync/internal/entity"
)

// OpKind is the kind of mutation an operation transmits.
type OpKind string

const (
	// OpCreate transmits a newly created entity.
	OpCreate OpKind = "create"

	// OpUpdate transmits a content edit to an existing entity.
	OpUpdate OpKind = "update"

	// OpDelete transmits a tombstone.
	OpDelete OpKind = "delete"
)

// OpStatus is the lifecycle status of an operation.
type OpStatus string

const (
	// OpPending means the operation awaits transmission.
	OpPending OpStatus = "pending"

	// OpSyncing means the operation is part of an in-flight cycle.
	OpSyncing OpStatus = "syncing"

	// OpCompleted means the remote store confirmed receipt. Terminal.
	OpCompleted OpStatus = "completed"

	// OpFailed means the operation exhausted its retry budget and needs
	// external intervention (dead-letter).
	OpFailed OpStatus = "failed"
)

// Operation is an intention to transmit one create/update/delete for one
// entity. The embedded snapshot records what the entity looked like when
// the change happened; the orchestrator re-reads the freshest local version
// at push time.
type Operation struct {
	ID        string         `json:"id"`
	Kind      OpKind         `json:"kind"`
	Resource  string         `json:"resource"` // e.g. "sessions", "goals"
	Entity    *entity.Entity `json:"entity"`
	CreatedAt int64          `json:"created_at"`
	Status    OpStatus       `json:"status"`
	Retries   int            `json:"retries"`
	LastError string         `json:"last_error,omitempty"`
}

// Storage persists operations. Implemented by the SQLite store for
// durability and by an in-memory store for tests.
type Storage interface {
	InsertOperation(ctx context.Context, op *Operation) error
	UpdateOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	PendingOperations(ctx context.Context, limit int) ([]*Operation, error)
	DeleteOperation(ctx context.Context, id string) error
	CountOperations(ctx context.Context, statuses ...OpStatus) (int, error)
	ClearOperations(ctx context.Context) error
}

// ErrOpNotFound is returned when an operation id is unknown to storage.
var ErrOpNotFound = errors.New("operation not found")

// ErrCompleted is returned when a caller tries to move a completed
// operation back to an earlier status.
var ErrCompleted = errors.New("operation already completed")

// DefaultMaxRetries is the retry budget before an operation is moved to
// the dead-letter status. A policy knob, not a correctness constant.
const DefaultMaxRetries = 5

// Queue is a durable FIFO of operations.
type Queue struct {
	storage    Storage
	maxRetries int
	logger     *log.Logger
}

// New creates a queue over the given storage backend.
//
// If maxRetries is zero or negative, DefaultMaxRetries is used.
// If logger is nil, a default logger writing to stderr is used.
func New(storage Storage, maxRetries int, logger *log.Logger) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{storage: storage, maxRetries: maxRetries, logger: logger}
}

// Enqueue appends an operation, assigning an id and creation time if absent.
func (q *Queue) Enqueue(ctx context.Context, op *Operation) error {
	if op.Entity == nil {
		return fmt.Errorf("operation has no entity snapshot")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt == 0 {
		op.CreatedAt = entity.NowMillis()
	}
	if op.Status == "" {
		op.Status = OpPending
	}
	if err := q.storage.InsertOperation(ctx, op); err != nil {
		return fmt.Errorf("failed to enqueue operation %s: %w", op.ID, err)
	}
	return nil
}

// DequeueBatch returns up to limit pending operations in enqueue order
// (FIFO, oldest first). The operations remain in storage; callers advance
// them with MarkStatus.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]*Operation, error) {
	ops, err := q.storage.PendingOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	return ops, nil
}

// MarkStatus transitions an operation's status.
//
// The lifecycle invariant is enforced here: a completed operation never
// regresses to any other status. Completed operations are removed from
// storage once acknowledged.
func (q *Queue) MarkStatus(ctx context.Context, id string, status OpStatus) error {
	op, err := q.storage.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status == OpCompleted && status != OpCompleted {
		return fmt.Errorf("operation %s: %w", id, ErrCompleted)
	}

	op.Status = status
	if status == OpCompleted {
		// Receipt confirmed: the operation leaves the queue.
		if err := q.storage.DeleteOperation(ctx, id); err != nil {
			return fmt.Errorf("failed to remove completed operation %s: %w", id, err)
		}
		return nil
	}
	if err := q.storage.UpdateOperation(ctx, op); err != nil {
		return fmt.Errorf("failed to update operation %s: %w", id, err)
	}
	return nil
}

// RecordFailure increments the retry counter after a failed transmission
// and makes the operation eligible for the next cycle.
//
// Returns true when the operation has exhausted its retry budget and was
// moved to the dead-letter status instead of being requeued.
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error) (deadLettered bool, err error) {
	op, err := q.storage.GetOperation(ctx, id)
	if err != nil {
		return false, err
	}
	if op.Status == OpCompleted {
		return false, fmt.Errorf("operation %s: %w", id, ErrCompleted)
	}

	op.Retries++
	if cause != nil {
		op.LastError = cause.Error()
	}

	if op.Retries > q.maxRetries {
		op.Status = OpFailed
		q.logger.Printf("Operation %s dead-lettered after %d retries: %s", op.ID, op.Retries, op.LastError)
		deadLettered = true
	} else {
		op.Status = OpPending
	}

	if err := q.storage.UpdateOperation(ctx, op); err != nil {
		return false, fmt.Errorf("failed to record failure for operation %s: %w", id, err)
	}
	return deadLettered, nil
}

// Size returns the number of operations still awaiting transmission
// (pending or syncing).
func (q *Queue) Size(ctx context.Context) (int, error) {
	return q.storage.CountOperations(ctx, OpPending, OpSyncing)
}

// Clear drops all operations. Used only on explicit user action or an
// account switch.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.storage.ClearOperations(ctx); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}
