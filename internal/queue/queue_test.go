package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/woodshed-app/shedsync/internal/entity"
	"github.com/woodshed-app/shedsync/internal/queue"
	"github.com/woodshed-app/shedsync/internal/store"
)

func newTestQueue(t *testing.T, maxRetries int) *queue.Queue {
	t.Helper()
	return queue.New(store.NewMemory(), maxRetries, log.New(io.Discard, "", 0))
}

func makeOp(t *testing.T, id string, createdAt int64) *queue.Operation {
	t.Helper()

	e, err := entity.New("sess-"+id, entity.KindSession, json.RawMessage(`{"instrument":"guitar"}`), 1000)
	if err != nil {
		t.Fatalf("entity.New() error: %v", err)
	}
	return &queue.Operation{ID: id, Kind: queue.OpCreate, Resource: "sessions", Entity: e, CreatedAt: createdAt}
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	op := makeOp(t, "", 0)
	op.ID = ""
	if err := q.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if op.ID == "" {
		t.Error("Enqueue() did not assign an id")
	}
	if op.CreatedAt == 0 {
		t.Error("Enqueue() did not stamp a creation time")
	}
	if op.Status != queue.OpPending {
		t.Errorf("Status = %q, want pending", op.Status)
	}
}

func TestEnqueueRequiresEntity(t *testing.T) {
	q := newTestQueue(t, 0)
	if err := q.Enqueue(context.Background(), &queue.Operation{ID: "op-1"}); err == nil {
		t.Error("Enqueue() accepted an operation without an entity snapshot")
	}
}

func TestDequeueBatchFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	for i, id := range []string{"op-a", "op-b", "op-c"} {
		if err := q.Enqueue(ctx, makeOp(t, id, int64(100+i))); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", id, err)
		}
	}

	ops, err := q.DequeueBatch(ctx, 2)
	if err != nil {
		t.Fatalf("DequeueBatch() error: %v", err)
	}
	if len(ops) != 2 || ops[0].ID != "op-a" || ops[1].ID != "op-b" {
		ids := make([]string, len(ops))
		for i, op := range ops {
			ids[i] = op.ID
		}
		t.Errorf("DequeueBatch(2) = %v, want [op-a op-b] (oldest first)", ids)
	}

	// Dequeueing does not remove: the batch is still pending until marked.
	n, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size() error: %v", err)
	}
	if n != 3 {
		t.Errorf("Size() after dequeue = %d, want 3", n)
	}
}

func TestMarkStatusCompletedIsTerminal(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	if err := q.Enqueue(ctx, makeOp(t, "op-1", 100)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if err := q.MarkStatus(ctx, "op-1", queue.OpSyncing); err != nil {
		t.Fatalf("MarkStatus(syncing) error: %v", err)
	}
	if err := q.MarkStatus(ctx, "op-1", queue.OpCompleted); err != nil {
		t.Fatalf("MarkStatus(completed) error: %v", err)
	}

	// Completed operations leave the queue entirely.
	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("Size() after completion = %d, want 0", n)
	}
	if err := q.MarkStatus(ctx, "op-1", queue.OpPending); !errors.Is(err, queue.ErrOpNotFound) {
		t.Errorf("MarkStatus() on removed op error = %v, want ErrOpNotFound", err)
	}
}

func TestRecordFailureRequeuesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 2)

	if err := q.Enqueue(ctx, makeOp(t, "op-1", 100)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	cause := errors.New("connection refused")
	for attempt := 1; attempt <= 2; attempt++ {
		deadLettered, err := q.RecordFailure(ctx, "op-1", cause)
		if err != nil {
			t.Fatalf("RecordFailure() attempt %d error: %v", attempt, err)
		}
		if deadLettered {
			t.Fatalf("attempt %d dead-lettered inside the retry budget", attempt)
		}
		ops, err := q.DequeueBatch(ctx, 10)
		if err != nil {
			t.Fatalf("DequeueBatch() error: %v", err)
		}
		if len(ops) != 1 {
			t.Fatalf("operation not requeued after attempt %d", attempt)
		}
		if ops[0].Retries != attempt {
			t.Errorf("Retries = %d, want %d", ops[0].Retries, attempt)
		}
		if ops[0].LastError != "connection refused" {
			t.Errorf("LastError = %q, want the cause recorded", ops[0].LastError)
		}
	}

	// Budget exhausted: the operation moves to the dead-letter status and
	// is no longer eligible for dequeue.
	deadLettered, err := q.RecordFailure(ctx, "op-1", cause)
	if err != nil {
		t.Fatalf("RecordFailure() error: %v", err)
	}
	if !deadLettered {
		t.Error("expected dead-letter past the retry budget")
	}
	ops, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch() error: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("dead-lettered operation still dequeued: %v", ops[0].ID)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 0)

	for _, id := range []string{"op-a", "op-b"} {
		if err := q.Enqueue(ctx, makeOp(t, id, 100)); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}
	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if n, _ := q.Size(ctx); n != 0 {
		t.Errorf("Size() after clear = %d, want 0", n)
	}
}
