// Package daemon bridges file system events to the sync pipeline.
//
// The shedsync daemon watches the per-kind record directories; when a
// practice app (or the user, with an editor) writes a record file, the
// ingestor mirrors the change into the local store and queues it for sync.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/woodshed-app/shedsync/internal/entity"
	"github.com/woodshed-app/shedsync/internal/queue"
	"github.com/woodshed-app/shedsync/internal/store"
	"github.com/woodshed-app/shedsync/internal/watcher"
)

// ChangeQueuer accepts queued local changes. Implemented by
// manager.Manager.
type ChangeQueuer interface {
	QueueChange(ctx context.Context, op *queue.Operation) error
}

// Ingestor converts record file events into store writes and queued sync
// operations.
type Ingestor struct {
	store  store.Store
	queuer ChangeQueuer
	logger *log.Logger
}

// NewIngestor creates an ingestor over the given store and change queue.
func NewIngestor(s store.Store, queuer ChangeQueuer, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return &Ingestor{store: s, queuer: queuer, logger: logger}
}

// Run consumes watcher events until the context is canceled or the
// watcher's channels close.
func (in *Ingestor) Run(ctx context.Context, fw *watcher.FileWatcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fw.Events():
			if !ok {
				return
			}
			if err := in.HandleEvent(ctx, ev); err != nil {
				in.logger.Printf("Failed to ingest %s: %v", ev.Path, err)
			}

		case err, ok := <-fw.Errors():
			if !ok {
				return
			}
			in.logger.Printf("Watcher error: %v", err)
		}
	}
}

// HandleEvent applies one file event: creates and modifications upsert the
// record with a recomputed checksum, deletions tombstone it. A file whose
// content matches the stored checksum queues nothing, and a write to a
// tombstoned record is ignored.
func (in *Ingestor) HandleEvent(ctx context.Context, ev watcher.FileEvent) error {
	if ev.Op == watcher.OpDelete {
		return in.handleDelete(ctx, ev)
	}
	return in.handleUpsert(ctx, ev)
}

func (in *Ingestor) handleUpsert(ctx context.Context, ev watcher.FileEvent) error {
	raw, err := os.ReadFile(ev.Path)
	if err != nil {
		return fmt.Errorf("failed to read record file: %w", err)
	}
	if !json.Valid(raw) {
		// Editors save partial files; the write event for the complete
		// content follows.
		return nil
	}

	now := entity.NowMillis()
	key := string(ev.Kind) + "/" + ev.LocalID()

	e, err := in.store.Load(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e, err = entity.New(ev.LocalID(), ev.Kind, raw, now)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if e.Tombstoned() {
			// A deleted record stays deleted; only conflict resolution may
			// revive it. The stray file is ignored.
			in.logger.Printf("Ignoring write to deleted record %s", key)
			return nil
		}
		before := e.Checksum
		if err := e.SetPayload(raw, now); err != nil {
			return err
		}
		if e.Checksum == before {
			return nil
		}
		e.Status = entity.StatusPending
	}

	if err := in.store.Save(ctx, key, e); err != nil {
		return err
	}

	opKind := queue.OpUpdate
	if e.RemoteID == "" && e.CreatedAt == e.UpdatedAt {
		opKind = queue.OpCreate
	}
	return in.queuer.QueueChange(ctx, &queue.Operation{
		Kind:     opKind,
		Resource: watcher.KindDir(ev.Kind),
		Entity:   e,
	})
}

func (in *Ingestor) handleDelete(ctx context.Context, ev watcher.FileEvent) error {
	key := string(ev.Kind) + "/" + ev.LocalID()

	e, err := in.store.Load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if e.Tombstoned() {
		return nil
	}

	e.MarkDeleted(entity.NowMillis())
	if err := in.store.Save(ctx, key, e); err != nil {
		return err
	}
	return in.queuer.QueueChange(ctx, &queue.Operation{
		Kind:     queue.OpDelete,
		Resource: watcher.KindDir(ev.Kind),
		Entity:   e,
	})
}
