// Package engine provides the sync orchestrator: it drives one end-to-end
// sync cycle by pulling the remote delta, detecting and resolving
// conflicts, pushing queued local operations, and updating the local store.
//
// A cycle is a small state machine:
//
//	idle → initializing → pulling → detecting-conflicts → resolving
//	     → pushing → updating-local → idle
//
// with an error state reachable from any step. Only one cycle may be in
// progress at a time; the cycle runner owns the in-progress flag.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/woodshed-app/shedsync/internal/conflict"
	"github.com/woodshed-app/shedsync/internal/entity"
	"github.com/woodshed-app/shedsync/internal/queue"
	"github.com/woodshed-app/shedsync/internal/store"
	"github.com/woodshed-app/shedsync/internal/transport"
)

// Phase names one step of the cycle state machine.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseInitializing  Phase = "initializing"
	PhasePulling       Phase = "pulling"
	PhaseDetecting     Phase = "detecting-conflicts"
	PhaseResolving     Phase = "resolving"
	PhasePushing       Phase = "pushing"
	PhaseUpdatingLocal Phase = "updating-local"
	PhaseError         Phase = "error"
)

// ErrCycleInProgress is returned when a cycle is requested while another
// one is still running.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// ErrInitFailed wraps a failed baseline sync. Fatal for the session: sync
// stays disabled until a new auth event retriggers initialization.
var ErrInitFailed = errors.New("sync initialization failed")

// OpError reports one operation that failed within an otherwise
// continuing cycle.
type OpError struct {
	OpID         string `json:"op_id,omitempty"`
	EntityID     string `json:"entity_id"`
	Reason       string `json:"reason"`
	DeadLettered bool   `json:"dead_lettered,omitempty"`
}

// Result summarizes one sync cycle. Partial success is reported
// per-operation in Failed, not as an all-or-nothing cycle failure.
type Result struct {
	Uploaded   int       `json:"uploaded"`
	Downloaded int       `json:"downloaded"`
	Conflicts  int       `json:"conflicts"`
	Merged     int       `json:"merged"`
	Failed     []OpError `json:"failed,omitempty"`

	// Skipped marks a request that ran no cycle at all, with SkipReason
	// saying why. Set by the sync manager, never by the engine itself.
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// Skip builds a skipped result carrying the reason no cycle ran.
func Skip(reason string) *Result {
	return &Result{Skipped: true, SkipReason: reason}
}

// LocalStore is the slice of the local persistence layer the engine needs.
// Implemented by store.DB and store.Memory.
type LocalStore interface {
	Save(ctx context.Context, key string, e *entity.Entity) error
	Load(ctx context.Context, key string) (*entity.Entity, error)
	ListEntities(ctx context.Context, statuses ...entity.Status) ([]*entity.Entity, error)
	SyncToken(ctx context.Context, userID string) (string, error)
	SetSyncToken(ctx context.Context, userID, token string) error
}

// Config holds engine construction parameters.
type Config struct {
	// UserID scopes the sync token. Set by InitializeSync.
	UserID string

	// BatchSize bounds one remote round-trip (default 50).
	BatchSize int

	// Strategy is the conflict resolution strategy for the session.
	Strategy conflict.Strategy

	// Logger for cycle activity (default: stderr logger).
	Logger *log.Logger
}

// Engine orchestrates sync cycles.
type Engine struct {
	store    LocalStore
	queue    *queue.Queue
	remote   transport.Transport
	detector *conflict.Detector
	resolver *conflict.Resolver

	strategy  conflict.Strategy
	batchSize int
	logger    *log.Logger

	mu         sync.Mutex
	userID     string
	inProgress bool
	phase      Phase
	onPhase    func(Phase)
}

// New creates an engine over the given collaborators.
func New(localStore LocalStore, q *queue.Queue, remote transport.Transport,
	detector *conflict.Detector, resolver *conflict.Resolver, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:     localStore,
		queue:     q,
		remote:    remote,
		detector:  detector,
		resolver:  resolver,
		strategy:  cfg.Strategy,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
		userID:    cfg.UserID,
		phase:     PhaseIdle,
	}
}

// OnPhaseChange registers a callback invoked on every phase transition.
// The sync manager uses it to derive the user-visible state.
func (e *Engine) OnPhaseChange(fn func(Phase)) {
	e.mu.Lock()
	e.onPhase = fn
	e.mu.Unlock()
}

// Phase returns the current cycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// PendingCount returns the number of operations awaiting transmission.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.Size(ctx)
}

// QueueSyncOperation appends to the sync queue. It never triggers network
// activity; batching is the sync manager's responsibility.
func (e *Engine) QueueSyncOperation(ctx context.Context, op *queue.Operation) error {
	return e.queue.Enqueue(ctx, op)
}

// InitializeSync performs one full pull-then-push cycle to establish a
// baseline for the given user.
//
// Idempotent: pending local entities are enqueued under deterministic
// operation ids, and the remote deduplicates by id and checksum, so
// calling it twice without intervening local changes produces no duplicate
// remote writes.
func (e *Engine) InitializeSync(ctx context.Context, userID string) error {
	e.mu.Lock()
	e.userID = userID
	e.mu.Unlock()

	e.setPhase(PhaseInitializing)

	// Seed the queue with every local entity that has unsynced changes.
	locals, err := e.store.ListEntities(ctx, entity.StatusPending, entity.StatusConflict)
	if err != nil {
		e.setPhase(PhaseError)
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	for _, le := range locals {
		op := &queue.Operation{
			ID:       "init-" + le.Key(),
			Kind:     opKindFor(le),
			Resource: resourceFor(le.Kind),
			Entity:   le,
		}
		if err := e.queue.Enqueue(ctx, op); err != nil {
			e.setPhase(PhaseError)
			return fmt.Errorf("%w: %v", ErrInitFailed, err)
		}
	}

	if _, err := e.runCycle(ctx); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	return nil
}

// PerformIncrementalSync pulls entities changed since the last sync token,
// reconciles conflicts, pushes queued local operations, and persists the
// outcome locally.
func (e *Engine) PerformIncrementalSync(ctx context.Context) (*Result, error) {
	return e.runCycle(ctx)
}

// runCycle executes one sync cycle. Failures abort the remainder of the
// cycle but preserve the queue: no operation is marked completed unless
// the transport confirmed receipt.
func (e *Engine) runCycle(ctx context.Context) (result *Result, err error) {
	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	e.inProgress = true
	userID := e.userID
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inProgress = false
		e.mu.Unlock()
		if err != nil {
			e.setPhase(PhaseError)
		} else {
			e.setPhase(PhaseIdle)
		}
	}()

	result = &Result{}

	// pulling
	e.setPhase(PhasePulling)
	token, err := e.store.SyncToken(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("failed to load sync token: %w", err)
	}
	delta, err := e.remote.PullDelta(ctx, token)
	if err != nil {
		return result, fmt.Errorf("pull failed: %w", err)
	}

	// detecting-conflicts / resolving
	e.setPhase(PhaseDetecting)
	toApply := make(map[string]*entity.Entity) // key -> freshest version this cycle
	resolvedPhase := false
	for _, remote := range delta.Entities {
		local, loadErr := e.store.Load(ctx, remote.Key())
		if loadErr != nil {
			if !errors.Is(loadErr, store.ErrNotFound) {
				result.Failed = append(result.Failed, OpError{EntityID: remote.LocalID, Reason: loadErr.Error()})
				continue
			}
			// New on the remote side: take it as-is.
			incoming := remote.Clone()
			incoming.Status = entity.StatusSynced
			toApply[remote.Key()] = incoming
			result.Downloaded++
			continue
		}

		c := e.detector.Detect(local, remote)
		if c == nil {
			winner := conflict.Newer(local, remote)
			if winner == remote {
				incoming := remote.Clone()
				incoming.Status = entity.StatusSynced
				toApply[remote.Key()] = incoming
				result.Downloaded++
			} else if local.RemoteID == "" && remote.RemoteID != "" {
				// Content already agrees; adopt the server-assigned id.
				adopted := local.Clone()
				adopted.RemoteID = remote.RemoteID
				toApply[local.Key()] = adopted
			}
			continue
		}

		result.Conflicts++
		if !resolvedPhase {
			e.setPhase(PhaseResolving)
			resolvedPhase = true
		}
		resolved, resErr := e.resolver.Resolve(ctx, c, e.strategy)
		if resErr != nil {
			// Resolution failure is not cycle-fatal: the entity stays in
			// conflict status and is excluded from this cycle's counts.
			e.logger.Printf("Resolution failed for %s: %v", local.LocalID, resErr)
			marked := local.Clone()
			marked.Status = entity.StatusConflict
			if saveErr := e.store.Save(ctx, marked.Key(), marked); saveErr != nil {
				e.logger.Printf("Failed to mark %s conflicted: %v", local.LocalID, saveErr)
			}
			result.Failed = append(result.Failed, OpError{EntityID: local.LocalID, Reason: resErr.Error()})
			continue
		}
		toApply[resolved.Entity.Key()] = resolved.Entity
		if resolved.Strategy == conflict.Merge.String() {
			result.Merged++
		}
	}

	// Remote tombstones not present as full entities in the delta.
	for _, id := range delta.DeletedIDs {
		if containsEntity(delta.Entities, id) {
			continue
		}
		local, findErr := e.findByLocalID(ctx, id)
		if findErr != nil || local == nil || local.Tombstoned() {
			continue
		}
		gone := local.Clone()
		gone.MarkDeleted(entity.NowMillis())
		gone.Status = entity.StatusSynced
		toApply[gone.Key()] = gone
		result.Downloaded++
	}

	// pushing
	e.setPhase(PhasePushing)
	ops, err := e.queue.DequeueBatch(ctx, e.batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to read queue: %w", err)
	}

	pushToken := delta.NewToken
	if len(ops) > 0 || countPending(toApply) > 0 {
		pushResult, pushErr := e.push(ctx, ops, toApply, pushToken, result)
		if pushErr != nil {
			return result, pushErr
		}
		if pushResult != nil && pushResult.NewToken != "" {
			pushToken = pushResult.NewToken
		}
	}

	// updating-local
	e.setPhase(PhaseUpdatingLocal)
	for key, applied := range toApply {
		if saveErr := e.store.Save(ctx, key, applied); saveErr != nil {
			// Queue-persistence failure: fatal for this entity only.
			e.logger.Printf("Failed to persist %s: %v", key, saveErr)
			result.Failed = append(result.Failed, OpError{EntityID: applied.LocalID, Reason: saveErr.Error()})
		}
	}
	if err := e.store.SetSyncToken(ctx, userID, pushToken); err != nil {
		return result, fmt.Errorf("failed to persist sync token: %w", err)
	}

	e.logger.Printf("Cycle complete: uploaded=%d downloaded=%d conflicts=%d merged=%d failed=%d",
		result.Uploaded, result.Downloaded, result.Conflicts, result.Merged, len(result.Failed))
	return result, nil
}

// push transmits queued operations plus any merge results produced this
// cycle in one batch. A transport error preserves the queue (retry
// accounting only); per-entity rejections are reported individually.
func (e *Engine) push(ctx context.Context, ops []*queue.Operation,
	toApply map[string]*entity.Entity, token string, result *Result) (*transport.PushResult, error) {

	var batch []*entity.Entity
	opByEntity := make(map[string][]*queue.Operation)

	for _, op := range ops {
		if err := e.queue.MarkStatus(ctx, op.ID, queue.OpSyncing); err != nil {
			e.logger.Printf("Failed to mark operation %s syncing: %v", op.ID, err)
		}
		// Ordering guarantee: always push the freshest local version, not
		// the snapshot captured at enqueue time.
		fresh := e.freshest(ctx, op, toApply)
		key := fresh.Key()
		if len(opByEntity[key]) == 0 {
			batch = append(batch, fresh)
		}
		opByEntity[key] = append(opByEntity[key], op)
	}

	// Merge results are local changes too; they ride in the same batch.
	for key, applied := range toApply {
		if applied.Status == entity.StatusPending && len(opByEntity[key]) == 0 {
			batch = append(batch, applied)
		}
	}

	if len(batch) == 0 {
		return nil, nil
	}

	pushResult, err := e.remote.PushBatch(ctx, batch, token)
	if err != nil {
		// Transport failure: every op goes back to pending with its retry
		// counter bumped, unless the budget is exhausted.
		for _, op := range ops {
			deadLettered, recErr := e.queue.RecordFailure(ctx, op.ID, err)
			if recErr != nil {
				e.logger.Printf("Failed to record failure for %s: %v", op.ID, recErr)
			}
			result.Failed = append(result.Failed, OpError{
				OpID:         op.ID,
				EntityID:     op.Entity.LocalID,
				Reason:       err.Error(),
				DeadLettered: deadLettered,
			})
		}
		return nil, fmt.Errorf("push failed: %w", err)
	}

	accepted := make(map[string]*entity.Entity, len(pushResult.Accepted))
	for _, a := range pushResult.Accepted {
		accepted[a.Key()] = a
	}
	rejected := make(map[string]string, len(pushResult.Rejected))
	for _, r := range pushResult.Rejected {
		rejected[r.Entity.Key()] = r.Reason
	}

	for key, entityOps := range opByEntity {
		if a, ok := accepted[key]; ok {
			for _, op := range entityOps {
				if err := e.queue.MarkStatus(ctx, op.ID, queue.OpCompleted); err != nil {
					e.logger.Printf("Failed to complete operation %s: %v", op.ID, err)
				}
				result.Uploaded++
			}
			synced := a.Clone()
			synced.Status = entity.StatusSynced
			toApply[key] = synced
			continue
		}
		reason, ok := rejected[key]
		if !ok {
			reason = "no acknowledgement from remote"
		}
		for _, op := range entityOps {
			deadLettered, recErr := e.queue.RecordFailure(ctx, op.ID, errors.New(reason))
			if recErr != nil {
				e.logger.Printf("Failed to record failure for %s: %v", op.ID, recErr)
			}
			result.Failed = append(result.Failed, OpError{
				OpID:         op.ID,
				EntityID:     op.Entity.LocalID,
				Reason:       reason,
				DeadLettered: deadLettered,
			})
		}
	}

	// Merge results that went out without a queue op.
	for key, applied := range toApply {
		if a, ok := accepted[key]; ok && applied.Status == entity.StatusPending {
			synced := a.Clone()
			synced.Status = entity.StatusSynced
			toApply[key] = synced
		}
	}

	return pushResult, nil
}

// freshest returns the most recent local version of the entity an
// operation targets: the in-cycle resolved copy, then the stored copy,
// then the enqueue-time snapshot.
func (e *Engine) freshest(ctx context.Context, op *queue.Operation, toApply map[string]*entity.Entity) *entity.Entity {
	key := op.Entity.Key()
	if applied, ok := toApply[key]; ok {
		return applied
	}
	if stored, err := e.store.Load(ctx, key); err == nil {
		return stored
	}
	return op.Entity
}

func (e *Engine) findByLocalID(ctx context.Context, localID string) (*entity.Entity, error) {
	all, err := e.store.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if e.LocalID == localID {
			return e, nil
		}
	}
	return nil, nil
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	fn := e.onPhase
	e.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func opKindFor(e *entity.Entity) queue.OpKind {
	switch {
	case e.Tombstoned():
		return queue.OpDelete
	case e.RemoteID == "":
		return queue.OpCreate
	default:
		return queue.OpUpdate
	}
}

func resourceFor(k entity.Kind) string {
	switch k {
	case entity.KindSession:
		return "sessions"
	case entity.KindPracticeLog:
		return "practice-logs"
	case entity.KindGoal:
		return "goals"
	case entity.KindLogbook:
		return "logbook"
	default:
		return string(k)
	}
}

func containsEntity(entities []*entity.Entity, localID string) bool {
	for _, e := range entities {
		if e.LocalID == localID {
			return true
		}
	}
	return false
}

func countPending(toApply map[string]*entity.Entity) int {
	n := 0
	for _, e := range toApply {
		if e.Status == entity.StatusPending {
			n++
		}
	}
	return n
}
