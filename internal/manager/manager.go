// Package manager provides the session-scoped sync coordinator. It owns
// the engine lifecycle across sign-in and sign-out, batches local changes
// through a debounce window, runs periodic background syncs, and exposes
// an observable sync state for the CLI and the dashboard.
//
// The manager is constructed explicitly and handed its collaborators; a
// process typically has one, wired up in the command layer.
package manager

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/woodshed-app/shedsync/internal/engine"
	"github.com/woodshed-app/shedsync/internal/queue"
)

// User describes the signed-in account, if any.
type User struct {
	ID           string
	Anonymous    bool
	CloudEnabled bool
}

// Syncable reports whether sync should run for this user.
func (u *User) Syncable() bool {
	return u != nil && !u.Anonymous && u.CloudEnabled && u.ID != ""
}

// Status is the manager's externally visible condition.
type Status string

const (
	// StatusIdle means sync is enabled and no cycle is running.
	StatusIdle Status = "idle"

	// StatusSyncing means a cycle is in flight.
	StatusSyncing Status = "syncing"

	// StatusError means the last cycle failed; queued work is preserved.
	StatusError Status = "error"

	// StatusOffline means sync is disabled: signed out, anonymous, or
	// cloud sync turned off.
	StatusOffline Status = "offline"
)

// State is a snapshot of the manager's condition.
type State struct {
	Status            Status `json:"status" yaml:"status"`
	LastSyncAt        int64  `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
	PendingOperations int    `json:"pending_operations" yaml:"pending_operations"`
	LastError         string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// SyncEngine is the slice of the orchestrator the manager drives.
// Implemented by engine.Engine.
type SyncEngine interface {
	InitializeSync(ctx context.Context, userID string) error
	PerformIncrementalSync(ctx context.Context) (*engine.Result, error)
	QueueSyncOperation(ctx context.Context, op *queue.Operation) error
	PendingCount(ctx context.Context) (int, error)
}

// EngineFactory builds an engine for a newly signed-in user. Called on
// every sign-in so each account gets a fresh engine over its own data.
type EngineFactory func(user User) (SyncEngine, error)

// ErrDisposed is returned by operations on a disposed manager.
var ErrDisposed = errors.New("sync manager disposed")

const (
	// DefaultDebounce is the window within which rapid local changes to
	// the same entity collapse into one queued operation.
	DefaultDebounce = 500 * time.Millisecond

	// DefaultPeriodicInterval is the background sync cadence.
	DefaultPeriodicInterval = 5 * time.Minute
)

// Config holds manager construction parameters.
type Config struct {
	Factory EngineFactory

	// Debounce and PeriodicInterval fall back to the defaults when zero.
	Debounce         time.Duration
	PeriodicInterval time.Duration

	// Periodic disables the background ticker when false. The CLI one-shot
	// commands run without it.
	Periodic bool

	Bus    *Bus
	Logger *log.Logger
}

// syncCall shares one in-flight cycle among concurrent SyncNow callers.
type syncCall struct {
	done   chan struct{}
	result *engine.Result
	err    error
}

// Manager coordinates the sync lifecycle for one process.
type Manager struct {
	factory          EngineFactory
	debounce         time.Duration
	periodicInterval time.Duration
	periodicEnabled  bool
	bus              *Bus
	logger           *log.Logger

	mu        sync.Mutex
	user      *User
	eng       SyncEngine
	state     State
	disposed  bool
	inflight  *syncCall
	listeners map[int]func(State)
	nextID    int

	// pending holds the latest queued change per entity key until the
	// debounce window closes.
	pending       map[string]*queue.Operation
	debounceTimer *time.Timer

	// notifyQueue preserves transition order for listener delivery; at
	// most one drainer goroutine is running while notifying is true.
	notifyQueue []State
	notifying   bool

	periodicTicker *time.Ticker
	periodicStop   chan struct{}
}

// NewManager creates a manager. Sync stays offline until OnAuthStateChange
// delivers a syncable user.
func NewManager(cfg Config) *Manager {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.PeriodicInterval <= 0 {
		cfg.PeriodicInterval = DefaultPeriodicInterval
	}
	if cfg.Bus == nil {
		cfg.Bus = NewBus()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Manager{
		factory:          cfg.Factory,
		debounce:         cfg.Debounce,
		periodicInterval: cfg.PeriodicInterval,
		periodicEnabled:  cfg.Periodic,
		bus:              cfg.Bus,
		logger:           cfg.Logger,
		state:            State{Status: StatusOffline},
		listeners:        make(map[int]func(State)),
		pending:          make(map[string]*queue.Operation),
	}
}

// Bus returns the manager's event bus.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// State returns the current sync state snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a listener for state transitions. The listener
// is invoked immediately with the current state, then on every change.
// The returned function unsubscribes.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	current := m.state
	m.mu.Unlock()

	fn(current)

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// OnAuthStateChange reacts to a sign-in or sign-out.
//
// A syncable user gets a fresh engine, a baseline sync, and the periodic
// ticker. A nil, anonymous, or cloud-disabled user tears sync down and
// resets the state to idle with nothing pending; a cycle already in
// flight finishes against the engine it started with.
func (m *Manager) OnAuthStateChange(ctx context.Context, user *User) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}

	m.stopTimersLocked()
	m.pending = make(map[string]*queue.Operation)

	if !user.Syncable() {
		// Back to the resting state: no pending work, no stale error.
		m.user = nil
		m.eng = nil
		m.setStateLocked(State{Status: StatusIdle})
		m.mu.Unlock()
		return nil
	}

	u := *user
	m.user = &u
	m.mu.Unlock()

	eng, err := m.factory(u)
	if err != nil {
		m.mu.Lock()
		m.user = nil
		m.setStateLocked(State{Status: StatusError, LastError: err.Error()})
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.eng = eng
	m.setStateLocked(State{Status: StatusSyncing})
	m.mu.Unlock()

	if err := eng.InitializeSync(ctx, u.ID); err != nil {
		// Fatal for the session: sync stays down until the next auth event.
		m.logger.Printf("Baseline sync failed for %s: %v", u.ID, err)
		m.mu.Lock()
		m.eng = nil
		m.setStateLocked(State{Status: StatusError, LastError: err.Error()})
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.refreshStateLocked(ctx, nil)
	if m.periodicEnabled {
		m.startPeriodicLocked()
	}
	m.mu.Unlock()

	m.logger.Printf("Sync enabled for %s", u.ID)
	return nil
}

// QueueChange records a local change for eventual transmission. Changes to
// the same entity within the debounce window collapse into one operation
// carrying the final payload. The window closing enqueues everything
// pending and triggers a background sync.
//
// While offline the call is a no-op: the local store is authoritative and
// the baseline sync after the next sign-in picks the change up.
func (m *Manager) QueueChange(ctx context.Context, op *queue.Operation) error {
	if op.Entity == nil {
		return errors.New("change has no entity")
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.user == nil {
		m.mu.Unlock()
		return nil
	}

	key := op.Entity.Key()
	if op.ID == "" {
		// Deterministic per entity so a flush retry upserts instead of
		// duplicating.
		op.ID = "chg-" + key
	}
	m.pending[key] = op

	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(m.debounce, func() {
		if err := m.flush(context.Background()); err != nil && !errors.Is(err, ErrDisposed) {
			m.logger.Printf("Flush failed: %v", err)
		}
		go func() {
			if _, err := m.SyncNow(context.Background()); err != nil && !errors.Is(err, ErrDisposed) {
				m.logger.Printf("Background sync failed: %v", err)
			}
		}()
	})
	m.mu.Unlock()

	m.publishChange(op)
	return nil
}

// flush moves pending debounced changes into the engine's durable queue.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	eng := m.eng
	if eng == nil || len(m.pending) == 0 {
		m.mu.Unlock()
		return nil
	}
	batch := make([]*queue.Operation, 0, len(m.pending))
	for _, op := range m.pending {
		batch = append(batch, op)
	}
	m.pending = make(map[string]*queue.Operation)
	m.mu.Unlock()

	for _, op := range batch {
		if err := eng.QueueSyncOperation(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// SyncNow flushes pending changes and runs one sync cycle.
//
// Concurrent callers share a single in-flight cycle and receive its
// result. While offline no cycle runs and the result is marked skipped.
func (m *Manager) SyncNow(ctx context.Context) (*engine.Result, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrDisposed
	}
	eng := m.eng
	if eng == nil {
		m.mu.Unlock()
		return engine.Skip("sync is disabled: no signed-in account with cloud sync"), nil
	}
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &syncCall{done: make(chan struct{})}
	m.inflight = call
	m.setStateLocked(withStatus(m.state, StatusSyncing))
	m.mu.Unlock()

	if err := m.flush(ctx); err != nil && !errors.Is(err, ErrDisposed) {
		m.logger.Printf("Flush before sync failed: %v", err)
	}

	result, err := eng.PerformIncrementalSync(ctx)

	m.mu.Lock()
	m.inflight = nil
	if m.eng == eng {
		// Skip the refresh if the user signed out mid-cycle.
		m.refreshStateLocked(ctx, err)
	}
	m.mu.Unlock()

	call.result, call.err = result, err
	close(call.done)
	if err == nil && result != nil {
		m.bus.Publish(Event{Name: EventSyncResult, Result: result})
	}
	return result, err
}

// Dispose stops timers and listeners and disables further use. Idempotent.
// Queued operations remain in durable storage for the next session.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.stopTimersLocked()
	m.eng = nil
	m.user = nil
	m.listeners = make(map[int]func(State))
	m.setStateLocked(State{Status: StatusOffline})
	m.mu.Unlock()
}

// startPeriodicLocked starts the background sync ticker. Caller holds mu.
func (m *Manager) startPeriodicLocked() {
	m.periodicTicker = time.NewTicker(m.periodicInterval)
	m.periodicStop = make(chan struct{})
	ticker, stop := m.periodicTicker, m.periodicStop

	go func() {
		for {
			select {
			case <-ticker.C:
				if _, err := m.SyncNow(context.Background()); err != nil && !errors.Is(err, ErrDisposed) {
					m.logger.Printf("Periodic sync failed: %v", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// stopTimersLocked stops the debounce timer and periodic ticker. Caller
// holds mu.
func (m *Manager) stopTimersLocked() {
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	if m.periodicTicker != nil {
		m.periodicTicker.Stop()
		m.periodicTicker = nil
	}
	if m.periodicStop != nil {
		close(m.periodicStop)
		m.periodicStop = nil
	}
}

// refreshStateLocked recomputes the state after a cycle. Caller holds mu.
func (m *Manager) refreshStateLocked(ctx context.Context, cycleErr error) {
	next := m.state
	if n, err := m.pendingCountLocked(ctx); err == nil {
		next.PendingOperations = n
	}
	if cycleErr != nil {
		next.Status = StatusError
		next.LastError = cycleErr.Error()
	} else {
		next.Status = StatusIdle
		next.LastError = ""
		next.LastSyncAt = nowMillis()
	}
	m.setStateLocked(next)
}

func (m *Manager) pendingCountLocked(ctx context.Context) (int, error) {
	if m.eng == nil {
		return len(m.pending), nil
	}
	n, err := m.eng.PendingCount(ctx)
	if err != nil {
		return 0, err
	}
	return n + len(m.pending), nil
}

// setStateLocked stores the state and queues the notification. Caller
// holds mu. A single drainer goroutine delivers queued snapshots in
// transition order, outside the lock, so listeners always converge on
// the latest state and may call back into the manager.
func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	m.state = next
	m.notifyQueue = append(m.notifyQueue, next)
	if m.notifying {
		return
	}
	m.notifying = true
	go m.drainNotifications()
}

func (m *Manager) drainNotifications() {
	for {
		m.mu.Lock()
		if len(m.notifyQueue) == 0 {
			m.notifying = false
			m.mu.Unlock()
			return
		}
		snapshot := m.notifyQueue[0]
		m.notifyQueue = m.notifyQueue[1:]
		listeners := make([]func(State), 0, len(m.listeners))
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
		m.mu.Unlock()

		for _, fn := range listeners {
			fn(snapshot)
		}
		m.bus.Publish(Event{Name: EventSyncState, State: &snapshot})
	}
}

func (m *Manager) publishChange(op *queue.Operation) {
	name := EventUpdated
	switch op.Kind {
	case queue.OpCreate:
		name = EventCreated
	case queue.OpDelete:
		name = EventDeleted
	}
	m.bus.Publish(Event{Name: name, Key: op.Entity.Key(), Entity: op.Entity})
	m.bus.Publish(Event{Name: EventDataChanged, Key: op.Entity.Key(), Entity: op.Entity})
}

func withStatus(s State, status Status) State {
	s.Status = status
	return s
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
