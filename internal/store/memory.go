package store

import (
	"context"
	"sort"
	"sync"

	"github.com/woodshed-app/shedsync/internal/entity"
	"github.com/woodshed-app/shedsync/internal/queue"
)

// Memory is an in-process store implementing the same surface as DB.
// It is used by tests and by hosts that provide their own durability.
// All methods are safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	entities map[string]*entity.Entity
	ops      map[string]*queue.Operation
	opOrder  []string // insertion order for FIFO dequeue
	tokens   map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entities: make(map[string]*entity.Entity),
		ops:      make(map[string]*queue.Operation),
		tokens:   make(map[string]string),
	}
}

// ===== Store interface =====

func (m *Memory) Save(ctx context.Context, key string, e *entity.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[key] = e.Clone()
	return nil
}

func (m *Memory) Load(ctx context.Context, key string) (*entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, key)
	return nil
}

func (m *Memory) ListKeys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entities))
	for k := range m.entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// ListEntities returns all entities, optionally filtered by status.
func (m *Memory) ListEntities(ctx context.Context, statuses ...entity.Status) ([]*entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.Entity
	for _, e := range m.entities {
		if len(statuses) > 0 && !statusIn(e.Status, statuses) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt < out[j].UpdatedAt })
	return out, nil
}

func (m *Memory) SyncToken(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[userID], nil
}

func (m *Memory) SetSyncToken(ctx context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = token
	return nil
}

// ===== queue.Storage interface =====

func (m *Memory) InsertOperation(ctx context.Context, op *queue.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ops[op.ID]; !exists {
		m.opOrder = append(m.opOrder, op.ID)
	}
	m.ops[op.ID] = cloneOp(op)
	return nil
}

func (m *Memory) UpdateOperation(ctx context.Context, op *queue.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.ID]; !ok {
		return queue.ErrOpNotFound
	}
	m.ops[op.ID] = cloneOp(op)
	return nil
}

func (m *Memory) GetOperation(ctx context.Context, id string) (*queue.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, queue.ErrOpNotFound
	}
	return cloneOp(op), nil
}

func (m *Memory) PendingOperations(ctx context.Context, limit int) ([]*queue.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*queue.Operation
	for _, id := range m.opOrder {
		op, ok := m.ops[id]
		if !ok || op.Status != queue.OpPending {
			continue
		}
		out = append(out, cloneOp(op))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) DeleteOperation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ops, id)
	for i, oid := range m.opOrder {
		if oid == id {
			m.opOrder = append(m.opOrder[:i], m.opOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) CountOperations(ctx context.Context, statuses ...queue.OpStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(statuses) == 0 {
		return len(m.ops), nil
	}
	n := 0
	for _, op := range m.ops {
		for _, s := range statuses {
			if op.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *Memory) ClearOperations(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[string]*queue.Operation)
	m.opOrder = nil
	return nil
}

func statusIn(s entity.Status, in []entity.Status) bool {
	for _, v := range in {
		if s == v {
			return true
		}
	}
	return false
}

func cloneOp(op *queue.Operation) *queue.Operation {
	out := *op
	if op.Entity != nil {
		out.Entity = op.Entity.Clone()
	}
	return &out
}
