package transport

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/woodshed-app/shedsync/internal/entity"
)

// Memory is an in-memory Transport that simulates the remote account
// store. Tests use it directly, and two Memory-backed engines sharing one
// instance simulate two devices syncing through the same account.
//
// The server deduplicates by entity id and checksum, so pushing the same
// content twice with the same token performs no second write. Tokens are
// the string form of a monotonically increasing change sequence.
type Memory struct {
	mu       sync.Mutex
	entities map[string]*remoteRecord // keyed by LocalID
	seq      int64
	nextID   int64

	// PushErr and PullErr, when set, fail the corresponding call.
	PushErr error
	PullErr error

	// Latency delays every call, for tests exercising in-flight cycles.
	Latency time.Duration

	pushCalls  int
	pullCalls  int
	writeCount int
}

type remoteRecord struct {
	entity *entity.Entity
	seq    int64
}

// NewMemory creates an empty in-memory remote.
func NewMemory() *Memory {
	return &Memory{entities: make(map[string]*remoteRecord)}
}

// PushBatch implements Transport.
func (m *Memory) PushBatch(ctx context.Context, entities []*entity.Entity, token string) (*PushResult, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushCalls++

	if m.PushErr != nil {
		return nil, m.PushErr
	}

	result := &PushResult{}
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			result.Rejected = append(result.Rejected, Rejection{Entity: e, Reason: err.Error()})
			continue
		}

		existing, ok := m.entities[e.LocalID]
		if ok && existing.entity.Checksum == e.Checksum && existing.entity.Tombstoned() == e.Tombstoned() {
			// Duplicate by id + checksum: acknowledge without a new write.
			result.Accepted = append(result.Accepted, existing.entity.Clone())
			continue
		}

		stored := e.Clone()
		if stored.RemoteID == "" {
			if ok {
				stored.RemoteID = existing.entity.RemoteID
			} else {
				m.nextID++
				stored.RemoteID = fmt.Sprintf("r-%d", m.nextID)
			}
		}
		stored.Status = entity.StatusSynced

		m.seq++
		m.writeCount++
		m.entities[e.LocalID] = &remoteRecord{entity: stored, seq: m.seq}
		result.Accepted = append(result.Accepted, stored.Clone())
	}

	result.NewToken = strconv.FormatInt(m.seq, 10)
	return result, nil
}

// PullDelta implements Transport.
func (m *Memory) PullDelta(ctx context.Context, token string) (*Delta, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullCalls++

	if m.PullErr != nil {
		return nil, m.PullErr
	}

	since := int64(0)
	if token != "" {
		v, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed sync token %q: %w", token, err)
		}
		since = v
	}

	delta := &Delta{NewToken: strconv.FormatInt(m.seq, 10)}
	var changed []*remoteRecord
	for _, rec := range m.entities {
		if rec.seq > since {
			changed = append(changed, rec)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })
	for _, rec := range changed {
		delta.Entities = append(delta.Entities, rec.entity.Clone())
		if rec.entity.Tombstoned() {
			delta.DeletedIDs = append(delta.DeletedIDs, rec.entity.LocalID)
		}
	}
	return delta, nil
}

// Seed stores an entity directly on the remote, as if another device had
// pushed it.
func (m *Memory) Seed(e *entity.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := e.Clone()
	if stored.RemoteID == "" {
		m.nextID++
		stored.RemoteID = fmt.Sprintf("r-%d", m.nextID)
	}
	m.seq++
	m.writeCount++
	m.entities[e.LocalID] = &remoteRecord{entity: stored, seq: m.seq}
}

// Get returns the remote copy of an entity, or nil.
func (m *Memory) Get(localID string) *entity.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entities[localID]
	if !ok {
		return nil
	}
	return rec.entity.Clone()
}

// WriteCount reports how many state-changing writes the remote performed.
func (m *Memory) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCount
}

// PushCalls reports how many push round-trips were made.
func (m *Memory) PushCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushCalls
}

// PullCalls reports how many pull round-trips were made.
func (m *Memory) PullCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pullCalls
}

func (m *Memory) wait(ctx context.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(m.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
