// Package entity provides the data model for locally-owned practice records
// that participate in synchronization.
//
// Each record is wrapped in an Entity envelope carrying identity, lifecycle
// timestamps, a monotonic sync version, and a content checksum. The envelope
// is CRDT-friendly: flat fields, epoch-millisecond timestamps for conflict
// resolution, and soft deletion via tombstones so that deletions themselves
// can be synchronized.
package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind identifies the domain type of a syncable record.
type Kind string

const (
	// KindSession is a completed practice session.
	KindSession Kind = "session"

	// KindPracticeLog is a single practice log line within a session.
	KindPracticeLog Kind = "practice-log"

	// KindGoal is a practice goal with measurable progress.
	KindGoal Kind = "goal"

	// KindLogbook is a free-form logbook entry.
	KindLogbook Kind = "logbook"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSession, KindPracticeLog, KindGoal, KindLogbook:
		return true
	}
	return false
}

// Status is the synchronization status of an entity.
type Status string

const (
	// StatusPending indicates local changes not yet transmitted.
	StatusPending Status = "pending"

	// StatusSyncing indicates the entity is part of an in-flight cycle.
	StatusSyncing Status = "syncing"

	// StatusSynced indicates local and remote agree.
	StatusSynced Status = "synced"

	// StatusConflict indicates a detected disagreement awaiting resolution.
	StatusConflict Status = "conflict"
)

// Entity is one locally-owned mutable record eligible for synchronization.
//
// Timestamps are epoch milliseconds. DeletedAt is zero for live records;
// a non-zero DeletedAt marks a tombstone. Tombstones are never physically
// removed from local storage and never transition back to a live state
// except through explicit conflict resolution choosing the non-deleted side.
type Entity struct {
	// ===== Identity =====
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id,omitempty"` // empty until first successful push

	// ===== Classification =====
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	// ===== Sync metadata =====
	SyncVersion int64  `json:"sync_version"`
	Checksum    string `json:"checksum"`

	// ===== Timestamps (epoch ms, conflict resolution) =====
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
	DeletedAt int64 `json:"deleted_at,omitempty"`

	// ===== Domain payload =====
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks that the entity envelope is internally consistent.
func (e *Entity) Validate() error {
	if e.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown kind: %q", e.Kind)
	}
	if e.SyncVersion < 0 {
		return fmt.Errorf("sync_version must not be negative (got %d)", e.SyncVersion)
	}
	if e.CreatedAt <= 0 {
		return fmt.Errorf("created_at is required")
	}
	if e.UpdatedAt < e.CreatedAt {
		return fmt.Errorf("updated_at %d precedes created_at %d", e.UpdatedAt, e.CreatedAt)
	}
	return nil
}

// Tombstoned reports whether the entity is soft-deleted.
func (e *Entity) Tombstoned() bool {
	return e.DeletedAt > 0
}

// Key returns the local storage key for the entity.
func (e *Entity) Key() string {
	return string(e.Kind) + "/" + e.LocalID
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	out := *e
	if e.Payload != nil {
		out.Payload = make(json.RawMessage, len(e.Payload))
		copy(out.Payload, e.Payload)
	}
	return &out
}

// SetPayload replaces the payload, recomputes the checksum, and stamps
// UpdatedAt. A checksum change is always accompanied by an UpdatedAt change.
func (e *Entity) SetPayload(payload json.RawMessage, now int64) error {
	sum, err := ChecksumPayload(payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	if sum != e.Checksum {
		e.Checksum = sum
		e.UpdatedAt = now
	}
	return nil
}

// MarkDeleted turns the entity into a tombstone at the given time.
// Deleting an already-deleted entity is a no-op (deletion is idempotent).
func (e *Entity) MarkDeleted(now int64) {
	if e.Tombstoned() {
		return
	}
	e.DeletedAt = now
	e.UpdatedAt = now
	e.Status = StatusPending
}

// ChecksumPayload computes the content checksum of a domain payload.
//
// The payload is decoded and re-encoded before hashing so that two
// encodings of the same content (key order, whitespace) produce the same
// checksum. encoding/json emits map keys in sorted order, which makes the
// re-encoding canonical.
func ChecksumPayload(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return fmt.Sprintf("%016x", xxhash.Sum64(nil)), nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), nil
}

// New creates a live entity of the given kind with a freshly computed
// checksum. CreatedAt and UpdatedAt are both set to now, which marks the
// record as never edited since creation.
func New(localID string, kind Kind, payload json.RawMessage, now int64) (*Entity, error) {
	sum, err := ChecksumPayload(payload)
	if err != nil {
		return nil, err
	}
	e := &Entity{
		LocalID:     localID,
		Kind:        kind,
		Status:      StatusPending,
		SyncVersion: 0,
		Checksum:    sum,
		CreatedAt:   now,
		UpdatedAt:   now,
		Payload:     payload,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// NowMillis returns the current wall-clock time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
