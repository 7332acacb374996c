// Package conflict provides detection and resolution of disagreements
// between local and remote copies of the same logical entity.
//
// Detection classifies an entity pair into a conflict type or declares the
// pair conflict-free; resolution applies a strategy to produce exactly one
// surviving entity, with provenance recorded so the outcome is auditable.
package conflict

import (
	"github.com/woodshed-app/shedsync/internal/entity"
)

// Type classifies a detected conflict.
type Type string

const (
	// TypeUpdateUpdate means both sides edited the entity concurrently.
	TypeUpdateUpdate Type = "update-update"

	// TypeDeleteUpdate means exactly one side deleted while the other edited.
	TypeDeleteUpdate Type = "delete-update"

	// TypeCreateCreate means two independent first writes share an id:
	// neither side has been edited since creation.
	TypeCreateCreate Type = "create-create"
)

// Conflict is a detected disagreement between a local and a remote version
// of the same logical entity. Conflicts are derived, not persisted: they
// are recomputed each sync cycle from the current pair.
type Conflict struct {
	Local      *entity.Entity
	Remote     *entity.Entity
	Type       Type
	DetectedAt int64 // epoch ms
}

// DefaultSkewToleranceMillis is the clock-skew tolerance applied when
// deciding whether one side is unambiguously newer.
const DefaultSkewToleranceMillis = 5000

// Detector compares local and remote versions of an entity and decides
// whether a conflict exists.
type Detector struct {
	skewMillis int64
	now        func() int64
}

// NewDetector creates a detector with the given clock-skew tolerance in
// milliseconds. Zero or negative falls back to the default of 5000 ms.
func NewDetector(skewMillis int64) *Detector {
	if skewMillis <= 0 {
		skewMillis = DefaultSkewToleranceMillis
	}
	return &Detector{skewMillis: skewMillis, now: entity.NowMillis}
}

// Detect compares a local and a remote entity sharing the same identifier.
//
// It returns nil when no conflict exists:
//   - checksums are equal (content identical regardless of metadata drift);
//   - both sides are tombstones (deletion is idempotent, either wins);
//   - one side is unambiguously newer: the updated-at gap exceeds the skew
//     tolerance and both report the same sync version, so no concurrent
//     edit is indicated. Use Newer to pick the winning side.
//
// Otherwise it returns a populated Conflict with the detection timestamp
// set to call time.
func (d *Detector) Detect(local, remote *entity.Entity) *Conflict {
	if local.Checksum == remote.Checksum {
		return nil
	}
	if local.Tombstoned() && remote.Tombstoned() {
		return nil
	}

	gap := local.UpdatedAt - remote.UpdatedAt
	if gap < 0 {
		gap = -gap
	}
	if gap > d.skewMillis && local.SyncVersion == remote.SyncVersion {
		return nil
	}

	return &Conflict{
		Local:      local,
		Remote:     remote,
		Type:       d.classify(local, remote),
		DetectedAt: d.now(),
	}
}

func (d *Detector) classify(local, remote *entity.Entity) Type {
	if local.Tombstoned() != remote.Tombstoned() {
		return TypeDeleteUpdate
	}
	if local.CreatedAt == local.UpdatedAt && remote.CreatedAt == remote.UpdatedAt {
		return TypeCreateCreate
	}
	return TypeUpdateUpdate
}

// Newer returns the side with the greater UpdatedAt; ties keep local.
// Used to accept the winning side when Detect reports no conflict.
func Newer(local, remote *entity.Entity) *entity.Entity {
	if remote.UpdatedAt > local.UpdatedAt {
		return remote
	}
	return local
}
