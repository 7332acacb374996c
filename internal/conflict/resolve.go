package conflict

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/woodshed-app/shedsync/internal/entity"
)

// Strategy selects how a conflict is resolved. The zero value is
// last-write-wins, which is also the fallback for any strategy whose
// external collaborator is unavailable.
type Strategy int

const (
	// LastWriteWins keeps the side with the greater UpdatedAt verbatim.
	LastWriteWins Strategy = iota

	// FirstWriteWins keeps the side with the lesser CreatedAt verbatim.
	FirstWriteWins

	// Merge performs a domain-kind-specific field merge. Kinds without a
	// merge function fall back to LastWriteWins.
	Merge

	// UserChoice asks an external callback which side to keep. Without a
	// callback it falls back to LastWriteWins.
	UserChoice

	// Custom delegates to an external resolver function. Without one it
	// falls back to LastWriteWins.
	Custom
)

// String returns the strategy name recorded in resolution provenance.
func (s Strategy) String() string {
	switch s {
	case LastWriteWins:
		return "last-write-wins"
	case FirstWriteWins:
		return "first-write-wins"
	case Merge:
		return "merge"
	case UserChoice:
		return "user-choice"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a strategy name to its value. Unrecognized names fall
// back to LastWriteWins, mirroring the resolver's own fallback rule.
func ParseStrategy(name string) Strategy {
	switch name {
	case "first-write-wins":
		return FirstWriteWins
	case "merge":
		return Merge
	case "user-choice":
		return UserChoice
	case "custom":
		return Custom
	default:
		return LastWriteWins
	}
}

// Side identifies which original a choice keeps.
type Side int

const (
	// KeepLocal keeps the local original.
	KeepLocal Side = iota
	// KeepRemote keeps the remote original.
	KeepRemote
)

// ChoiceFunc is the external callback for the UserChoice strategy.
type ChoiceFunc func(ctx context.Context, c *Conflict) (Side, error)

// CustomFunc is the external resolver for the Custom strategy. It must
// return a fully-formed resolved entity.
type CustomFunc func(ctx context.Context, c *Conflict) (*Resolved, error)

// Resolved is a resolution outcome annotated with provenance: the strategy
// used, when it ran, and both original payloads, so resolution is
// auditable and reversible in principle.
type Resolved struct {
	Entity        *entity.Entity  `json:"entity"`
	Strategy      string          `json:"strategy"`
	ResolvedAt    int64           `json:"resolved_at"` // epoch ms
	LocalPayload  json.RawMessage `json:"local_payload,omitempty"`
	RemotePayload json.RawMessage `json:"remote_payload,omitempty"`
}

// Resolver applies a strategy to a conflict, producing exactly one
// resolved entity.
type Resolver struct {
	// Choice is consulted by the UserChoice strategy. Optional.
	Choice ChoiceFunc

	// Custom is consulted by the Custom strategy. Optional.
	Custom CustomFunc

	now func() int64
}

// NewResolver creates a resolver. Both collaborators are optional; the
// corresponding strategies degrade to LastWriteWins without them.
func NewResolver(choice ChoiceFunc, custom CustomFunc) *Resolver {
	return &Resolver{Choice: choice, Custom: custom, now: entity.NowMillis}
}

// Resolve applies the strategy to the conflict.
//
// Recognized strategies never fail on their own: only an external
// collaborator (user-choice callback, custom resolver) can surface an
// error, in which case the caller leaves the entity in conflict status.
func (r *Resolver) Resolve(ctx context.Context, c *Conflict, strategy Strategy) (*Resolved, error) {
	switch strategy {
	case FirstWriteWins:
		if c.Local.CreatedAt <= c.Remote.CreatedAt {
			return r.keep(c, c.Local, strategy), nil
		}
		return r.keep(c, c.Remote, strategy), nil

	case Merge:
		return r.merge(c)

	case UserChoice:
		if r.Choice == nil {
			return r.lastWriteWins(c), nil
		}
		side, err := r.Choice(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("user choice failed for %s: %w", c.Local.LocalID, err)
		}
		if side == KeepRemote {
			return r.keep(c, c.Remote, strategy), nil
		}
		return r.keep(c, c.Local, strategy), nil

	case Custom:
		if r.Custom == nil {
			return r.lastWriteWins(c), nil
		}
		resolved, err := r.Custom(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("custom resolver failed for %s: %w", c.Local.LocalID, err)
		}
		return resolved, nil

	case LastWriteWins:
		return r.lastWriteWins(c), nil

	default:
		// Unrecognized strategies fall back rather than failing.
		return r.lastWriteWins(c), nil
	}
}

func (r *Resolver) lastWriteWins(c *Conflict) *Resolved {
	return r.keep(c, Newer(c.Local, c.Remote), LastWriteWins)
}

// keep retains one side verbatim, stamps provenance, and marks the result
// synced (the surviving content already exists on the kept side).
func (r *Resolver) keep(c *Conflict, winner *entity.Entity, strategy Strategy) *Resolved {
	e := winner.Clone()
	e.Status = entity.StatusSynced
	return &Resolved{
		Entity:        e,
		Strategy:      strategy.String(),
		ResolvedAt:    r.now(),
		LocalPayload:  c.Local.Payload,
		RemotePayload: c.Remote.Payload,
	}
}

// merge performs the per-kind field merge. The merged result differs from
// both originals, so it is marked pending for the next push.
func (r *Resolver) merge(c *Conflict) (*Resolved, error) {
	var payload json.RawMessage

	switch c.Local.Kind {
	case entity.KindSession:
		local, err := entity.DecodeSession(c.Local)
		if err != nil {
			return nil, err
		}
		remote, err := entity.DecodeSession(c.Remote)
		if err != nil {
			return nil, err
		}
		payload, err = json.Marshal(entity.MergeSessions(local, remote))
		if err != nil {
			return nil, fmt.Errorf("failed to encode merged session: %w", err)
		}

	case entity.KindGoal:
		local, err := entity.DecodeGoal(c.Local)
		if err != nil {
			return nil, err
		}
		remote, err := entity.DecodeGoal(c.Remote)
		if err != nil {
			return nil, err
		}
		payload, err = json.Marshal(entity.MergeGoals(local, remote))
		if err != nil {
			return nil, fmt.Errorf("failed to encode merged goal: %w", err)
		}

	default:
		// No field merge defined for this kind: whole-payload LWW.
		return r.lastWriteWins(c), nil
	}

	sum, err := entity.ChecksumPayload(payload)
	if err != nil {
		return nil, err
	}

	e := c.Local.Clone()
	if e.RemoteID == "" {
		e.RemoteID = c.Remote.RemoteID
	}
	e.Payload = payload
	e.Checksum = sum
	e.UpdatedAt = maxMillis(c.Local.UpdatedAt, c.Remote.UpdatedAt)
	e.SyncVersion = maxVersion(c.Local.SyncVersion, c.Remote.SyncVersion) + 1
	e.Status = entity.StatusPending

	return &Resolved{
		Entity:        e,
		Strategy:      Merge.String(),
		ResolvedAt:    r.now(),
		LocalPayload:  c.Local.Payload,
		RemotePayload: c.Remote.Payload,
	}, nil
}

func maxMillis(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
