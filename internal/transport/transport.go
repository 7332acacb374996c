// Package transport defines the remote transport adapter consumed by the
// sync engine, plus two implementations: an HTTP client speaking the
// account store's JSON sync API, and an in-memory remote used by tests to
// simulate the server and additional devices.
//
// The adapter contract is deliberately narrow: push a batch of entities,
// pull the delta since a sync token. Both calls must be idempotent under
// retry with the same token; the server deduplicates by entity id and
// checksum.
package transport

import (
	"context"

	"github.com/woodshed-app/shedsync/internal/entity"
)

// Rejection carries one entity the remote refused, with the reason.
type Rejection struct {
	Entity *entity.Entity `json:"entity"`
	Reason string         `json:"reason"`
}

// PushResult is the remote's response to a batch push.
type PushResult struct {
	// Accepted holds the entities the remote stored, with server-assigned
	// remote ids filled in.
	Accepted []*entity.Entity `json:"accepted"`

	// Rejected holds per-entity refusals. A rejection is not a transport
	// failure: the rest of the batch stands.
	Rejected []Rejection `json:"rejected,omitempty"`

	// NewToken is the sync cursor after this push.
	NewToken string `json:"new_token"`
}

// Delta is the set of remote changes since a sync token.
type Delta struct {
	Entities   []*entity.Entity `json:"entities"`
	DeletedIDs []string         `json:"deleted_ids,omitempty"`
	NewToken   string           `json:"new_token"`
}

// Transport sends and receives entity batches to and from the remote
// account store.
type Transport interface {
	// PushBatch transmits entities and returns per-entity outcomes.
	PushBatch(ctx context.Context, entities []*entity.Entity, token string) (*PushResult, error)

	// PullDelta returns entities changed since the token. An empty token
	// requests the full data set.
	PullDelta(ctx context.Context, token string) (*Delta, error)
}
