package conflict

import (
	"encoding/json"
	"testing"

	"github.com/woodshed-app/shedsync/internal/entity"
)

// makeEntity builds an entity with explicit sync metadata for detector tests.
func makeEntity(t *testing.T, payload string, createdAt, updatedAt, deletedAt, version int64) *entity.Entity {
	t.Helper()

	sum, err := entity.ChecksumPayload(json.RawMessage(payload))
	if err != nil {
		t.Fatalf("ChecksumPayload() error: %v", err)
	}
	return &entity.Entity{
		LocalID:     "goal-1",
		Kind:        entity.KindGoal,
		Status:      entity.StatusSynced,
		SyncVersion: version,
		Checksum:    sum,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		DeletedAt:   deletedAt,
		Payload:     json.RawMessage(payload),
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		local    func(t *testing.T) *entity.Entity
		remote   func(t *testing.T) *entity.Entity
		want     Type
		wantNone bool
	}{
		{
			name: "equal checksums never conflict despite metadata drift",
			local: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":5}`, 100, 200, 0, 1)
			},
			remote: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value": 5}`, 100, 9000, 0, 3)
			},
			wantNone: true,
		},
		{
			name: "unambiguously newer side wins silently",
			local: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":5}`, 100, 1000, 0, 2)
			},
			remote: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":7}`, 100, 8000, 0, 2)
			},
			wantNone: true,
		},
		{
			name: "large gap but diverged versions still conflicts",
			local: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":5}`, 100, 1000, 0, 2)
			},
			remote: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":7}`, 100, 8000, 0, 3)
			},
			want: TypeUpdateUpdate,
		},
		{
			name: "gap within skew tolerance conflicts",
			local: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":5}`, 100, 1000, 0, 2)
			},
			remote: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":7}`, 100, 4000, 0, 2)
			},
			want: TypeUpdateUpdate,
		},
		{
			name: "one tombstone classifies delete-update",
			local: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":5}`, 100, 1000, 900, 2)
			},
			remote: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":7}`, 100, 2000, 0, 2)
			},
			want: TypeDeleteUpdate,
		},
		{
			name: "both tombstones never conflict",
			local: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":5}`, 100, 1000, 900, 2)
			},
			remote: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":7}`, 100, 2000, 1800, 2)
			},
			wantNone: true,
		},
		{
			name: "two independent first writes classify create-create",
			local: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":5}`, 1000, 1000, 0, 0)
			},
			remote: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":7}`, 2000, 2000, 0, 0)
			},
			want: TypeCreateCreate,
		},
		{
			name: "edited since creation classifies update-update",
			local: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":5}`, 1000, 3000, 0, 1)
			},
			remote: func(t *testing.T) *entity.Entity {
				return makeEntity(t, `{"current_value":7}`, 1000, 1000, 0, 1)
			},
			want: TypeUpdateUpdate,
		},
	}

	detector := NewDetector(0) // default 5000 ms tolerance

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detector.Detect(tt.local(t), tt.remote(t))
			if tt.wantNone {
				if got != nil {
					t.Fatalf("Detect() = %+v, want no conflict", got)
				}
				return
			}
			if got == nil {
				t.Fatal("Detect() = nil, want conflict")
			}
			if got.Type != tt.want {
				t.Errorf("Detect().Type = %q, want %q", got.Type, tt.want)
			}
			if got.DetectedAt == 0 {
				t.Error("DetectedAt not stamped")
			}
		})
	}
}

func TestNewer(t *testing.T) {
	local := makeEntity(t, `{"current_value":1}`, 100, 1000, 0, 1)
	remote := makeEntity(t, `{"current_value":2}`, 100, 9000, 0, 1)

	if got := Newer(local, remote); got != remote {
		t.Error("Newer() did not pick the side with greater UpdatedAt")
	}
	// Ties keep local.
	remote.UpdatedAt = local.UpdatedAt
	if got := Newer(local, remote); got != local {
		t.Error("Newer() tie did not keep local")
	}
}
