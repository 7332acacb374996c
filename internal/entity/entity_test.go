package entity

import (
	"encoding/json"
	"testing"
)

func TestChecksumPayloadCanonical(t *testing.T) {
	tests := []struct {
		name      string
		a         string
		b         string
		wantEqual bool
	}{
		{
			name:      "key order does not matter",
			a:         `{"instrument":"piano","piece":"etude"}`,
			b:         `{"piece":"etude","instrument":"piano"}`,
			wantEqual: true,
		},
		{
			name:      "whitespace does not matter",
			a:         `{"instrument": "piano"}`,
			b:         `{"instrument":"piano"}`,
			wantEqual: true,
		},
		{
			name:      "different content differs",
			a:         `{"instrument":"piano"}`,
			b:         `{"instrument":"cello"}`,
			wantEqual: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sumA, err := ChecksumPayload(json.RawMessage(tt.a))
			if err != nil {
				t.Fatalf("ChecksumPayload(a) error: %v", err)
			}
			sumB, err := ChecksumPayload(json.RawMessage(tt.b))
			if err != nil {
				t.Fatalf("ChecksumPayload(b) error: %v", err)
			}
			if (sumA == sumB) != tt.wantEqual {
				t.Errorf("checksum equality = %v, want %v (a=%s b=%s)", sumA == sumB, tt.wantEqual, sumA, sumB)
			}
		})
	}
}

func TestChecksumPayloadInvalid(t *testing.T) {
	if _, err := ChecksumPayload(json.RawMessage(`{not json`)); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestNewEntity(t *testing.T) {
	e, err := New("sess-1", KindSession, json.RawMessage(`{"instrument":"piano"}`), 1000)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if e.Status != StatusPending {
		t.Errorf("Status = %q, want %q", e.Status, StatusPending)
	}
	if e.CreatedAt != e.UpdatedAt {
		t.Errorf("CreatedAt %d != UpdatedAt %d for a fresh entity", e.CreatedAt, e.UpdatedAt)
	}
	if e.Checksum == "" {
		t.Error("Checksum is empty")
	}
	if e.Tombstoned() {
		t.Error("fresh entity must not be a tombstone")
	}
}

func TestEntityValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Entity)
		wantErr bool
	}{
		{name: "valid", mutate: func(e *Entity) {}, wantErr: false},
		{name: "missing local id", mutate: func(e *Entity) { e.LocalID = "" }, wantErr: true},
		{name: "unknown kind", mutate: func(e *Entity) { e.Kind = "recital" }, wantErr: true},
		{name: "negative version", mutate: func(e *Entity) { e.SyncVersion = -1 }, wantErr: true},
		{name: "updated before created", mutate: func(e *Entity) { e.UpdatedAt = e.CreatedAt - 1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New("goal-1", KindGoal, json.RawMessage(`{"current_value":1}`), 1000)
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			tt.mutate(e)
			if err := e.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetPayloadStampsUpdatedAt(t *testing.T) {
	e, err := New("log-1", KindPracticeLog, json.RawMessage(`{"reps":3}`), 1000)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Same content: checksum unchanged, UpdatedAt unchanged.
	if err := e.SetPayload(json.RawMessage(`{"reps": 3}`), 2000); err != nil {
		t.Fatalf("SetPayload() error: %v", err)
	}
	if e.UpdatedAt != 1000 {
		t.Errorf("UpdatedAt = %d after no-op payload write, want 1000", e.UpdatedAt)
	}

	// New content: checksum changes together with UpdatedAt.
	before := e.Checksum
	if err := e.SetPayload(json.RawMessage(`{"reps":4}`), 3000); err != nil {
		t.Fatalf("SetPayload() error: %v", err)
	}
	if e.Checksum == before {
		t.Error("checksum unchanged after content edit")
	}
	if e.UpdatedAt != 3000 {
		t.Errorf("UpdatedAt = %d, want 3000", e.UpdatedAt)
	}
}

func TestMarkDeletedIdempotent(t *testing.T) {
	e, err := New("lb-1", KindLogbook, json.RawMessage(`{"title":"first lesson"}`), 1000)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	e.MarkDeleted(2000)
	if !e.Tombstoned() {
		t.Fatal("entity not tombstoned after MarkDeleted")
	}
	if e.DeletedAt != 2000 {
		t.Errorf("DeletedAt = %d, want 2000", e.DeletedAt)
	}

	// Deleting again keeps the original tombstone timestamp.
	e.MarkDeleted(5000)
	if e.DeletedAt != 2000 {
		t.Errorf("DeletedAt = %d after second delete, want 2000", e.DeletedAt)
	}
}

func TestMergeSessions(t *testing.T) {
	local := &SessionPayload{
		Instrument:         "piano",
		Piece:              "Clair de Lune",
		CompletedAt:        "2026-08-20T10:00:00Z",
		PausedDuration:     30,
		NotesAttempted:     120,
		NotesCorrect:       100,
		AccuracyPercentage: 83.3,
		Notes:              "left hand shaky",
	}
	remote := &SessionPayload{
		Instrument:         "piano",
		CompletedAt:        "2026-08-20T10:05:00Z",
		PausedDuration:     10,
		NotesAttempted:     150,
		NotesCorrect:       90,
		AccuracyPercentage: 60.0,
	}

	got := MergeSessions(local, remote)

	if got.NotesAttempted != 150 {
		t.Errorf("NotesAttempted = %d, want 150 (max)", got.NotesAttempted)
	}
	if got.NotesCorrect != 100 {
		t.Errorf("NotesCorrect = %d, want 100 (max)", got.NotesCorrect)
	}
	if got.PausedDuration != 30 {
		t.Errorf("PausedDuration = %d, want 30 (max)", got.PausedDuration)
	}
	if got.AccuracyPercentage != 83.3 {
		t.Errorf("AccuracyPercentage = %v, want 83.3 (higher)", got.AccuracyPercentage)
	}
	if got.CompletedAt != "2026-08-20T10:05:00Z" {
		t.Errorf("CompletedAt = %q, want later timestamp", got.CompletedAt)
	}
	// Remote is missing Piece and Notes: local values survive.
	if got.Piece != "Clair de Lune" {
		t.Errorf("Piece = %q, want local fallback", got.Piece)
	}
	if got.Notes != "left hand shaky" {
		t.Errorf("Notes = %q, want local fallback", got.Notes)
	}
}

func TestMergeSessionsIdempotent(t *testing.T) {
	p := &SessionPayload{
		Instrument:         "cello",
		NotesAttempted:     40,
		NotesCorrect:       35,
		AccuracyPercentage: 87.5,
		CompletedAt:        "2026-08-21T09:00:00Z",
	}

	got := MergeSessions(p, p)
	if *got != *p {
		t.Errorf("merging a session with itself changed it: got %+v, want %+v", got, p)
	}
}

func TestMergeGoals(t *testing.T) {
	tests := []struct {
		name   string
		local  GoalPayload
		remote GoalPayload
		want   GoalPayload
	}{
		{
			name:   "progress takes max",
			local:  GoalPayload{Title: "scales", CurrentValue: 5},
			remote: GoalPayload{Title: "scales", CurrentValue: 3},
			want:   GoalPayload{Title: "scales", CurrentValue: 5},
		},
		{
			name:   "completion is sticky",
			local:  GoalPayload{CurrentValue: 10, Completed: true, CompletedAt: "2026-08-01T00:00:00Z"},
			remote: GoalPayload{CurrentValue: 8},
			want:   GoalPayload{CurrentValue: 10, Completed: true, CompletedAt: "2026-08-01T00:00:00Z"},
		},
		{
			name:   "both completed keeps earlier time",
			local:  GoalPayload{CurrentValue: 10, Completed: true, CompletedAt: "2026-08-03T00:00:00Z"},
			remote: GoalPayload{CurrentValue: 10, Completed: true, CompletedAt: "2026-08-01T00:00:00Z"},
			want:   GoalPayload{CurrentValue: 10, Completed: true, CompletedAt: "2026-08-01T00:00:00Z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeGoals(&tt.local, &tt.remote)
			if *got != tt.want {
				t.Errorf("MergeGoals() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
