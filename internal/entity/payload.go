package entity

import (
	"encoding/json"
	"fmt"
)

// SessionPayload is the domain payload for a completed practice session.
//
// The counter fields (PausedDuration, NotesAttempted, NotesCorrect) are
// monotonic: practice progress only accumulates, so a field-level merge of
// two divergent copies takes the maximum of each counter.
type SessionPayload struct {
	Instrument         string  `json:"instrument,omitempty"`
	Piece              string  `json:"piece,omitempty"`
	StartedAt          string  `json:"started_at,omitempty"`   // ISO 8601
	CompletedAt        string  `json:"completed_at,omitempty"` // ISO 8601
	DurationSeconds    int64   `json:"duration_seconds,omitempty"`
	PausedDuration     int64   `json:"paused_duration,omitempty"`
	NotesAttempted     int64   `json:"notes_attempted,omitempty"`
	NotesCorrect       int64   `json:"notes_correct,omitempty"`
	AccuracyPercentage float64 `json:"accuracy_percentage,omitempty"`
	Notes              string  `json:"notes,omitempty"`
}

// GoalPayload is the domain payload for a practice goal.
type GoalPayload struct {
	Title        string  `json:"title,omitempty"`
	Metric       string  `json:"metric,omitempty"`
	CurrentValue float64 `json:"current_value"`
	TargetValue  float64 `json:"target_value,omitempty"`
	Completed    bool    `json:"completed"`
	CompletedAt  string  `json:"completed_at,omitempty"` // ISO 8601
}

// PracticeLogPayload is the domain payload for one practice log line.
type PracticeLogPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Exercise  string `json:"exercise,omitempty"`
	TempoBPM  int    `json:"tempo_bpm,omitempty"`
	Reps      int    `json:"reps,omitempty"`
	Note      string `json:"note,omitempty"`
}

// LogbookPayload is the domain payload for a free-form logbook entry.
type LogbookPayload struct {
	Title string   `json:"title,omitempty"`
	Body  string   `json:"body,omitempty"`
	Mood  string   `json:"mood,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// DecodeSession decodes the entity payload as a SessionPayload.
func DecodeSession(e *Entity) (*SessionPayload, error) {
	if e.Kind != KindSession {
		return nil, fmt.Errorf("entity %s is %q, not a session", e.LocalID, e.Kind)
	}
	var p SessionPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode session payload: %w", err)
	}
	return &p, nil
}

// DecodeGoal decodes the entity payload as a GoalPayload.
func DecodeGoal(e *Entity) (*GoalPayload, error) {
	if e.Kind != KindGoal {
		return nil, fmt.Errorf("entity %s is %q, not a goal", e.LocalID, e.Kind)
	}
	var p GoalPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode goal payload: %w", err)
	}
	return &p, nil
}

// MergeSessions field-merges two divergent copies of a session payload.
//
// Counters take the maximum of both sides (progress never regresses),
// accuracy takes the higher reported value, and CompletedAt takes the later
// ISO timestamp. Every other field takes the remote value when present,
// falling back to the local value when the remote one is missing.
func MergeSessions(local, remote *SessionPayload) *SessionPayload {
	return &SessionPayload{
		Instrument:         pickString(remote.Instrument, local.Instrument),
		Piece:              pickString(remote.Piece, local.Piece),
		StartedAt:          pickString(remote.StartedAt, local.StartedAt),
		CompletedAt:        maxString(local.CompletedAt, remote.CompletedAt),
		DurationSeconds:    pickInt64(remote.DurationSeconds, local.DurationSeconds),
		PausedDuration:     maxInt64(local.PausedDuration, remote.PausedDuration),
		NotesAttempted:     maxInt64(local.NotesAttempted, remote.NotesAttempted),
		NotesCorrect:       maxInt64(local.NotesCorrect, remote.NotesCorrect),
		AccuracyPercentage: maxFloat64(local.AccuracyPercentage, remote.AccuracyPercentage),
		Notes:              pickString(remote.Notes, local.Notes),
	}
}

// MergeGoals field-merges two divergent copies of a goal payload.
//
// Progress takes the maximum of both sides and completion is sticky: the
// goal is completed if either side completed it. When both sides carry a
// completion time the earlier one is kept (the goal was first reached then).
func MergeGoals(local, remote *GoalPayload) *GoalPayload {
	out := &GoalPayload{
		Title:        pickString(remote.Title, local.Title),
		Metric:       pickString(remote.Metric, local.Metric),
		CurrentValue: maxFloat64(local.CurrentValue, remote.CurrentValue),
		TargetValue:  pickFloat64(remote.TargetValue, local.TargetValue),
		Completed:    local.Completed || remote.Completed,
	}
	switch {
	case local.Completed && remote.Completed:
		out.CompletedAt = minString(local.CompletedAt, remote.CompletedAt)
	case local.Completed:
		out.CompletedAt = local.CompletedAt
	case remote.Completed:
		out.CompletedAt = remote.CompletedAt
	}
	return out
}

func pickString(remote, local string) string {
	if remote != "" {
		return remote
	}
	return local
}

func pickInt64(remote, local int64) int64 {
	if remote != 0 {
		return remote
	}
	return local
}

func pickFloat64(remote, local float64) float64 {
	if remote != 0 {
		return remote
	}
	return local
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func maxFloat64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// maxString returns the lexicographically greater string. ISO 8601
// timestamps order lexicographically, so this picks the later time.
func maxString(a, b string) string {
	if a > b {
		return a
	}
	return b
}

// minString returns the lexicographically lesser non-empty string.
func minString(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if a < b {
		return a
	}
	return b
}
