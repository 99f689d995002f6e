// Package model defines the shared entities of the task synchronization
// core: Task, Event, QueuedOperation and Snapshot, per spec.md section 3.
package model

import "time"

// Status is the closed set of task lifecycle states.
type Status string

const (
	StatusProposed    Status = "proposed"
	StatusAccepted    Status = "accepted"
	StatusTodo        Status = "todo"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusArchived    Status = "archived"
	StatusDeleted     Status = "deleted"
)

// ValidStatus reports whether s is a member of the closed status set.
func ValidStatus(s Status) bool {
	switch s {
	case StatusProposed, StatusAccepted, StatusTodo, StatusInProgress,
		StatusCompleted, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// Priority is the closed set of task priorities.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is a member of the closed priority set.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Actor identifies a logical writer class. Rank is used by the actor-rank
// merge strategy to break ties between concurrent writers.
type Actor string

const (
	ActorServer   Actor = "server"
	ActorAIAgent  Actor = "ai_agent"
	ActorUser     Actor = "user"
	ActorBatchJob Actor = "batch_job"
	ActorWebhook  Actor = "webhook"
)

// ActorRank is the tie-break table from spec.md section 4.5.
var ActorRank = map[Actor]int{
	ActorServer:   100,
	ActorAIAgent:  80,
	ActorUser:     60,
	ActorBatchJob: 40,
	ActorWebhook:  20,
}

// ExtractionContext carries the provenance of a task that originated from a
// meeting transcript via NLP extraction.
type ExtractionContext struct {
	Speaker    string  `json:"speaker,omitempty"`
	Quote      string  `json:"quote,omitempty"`
	SpanStart  int     `json:"span_start,omitempty"`
	SpanEnd    int     `json:"span_end,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// VectorClock maps an actor to its highest observed sequence number.
type VectorClock map[Actor]uint64

// Clone returns an independent copy of vc.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge returns the componentwise maximum of vc and other, per spec.md
// section 4.4 rule (e). vc is not mutated.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for actor, seq := range other {
		if seq > out[actor] {
			out[actor] = seq
		}
	}
	return out
}

// systemFields are never user-editable, per spec.md section 3.
var systemFields = map[string]struct{}{
	"id": {}, "created_at": {}, "workspace_id": {}, "meeting_id": {},
	"sequence_num": {}, "vector_clock": {}, "checksum": {},
}

// IsSystemField reports whether field is a system field excluded from
// user edits and from field-level merging.
func IsSystemField(field string) bool {
	_, ok := systemFields[field]
	return ok
}

// Task is the central entity of the synchronization core.
type Task struct {
	ID                string             `json:"id"`
	TempID            string             `json:"temp_id,omitempty"`
	WorkspaceID       string             `json:"workspace_id"`
	Title             string             `json:"title"`
	Description       string             `json:"description,omitempty"`
	Status            Status             `json:"status"`
	Priority          Priority           `json:"priority"`
	DueDate           *time.Time         `json:"due_date,omitempty"`
	AssigneeIDs       []string           `json:"assignee_ids,omitempty"`
	Labels            []string           `json:"labels,omitempty"`
	MeetingID         string             `json:"meeting_id,omitempty"`
	ExtractionContext *ExtractionContext `json:"extraction_context,omitempty"`
	SnoozedUntil      *time.Time         `json:"snoozed_until,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	DeletedAt         *time.Time         `json:"deleted_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	VectorClock       VectorClock        `json:"vector_clock"`
	ActorTag          Actor              `json:"actor"`
	SequenceNum       uint64             `json:"sequence_num"`
	Checksum          string             `json:"checksum,omitempty"`
}

// Validate checks the invariants spec.md section 3 declares for a Task.
func (t *Task) Validate() error {
	if t.ID == "" && t.TempID == "" {
		return errMissingIdentity
	}
	if t.CreatedAt.After(t.UpdatedAt) {
		return errCreatedAfterUpdated
	}
	if !ValidStatus(t.Status) {
		return errInvalidStatus
	}
	if t.Priority != "" && !ValidPriority(t.Priority) {
		return errInvalidPriority
	}
	return nil
}

// Clone returns a deep-enough copy of t for safe independent mutation by
// callers (slices and the vector clock map are copied; nested pointers to
// immutable-by-convention sub-structs are shared).
func (t *Task) Clone() *Task {
	clone := *t
	clone.AssigneeIDs = append([]string(nil), t.AssigneeIDs...)
	clone.Labels = append([]string(nil), t.Labels...)
	clone.VectorClock = t.VectorClock.Clone()
	return &clone
}
