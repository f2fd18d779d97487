package history

import "time"

// Status is the lifecycle state of an orchestration instance.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusRunning    Status = "Running"
	StatusSuspended  Status = "Suspended"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusTerminated Status = "Terminated"
)

// Terminal reports whether status is one from which no further turns run,
// except a ContinueAsNew-initiated new execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// Failure is the recursive failure record attached to a terminal state or a
// failed scheduled operation.
type Failure struct {
	ErrorType  string   `json:"errorType"`
	Message    string   `json:"message"`
	StackTrace string   `json:"stackTrace,omitempty"`
	Inner      *Failure `json:"inner,omitempty"`
}

// ErrorTypeNonDeterminism is the fixed error_type used when replay detects a
// mismatch between issued intents and recorded history.
const ErrorTypeNonDeterminism = "NonDeterminism"

// ErrorTypeTaskMissing marks a failure caused by an unregistered
// orchestrator or activity name. Never retried.
const ErrorTypeTaskMissing = "TaskMissing"

// ErrorTypeTerminated marks the failure delivered to a parent orchestration
// when a child instance is terminated rather than completing on its own.
const ErrorTypeTerminated = "Terminated"

// GenericMessage names used as control signals on the orchestration queue.
// Suspend/resume are state-only transitions, not replayed intents, so they
// ride the extensibility variant instead of getting their own event kinds.
const (
	MessageSuspend = "__suspend"
	MessageResume  = "__resume"
)

// ParentRef identifies the parent orchestration of a sub-orchestration
// instance, by id only, never by pointer. Carried on the
// instance row rather than in the event log since it's dispatch-routing
// metadata, not part of the replayed history.
type ParentRef struct {
	InstanceID string `json:"instanceId"`
	Name       string `json:"name"`
	// ScheduledID is the id of the SubOrchestrationScheduled event in the
	// parent's history that this child resolves on completion.
	ScheduledID int64 `json:"scheduledId"`
}

// Instance is the durable state row for one orchestration instance.
type Instance struct {
	InstanceID    string     `db:"instance_id"`
	Name          string     `db:"name"`
	CreatedAt     time.Time  `db:"created_at"`
	LastUpdatedAt time.Time  `db:"last_updated_at"`
	Status        Status     `db:"status"`
	SubStatus     string     `db:"sub_status"`
	Input         string     `db:"input"`
	Output        string     `db:"output"`
	Failure       *Failure   `db:"failure"`
	Parent        *ParentRef `db:"parent"`
}

// StateUpdate is a last-writer-wins, per-field merge applied to an
// instance's state row at turn commit. Pointer/empty-string fields
// left nil/unset leave the stored value unchanged.
type StateUpdate struct {
	Status    *Status
	SubStatus *string
	Output    *string
	Failure   *Failure
}

// Filter selects instances for Client.PurgeBy / listing queries.
type Filter struct {
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Statuses    []Status
	// NameContains narrows to instances whose orchestrator name contains
	// the substring (case-insensitive on Postgres).
	NameContains string
	// ParentInstanceID narrows to the sub-orchestrations of one parent.
	ParentInstanceID string
}
