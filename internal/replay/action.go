package replay

import (
	"time"

	"github.com/jviau/durabletask-go/internal/history"
)

// Action is one OrchestrationAction produced during a turn's live phase:
// a durable intent that hasn't been recorded in history yet. Mirrors
// history.Event's Kind-discriminated tagged-union shape rather than an
// interface per variant.
type Action struct {
	Kind history.Kind

	ScheduleActivity      *ScheduleActivityAction
	ScheduleOrchestration *ScheduleOrchestrationAction
	CreateTimer           *CreateTimerAction
	SendEvent             *SendEventAction
	Complete              *CompleteAction
}

// ScheduleActivityAction schedules an activity invocation.
type ScheduleActivityAction struct {
	ID    int64
	Name  string
	Input string
}

// ScheduleOrchestrationAction starts a sub-orchestration instance.
type ScheduleOrchestrationAction struct {
	ID         int64
	InstanceID string
	Name       string
	Input      string
}

// CreateTimerAction arms a durable timer.
type CreateTimerAction struct {
	ID     int64
	FireAt time.Time
}

// SendEventAction fires an event at another instance without waiting for a
// reply.
type SendEventAction struct {
	ID               int64
	TargetInstanceID string
	Name             string
	Input            string
}

// CompleteAction is the turn's terminal decision: the orchestrator function
// returned, faulted, or called ContinueAsNew.
type CompleteAction struct {
	Status        history.Status
	Result        string
	Failure       *history.Failure
	ContinueAsNew *ContinueAsNewRequest
}

// ContinueAsNewRequest carries the new execution's seed input and any
// unprocessed events the orchestrator chose to carry over.
type ContinueAsNewRequest struct {
	Input                     string
	Version                   string
	PreserveUnprocessedEvents bool
}
