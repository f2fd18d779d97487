package history

import "time"

// Kind discriminates the variant stored in an Event.
type Kind string

const (
	KindOrchestratorStarted       Kind = "OrchestratorStarted"
	KindExecutionStarted          Kind = "ExecutionStarted"
	KindExecutionCompleted        Kind = "ExecutionCompleted"
	KindExecutionTerminated       Kind = "ExecutionTerminated"
	KindContinueAsNew             Kind = "ContinueAsNew"
	KindTaskActivityScheduled     Kind = "TaskActivityScheduled"
	KindTaskActivityCompleted     Kind = "TaskActivityCompleted"
	KindSubOrchestrationScheduled Kind = "SubOrchestrationScheduled"
	KindSubOrchestrationCompleted Kind = "SubOrchestrationCompleted"
	KindTimerScheduled            Kind = "TimerScheduled"
	KindTimerFired                Kind = "TimerFired"
	KindEventSent                 Kind = "EventSent"
	KindEventReceived             Kind = "EventReceived"
	KindGenericMessage            Kind = "GenericMessage"
)

// bookkeeping reports whether kind is skipped during intent matching.
func (k Kind) bookkeeping() bool {
	return k == KindOrchestratorStarted
}

// Event is a tagged union over every history-event variant: exactly one
// of the pointer fields matching Kind is non-nil, the rest are nil.
// SequenceID is assigned by the SequenceAllocator and is the row key in
// the history store.
type Event struct {
	SequenceID int64
	Kind       Kind
	Timestamp  time.Time

	ExecutionStarted          *ExecutionStartedFields
	ExecutionCompleted        *ExecutionCompletedFields
	ExecutionTerminated       *ExecutionTerminatedFields
	ContinueAsNew             *ContinueAsNewFields
	TaskActivityScheduled     *TaskActivityScheduledFields
	TaskActivityCompleted     *TaskActivityCompletedFields
	SubOrchestrationScheduled *SubOrchestrationScheduledFields
	SubOrchestrationCompleted *SubOrchestrationCompletedFields
	TimerScheduled            *TimerScheduledFields
	TimerFired                *TimerFiredFields
	EventSent                 *EventSentFields
	EventReceived             *EventReceivedFields
	GenericMessage            *GenericMessageFields
}

// ID returns the per-turn action id embedded in the event's fields, or 0 for
// variants with no id (OrchestratorStarted). Used to match *Completed events
// back to their *Scheduled counterpart and to correlate selector fields
// during replay.
func (e Event) ID() int64 {
	switch e.Kind {
	case KindExecutionCompleted:
		return e.ExecutionCompleted.ID
	case KindExecutionTerminated:
		return e.ExecutionTerminated.ID
	case KindContinueAsNew:
		return e.ContinueAsNew.ID
	case KindTaskActivityScheduled:
		return e.TaskActivityScheduled.ID
	case KindTaskActivityCompleted:
		return e.TaskActivityCompleted.ID
	case KindSubOrchestrationScheduled:
		return e.SubOrchestrationScheduled.ID
	case KindSubOrchestrationCompleted:
		return e.SubOrchestrationCompleted.ID
	case KindTimerScheduled:
		return e.TimerScheduled.ID
	case KindTimerFired:
		return e.TimerFired.ID
	case KindEventSent:
		return e.EventSent.ID
	case KindEventReceived:
		return e.EventReceived.ID
	case KindGenericMessage:
		return e.GenericMessage.ID
	default:
		return 0
	}
}

// ScheduledID returns the id of the *Scheduled event this *Completed/*Fired
// event resolves, or 0 if e is not a completion-shaped event.
func (e Event) ScheduledID() int64 {
	switch e.Kind {
	case KindTaskActivityCompleted:
		return e.TaskActivityCompleted.ScheduledID
	case KindSubOrchestrationCompleted:
		return e.SubOrchestrationCompleted.ScheduledID
	case KindTimerFired:
		return e.TimerFired.ScheduledID
	default:
		return 0
	}
}

// ExecutionStartedFields is the first event of an instance's execution.
// Name carries the orchestrator name so a dispatch envelope alone is enough
// to recreate the instance row on redrive.
type ExecutionStartedFields struct {
	Name  string
	Input string
}

// ExecutionCompletedFields is a terminal event.
type ExecutionCompletedFields struct {
	ID      int64
	Result  string
	Failure *Failure
}

// ExecutionTerminatedFields is a terminal event from an explicit terminate.
type ExecutionTerminatedFields struct {
	ID     int64
	Reason string
}

// ContinueAsNewFields ends the current execution and starts a fresh one
// under the same instance id.
type ContinueAsNewFields struct {
	ID                int64
	Input             string
	Version           string
	CarryOverMessages []Event
}

// TaskActivityScheduledFields records an activity schedule intent.
type TaskActivityScheduledFields struct {
	ID    int64
	Name  string
	Input string
}

// TaskActivityCompletedFields resolves a TaskActivityScheduled.
type TaskActivityCompletedFields struct {
	ID          int64
	ScheduledID int64
	Result      string
	Failure     *Failure
}

// SubOrchestrationScheduledFields records a sub-orchestration schedule intent.
type SubOrchestrationScheduledFields struct {
	ID      int64
	Name    string
	Input   string
	Options string
}

// SubOrchestrationCompletedFields resolves a SubOrchestrationScheduled.
type SubOrchestrationCompletedFields struct {
	ID          int64
	ScheduledID int64
	Result      string
	Failure     *Failure
}

// TimerScheduledFields records a timer creation intent.
type TimerScheduledFields struct {
	ID     int64
	FireAt time.Time
}

// TimerFiredFields resolves a TimerScheduled.
type TimerFiredFields struct {
	ID          int64
	ScheduledID int64
}

// EventSentFields records a fire-and-forget cross-instance send.
type EventSentFields struct {
	ID               int64
	TargetInstanceID string
	Name             string
	Input            string
}

// EventReceivedFields is appended when an external event arrives for this
// instance (may arrive before or after the orchestrator awaits it).
type EventReceivedFields struct {
	ID    int64
	Name  string
	Input string
}

// GenericMessageFields is the extensibility escape hatch for events outside
// the closed set above.
type GenericMessageFields struct {
	ID   int64
	Name string
	Data string
}
