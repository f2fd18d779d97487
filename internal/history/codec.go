package history

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireEvent is the on-the-wire shape of an Event: a "$type" discriminator
// alongside the flattened fields of whichever variant is active
// (`{"$type":"TaskActivityScheduled", ...}`).
type wireEvent struct {
	Type       string    `json:"$type"`
	SequenceID int64     `json:"sequenceId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	ID          int64  `json:"id,omitempty"`
	ScheduledID int64  `json:"scheduledId,omitempty"`
	Name        string `json:"name,omitempty"`
	Input       string `json:"input,omitempty"`
	Result      string `json:"result,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Version     string `json:"version,omitempty"`
	Options     string `json:"options,omitempty"`
	Data        string `json:"data,omitempty"`
	TargetID    string `json:"targetInstanceId,omitempty"`

	FireAt *time.Time `json:"fireAt,omitempty"`

	Failure           *Failure `json:"failure,omitempty"`
	CarryOverMessages []Event  `json:"carryOverMessages,omitempty"`
}

// MarshalJSON implements the "$type"-discriminated wire encoding.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: string(e.Kind), SequenceID: e.SequenceID, Timestamp: e.Timestamp}

	switch e.Kind {
	case KindOrchestratorStarted:
		// no fields beyond timestamp
	case KindExecutionStarted:
		w.Name = e.ExecutionStarted.Name
		w.Input = e.ExecutionStarted.Input
	case KindExecutionCompleted:
		w.ID = e.ExecutionCompleted.ID
		w.Result = e.ExecutionCompleted.Result
		w.Failure = e.ExecutionCompleted.Failure
	case KindExecutionTerminated:
		w.ID = e.ExecutionTerminated.ID
		w.Reason = e.ExecutionTerminated.Reason
	case KindContinueAsNew:
		w.ID = e.ContinueAsNew.ID
		w.Input = e.ContinueAsNew.Input
		w.Version = e.ContinueAsNew.Version
		w.CarryOverMessages = e.ContinueAsNew.CarryOverMessages
	case KindTaskActivityScheduled:
		w.ID = e.TaskActivityScheduled.ID
		w.Name = e.TaskActivityScheduled.Name
		w.Input = e.TaskActivityScheduled.Input
	case KindTaskActivityCompleted:
		w.ID = e.TaskActivityCompleted.ID
		w.ScheduledID = e.TaskActivityCompleted.ScheduledID
		w.Result = e.TaskActivityCompleted.Result
		w.Failure = e.TaskActivityCompleted.Failure
	case KindSubOrchestrationScheduled:
		w.ID = e.SubOrchestrationScheduled.ID
		w.Name = e.SubOrchestrationScheduled.Name
		w.Input = e.SubOrchestrationScheduled.Input
		w.Options = e.SubOrchestrationScheduled.Options
	case KindSubOrchestrationCompleted:
		w.ID = e.SubOrchestrationCompleted.ID
		w.ScheduledID = e.SubOrchestrationCompleted.ScheduledID
		w.Result = e.SubOrchestrationCompleted.Result
		w.Failure = e.SubOrchestrationCompleted.Failure
	case KindTimerScheduled:
		w.ID = e.TimerScheduled.ID
		fireAt := e.TimerScheduled.FireAt
		w.FireAt = &fireAt
	case KindTimerFired:
		w.ID = e.TimerFired.ID
		w.ScheduledID = e.TimerFired.ScheduledID
	case KindEventSent:
		w.ID = e.EventSent.ID
		w.TargetID = e.EventSent.TargetInstanceID
		w.Name = e.EventSent.Name
		w.Input = e.EventSent.Input
	case KindEventReceived:
		w.ID = e.EventReceived.ID
		w.Name = e.EventReceived.Name
		w.Input = e.EventReceived.Input
	case KindGenericMessage:
		w.ID = e.GenericMessage.ID
		w.Name = e.GenericMessage.Name
		w.Data = e.GenericMessage.Data
	default:
		return nil, fmt.Errorf("history: marshal: unknown event kind %q", e.Kind)
	}

	return json.Marshal(w)
}

// ErrUnknownDiscriminator is returned by UnmarshalJSON when the "$type"
// field names a variant this build doesn't know, keeping the default
// fail-closed policy.
type ErrUnknownDiscriminator struct {
	Type string
}

func (e *ErrUnknownDiscriminator) Error() string {
	return fmt.Sprintf("history: unknown event discriminator %q", e.Type)
}

// UnmarshalJSON implements the "$type"-discriminated wire decoding. Unknown
// discriminators are rejected (fail-closed).
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	kind := Kind(w.Type)
	out := Event{Kind: kind, SequenceID: w.SequenceID, Timestamp: w.Timestamp}

	switch kind {
	case KindOrchestratorStarted:
		// no fields
	case KindExecutionStarted:
		out.ExecutionStarted = &ExecutionStartedFields{Name: w.Name, Input: w.Input}
	case KindExecutionCompleted:
		out.ExecutionCompleted = &ExecutionCompletedFields{ID: w.ID, Result: w.Result, Failure: w.Failure}
	case KindExecutionTerminated:
		out.ExecutionTerminated = &ExecutionTerminatedFields{ID: w.ID, Reason: w.Reason}
	case KindContinueAsNew:
		out.ContinueAsNew = &ContinueAsNewFields{
			ID: w.ID, Input: w.Input, Version: w.Version, CarryOverMessages: w.CarryOverMessages,
		}
	case KindTaskActivityScheduled:
		out.TaskActivityScheduled = &TaskActivityScheduledFields{ID: w.ID, Name: w.Name, Input: w.Input}
	case KindTaskActivityCompleted:
		out.TaskActivityCompleted = &TaskActivityCompletedFields{
			ID: w.ID, ScheduledID: w.ScheduledID, Result: w.Result, Failure: w.Failure,
		}
	case KindSubOrchestrationScheduled:
		out.SubOrchestrationScheduled = &SubOrchestrationScheduledFields{
			ID: w.ID, Name: w.Name, Input: w.Input, Options: w.Options,
		}
	case KindSubOrchestrationCompleted:
		out.SubOrchestrationCompleted = &SubOrchestrationCompletedFields{
			ID: w.ID, ScheduledID: w.ScheduledID, Result: w.Result, Failure: w.Failure,
		}
	case KindTimerScheduled:
		if w.FireAt == nil {
			return fmt.Errorf("history: TimerScheduled missing fireAt")
		}
		out.TimerScheduled = &TimerScheduledFields{ID: w.ID, FireAt: *w.FireAt}
	case KindTimerFired:
		out.TimerFired = &TimerFiredFields{ID: w.ID, ScheduledID: w.ScheduledID}
	case KindEventSent:
		out.EventSent = &EventSentFields{ID: w.ID, TargetInstanceID: w.TargetID, Name: w.Name, Input: w.Input}
	case KindEventReceived:
		out.EventReceived = &EventReceivedFields{ID: w.ID, Name: w.Name, Input: w.Input}
	case KindGenericMessage:
		out.GenericMessage = &GenericMessageFields{ID: w.ID, Name: w.Name, Data: w.Data}
	default:
		return &ErrUnknownDiscriminator{Type: w.Type}
	}

	*e = out
	return nil
}
