package replay

import "time"

// Context is the orchestrator-facing API,
// threaded through a registered OrchestratorFunc. All methods are
// deterministic given the same history: callers must never read wall-clock
// time, generate random values, or perform I/O directly — use
// CurrentUTCDateTime and NewUUID instead.
type Context struct {
	runner *turnRunner
}

// InstanceID returns the orchestration instance this context belongs to.
func (c *Context) InstanceID() string { return c.runner.instanceID }

// IsReplaying reports whether the current call is replaying previously
// committed history (true) or executing live, newly-reached code (false).
// Intended for log-suppression during replay, not for branching logic.
func (c *Context) IsReplaying() bool { return c.runner.isReplaying() }

// CurrentUTCDateTime returns the timestamp of the most recently consumed
// OrchestratorStarted marker — the orchestrator's only valid notion of
// "now".
func (c *Context) CurrentUTCDateTime() time.Time { return c.runner.currentTime }

// NewUUID returns a deterministically derived id, stable across replays of
// the same history.
func (c *Context) NewUUID() string { return c.runner.newUUID() }

// SetCustomStatus sets the instance's advisory sub-status, visible to
// Client.Get callers without waiting for completion.
func (c *Context) SetCustomStatus(value string) { c.runner.customStatus = &value }

// ScheduleActivity schedules an activity invocation and returns its Task.
func (c *Context) ScheduleActivity(name, input string) *Task {
	return c.runner.scheduleActivity(name, input)
}

// ScheduleSubOrchestration starts a child orchestration instance and
// returns a Task resolved when it completes. instanceID is the id to
// assign the child; callers typically derive one from NewUUID.
func (c *Context) ScheduleSubOrchestration(name, instanceID, input string) *Task {
	return c.runner.scheduleOrchestration(name, instanceID, input)
}

// CreateTimer arms a durable timer that fires at fireAt and returns a Task
// resolved once it does.
func (c *Context) CreateTimer(fireAt time.Time) *Task {
	return c.runner.createTimer(fireAt)
}

// WaitForExternalEvent returns a Task resolved with the payload of the next
// external event named name, whether it has already arrived (buffered) or
// arrives later.
func (c *Context) WaitForExternalEvent(name string) *Task {
	return c.runner.waitForExternalEvent(name)
}

// SendEvent fires name at targetInstanceID without waiting for any reply
//; ordering across distinct target instances is not guaranteed.
func (c *Context) SendEvent(targetInstanceID, name, input string) {
	c.runner.sendEvent(targetInstanceID, name, input)
}

// ContinueAsNew ends the current execution and starts a fresh one under
// the same instance id with input as its new seed. Code after this
// call never runs; ContinueAsNew does not return.
func (c *Context) ContinueAsNew(input string, preserveUnprocessedEvents bool) {
	panic(turnContinuedAsNew{req: &ContinueAsNewRequest{
		Input:                     input,
		PreserveUnprocessedEvents: preserveUnprocessedEvents,
	}})
}
