package replay

import (
	"crypto/sha1"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/jviau/durabletask-go/internal/history"
)

// turnSuspend unwinds an orchestrator call when it awaits a task with no
// more history left to feed it. Caught by Run; not an error, the normal way
// a turn pauses to wait for the next work item.
type turnSuspend struct{}

// turnNonDeterministic unwinds an orchestrator call when replay finds a
// recorded event that doesn't match the intent (or completion) the
// orchestrator's code issued.
type turnNonDeterministic struct {
	err error
}

// turnContinuedAsNew unwinds an orchestrator call when it invokes
// ContinueAsNew; the call never returns normally after that point.
type turnContinuedAsNew struct {
	req *ContinueAsNewRequest
}

// turnRunner drives one turn's replay/live matching for a single
// orchestrator function invocation. old are previously committed history
// events (already durable); new are this turn's freshly delivered events,
// about to be committed. IsReplaying is true only while old has
// unconsumed events.
type turnRunner struct {
	instanceID string

	old      []history.Event
	oldIdx   int
	newEvts  []history.Event
	newIdx   int

	currentTime time.Time

	nextActionID int64
	tasksByID    map[int64]*Task

	eventWaiters map[string][]*Task
	// received buffers EventReceived deliveries that had no waiter yet, in
	// arrival order, so ContinueAsNew can carry the unconsumed ones over
	// intact.
	received []*receivedEvent

	actions []Action

	customStatus *string

	nonDeterminismErr error
}

func newTurnRunner(instanceID string, old, newEvts []history.Event) *turnRunner {
	return &turnRunner{
		instanceID:   instanceID,
		old:          old,
		newEvts:      newEvts,
		tasksByID:    make(map[int64]*Task),
		eventWaiters: make(map[string][]*Task),
	}
}

func (r *turnRunner) isReplaying() bool { return r.oldIdx < len(r.old) }

func (r *turnRunner) nextID() int64 {
	r.nextActionID++
	return r.nextActionID
}

// advanceBookkeeping consumes leading OrchestratorStarted markers (updating
// currentTime) and the ExecutionStarted seed event, neither of which counts
// as a matched intent or completion.
func (r *turnRunner) advanceBookkeeping() {
	for {
		ev, ok := r.peekEvent()
		if !ok {
			return
		}
		switch ev.Kind {
		case history.KindOrchestratorStarted:
			r.currentTime = ev.Timestamp
			r.consumeEvent()
		case history.KindExecutionStarted:
			r.consumeEvent()
		default:
			return
		}
	}
}

func (r *turnRunner) peekEvent() (history.Event, bool) {
	if r.oldIdx < len(r.old) {
		return r.old[r.oldIdx], true
	}
	if r.newIdx < len(r.newEvts) {
		return r.newEvts[r.newIdx], true
	}
	return history.Event{}, false
}

func (r *turnRunner) consumeEvent() {
	if r.oldIdx < len(r.old) {
		r.oldIdx++
		return
	}
	if r.newIdx < len(r.newEvts) {
		r.newIdx++
	}
}

// selector is the subset of an intent's fields that must agree with the
// next past event of the same kind for a match to hold.
type selector struct {
	name   string
	target string
	fireAt time.Time
}

func selectorMatches(ev history.Event, kind history.Kind, sel selector) bool {
	if ev.Kind != kind {
		return false
	}
	switch kind {
	case history.KindTaskActivityScheduled:
		return ev.TaskActivityScheduled.Name == sel.name
	case history.KindSubOrchestrationScheduled:
		return ev.SubOrchestrationScheduled.Name == sel.name
	case history.KindTimerScheduled:
		return ev.TimerScheduled.FireAt.Equal(sel.fireAt)
	case history.KindEventSent:
		return ev.EventSent.Name == sel.name && ev.EventSent.TargetInstanceID == sel.target
	default:
		return true
	}
}

// completionKind reports whether kind resolves an awaitable (or buffers an
// external event) rather than recording an intent. Completion-shaped events
// ahead of the next Scheduled event belong to already-issued awaitables and
// are delivered during matching, not treated as a mismatch.
func completionKind(kind history.Kind) bool {
	switch kind {
	case history.KindTaskActivityCompleted, history.KindSubOrchestrationCompleted,
		history.KindTimerFired, history.KindEventReceived, history.KindGenericMessage:
		return true
	default:
		return false
	}
}

// applyCompletion applies one completion-shaped event's effect: resolving
// the awaitable it targets or buffering an external event.
func (r *turnRunner) applyCompletion(ev history.Event) {
	switch ev.Kind {
	case history.KindTaskActivityCompleted:
		r.resolveByScheduledID(ev.ScheduledID(), ev.TaskActivityCompleted.Result, ev.TaskActivityCompleted.Failure)
	case history.KindSubOrchestrationCompleted:
		r.resolveByScheduledID(ev.ScheduledID(), ev.SubOrchestrationCompleted.Result, ev.SubOrchestrationCompleted.Failure)
	case history.KindTimerFired:
		r.resolveByScheduledID(ev.ScheduledID(), "", nil)
	case history.KindEventReceived:
		r.deliverEvent(ev.EventReceived.Name, ev.EventReceived.Input)
	case history.KindGenericMessage:
		// Extensibility escape hatch; no scheduled counterpart to resolve.
	}
}

// tryMatchScheduled matches an intent against the next recorded Scheduled
// event, delivering any completion-shaped events encountered on the way.
// If history is exhausted the turn has moved into the live phase for this
// and all subsequent intents (not an error). A recorded Scheduled event
// that disagrees with kind/sel is a non-determinism fault.
func (r *turnRunner) tryMatchScheduled(kind history.Kind, sel selector) (matched bool) {
	for {
		r.advanceBookkeeping()
		ev, ok := r.peekEvent()
		if !ok {
			return false
		}
		if completionKind(ev.Kind) {
			r.consumeEvent()
			r.applyCompletion(ev)
			continue
		}
		if !selectorMatches(ev, kind, sel) {
			r.abortNonDeterminism(fmt.Sprintf(
				"intent %s(%s) does not match next recorded event %s", kind, sel.name, ev.Kind))
		}
		r.consumeEvent()
		return true
	}
}

// pump consumes the next past event, applying its effect (resolving a task
// or delivering a buffered external event). Returns false when history is
// exhausted, meaning the caller must suspend the turn.
func (r *turnRunner) pump() bool {
	r.advanceBookkeeping()
	ev, ok := r.peekEvent()
	if !ok {
		return false
	}
	r.consumeEvent()

	if !completionKind(ev.Kind) {
		// A recorded Scheduled intent the user code never re-issued.
		r.abortNonDeterminism(fmt.Sprintf("unexpected %s encountered while awaiting a completion", ev.Kind))
	}
	r.applyCompletion(ev)
	return true
}

func (r *turnRunner) resolveByScheduledID(id int64, result string, failure *history.Failure) {
	task, ok := r.tasksByID[id]
	if !ok {
		r.abortNonDeterminism(fmt.Sprintf("completion for unknown scheduled id %d", id))
		return
	}
	task.resolve(result, failure)
}

type receivedEvent struct {
	name     string
	input    string
	consumed bool
}

func (r *turnRunner) deliverEvent(name, input string) {
	if waiters := r.eventWaiters[name]; len(waiters) > 0 {
		w := waiters[0]
		r.eventWaiters[name] = waiters[1:]
		w.resolve(input, nil)
		return
	}
	r.received = append(r.received, &receivedEvent{name: name, input: input})
}

// carryOverEvents collects every received-but-unconsumed external event, in
// arrival order: buffered deliveries first, then any EventReceived still
// sitting unpumped in the history feed when the turn ended.
func (r *turnRunner) carryOverEvents() []history.Event {
	var out []history.Event
	for _, rv := range r.received {
		if !rv.consumed {
			out = append(out, history.Event{
				Kind:          history.KindEventReceived,
				EventReceived: &history.EventReceivedFields{Name: rv.name, Input: rv.input},
			})
		}
	}
	for i := r.oldIdx; i < len(r.old); i++ {
		if r.old[i].Kind == history.KindEventReceived {
			out = append(out, history.Event{
				Kind:          history.KindEventReceived,
				EventReceived: &history.EventReceivedFields{Name: r.old[i].EventReceived.Name, Input: r.old[i].EventReceived.Input},
			})
		}
	}
	for i := r.newIdx; i < len(r.newEvts); i++ {
		if r.newEvts[i].Kind == history.KindEventReceived {
			out = append(out, history.Event{
				Kind:          history.KindEventReceived,
				EventReceived: &history.EventReceivedFields{Name: r.newEvts[i].EventReceived.Name, Input: r.newEvts[i].EventReceived.Input},
			})
		}
	}
	return out
}

func (r *turnRunner) abortNonDeterminism(msg string) {
	r.nonDeterminismErr = fmt.Errorf("replay: %s", msg)
	panic(turnNonDeterministic{err: r.nonDeterminismErr})
}

// scheduleActivity registers a new Task for an activity call, matching it
// against history if still replaying, else recording a live Action.
func (r *turnRunner) scheduleActivity(name, input string) *Task {
	id := r.nextID()
	if !r.tryMatchScheduled(history.KindTaskActivityScheduled, selector{name: name}) {
		r.actions = append(r.actions, Action{
			Kind:             history.KindTaskActivityScheduled,
			ScheduleActivity: &ScheduleActivityAction{ID: id, Name: name, Input: input},
		})
	}
	task := &Task{id: id, runner: r}
	r.tasksByID[id] = task
	return task
}

func (r *turnRunner) scheduleOrchestration(name, instanceID, input string) *Task {
	id := r.nextID()
	if !r.tryMatchScheduled(history.KindSubOrchestrationScheduled, selector{name: name}) {
		r.actions = append(r.actions, Action{
			Kind: history.KindSubOrchestrationScheduled,
			ScheduleOrchestration: &ScheduleOrchestrationAction{
				ID: id, InstanceID: instanceID, Name: name, Input: input,
			},
		})
	}
	task := &Task{id: id, runner: r}
	r.tasksByID[id] = task
	return task
}

func (r *turnRunner) createTimer(fireAt time.Time) *Task {
	id := r.nextID()
	if !r.tryMatchScheduled(history.KindTimerScheduled, selector{fireAt: fireAt}) {
		r.actions = append(r.actions, Action{
			Kind:        history.KindTimerScheduled,
			CreateTimer: &CreateTimerAction{ID: id, FireAt: fireAt},
		})
	}
	task := &Task{id: id, runner: r}
	r.tasksByID[id] = task
	return task
}

func (r *turnRunner) waitForExternalEvent(name string) *Task {
	task := &Task{id: r.nextID(), runner: r}
	for _, rv := range r.received {
		if !rv.consumed && rv.name == name {
			rv.consumed = true
			task.resolve(rv.input, nil)
			return task
		}
	}
	r.eventWaiters[name] = append(r.eventWaiters[name], task)
	return task
}

func (r *turnRunner) sendEvent(target, name, input string) {
	id := r.nextID()
	if !r.tryMatchScheduled(history.KindEventSent, selector{name: name, target: target}) {
		r.actions = append(r.actions, Action{
			Kind: history.KindEventSent,
			SendEvent: &SendEventAction{
				ID: id, TargetInstanceID: target, Name: name, Input: input,
			},
		})
	}
}

// newUUID derives a deterministic id from the instance id and this turn's
// next action id, so the same code path replayed produces the same id
// every time.
func (r *turnRunner) newUUID() string {
	id := r.nextID()
	seed := []byte(fmt.Sprintf("%s/%d", r.instanceID, id))
	h := sha1.Sum(seed) //nolint:gosec // deterministic derivation, not a security boundary
	var u uuid.UUID
	copy(u[:], h[:16])
	u[6] = (u[6] & 0x0f) | 0x50 // version 5
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant
	return u.String()
}

// Result is the outcome of running an orchestrator function against one
// turn's worth of history.
type Result struct {
	IsReplaying   bool
	CustomStatus  *string
	Actions       []Action
	Completion    *CompleteAction
	ContinueAsNew *ContinueAsNewRequest
	// CarryOver holds the unconsumed EventReceived events to prepend to the
	// next execution's history when ContinueAsNew asked for them.
	CarryOver []history.Event
	Err       error
}

// Run executes fn once against old (already-durable) and newEvts (this
// turn's freshly delivered) history: a deterministic intent/event
// matching pass followed by a live phase once
// history is exhausted. A single call is exactly one turn; when fn calls
// ContinueAsNew the result carries a ContinueAsNewRequest instead of a
// normal Completion, and it is the caller's (Execute's) job to durably
// start the new execution (with any carried-over events) and immediately
// re-invoke Run against it — that tight loop is bounded by maxContinueAsNewCount,
// mirroring the reference orchestratorProcessor's continueAsNewCount guard.
func Run(instanceID, input string, old, newEvts []history.Event, fn OrchestratorFunc) Result {
	r := newTurnRunner(instanceID, old, newEvts)
	return runOnce(r, input, fn)
}

// maxContinueAsNewCount bounds how many times Execute will re-invoke Run
// in-process for a single work item after ContinueAsNew, whether or not
// PreserveUnprocessedEvents is set, guarding against an orchestrator that
// ContinueAsNews in a true tight loop every turn.
const maxContinueAsNewCount = 20

func runOnce(r *turnRunner, input string, fn OrchestratorFunc) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			switch v := rec.(type) {
			case turnSuspend:
				result = Result{
					IsReplaying:  r.isReplaying(),
					CustomStatus: r.customStatus,
					Actions:      r.actions,
				}
			case turnNonDeterministic:
				result = Result{
					IsReplaying:  r.isReplaying(),
					CustomStatus: r.customStatus,
					Actions:      r.actions,
					Completion: &CompleteAction{
						Status: history.StatusFailed,
						Failure: &history.Failure{
							ErrorType: history.ErrorTypeNonDeterminism,
							Message:   v.err.Error(),
						},
					},
				}
			case turnContinuedAsNew:
				result = Result{
					IsReplaying:   r.isReplaying(),
					CustomStatus:  r.customStatus,
					Actions:       r.actions,
					ContinueAsNew: v.req,
				}
				if v.req.PreserveUnprocessedEvents {
					result.CarryOver = r.carryOverEvents()
				}
			default:
				// A panic out of user orchestrator code fails the instance
				// the same way a returned error does.
				result = Result{
					IsReplaying:  r.isReplaying(),
					CustomStatus: r.customStatus,
					Actions:      r.actions,
					Completion: &CompleteAction{
						Status: history.StatusFailed,
						Failure: &history.Failure{
							ErrorType:  "PanicError",
							Message:    fmt.Sprint(rec),
							StackTrace: string(debug.Stack()),
						},
					},
				}
			}
		}
	}()

	// Prime currentTime from the leading bookkeeping markers so user code
	// observing CurrentUTCDateTime before its first intent sees the first
	// turn's timestamp.
	r.advanceBookkeeping()

	ctx := &Context{runner: r}
	out, err := fn(ctx, input)
	if err != nil {
		return Result{
			IsReplaying:  r.isReplaying(),
			CustomStatus: r.customStatus,
			Actions:      r.actions,
			Completion: &CompleteAction{
				Status: history.StatusFailed,
				Failure: &history.Failure{
					ErrorType: "Error",
					Message:   err.Error(),
				},
			},
		}
	}
	return Result{
		IsReplaying:  r.isReplaying(),
		CustomStatus: r.customStatus,
		Actions:      r.actions,
		Completion: &CompleteAction{
			Status: history.StatusCompleted,
			Result: out,
		},
	}
}
