package replay

import (
	"errors"
	"fmt"

	"github.com/jviau/durabletask-go/internal/history"
)

// ErrOperationCanceled is returned by Task.Await when the awaitable was
// cancelled (via Task.Cancel) before resolving.
var ErrOperationCanceled = errors.New("replay: operation canceled")

// TaskFailedError wraps a scheduled operation's recorded Failure so
// orchestrator code can inspect it with errors.As.
type TaskFailedError struct {
	Failure *history.Failure
}

func (e *TaskFailedError) Error() string {
	if e.Failure == nil {
		return "replay: task failed"
	}
	return fmt.Sprintf("replay: task failed: %s: %s", e.Failure.ErrorType, e.Failure.Message)
}

type taskState int

const (
	taskPending taskState = iota
	taskResolved
	taskFailed
	taskCanceled
)

// Task is a single awaitable scheduled operation (activity call,
// sub-orchestration call, timer, or external event wait). It is resolved by
// the turnRunner as matching or live-completion events are consumed.
type Task struct {
	id      int64
	runner  *turnRunner
	state   taskState
	value   string
	failure *history.Failure
}

func (t *Task) resolve(value string, failure *history.Failure) {
	if t.state != taskPending {
		return
	}
	if failure != nil {
		t.state = taskFailed
		t.failure = failure
		return
	}
	t.state = taskResolved
	t.value = value
}

// Cancel drops a pending awaitable: a later Await returns
// ErrOperationCanceled. History already consumed is unchanged, and no new
// event is recorded; a cancelled timer simply fires into the void.
// Cancelling a resolved task is a no-op.
func (t *Task) Cancel() {
	if t.state == taskPending {
		t.state = taskCanceled
	}
}

func (t *Task) outcome() (string, error) {
	switch t.state {
	case taskResolved:
		return t.value, nil
	case taskCanceled:
		return "", ErrOperationCanceled
	default:
		return "", &TaskFailedError{Failure: t.failure}
	}
}

// Await blocks the orchestrator's logical turn until t resolves. If history
// runs out before t resolves, Await unwinds the current turn via
// turnSuspend{} (caught by Run), the idiomatic stand-in for a coroutine
// yield since Go has no native suspend/resume for plain function calls.
func (t *Task) Await() (string, error) {
	for t.state == taskPending {
		if !t.runner.pump() {
			panic(turnSuspend{})
		}
	}
	return t.outcome()
}

// WhenAll waits for every task to reach a terminal state, then returns each
// task's value in order. The first failure or cancellation encountered
// (in task order) is returned as err; all tasks are still awaited.
func WhenAll(tasks ...*Task) ([]string, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	r := tasks[0].runner
	for {
		done := true
		for _, t := range tasks {
			if t.state == taskPending {
				done = false
				break
			}
		}
		if done {
			break
		}
		if !r.pump() {
			panic(turnSuspend{})
		}
	}

	results := make([]string, len(tasks))
	var firstErr error
	for i, t := range tasks {
		v, err := t.outcome()
		results[i] = v
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

// WhenAny waits for the first of tasks to reach a terminal state and
// returns it. The other tasks remain pending and may be awaited later.
func WhenAny(tasks ...*Task) (*Task, error) {
	if len(tasks) == 0 {
		return nil, errors.New("replay: WhenAny requires at least one task")
	}
	r := tasks[0].runner
	for {
		for _, t := range tasks {
			if t.state != taskPending {
				return t, nil
			}
		}
		if !r.pump() {
			panic(turnSuspend{})
		}
	}
}
