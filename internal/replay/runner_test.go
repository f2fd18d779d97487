package replay

import (
	"errors"
	"testing"
	"time"

	"github.com/jviau/durabletask-go/internal/history"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func evStarted(input string) history.Event {
	return history.Event{Kind: history.KindExecutionStarted, Timestamp: t0,
		ExecutionStarted: &history.ExecutionStartedFields{Name: "Test", Input: input}}
}

func evOrch(ts time.Time) history.Event {
	return history.Event{Kind: history.KindOrchestratorStarted, Timestamp: ts}
}

func evActScheduled(id int64, name, input string) history.Event {
	return history.Event{Kind: history.KindTaskActivityScheduled, Timestamp: t0,
		TaskActivityScheduled: &history.TaskActivityScheduledFields{ID: id, Name: name, Input: input}}
}

func evActCompleted(scheduledID int64, result string, failure *history.Failure) history.Event {
	return history.Event{Kind: history.KindTaskActivityCompleted, Timestamp: t0,
		TaskActivityCompleted: &history.TaskActivityCompletedFields{ScheduledID: scheduledID, Result: result, Failure: failure}}
}

func evTimerScheduled(id int64, fireAt time.Time) history.Event {
	return history.Event{Kind: history.KindTimerScheduled, Timestamp: t0,
		TimerScheduled: &history.TimerScheduledFields{ID: id, FireAt: fireAt}}
}

func evTimerFired(scheduledID int64) history.Event {
	return history.Event{Kind: history.KindTimerFired, Timestamp: t0,
		TimerFired: &history.TimerFiredFields{ScheduledID: scheduledID}}
}

func evReceived(name, input string) history.Event {
	return history.Event{Kind: history.KindEventReceived, Timestamp: t0,
		EventReceived: &history.EventReceivedFields{Name: name, Input: input}}
}

func greet(ctx *Context, input string) (string, error) {
	return ctx.ScheduleActivity("SayHello", input).Await()
}

func TestFirstTurnSchedulesActivity(t *testing.T) {
	res := Run("i1", `"World"`, []history.Event{evStarted(`"World"`)}, []history.Event{evOrch(t0)}, greet)

	if res.Completion != nil {
		t.Fatalf("expected suspended turn, got completion %+v", res.Completion)
	}
	if len(res.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(res.Actions))
	}
	a := res.Actions[0]
	if a.Kind != history.KindTaskActivityScheduled || a.ScheduleActivity == nil {
		t.Fatalf("expected ScheduleActivity action, got %+v", a)
	}
	if a.ScheduleActivity.ID != 1 || a.ScheduleActivity.Name != "SayHello" {
		t.Fatalf("unexpected action fields: %+v", a.ScheduleActivity)
	}
}

func TestReplayResolvesActivityResult(t *testing.T) {
	old := []history.Event{
		evStarted(`"World"`),
		evOrch(t0),
		evActScheduled(1, "SayHello", `"World"`),
	}
	newEvts := []history.Event{
		evOrch(t0.Add(time.Second)),
		evActCompleted(1, `"Hello, World"`, nil),
	}
	res := Run("i1", `"World"`, old, newEvts, greet)

	if len(res.Actions) != 0 {
		t.Fatalf("replay must not re-emit actions, got %d", len(res.Actions))
	}
	if res.Completion == nil || res.Completion.Status != history.StatusCompleted {
		t.Fatalf("expected completion, got %+v", res.Completion)
	}
	if res.Completion.Result != `"Hello, World"` {
		t.Fatalf("unexpected result %q", res.Completion.Result)
	}
}

func TestActivityFailurePropagates(t *testing.T) {
	failure := &history.Failure{ErrorType: "SomeError", Message: "boom"}
	old := []history.Event{
		evStarted(""),
		evOrch(t0),
		evActScheduled(1, "SayHello", ""),
	}
	newEvts := []history.Event{evOrch(t0), evActCompleted(1, "", failure)}

	var got *TaskFailedError
	res := Run("i1", "", old, newEvts, func(ctx *Context, input string) (string, error) {
		_, err := ctx.ScheduleActivity("SayHello", input).Await()
		if !errors.As(err, &got) {
			t.Fatalf("expected TaskFailedError, got %v", err)
		}
		return "", err
	})

	if got == nil || got.Failure.ErrorType != "SomeError" {
		t.Fatalf("failure not delivered to awaiter: %+v", got)
	}
	if res.Completion == nil || res.Completion.Status != history.StatusFailed {
		t.Fatalf("expected failed completion, got %+v", res.Completion)
	}
}

func TestNonDeterminismFailsInstance(t *testing.T) {
	// History recorded a timer, but the code schedules an activity.
	old := []history.Event{
		evStarted(""),
		evOrch(t0),
		evTimerScheduled(1, t0.Add(time.Minute)),
	}
	res := Run("i1", "", old, nil, greet)

	if res.Completion == nil || res.Completion.Status != history.StatusFailed {
		t.Fatalf("expected failed completion, got %+v", res.Completion)
	}
	if res.Completion.Failure.ErrorType != history.ErrorTypeNonDeterminism {
		t.Fatalf("expected NonDeterminism, got %q", res.Completion.Failure.ErrorType)
	}
}

func TestTimerReplay(t *testing.T) {
	fireAt := t0.Add(100 * time.Millisecond)
	fn := func(ctx *Context, input string) (string, error) {
		if _, err := ctx.CreateTimer(ctx.CurrentUTCDateTime().Add(100 * time.Millisecond)).Await(); err != nil {
			return "", err
		}
		return "done", nil
	}

	// Turn 1: schedule the timer.
	res := Run("i1", "", []history.Event{evStarted("")}, []history.Event{evOrch(t0)}, fn)
	if len(res.Actions) != 1 || res.Actions[0].Kind != history.KindTimerScheduled {
		t.Fatalf("expected CreateTimer action, got %+v", res.Actions)
	}
	if !res.Actions[0].CreateTimer.FireAt.Equal(fireAt) {
		t.Fatalf("fire time drifted: %v != %v", res.Actions[0].CreateTimer.FireAt, fireAt)
	}

	// Turn 2: timer fires; the replayed intent must match the recorded one
	// because current time still comes from the first turn's marker.
	old := []history.Event{evStarted(""), evOrch(t0), evTimerScheduled(1, fireAt)}
	newEvts := []history.Event{evOrch(t0.Add(time.Second)), evTimerFired(1)}
	res = Run("i1", "", old, newEvts, fn)
	if res.Completion == nil || res.Completion.Result != "done" {
		t.Fatalf("expected completion, got %+v", res)
	}
}

func TestExternalEventBufferedBeforeWait(t *testing.T) {
	old := []history.Event{evStarted(""), evOrch(t0)}
	newEvts := []history.Event{evOrch(t0), evReceived("Go", "42")}

	res := Run("i1", "", old, newEvts, func(ctx *Context, input string) (string, error) {
		// The event arrives in the feed before the wait is issued; Await
		// pumps it and delivers it to the registered waiter.
		return ctx.WaitForExternalEvent("Go").Await()
	})
	if res.Completion == nil || res.Completion.Result != "42" {
		t.Fatalf("expected result 42, got %+v", res.Completion)
	}
}

func TestReplayDeterminism(t *testing.T) {
	fn := func(ctx *Context, input string) (string, error) {
		a, err := ctx.ScheduleActivity("StepOne", input).Await()
		if err != nil {
			return "", err
		}
		return ctx.ScheduleActivity("StepTwo", a).Await()
	}

	// The first action against the short history must be reproduced
	// verbatim when replaying the longer history.
	short := Run("i1", "in", []history.Event{evStarted("in")}, []history.Event{evOrch(t0)}, fn)
	longer := Run("i1", "in",
		[]history.Event{evStarted("in"), evOrch(t0), evActScheduled(1, "StepOne", "in")},
		[]history.Event{evOrch(t0), evActCompleted(1, "mid", nil)},
		fn)

	if len(short.Actions) != 1 || len(longer.Actions) != 1 {
		t.Fatalf("unexpected action counts: %d, %d", len(short.Actions), len(longer.Actions))
	}
	if short.Actions[0].ScheduleActivity.ID != 1 {
		t.Fatalf("first action id changed: %+v", short.Actions[0])
	}
	if longer.Actions[0].ScheduleActivity.Name != "StepTwo" || longer.Actions[0].ScheduleActivity.ID != 2 {
		t.Fatalf("second action not deterministic: %+v", longer.Actions[0])
	}
}

func TestDeterministicUUIDStableAcrossReplay(t *testing.T) {
	var first, second string
	fn := func(ctx *Context, input string) (string, error) {
		id := ctx.NewUUID()
		if first == "" {
			first = id
		} else {
			second = id
		}
		return ctx.ScheduleActivity("A", id).Await()
	}

	Run("i1", "", []history.Event{evStarted("")}, []history.Event{evOrch(t0)}, fn)
	Run("i1", "",
		[]history.Event{evStarted(""), evOrch(t0), evActScheduled(2, "A", first)},
		nil, fn)

	if first == "" || first != second {
		t.Fatalf("uuid not stable across replay: %q vs %q", first, second)
	}
}

func TestWhenAllAndWhenAny(t *testing.T) {
	old := []history.Event{
		evStarted(""),
		evOrch(t0),
		evActScheduled(1, "A", ""),
		evActScheduled(2, "B", ""),
	}
	newEvts := []history.Event{
		evOrch(t0),
		evActCompleted(2, "b", nil),
		evActCompleted(1, "a", nil),
	}

	res := Run("i1", "", old, newEvts, func(ctx *Context, input string) (string, error) {
		ta := ctx.ScheduleActivity("A", input)
		tb := ctx.ScheduleActivity("B", input)

		winner, err := WhenAny(ta, tb)
		if err != nil {
			return "", err
		}
		if winner != tb {
			t.Errorf("expected B to win (completed first in history)")
		}

		values, err := WhenAll(ta, tb)
		if err != nil {
			return "", err
		}
		return values[0] + values[1], nil
	})

	if res.Completion == nil || res.Completion.Result != "ab" {
		t.Fatalf("expected ab, got %+v", res.Completion)
	}
}

func TestContinueAsNewCarriesUnconsumedEvents(t *testing.T) {
	old := []history.Event{
		evStarted(""),
		evOrch(t0),
		evReceived("Go", "1"),
		evReceived("Go", "2"),
		evReceived("Go", "3"),
	}

	res := Run("i1", "", old, []history.Event{evOrch(t0)}, func(ctx *Context, input string) (string, error) {
		v, err := ctx.WaitForExternalEvent("Go").Await()
		if err != nil {
			return "", err
		}
		ctx.ContinueAsNew(v, true)
		return "", nil
	})

	if res.ContinueAsNew == nil {
		t.Fatalf("expected ContinueAsNew, got %+v", res)
	}
	if res.ContinueAsNew.Input != "1" {
		t.Fatalf("expected new input 1, got %q", res.ContinueAsNew.Input)
	}
	if len(res.CarryOver) != 2 {
		t.Fatalf("expected 2 carried events, got %d", len(res.CarryOver))
	}
	if res.CarryOver[0].EventReceived.Input != "2" || res.CarryOver[1].EventReceived.Input != "3" {
		t.Fatalf("carry-over out of arrival order: %+v", res.CarryOver)
	}
}

func TestSendEventMatchesDuringReplay(t *testing.T) {
	sent := history.Event{Kind: history.KindEventSent, Timestamp: t0,
		EventSent: &history.EventSentFields{ID: 1, TargetInstanceID: "other", Name: "Ping", Input: "x"}}
	old := []history.Event{evStarted(""), evOrch(t0), sent, evActScheduled(2, "A", "")}
	newEvts := []history.Event{evOrch(t0), evActCompleted(2, "ok", nil)}

	res := Run("i1", "", old, newEvts, func(ctx *Context, input string) (string, error) {
		ctx.SendEvent("other", "Ping", "x")
		return ctx.ScheduleActivity("A", input).Await()
	})

	if len(res.Actions) != 0 {
		t.Fatalf("replayed send must not re-emit, got %+v", res.Actions)
	}
	if res.Completion == nil || res.Completion.Result != "ok" {
		t.Fatalf("expected completion, got %+v", res.Completion)
	}
}

func TestCustomStatusSurfaced(t *testing.T) {
	res := Run("i1", "", []history.Event{evStarted("")}, []history.Event{evOrch(t0)},
		func(ctx *Context, input string) (string, error) {
			ctx.SetCustomStatus("phase-1")
			return ctx.ScheduleActivity("A", input).Await()
		})

	if res.CustomStatus == nil || *res.CustomStatus != "phase-1" {
		t.Fatalf("custom status lost: %+v", res.CustomStatus)
	}
}

func TestOrchestratorPanicBecomesFailure(t *testing.T) {
	res := Run("i1", "", []history.Event{evStarted("")}, []history.Event{evOrch(t0)},
		func(ctx *Context, input string) (string, error) {
			panic("kaboom")
		})

	if res.Completion == nil || res.Completion.Status != history.StatusFailed {
		t.Fatalf("expected failed completion, got %+v", res)
	}
	if res.Completion.Failure.ErrorType != "PanicError" {
		t.Fatalf("expected PanicError, got %q", res.Completion.Failure.ErrorType)
	}
}
