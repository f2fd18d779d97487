package paging

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jviau/durabletask-go/internal/history"
	"github.com/jviau/durabletask-go/internal/replay"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func evStarted(input string) history.Event {
	return history.Event{Kind: history.KindExecutionStarted, Timestamp: t0,
		ExecutionStarted: &history.ExecutionStartedFields{Name: "Test", Input: input}}
}

func evOrch() history.Event {
	return history.Event{Kind: history.KindOrchestratorStarted, Timestamp: t0}
}

func evActScheduled(id int64, name string) history.Event {
	return history.Event{Kind: history.KindTaskActivityScheduled, Timestamp: t0,
		TaskActivityScheduled: &history.TaskActivityScheduledFields{ID: id, Name: name}}
}

func evActCompleted(scheduledID int64, result string) history.Event {
	return history.Event{Kind: history.KindTaskActivityCompleted, Timestamp: t0,
		TaskActivityCompleted: &history.TaskActivityCompletedFields{ScheduledID: scheduledID, Result: result}}
}

func pageJSON(t *testing.T, values []string, token *string) string {
	t.Helper()
	page := Page{ContinuationToken: token}
	for _, v := range values {
		page.Values = append(page.Values, json.RawMessage(fmt.Sprintf("%q", v)))
	}
	b, err := json.Marshal(page)
	if err != nil {
		t.Fatalf("marshal page: %v", err)
	}
	return string(b)
}

func TestPagerDrainsAllPages(t *testing.T) {
	tok1, tok2 := "t1", "t2"
	old := []history.Event{
		evStarted(""),
		evOrch(),
		evActScheduled(1, "ListThings"),
		evActCompleted(1, pageJSON(t, []string{"a", "b"}, &tok1)),
		evActScheduled(2, "ListThings"),
		evActCompleted(2, pageJSON(t, []string{"c"}, &tok2)),
		evActScheduled(3, "ListThings"),
		evActCompleted(3, pageJSON(t, []string{"d", "e"}, nil)),
	}

	res := replay.Run("i1", "", old, nil, func(ctx *replay.Context, input string) (string, error) {
		pager := NewPager(ctx, "ListThings", nil, 2)
		values, err := pager.AllValues()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", len(values)), nil
	})

	if res.Completion == nil || res.Completion.Status != history.StatusCompleted {
		t.Fatalf("expected completion, got %+v", res)
	}
	// Exactly the provider's three pages were consumed: five values total,
	// and no fourth activity invocation was attempted.
	if res.Completion.Result != "5" {
		t.Fatalf("expected 5 values, got %s", res.Completion.Result)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("pager issued an extra invocation past the last page: %+v", res.Actions)
	}
}

func TestPagerPageAtATime(t *testing.T) {
	tok := "next"
	old := []history.Event{
		evStarted(""),
		evOrch(),
		evActScheduled(1, "ListThings"),
		evActCompleted(1, pageJSON(t, []string{"a"}, &tok)),
	}

	res := replay.Run("i1", "", old, nil, func(ctx *replay.Context, input string) (string, error) {
		pager := NewPager(ctx, "ListThings", nil, 1)
		page, err := pager.Next()
		if err != nil {
			return "", err
		}
		if len(page.Values) != 1 {
			t.Errorf("expected 1 value, got %d", len(page.Values))
		}
		// One-page-then-continue-as-new: the token survives the reset.
		if tok := pager.ContinuationToken(); tok == nil || *tok != "next" {
			t.Errorf("continuation token lost: %v", tok)
		}
		ctx.ContinueAsNew(*pager.ContinuationToken(), false)
		return "", nil
	})

	if res.ContinueAsNew == nil || res.ContinueAsNew.Input != "next" {
		t.Fatalf("expected ContinueAsNew with token, got %+v", res)
	}
}

func TestPagerResume(t *testing.T) {
	old := []history.Event{
		evStarted(""),
		evOrch(),
		evActScheduled(1, "ListThings"),
		evActCompleted(1, pageJSON(t, []string{"z"}, nil)),
	}

	res := replay.Run("i1", "", old, nil, func(ctx *replay.Context, input string) (string, error) {
		pager := NewPager(ctx, "ListThings", nil, 0)
		tok := "resumed-from"
		pager.Resume(&tok)
		page, err := pager.Next()
		if err != nil {
			return "", err
		}
		if page == nil {
			return "", fmt.Errorf("expected a final page")
		}
		if next, err := pager.Next(); err != nil || next != nil {
			return "", fmt.Errorf("expected exhausted stream, got %v/%v", next, err)
		}
		return "ok", nil
	})

	if res.Completion == nil || res.Completion.Result != "ok" {
		t.Fatalf("expected completion, got %+v", res)
	}
}

func handleJSON(t *testing.T, h OperationHandle) string {
	t.Helper()
	b, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal handle: %v", err)
	}
	return string(b)
}

func TestLROCompletesSynchronously(t *testing.T) {
	done := handleJSON(t, OperationHandle{HasCompleted: true, Value: json.RawMessage(`"answer"`)})
	old := []history.Event{
		evStarted(""),
		evOrch(),
		evActScheduled(1, "StartJob"),
		evActCompleted(1, done),
	}

	lro := LRO{StartActivity: "StartJob", PollActivity: "PollJob", WaitOrchestrator: "WaitJob"}
	res := replay.Run("i1", "", old, nil, func(ctx *replay.Context, input string) (string, error) {
		return lro.Await(ctx, input)
	})

	if res.Completion == nil || res.Completion.Result != `"answer"` {
		t.Fatalf("expected synchronous value, got %+v", res)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("completed operation must not spawn a wait orchestration: %+v", res.Actions)
	}
}

func TestLRODelegatesToWaitOrchestration(t *testing.T) {
	pending := handleJSON(t, OperationHandle{HasCompleted: false, PollDelay: time.Minute})
	old := []history.Event{
		evStarted(""),
		evOrch(),
		evActScheduled(1, "StartJob"),
		evActCompleted(1, pending),
	}

	lro := LRO{StartActivity: "StartJob", PollActivity: "PollJob", WaitOrchestrator: "WaitJob"}
	res := replay.Run("i1", "", old, nil, func(ctx *replay.Context, input string) (string, error) {
		return lro.Await(ctx, input)
	})

	if res.Completion != nil {
		t.Fatalf("expected suspended turn, got %+v", res.Completion)
	}
	if len(res.Actions) != 1 || res.Actions[0].Kind != history.KindSubOrchestrationScheduled {
		t.Fatalf("expected wait sub-orchestration, got %+v", res.Actions)
	}
	if res.Actions[0].ScheduleOrchestration.Name != "WaitJob" {
		t.Fatalf("wrong wait orchestrator: %+v", res.Actions[0].ScheduleOrchestration)
	}
}

func TestWaitOrchestratorPollLoop(t *testing.T) {
	pending := handleJSON(t, OperationHandle{HasCompleted: false, PollDelay: time.Minute})
	stillPending := handleJSON(t, OperationHandle{HasCompleted: false, PollDelay: time.Minute})
	fn := NewWaitOrchestrator("PollJob")

	// First pass: timer armed, poll still pending -> ContinueAsNew with the
	// refreshed handle.
	old := []history.Event{
		evStarted(pending),
		evOrch(),
		{Kind: history.KindTimerScheduled, Timestamp: t0,
			TimerScheduled: &history.TimerScheduledFields{ID: 1, FireAt: t0.Add(time.Minute)}},
		{Kind: history.KindTimerFired, Timestamp: t0,
			TimerFired: &history.TimerFiredFields{ScheduledID: 1}},
		evActScheduled(2, "PollJob"),
		evActCompleted(2, stillPending),
	}
	res := replay.Run("i1", pending, old, nil, fn)
	if res.ContinueAsNew == nil {
		t.Fatalf("expected ContinueAsNew to poll again, got %+v", res)
	}

	// Final pass: poll reports completion -> the value is returned.
	done := handleJSON(t, OperationHandle{HasCompleted: true, Value: json.RawMessage(`"42"`), PollDelay: time.Minute})
	old[5] = evActCompleted(2, done)
	res = replay.Run("i1", pending, old, nil, fn)
	if res.Completion == nil || res.Completion.Result != `"42"` {
		t.Fatalf("expected final value, got %+v", res)
	}
}
