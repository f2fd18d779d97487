package replay

import (
	"context"
	"testing"
	"time"

	"github.com/jviau/durabletask-go/internal/corelog"
	"github.com/jviau/durabletask-go/internal/history"
	"github.com/jviau/durabletask-go/internal/history/memstore"
	"github.com/jviau/durabletask-go/internal/queue"
	"github.com/jviau/durabletask-go/internal/queue/memqueue"
)

const (
	testOrchQueue = "orchestrations"
	testActQueue  = "activities"
)

type execHarness struct {
	store     *memstore.Store
	transport *memqueue.Transport
	registry  *Registry
	exec      *Executor
}

func newExecHarness(t *testing.T) *execHarness {
	t.Helper()
	h := &execHarness{
		store:     memstore.New(),
		transport: memqueue.New(),
		registry:  NewRegistry(),
	}
	h.exec = NewExecutor(h.store, h.transport, h.registry, ExecutorConfig{
		OrchestrationQueue: testOrchQueue,
		ActivityQueue:      testActQueue,
	}, corelog.Default())
	return h
}

func (h *execHarness) schedule(t *testing.T, instanceID, name, input string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	started := history.Event{
		Kind:             history.KindExecutionStarted,
		Timestamp:        now,
		ExecutionStarted: &history.ExecutionStartedFields{Name: name, Input: input},
	}
	inst := history.Instance{
		InstanceID: instanceID, Name: name, CreatedAt: now, LastUpdatedAt: now,
		Status: history.StatusPending, Input: input,
	}
	if err := h.store.CreateInstance(ctx, inst, started); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if err := h.transport.Send(ctx, testOrchQueue, queue.Envelope{ID: instanceID, Message: started}, 0); err != nil {
		t.Fatalf("enqueue start: %v", err)
	}
}

// drainOrch processes every visible orchestration message once.
func (h *execHarness) drainOrch(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	processed := 0
	for {
		msgs, err := h.transport.Receive(ctx, testOrchQueue, 10, 5*time.Second)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if len(msgs) == 0 {
			return processed
		}
		for _, msg := range msgs {
			item := queue.NewWorkItem(queue.KindOrchestration, testOrchQueue, h.transport, msg)
			if err := h.exec.Execute(ctx, item); err != nil {
				t.Fatalf("execute: %v", err)
			}
			processed++
		}
	}
}

// runActivities answers every pending activity request with fn's result.
func (h *execHarness) runActivities(t *testing.T, fn func(name, input string) (string, *history.Failure)) int {
	t.Helper()
	ctx := context.Background()
	handled := 0
	for {
		msgs, err := h.transport.Receive(ctx, testActQueue, 10, 5*time.Second)
		if err != nil {
			t.Fatalf("receive activities: %v", err)
		}
		if len(msgs) == 0 {
			return handled
		}
		for _, msg := range msgs {
			scheduled := msg.Envelope.Message.TaskActivityScheduled
			result, failure := fn(scheduled.Name, scheduled.Input)
			completed := history.Event{
				Kind:      history.KindTaskActivityCompleted,
				Timestamp: time.Now().UTC(),
				TaskActivityCompleted: &history.TaskActivityCompletedFields{
					ScheduledID: scheduled.ID, Result: result, Failure: failure,
				},
			}
			if err := h.transport.Send(ctx, testOrchQueue, queue.Envelope{ID: msg.Envelope.ID, Message: completed}, 0); err != nil {
				t.Fatalf("send completion: %v", err)
			}
			if err := h.transport.Complete(ctx, testActQueue, msg); err != nil {
				t.Fatalf("complete activity: %v", err)
			}
			handled++
		}
	}
}

func (h *execHarness) state(t *testing.T, instanceID string) *history.Instance {
	t.Helper()
	inst, err := h.store.ReadState(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	return inst
}

func (h *execHarness) events(t *testing.T, instanceID string) []history.Event {
	t.Helper()
	var out []history.Event
	for ev, err := range h.store.StreamMessages(context.Background(), instanceID) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestExecutorHelloActivity(t *testing.T) {
	h := newExecHarness(t)
	h.registry.Register("Greet", greet)
	h.schedule(t, "i1", "Greet", `"World"`)

	h.drainOrch(t)
	h.runActivities(t, func(name, input string) (string, *history.Failure) {
		return `"Hello, World"`, nil
	})
	h.drainOrch(t)

	inst := h.state(t, "i1")
	if inst.Status != history.StatusCompleted {
		t.Fatalf("expected Completed, got %s", inst.Status)
	}
	if inst.Output != `"Hello, World"` {
		t.Fatalf("unexpected output %q", inst.Output)
	}
}

func TestExecutorTerminate(t *testing.T) {
	h := newExecHarness(t)
	h.registry.Register("Waiter", func(ctx *Context, input string) (string, error) {
		return ctx.WaitForExternalEvent("never").Await()
	})
	h.schedule(t, "i1", "Waiter", "")
	h.drainOrch(t)

	ctx := context.Background()
	term := history.Event{
		Kind:                history.KindExecutionTerminated,
		Timestamp:           time.Now().UTC(),
		ExecutionTerminated: &history.ExecutionTerminatedFields{Reason: `"stop"`},
	}
	if err := h.transport.Send(ctx, testOrchQueue, queue.Envelope{ID: "i1", Message: term}, 0); err != nil {
		t.Fatalf("send terminate: %v", err)
	}
	h.drainOrch(t)

	inst := h.state(t, "i1")
	if inst.Status != history.StatusTerminated {
		t.Fatalf("expected Terminated, got %s", inst.Status)
	}
	if inst.Output != `"stop"` {
		t.Fatalf("expected reason as output, got %q", inst.Output)
	}

	// Post-terminal deliveries are dropped without new history.
	before := len(h.events(t, "i1"))
	if err := h.transport.Send(ctx, testOrchQueue, queue.Envelope{ID: "i1", Message: history.Event{
		Kind:          history.KindEventReceived,
		Timestamp:     time.Now().UTC(),
		EventReceived: &history.EventReceivedFields{Name: "never", Input: "1"},
	}}, 0); err != nil {
		t.Fatalf("send event: %v", err)
	}
	h.drainOrch(t)
	if after := len(h.events(t, "i1")); after != before {
		t.Fatalf("terminal instance accepted appends: %d -> %d", before, after)
	}
}

func TestExecutorDuplicateCompletionDropped(t *testing.T) {
	h := newExecHarness(t)
	h.registry.Register("Greet", greet)
	h.schedule(t, "i1", "Greet", `"World"`)
	h.drainOrch(t)

	// Answer the activity twice: redelivery of the same scheduled id.
	ctx := context.Background()
	msgs, err := h.transport.Receive(ctx, testActQueue, 10, 5*time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 activity request, got %d (err %v)", len(msgs), err)
	}
	scheduled := msgs[0].Envelope.Message.TaskActivityScheduled
	completed := history.Event{
		Kind:      history.KindTaskActivityCompleted,
		Timestamp: time.Now().UTC(),
		TaskActivityCompleted: &history.TaskActivityCompletedFields{
			ScheduledID: scheduled.ID, Result: `"one"`,
		},
	}
	for i := 0; i < 2; i++ {
		if err := h.transport.Send(ctx, testOrchQueue, queue.Envelope{ID: "i1", Message: completed}, 0); err != nil {
			t.Fatalf("send completion: %v", err)
		}
	}
	_ = h.transport.Complete(ctx, testActQueue, msgs[0])
	h.drainOrch(t)

	count := 0
	for _, ev := range h.events(t, "i1") {
		if ev.Kind == history.KindTaskActivityCompleted {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one TaskActivityCompleted, got %d", count)
	}
	if inst := h.state(t, "i1"); inst.Status != history.StatusCompleted || inst.Output != `"one"` {
		t.Fatalf("unexpected terminal state: %+v", inst)
	}
}

func TestExecutorTimerTurn(t *testing.T) {
	h := newExecHarness(t)
	h.registry.Register("Sleeper", func(ctx *Context, input string) (string, error) {
		if _, err := ctx.CreateTimer(ctx.CurrentUTCDateTime().Add(50 * time.Millisecond)).Await(); err != nil {
			return "", err
		}
		return "woke", nil
	})
	h.schedule(t, "i1", "Sleeper", "")
	h.drainOrch(t)

	if inst := h.state(t, "i1"); inst.Status != history.StatusRunning {
		t.Fatalf("expected Running while timer pending, got %s", inst.Status)
	}

	// The timer message is invisible until its delay elapses.
	if n := h.drainOrch(t); n != 0 {
		t.Fatalf("timer fired early: processed %d items", n)
	}
	time.Sleep(80 * time.Millisecond)
	h.drainOrch(t)

	inst := h.state(t, "i1")
	if inst.Status != history.StatusCompleted || inst.Output != "woke" {
		t.Fatalf("unexpected state after timer: %+v", inst)
	}

	var kinds []history.Kind
	for _, ev := range h.events(t, "i1") {
		if ev.Kind == history.KindTimerScheduled || ev.Kind == history.KindTimerFired {
			kinds = append(kinds, ev.Kind)
		}
	}
	if len(kinds) != 2 || kinds[0] != history.KindTimerScheduled || kinds[1] != history.KindTimerFired {
		t.Fatalf("expected TimerScheduled then TimerFired, got %v", kinds)
	}
}

func TestExecutorContinueAsNew(t *testing.T) {
	h := newExecHarness(t)
	h.registry.Register("Counter", func(ctx *Context, input string) (string, error) {
		if input == "2" {
			return "finished", nil
		}
		next := "1"
		if input == "1" {
			next = "2"
		}
		ctx.ContinueAsNew(next, false)
		return "", nil
	})
	h.schedule(t, "i1", "Counter", "0")
	h.drainOrch(t)

	inst := h.state(t, "i1")
	if inst.Status != history.StatusCompleted || inst.Output != "finished" {
		t.Fatalf("unexpected state: %+v", inst)
	}
	// The final execution's history belongs to the last generation only.
	events := h.events(t, "i1")
	if events[0].Kind != history.KindExecutionStarted || events[0].ExecutionStarted.Input != "2" {
		t.Fatalf("history not reset for new execution: %+v", events[0])
	}
}

func TestExecutorSuspendBuffersUntilResume(t *testing.T) {
	h := newExecHarness(t)
	h.registry.Register("Waiter", func(ctx *Context, input string) (string, error) {
		return ctx.WaitForExternalEvent("Go").Await()
	})
	h.schedule(t, "i1", "Waiter", "")
	h.drainOrch(t)

	ctx := context.Background()
	send := func(msg history.Event) {
		if err := h.transport.Send(ctx, testOrchQueue, queue.Envelope{ID: "i1", Message: msg}, 0); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	send(history.Event{Kind: history.KindGenericMessage, Timestamp: time.Now().UTC(),
		GenericMessage: &history.GenericMessageFields{Name: history.MessageSuspend}})
	h.drainOrch(t)
	if inst := h.state(t, "i1"); inst.Status != history.StatusSuspended {
		t.Fatalf("expected Suspended, got %s", inst.Status)
	}

	send(history.Event{Kind: history.KindEventReceived, Timestamp: time.Now().UTC(),
		EventReceived: &history.EventReceivedFields{Name: "Go", Input: "42"}})
	h.drainOrch(t)
	if inst := h.state(t, "i1"); inst.Status != history.StatusSuspended {
		t.Fatalf("suspended instance ran a turn: %s", inst.Status)
	}

	send(history.Event{Kind: history.KindGenericMessage, Timestamp: time.Now().UTC(),
		GenericMessage: &history.GenericMessageFields{Name: history.MessageResume}})
	h.drainOrch(t)

	inst := h.state(t, "i1")
	if inst.Status != history.StatusCompleted || inst.Output != "42" {
		t.Fatalf("buffered event lost across suspend: %+v", inst)
	}
}

func TestExecutorSubOrchestration(t *testing.T) {
	h := newExecHarness(t)
	h.registry.Register("Parent", func(ctx *Context, input string) (string, error) {
		return ctx.ScheduleSubOrchestration("Child", ctx.NewUUID(), input).Await()
	})
	h.registry.Register("Child", func(ctx *Context, input string) (string, error) {
		return input + "-done", nil
	})
	h.schedule(t, "p1", "Parent", "work")

	// Parent turn, child turn, then parent resumes on the completion.
	for i := 0; i < 5; i++ {
		if h.drainOrch(t) == 0 {
			break
		}
	}

	inst := h.state(t, "p1")
	if inst.Status != history.StatusCompleted || inst.Output != "work-done" {
		t.Fatalf("unexpected parent state: %+v", inst)
	}
}

func TestExecutorMissingOrchestratorFails(t *testing.T) {
	h := newExecHarness(t)
	h.schedule(t, "i1", "Nope", "")
	h.drainOrch(t)

	inst := h.state(t, "i1")
	if inst.Status != history.StatusFailed {
		t.Fatalf("expected Failed, got %s", inst.Status)
	}
	if inst.Failure == nil || inst.Failure.ErrorType != history.ErrorTypeTaskMissing {
		t.Fatalf("expected TaskMissing failure, got %+v", inst.Failure)
	}
}
