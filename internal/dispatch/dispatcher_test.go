package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jviau/durabletask-go/internal/activity"
	"github.com/jviau/durabletask-go/internal/client"
	"github.com/jviau/durabletask-go/internal/converter"
	"github.com/jviau/durabletask-go/internal/corelog"
	"github.com/jviau/durabletask-go/internal/history"
	"github.com/jviau/durabletask-go/internal/history/memstore"
	"github.com/jviau/durabletask-go/internal/queue"
	"github.com/jviau/durabletask-go/internal/queue/memqueue"
	"github.com/jviau/durabletask-go/internal/replay"
)

const (
	orchQueue = "orchestrations"
	actQueue  = "activities"
)

// worker bundles a running dispatcher with the client driving it.
type worker struct {
	client *client.Client
	store  *memstore.Store
	cancel context.CancelFunc
	done   chan error
}

func startWorker(t *testing.T, register func(*replay.Registry, *activity.Registry)) *worker {
	t.Helper()
	log := corelog.Default()
	store := memstore.New()
	transport := memqueue.New()

	orchRegistry := replay.NewRegistry()
	actRegistry := activity.NewRegistry()
	register(orchRegistry, actRegistry)

	orchSource := queue.NewSource(transport, queue.SourceConfig{
		QueueName: orchQueue, Kind: queue.KindOrchestration,
		MaxInFlight: 4, VisibilityTimeout: 5 * time.Second,
	}, log)
	actSource := queue.NewSource(transport, queue.SourceConfig{
		QueueName: actQueue, Kind: queue.KindActivity,
		MaxInFlight: 4, VisibilityTimeout: 5 * time.Second,
	}, log)

	dispatcher := New(
		[]*queue.Source{orchSource, actSource},
		map[queue.Kind]Runner{
			queue.KindOrchestration: replay.NewExecutor(store, transport, orchRegistry, replay.ExecutorConfig{
				OrchestrationQueue: orchQueue, ActivityQueue: actQueue,
			}, log),
			queue.KindActivity: activity.NewRunner(actRegistry, transport, activity.RunnerConfig{
				OrchestrationQueue: orchQueue,
			}, log),
		},
		Config{DrainTimeout: 2 * time.Second},
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	c := client.New(store, transport, converter.NewJSON(), client.Config{
		OrchestrationQueue: orchQueue,
		PollInterval:       20 * time.Millisecond,
	}, log)

	w := &worker{client: c, store: store, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return w
}

func TestDispatcherHelloActivity(t *testing.T) {
	w := startWorker(t, func(orch *replay.Registry, act *activity.Registry) {
		act.Register("SayHello", func(_ activity.Context, input string) (string, error) {
			var name string
			if err := (converter.JSON{}).FromPayload(input, &name); err != nil {
				return "", err
			}
			return (converter.JSON{}).ToPayload("Hello, " + name)
		})
		orch.Register("Greet", func(ctx *replay.Context, input string) (string, error) {
			return ctx.ScheduleActivity("SayHello", input).Await()
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := w.client.Schedule(ctx, "Greet", "World")
	require.NoError(t, err)

	inst, err := w.client.WaitForCompletion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, inst.Status)
	assert.Equal(t, `"Hello, World"`, inst.Output)
}

func TestDispatcherExternalEvent(t *testing.T) {
	w := startWorker(t, func(orch *replay.Registry, _ *activity.Registry) {
		orch.Register("Waiter", func(ctx *replay.Context, input string) (string, error) {
			return ctx.WaitForExternalEvent("Go").Await()
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := w.client.Schedule(ctx, "Waiter", nil)
	require.NoError(t, err)

	_, err = w.client.WaitForStart(ctx, id)
	require.NoError(t, err)

	require.NoError(t, w.client.RaiseEvent(ctx, id, "Go", 42))

	inst, err := w.client.WaitForCompletion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, history.StatusCompleted, inst.Status)
	assert.Equal(t, "42", inst.Output)
}

func TestDispatcherTerminate(t *testing.T) {
	w := startWorker(t, func(orch *replay.Registry, _ *activity.Registry) {
		orch.Register("Waiter", func(ctx *replay.Context, input string) (string, error) {
			return ctx.WaitForExternalEvent("never").Await()
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := w.client.Schedule(ctx, "Waiter", nil)
	require.NoError(t, err)
	_, err = w.client.WaitForStart(ctx, id)
	require.NoError(t, err)

	require.NoError(t, w.client.Terminate(ctx, id, "stop"))

	inst, err := w.client.WaitForCompletion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, history.StatusTerminated, inst.Status)
	assert.Equal(t, "stop", inst.Output)
}

func TestFanInMergesAndCloses(t *testing.T) {
	log := corelog.Default()
	transport := memqueue.New()

	srcA := queue.NewSource(transport, queue.SourceConfig{
		QueueName: "qa", Kind: queue.KindOrchestration, MaxInFlight: 2, VisibilityTimeout: time.Second,
	}, log)
	srcB := queue.NewSource(transport, queue.SourceConfig{
		QueueName: "qb", Kind: queue.KindActivity, MaxInFlight: 2, VisibilityTimeout: time.Second,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srcA.Run(ctx) }()
	go func() { _ = srcB.Run(ctx) }()

	env := queue.Envelope{ID: "i1", Message: history.Event{Kind: history.KindOrchestratorStarted, Timestamp: time.Now()}}
	require.NoError(t, transport.Send(ctx, "qa", env, 0))
	require.NoError(t, transport.Send(ctx, "qb", env, 0))

	merged := fanIn([]*queue.Source{srcA, srcB})

	seen := map[queue.Kind]bool{}
	for i := 0; i < 2; i++ {
		select {
		case si := <-merged:
			seen[si.item.Kind] = true
			_ = si.item.Complete(ctx)
			si.source.Release()
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for fan-in")
		}
	}
	assert.True(t, seen[queue.KindOrchestration])
	assert.True(t, seen[queue.KindActivity])

	cancel()
	select {
	case _, open := <-merged:
		assert.False(t, open, "fan-in channel must close after sources stop")
	case <-time.After(5 * time.Second):
		t.Fatal("fan-in did not close")
	}
}
