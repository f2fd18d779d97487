// Package activity implements the activity runner: single-shot
// execution of side-effectful work, one invocation per scheduled id, with
// the result routed back to the owning orchestration as a
// TaskActivityCompleted delivery.
package activity

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jviau/durabletask-go/internal/corelog"
	"github.com/jviau/durabletask-go/internal/history"
	"github.com/jviau/durabletask-go/internal/queue"
	"github.com/jviau/durabletask-go/internal/tracing"
)

// ErrAbort signals that the current work item should be abandoned without
// completion: the lease lapses and the message is redelivered.
// Return it (or wrap it) from an activity to retry without recording a
// failure.
var ErrAbort = errors.New("activity: abort work item")

// Context carries the invocation metadata an activity may need. Activities
// must not assume exactly-once execution: a redelivered work item reruns
// the function with the same TaskID.
type Context struct {
	context.Context

	// InstanceID is the orchestration instance that scheduled this call.
	InstanceID string
	// TaskID is the scheduled id correlating this invocation with its
	// TaskActivityScheduled history event.
	TaskID int64
	// Attempt is the delivery count for this work item, starting at 1.
	Attempt int
}

// Func is a registered activity implementation. Input and output are the
// data converter's opaque payload strings.
type Func func(ctx Context, input string) (string, error)

// Registry maps activity names to implementations. Populated at worker
// start; immutable afterwards by convention.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty activity Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces the activity implementation for name.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the registered implementation for name, if any.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// RunnerConfig configures where activity outcomes are routed.
type RunnerConfig struct {
	// OrchestrationQueue receives the TaskActivityCompleted deliveries.
	OrchestrationQueue string
}

// Runner executes activity work items. The outcome — success or failure —
// is enqueued back to the orchestration queue as a TaskActivityCompleted
// delivery, then the input lease is completed. The history append happens
// on the orchestration side, which also dedupes redelivered completions
//, so this runner never touches the history store.
type Runner struct {
	registry  *Registry
	transport queue.Transport
	cfg       RunnerConfig
	log       *corelog.Logger
	tracer    trace.Tracer
}

// NewRunner returns a Runner routing outcomes through transport.
func NewRunner(registry *Registry, transport queue.Transport, cfg RunnerConfig, log *corelog.Logger) *Runner {
	return &Runner{
		registry:  registry,
		transport: transport,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "activity_runner")),
		tracer:    tracing.Tracer("activity"),
	}
}

// Execute processes one activity work item. A returned error means the
// lease should be abandoned for redelivery.
func (r *Runner) Execute(ctx context.Context, item queue.WorkItem) error {
	msg := item.Envelope.Message
	if msg.Kind != history.KindTaskActivityScheduled {
		r.log.Warn("dropping non-activity message on activity queue",
			zap.String("kind", string(msg.Kind)))
		return item.Complete(ctx)
	}

	scheduled := msg.TaskActivityScheduled
	instanceID := item.InstanceID()
	log := r.log.WithInstanceID(instanceID).WithFields(
		zap.String("activity", scheduled.Name),
		zap.Int64("task_id", scheduled.ID),
	)

	spanCtx, span := r.tracer.Start(ctx, "activity_execute", trace.WithAttributes(
		attribute.String("durabletask.instance_id", instanceID),
		attribute.String("durabletask.activity", scheduled.Name),
		attribute.Int64("durabletask.task_id", scheduled.ID),
	))
	defer span.End()

	result, failure := r.invoke(spanCtx, item, scheduled)
	if failure != nil && failure.ErrorType == abortSentinel {
		log.Warn("activity aborted, abandoning lease")
		span.SetStatus(codes.Error, "aborted")
		return item.Abandon(ctx, 0)
	}

	completed := history.Event{
		Kind:      history.KindTaskActivityCompleted,
		Timestamp: time.Now().UTC(),
		TaskActivityCompleted: &history.TaskActivityCompletedFields{
			ScheduledID: scheduled.ID,
			Result:      result,
			Failure:     failure,
		},
	}
	env := queue.Envelope{ID: instanceID, Message: completed}
	if err := r.transport.Send(ctx, r.cfg.OrchestrationQueue, env, 0); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to enqueue activity completion for %s: %w", instanceID, err)
	}

	if failure != nil {
		log.Warn("activity failed",
			zap.String("error_type", failure.ErrorType),
			zap.String("error", corelog.PayloadPreview(failure.Message, 256)))
		span.SetStatus(codes.Error, failure.Message)
	} else {
		log.Debug("activity completed")
	}
	return item.Complete(ctx)
}

// abortSentinel marks an invoke outcome that must abandon instead of
// completing; it never leaves this package.
const abortSentinel = "__abort"

func (r *Runner) invoke(ctx context.Context, item queue.WorkItem, scheduled *history.TaskActivityScheduledFields) (result string, failure *history.Failure) {
	fn, ok := r.registry.Lookup(scheduled.Name)
	if !ok {
		return "", &history.Failure{
			ErrorType: history.ErrorTypeTaskMissing,
			Message:   fmt.Sprintf("no activity registered with name %q", scheduled.Name),
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			failure = &history.Failure{
				ErrorType:  "PanicError",
				Message:    fmt.Sprint(rec),
				StackTrace: string(debug.Stack()),
			}
		}
	}()

	actx := Context{
		Context:    ctx,
		InstanceID: item.InstanceID(),
		TaskID:     scheduled.ID,
		Attempt:    item.DequeueCount(),
	}
	out, err := fn(actx, scheduled.Input)
	if err != nil {
		if errors.Is(err, ErrAbort) {
			return "", &history.Failure{ErrorType: abortSentinel, Message: err.Error()}
		}
		return "", FailureFromError(err)
	}
	return out, nil
}

// FailureFromError converts an activity error into the serializable failure
// record surfaced to the awaiting orchestrator.
func FailureFromError(err error) *history.Failure {
	return &history.Failure{
		ErrorType: fmt.Sprintf("%T", err),
		Message:   err.Error(),
	}
}
