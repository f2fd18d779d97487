package replay

import (
	"context"
	"errors"
	"fmt"
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

// ExecutorConfig configures an Executor's queue routing and timer limits.
type ExecutorConfig struct {
	OrchestrationQueue string
	ActivityQueue      string
	// MaxTimerInterval caps a single durable timer message's visibility
	// delay; longer timers are chained across redeliveries.
	// Default 7 days.
	MaxTimerInterval time.Duration
	// Clock overrides the wall clock used to stamp OrchestratorStarted
	// markers. Nil means time.Now in UTC.
	Clock func() time.Time
}

func (c ExecutorConfig) maxTimerInterval() time.Duration {
	if c.MaxTimerInterval > 0 {
		return c.MaxTimerInterval
	}
	return 7 * 24 * time.Hour
}

// Executor processes orchestration work items: it loads an instance's
// history, runs one turn of the registered orchestrator function over it,
// and commits the turn's outcome: append new
// history, append each scheduled intent and enqueue its follow-up dispatch,
// update the state row, then (and only then) complete the input lease. The
// state row is written after the dispatches are enqueued, not before. Every step before the lease delete
// is idempotent by sequence id, so a crash mid-commit redrives safely.
type Executor struct {
	store     history.Store
	transport queue.Transport
	registry  *Registry
	cfg       ExecutorConfig
	log       *corelog.Logger
	tracer    trace.Tracer
}

// NewExecutor returns an Executor wired to the given store, transport, and
// orchestrator registry.
func NewExecutor(store history.Store, transport queue.Transport, registry *Registry, cfg ExecutorConfig, log *corelog.Logger) *Executor {
	return &Executor{
		store:     store,
		transport: transport,
		registry:  registry,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "orchestration_executor")),
		tracer:    tracing.Tracer("replay"),
	}
}

func (e *Executor) now() time.Time {
	if e.cfg.Clock != nil {
		return e.cfg.Clock()
	}
	return time.Now().UTC()
}

// Execute processes one orchestration work item. A returned error means the
// item's lease should be abandoned for redelivery; a nil return means the
// item was completed (or deliberately dropped and completed).
func (e *Executor) Execute(ctx context.Context, item queue.WorkItem) error {
	instanceID := item.InstanceID()
	msg := item.Envelope.Message
	log := e.log.WithInstanceID(instanceID)

	ctx, span := e.tracer.Start(ctx, "orchestration_turn", trace.WithAttributes(
		attribute.String("durabletask.instance_id", instanceID),
		attribute.String("durabletask.message_kind", string(msg.Kind)),
	))
	defer span.End()

	state, err := e.store.ReadState(ctx, instanceID)
	switch {
	case errors.Is(err, history.ErrNotFound):
		if msg.Kind != history.KindExecutionStarted {
			// A message for an instance that was purged or never created.
			// Nothing to do but drop it.
			log.Warn("dropping work item for unknown instance", zap.String("kind", string(msg.Kind)))
			return item.Complete(ctx)
		}
		state, err = e.createFromEnvelope(ctx, item.Envelope)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to create instance %s: %w", instanceID, err)
		}
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to read state for %s: %w", instanceID, err)
	}

	if state.Status.Terminal() {
		log.Debug("dropping work item for completed instance", zap.String("kind", string(msg.Kind)))
		return item.Complete(ctx)
	}

	switch msg.Kind {
	case history.KindExecutionTerminated:
		return e.terminate(ctx, state, msg, item)
	case history.KindGenericMessage:
		switch msg.GenericMessage.Name {
		case history.MessageSuspend:
			return e.setSuspended(ctx, state, item, true)
		case history.MessageResume:
			if state.Status != history.StatusSuspended {
				return item.Complete(ctx)
			}
			if err := e.setStatus(ctx, instanceID, history.StatusRunning); err != nil {
				return err
			}
			state.Status = history.StatusRunning
			return e.runTurn(ctx, state, nil, item)
		}
		return e.runTurn(ctx, state, []history.Event{msg}, item)
	case history.KindExecutionStarted:
		// The instance row already exists (created by the client or just
		// above); the message only triggers the first turn.
		return e.runTurn(ctx, state, nil, item)
	default:
		if state.Status == history.StatusSuspended {
			// Buffer the delivery durably; it is replayed when the instance
			// resumes.
			return e.bufferWhileSuspended(ctx, state, msg, item)
		}
		return e.runTurn(ctx, state, []history.Event{msg}, item)
	}
}

// createFromEnvelope inserts the state row and ExecutionStarted event for an
// instance whose first sighting is its queue message (the client normally
// creates both before enqueueing; this is the redrive path).
func (e *Executor) createFromEnvelope(ctx context.Context, env queue.Envelope) (*history.Instance, error) {
	now := e.now()
	inst := history.Instance{
		InstanceID:    env.ID,
		Name:          env.Message.ExecutionStarted.Name,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Status:        history.StatusPending,
		Input:         env.Message.ExecutionStarted.Input,
	}
	if env.Parent != nil {
		inst.Parent = &history.ParentRef{
			InstanceID:  env.Parent.ID,
			Name:        env.Parent.Name,
			ScheduledID: env.Parent.ScheduledID,
		}
	}
	started := env.Message
	started.SequenceID = 0
	if err := e.store.CreateInstance(ctx, inst, started); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (e *Executor) setStatus(ctx context.Context, instanceID string, status history.Status) error {
	if err := e.store.UpdateState(ctx, instanceID, history.StateUpdate{Status: &status}); err != nil {
		return fmt.Errorf("failed to update state for %s: %w", instanceID, err)
	}
	return nil
}

func (e *Executor) setSuspended(ctx context.Context, state *history.Instance, item queue.WorkItem, suspend bool) error {
	status := history.StatusSuspended
	if !suspend {
		status = history.StatusRunning
	}
	if err := e.setStatus(ctx, state.InstanceID, status); err != nil {
		return err
	}
	return item.Complete(ctx)
}

// bufferWhileSuspended durably appends a delivery to a suspended instance's
// history without running a turn; the next resume replays it.
func (e *Executor) bufferWhileSuspended(ctx context.Context, state *history.Instance, msg history.Event, item queue.WorkItem) error {
	maxSeq, err := e.store.MaxSequenceID(ctx, state.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to read max sequence id for %s: %w", state.InstanceID, err)
	}
	msg.SequenceID = maxSeq + 1
	if _, err := e.store.AppendMessage(ctx, state.InstanceID, msg); err != nil {
		return fmt.Errorf("failed to buffer message for suspended instance %s: %w", state.InstanceID, err)
	}
	return item.Complete(ctx)
}

// terminate applies an explicit termination: append the terminal event,
// move the state row to Terminated with the reason as output, and notify
// the parent if this was a sub-orchestration.
func (e *Executor) terminate(ctx context.Context, state *history.Instance, msg history.Event, item queue.WorkItem) error {
	instanceID := state.InstanceID
	maxSeq, err := e.store.MaxSequenceID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to read max sequence id for %s: %w", instanceID, err)
	}
	msg.SequenceID = maxSeq + 1
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.now()
	}
	if _, err := e.store.AppendMessage(ctx, instanceID, msg); err != nil {
		return fmt.Errorf("failed to append termination for %s: %w", instanceID, err)
	}

	status := history.StatusTerminated
	output := msg.ExecutionTerminated.Reason
	update := history.StateUpdate{Status: &status, Output: &output}
	if err := e.store.UpdateState(ctx, instanceID, update); err != nil {
		return fmt.Errorf("failed to update state for %s: %w", instanceID, err)
	}

	if state.Parent != nil {
		failure := &history.Failure{
			ErrorType: history.ErrorTypeTerminated,
			Message:   msg.ExecutionTerminated.Reason,
		}
		if err := e.notifyParent(ctx, state, "", failure); err != nil {
			return err
		}
	}

	e.log.WithInstanceID(instanceID).Info("instance terminated",
		zap.String("reason", corelog.PayloadPreview(output, 256)))
	return item.Complete(ctx)
}

// notifyParent enqueues the SubOrchestrationCompleted delivery that resolves
// the parent's awaitable for this child.
func (e *Executor) notifyParent(ctx context.Context, state *history.Instance, result string, failure *history.Failure) error {
	completed := history.Event{
		Kind:      history.KindSubOrchestrationCompleted,
		Timestamp: e.now(),
		SubOrchestrationCompleted: &history.SubOrchestrationCompletedFields{
			ScheduledID: state.Parent.ScheduledID,
			Result:      result,
			Failure:     failure,
		},
	}
	env := queue.Envelope{ID: state.Parent.InstanceID, Message: completed}
	if err := e.transport.Send(ctx, e.cfg.OrchestrationQueue, env, 0); err != nil {
		return fmt.Errorf("failed to notify parent %s: %w", state.Parent.InstanceID, err)
	}
	return nil
}

// historySnapshot is the preprocessed view of an instance's durable history
// used for one turn: the ordered events plus the bookkeeping needed to
// dedupe redelivered completions and chain long timers.
type historySnapshot struct {
	events        []history.Event
	scheduledByID map[int64]history.Event
	completedIDs  map[int64]bool
	started       bool
}

func (e *Executor) loadHistory(ctx context.Context, instanceID string) (*historySnapshot, error) {
	snap := &historySnapshot{
		scheduledByID: make(map[int64]history.Event),
		completedIDs:  make(map[int64]bool),
	}
	for ev, err := range e.store.StreamMessages(ctx, instanceID) {
		if err != nil {
			return nil, fmt.Errorf("failed to stream history for %s: %w", instanceID, err)
		}
		snap.events = append(snap.events, ev)
		switch ev.Kind {
		case history.KindExecutionStarted:
			snap.started = true
		case history.KindTaskActivityScheduled, history.KindSubOrchestrationScheduled, history.KindTimerScheduled:
			snap.scheduledByID[ev.ID()] = ev
		case history.KindTaskActivityCompleted, history.KindSubOrchestrationCompleted, history.KindTimerFired:
			snap.completedIDs[ev.ScheduledID()] = true
		}
	}
	return snap, nil
}

// filterDelivered drops deliveries that must not reach the runner: duplicate
// completions for an already-resolved scheduled id, completions whose
// scheduled event no longer exists (stale after ContinueAsNew), and
// duplicate ExecutionStarted redeliveries. Timer deliveries whose recorded
// fire time is more than a second in the future are re-armed instead of
// delivered, implementing long-timer chaining.
func (e *Executor) filterDelivered(ctx context.Context, instanceID string, snap *historySnapshot, delivered []history.Event) ([]history.Event, error) {
	log := e.log.WithInstanceID(instanceID)
	out := delivered[:0]
	for _, ev := range delivered {
		switch ev.Kind {
		case history.KindExecutionStarted:
			if snap.started {
				log.Debug("dropping duplicate ExecutionStarted delivery")
				continue
			}
		case history.KindTaskActivityCompleted, history.KindSubOrchestrationCompleted, history.KindTimerFired:
			sid := ev.ScheduledID()
			if snap.completedIDs[sid] {
				log.Debug("dropping duplicate completion", zap.Int64("scheduled_id", sid))
				continue
			}
			scheduled, ok := snap.scheduledByID[sid]
			if !ok {
				log.Warn("dropping completion with no matching scheduled event", zap.Int64("scheduled_id", sid))
				continue
			}
			if ev.Kind == history.KindTimerFired {
				remaining := scheduled.TimerScheduled.FireAt.Sub(e.now())
				if remaining > time.Second {
					if remaining > e.cfg.maxTimerInterval() {
						remaining = e.cfg.maxTimerInterval()
					}
					env := queue.Envelope{ID: instanceID, Message: ev}
					if err := e.transport.Send(ctx, e.cfg.OrchestrationQueue, env, remaining); err != nil {
						return nil, fmt.Errorf("failed to chain timer for %s: %w", instanceID, err)
					}
					log.Debug("chained long timer", zap.Int64("scheduled_id", sid), zap.Duration("remaining", remaining))
					continue
				}
			}
			snap.completedIDs[sid] = true
		}
		out = append(out, ev)
	}
	return out, nil
}

// runTurn executes one orchestrator turn over the instance's durable
// history plus this work item's delivered events, then commits.
// ContinueAsNew re-enters in a bounded in-process loop.
func (e *Executor) runTurn(ctx context.Context, state *history.Instance, delivered []history.Event, item queue.WorkItem) error {
	instanceID := state.InstanceID
	log := e.log.WithInstanceID(instanceID)

	fn, ok := e.registry.Lookup(state.Name)
	if !ok {
		log.Error("no orchestrator registered", zap.String("name", state.Name))
		failure := &history.Failure{
			ErrorType: history.ErrorTypeTaskMissing,
			Message:   fmt.Sprintf("no orchestrator registered with name %q", state.Name),
		}
		if err := e.commitTerminal(ctx, state, history.StatusFailed, "", failure); err != nil {
			return err
		}
		return item.Complete(ctx)
	}

	for turn := 0; ; turn++ {
		snap, err := e.loadHistory(ctx, instanceID)
		if err != nil {
			return err
		}
		delivered, err = e.filterDelivered(ctx, instanceID, snap, delivered)
		if err != nil {
			return err
		}

		newEvts := make([]history.Event, 0, len(delivered)+1)
		newEvts = append(newEvts, history.Event{Kind: history.KindOrchestratorStarted, Timestamp: e.now()})
		newEvts = append(newEvts, delivered...)

		res := Run(instanceID, state.Input, snap.events, newEvts, fn)

		if res.ContinueAsNew == nil {
			if err := e.commitTurn(ctx, state, snap, newEvts, res); err != nil {
				return err
			}
			return item.Complete(ctx)
		}

		// ContinueAsNew: reset the instance to a fresh execution seeded
		// with the new input and any carried-over events, then run the
		// first turn of the new execution immediately. The in-process loop
		// is bounded; an orchestrator that keeps continuing past the cap
		// gets nudged back through the queue instead.
		if err := e.resetForContinueAsNew(ctx, state, res); err != nil {
			return err
		}
		delivered = nil

		if turn+1 >= maxContinueAsNewCount {
			log.Warn("continue-as-new loop cap reached, re-enqueueing",
				zap.Int("turns", turn+1))
			nudge := queue.Envelope{ID: instanceID, Message: history.Event{
				Kind:           history.KindGenericMessage,
				Timestamp:      e.now(),
				GenericMessage: &history.GenericMessageFields{Name: "continue-as-new"},
			}}
			if err := e.transport.Send(ctx, e.cfg.OrchestrationQueue, nudge, 0); err != nil {
				return fmt.Errorf("failed to re-enqueue continue-as-new for %s: %w", instanceID, err)
			}
			return item.Complete(ctx)
		}
	}
}

// resetForContinueAsNew ends the current execution and begins a fresh one
// under the same instance id: history is replaced with a new
// ExecutionStarted followed by the carried-over events, and the state row
// keeps its identity but takes the new input.
func (e *Executor) resetForContinueAsNew(ctx context.Context, state *history.Instance, res Result) error {
	instanceID := state.InstanceID
	now := e.now()

	if err := e.store.Purge(ctx, instanceID); err != nil {
		return fmt.Errorf("failed to reset history for %s: %w", instanceID, err)
	}

	state.Input = res.ContinueAsNew.Input
	state.Status = history.StatusRunning
	state.LastUpdatedAt = now
	started := history.Event{
		Kind:             history.KindExecutionStarted,
		SequenceID:       0,
		Timestamp:        now,
		ExecutionStarted: &history.ExecutionStartedFields{Name: state.Name, Input: res.ContinueAsNew.Input},
	}
	if err := e.store.CreateInstance(ctx, *state, started); err != nil {
		return fmt.Errorf("failed to recreate instance %s: %w", instanceID, err)
	}

	seq := int64(1)
	for _, carried := range res.CarryOver {
		carried.SequenceID = seq
		carried.Timestamp = now
		seq++
		if _, err := e.store.AppendMessage(ctx, instanceID, carried); err != nil {
			return fmt.Errorf("failed to carry over event for %s: %w", instanceID, err)
		}
	}
	return nil
}

// commitTurn applies the turn commit protocol: append this turn's
// new events and scheduled intents, enqueue follow-up dispatches, and merge
// the state row. The caller completes the input lease afterwards.
func (e *Executor) commitTurn(ctx context.Context, state *history.Instance, snap *historySnapshot, newEvts []history.Event, res Result) error {
	instanceID := state.InstanceID
	alloc := history.NewSequenceAllocator(nextSequenceID(snap))

	for _, ev := range newEvts {
		ev.SequenceID = alloc.Next()
		if _, err := e.store.AppendMessage(ctx, instanceID, ev); err != nil {
			return fmt.Errorf("failed to append event for %s: %w", instanceID, err)
		}
	}

	for _, action := range res.Actions {
		if err := e.applyAction(ctx, state, alloc, action); err != nil {
			return err
		}
	}

	update := history.StateUpdate{}
	if res.CustomStatus != nil {
		update.SubStatus = res.CustomStatus
	}

	if res.Completion != nil {
		completed := history.Event{
			Kind:       history.KindExecutionCompleted,
			SequenceID: alloc.Next(),
			Timestamp:  e.now(),
			ExecutionCompleted: &history.ExecutionCompletedFields{
				Result:  res.Completion.Result,
				Failure: res.Completion.Failure,
			},
		}
		if _, err := e.store.AppendMessage(ctx, instanceID, completed); err != nil {
			return fmt.Errorf("failed to append completion for %s: %w", instanceID, err)
		}
		update.Status = &res.Completion.Status
		update.Output = &res.Completion.Result
		update.Failure = res.Completion.Failure

		if state.Parent != nil {
			var failure *history.Failure
			if res.Completion.Status == history.StatusFailed {
				failure = res.Completion.Failure
			}
			if err := e.notifyParent(ctx, state, res.Completion.Result, failure); err != nil {
				return err
			}
		}
	} else {
		running := history.StatusRunning
		update.Status = &running
	}

	if err := e.store.UpdateState(ctx, instanceID, update); err != nil {
		return fmt.Errorf("failed to update state for %s: %w", instanceID, err)
	}
	return nil
}

// commitTerminal is the short path for failures decided before user code
// runs (missing orchestrator registration).
func (e *Executor) commitTerminal(ctx context.Context, state *history.Instance, status history.Status, result string, failure *history.Failure) error {
	instanceID := state.InstanceID
	maxSeq, err := e.store.MaxSequenceID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to read max sequence id for %s: %w", instanceID, err)
	}
	completed := history.Event{
		Kind:       history.KindExecutionCompleted,
		SequenceID: maxSeq + 1,
		Timestamp:  e.now(),
		ExecutionCompleted: &history.ExecutionCompletedFields{
			Result:  result,
			Failure: failure,
		},
	}
	if _, err := e.store.AppendMessage(ctx, instanceID, completed); err != nil {
		return fmt.Errorf("failed to append completion for %s: %w", instanceID, err)
	}
	update := history.StateUpdate{Status: &status, Output: &result, Failure: failure}
	if err := e.store.UpdateState(ctx, instanceID, update); err != nil {
		return fmt.Errorf("failed to update state for %s: %w", instanceID, err)
	}
	if state.Parent != nil {
		return e.notifyParent(ctx, state, result, failure)
	}
	return nil
}

func nextSequenceID(snap *historySnapshot) int64 {
	if len(snap.events) == 0 {
		return 0
	}
	return snap.events[len(snap.events)-1].SequenceID + 1
}

// applyAction persists and dispatches one live action.
func (e *Executor) applyAction(ctx context.Context, state *history.Instance, alloc *history.SequenceAllocator, action Action) error {
	instanceID := state.InstanceID
	now := e.now()

	switch action.Kind {
	case history.KindTaskActivityScheduled:
		a := action.ScheduleActivity
		ev := history.Event{
			Kind:       history.KindTaskActivityScheduled,
			SequenceID: alloc.Next(),
			Timestamp:  now,
			TaskActivityScheduled: &history.TaskActivityScheduledFields{
				ID: a.ID, Name: a.Name, Input: a.Input,
			},
		}
		if _, err := e.store.AppendMessage(ctx, instanceID, ev); err != nil {
			return fmt.Errorf("failed to append activity schedule for %s: %w", instanceID, err)
		}
		env := queue.Envelope{ID: instanceID, Message: ev}
		if err := e.transport.Send(ctx, e.cfg.ActivityQueue, env, 0); err != nil {
			return fmt.Errorf("failed to enqueue activity %s for %s: %w", a.Name, instanceID, err)
		}

	case history.KindSubOrchestrationScheduled:
		a := action.ScheduleOrchestration
		ev := history.Event{
			Kind:       history.KindSubOrchestrationScheduled,
			SequenceID: alloc.Next(),
			Timestamp:  now,
			SubOrchestrationScheduled: &history.SubOrchestrationScheduledFields{
				ID: a.ID, Name: a.Name, Input: a.Input,
			},
		}
		if _, err := e.store.AppendMessage(ctx, instanceID, ev); err != nil {
			return fmt.Errorf("failed to append sub-orchestration schedule for %s: %w", instanceID, err)
		}

		child := history.Instance{
			InstanceID:    a.InstanceID,
			Name:          a.Name,
			CreatedAt:     now,
			LastUpdatedAt: now,
			Status:        history.StatusPending,
			Input:         a.Input,
			Parent: &history.ParentRef{
				InstanceID:  instanceID,
				Name:        state.Name,
				ScheduledID: a.ID,
			},
		}
		started := history.Event{
			Kind:             history.KindExecutionStarted,
			SequenceID:       0,
			Timestamp:        now,
			ExecutionStarted: &history.ExecutionStartedFields{Name: a.Name, Input: a.Input},
		}
		if err := e.store.CreateInstance(ctx, child, started); err != nil {
			return fmt.Errorf("failed to create sub-orchestration %s: %w", a.InstanceID, err)
		}
		env := queue.Envelope{
			ID:      a.InstanceID,
			Message: started,
			Parent: &queue.ParentInfo{
				ID:          instanceID,
				Name:        state.Name,
				QueueName:   e.cfg.OrchestrationQueue,
				ScheduledID: a.ID,
			},
		}
		if err := e.transport.Send(ctx, e.cfg.OrchestrationQueue, env, 0); err != nil {
			return fmt.Errorf("failed to enqueue sub-orchestration %s: %w", a.InstanceID, err)
		}

	case history.KindTimerScheduled:
		a := action.CreateTimer
		ev := history.Event{
			Kind:       history.KindTimerScheduled,
			SequenceID: alloc.Next(),
			Timestamp:  now,
			TimerScheduled: &history.TimerScheduledFields{
				ID: a.ID, FireAt: a.FireAt,
			},
		}
		if _, err := e.store.AppendMessage(ctx, instanceID, ev); err != nil {
			return fmt.Errorf("failed to append timer schedule for %s: %w", instanceID, err)
		}
		delay := a.FireAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if delay > e.cfg.maxTimerInterval() {
			delay = e.cfg.maxTimerInterval()
		}
		fired := history.Event{
			Kind:      history.KindTimerFired,
			Timestamp: a.FireAt,
			TimerFired: &history.TimerFiredFields{
				ScheduledID: a.ID,
			},
		}
		env := queue.Envelope{ID: instanceID, Message: fired}
		if err := e.transport.Send(ctx, e.cfg.OrchestrationQueue, env, delay); err != nil {
			return fmt.Errorf("failed to arm timer for %s: %w", instanceID, err)
		}

	case history.KindEventSent:
		a := action.SendEvent
		ev := history.Event{
			Kind:       history.KindEventSent,
			SequenceID: alloc.Next(),
			Timestamp:  now,
			EventSent: &history.EventSentFields{
				ID: a.ID, TargetInstanceID: a.TargetInstanceID, Name: a.Name, Input: a.Input,
			},
		}
		if _, err := e.store.AppendMessage(ctx, instanceID, ev); err != nil {
			return fmt.Errorf("failed to append event send for %s: %w", instanceID, err)
		}
		delivery := history.Event{
			Kind:      history.KindEventReceived,
			Timestamp: now,
			EventReceived: &history.EventReceivedFields{
				Name: a.Name, Input: a.Input,
			},
		}
		env := queue.Envelope{ID: a.TargetInstanceID, Message: delivery}
		if err := e.transport.Send(ctx, e.cfg.OrchestrationQueue, env, 0); err != nil {
			return fmt.Errorf("failed to send event to %s: %w", a.TargetInstanceID, err)
		}

	default:
		return fmt.Errorf("replay: unknown action kind %s", action.Kind)
	}
	return nil
}
