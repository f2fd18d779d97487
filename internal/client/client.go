// Package client implements the client half of the runtime: the
// schedule / raise-event / terminate / suspend / resume / query / purge
// primitives. It writes control deliveries to the orchestration queue and
// state rows to the instance table; it never executes user code.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jviau/durabletask-go/internal/converter"
	"github.com/jviau/durabletask-go/internal/corelog"
	"github.com/jviau/durabletask-go/internal/history"
	"github.com/jviau/durabletask-go/internal/queue"
)

// ErrNotFound is returned by Get when the instance does not exist (or was
// purged). The wait helpers do not return it: they keep polling until the
// instance appears or ctx ends.
var ErrNotFound = history.ErrNotFound

// Config configures queue routing and polling cadence.
type Config struct {
	OrchestrationQueue string
	// PollInterval is the cadence of WaitForStart/WaitForCompletion
	// polling. Default 2s.
	PollInterval time.Duration
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 2 * time.Second
}

// Client schedules and manages orchestration instances.
type Client struct {
	store     history.Store
	transport queue.Transport
	conv      converter.Converter
	cfg       Config
	log       *corelog.Logger
}

// New returns a Client writing through store and transport.
func New(store history.Store, transport queue.Transport, conv converter.Converter, cfg Config, log *corelog.Logger) *Client {
	return &Client{
		store:     store,
		transport: transport,
		conv:      conv,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "client")),
	}
}

// ScheduleOption customizes a Schedule call.
type ScheduleOption func(*scheduleOptions)

type scheduleOptions struct {
	instanceID string
	startAfter time.Duration
}

// WithInstanceID supplies the instance id instead of generating one.
func WithInstanceID(id string) ScheduleOption {
	return func(o *scheduleOptions) { o.instanceID = id }
}

// WithStartDelay delays the first turn by d.
func WithStartDelay(d time.Duration) ScheduleOption {
	return func(o *scheduleOptions) { o.startAfter = d }
}

// Schedule creates a new orchestration instance for the named orchestrator
// and enqueues its first turn. input is serialized with the client's
// converter. Returns the instance id.
func (c *Client) Schedule(ctx context.Context, name string, input any, opts ...ScheduleOption) (string, error) {
	var o scheduleOptions
	for _, opt := range opts {
		opt(&o)
	}
	instanceID := o.instanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	payload, err := c.conv.ToPayload(input)
	if err != nil {
		return "", fmt.Errorf("failed to serialize input for %s: %w", name, err)
	}

	now := time.Now().UTC()
	started := history.Event{
		Kind:             history.KindExecutionStarted,
		SequenceID:       0,
		Timestamp:        now,
		ExecutionStarted: &history.ExecutionStartedFields{Name: name, Input: payload},
	}
	inst := history.Instance{
		InstanceID:    instanceID,
		Name:          name,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Status:        history.StatusPending,
		Input:         payload,
	}
	if err := c.store.CreateInstance(ctx, inst, started); err != nil {
		return "", fmt.Errorf("failed to create instance %s: %w", instanceID, err)
	}

	env := queue.Envelope{ID: instanceID, Message: started}
	if err := c.transport.Send(ctx, c.cfg.OrchestrationQueue, env, o.startAfter); err != nil {
		return "", fmt.Errorf("failed to enqueue start for %s: %w", instanceID, err)
	}

	c.log.WithInstanceID(instanceID).Info("scheduled orchestration", zap.String("name", name))
	return instanceID, nil
}

// RaiseEvent delivers a named external event to a running instance. The
// payload is serialized with the client's converter.
func (c *Client) RaiseEvent(ctx context.Context, instanceID, name string, payload any) error {
	data, err := c.conv.ToPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", name, err)
	}
	env := queue.Envelope{ID: instanceID, Message: history.Event{
		Kind:          history.KindEventReceived,
		Timestamp:     time.Now().UTC(),
		EventReceived: &history.EventReceivedFields{Name: name, Input: data},
	}}
	if err := c.transport.Send(ctx, c.cfg.OrchestrationQueue, env, 0); err != nil {
		return fmt.Errorf("failed to raise event %s on %s: %w", name, instanceID, err)
	}
	return nil
}

// Terminate requests termination of a running instance. reason becomes the
// instance's output.
func (c *Client) Terminate(ctx context.Context, instanceID, reason string) error {
	env := queue.Envelope{ID: instanceID, Message: history.Event{
		Kind:                history.KindExecutionTerminated,
		Timestamp:           time.Now().UTC(),
		ExecutionTerminated: &history.ExecutionTerminatedFields{Reason: reason},
	}}
	if err := c.transport.Send(ctx, c.cfg.OrchestrationQueue, env, 0); err != nil {
		return fmt.Errorf("failed to terminate %s: %w", instanceID, err)
	}
	c.log.WithInstanceID(instanceID).Info("requested termination",
		zap.String("reason", corelog.PayloadPreview(reason, 256)))
	return nil
}

// Suspend pauses turn execution for an instance; deliveries buffer durably
// until Resume.
func (c *Client) Suspend(ctx context.Context, instanceID, reason string) error {
	return c.sendControl(ctx, instanceID, history.MessageSuspend, reason)
}

// Resume restarts turn execution for a suspended instance.
func (c *Client) Resume(ctx context.Context, instanceID, reason string) error {
	return c.sendControl(ctx, instanceID, history.MessageResume, reason)
}

func (c *Client) sendControl(ctx context.Context, instanceID, name, reason string) error {
	env := queue.Envelope{ID: instanceID, Message: history.Event{
		Kind:           history.KindGenericMessage,
		Timestamp:      time.Now().UTC(),
		GenericMessage: &history.GenericMessageFields{Name: name, Data: reason},
	}}
	if err := c.transport.Send(ctx, c.cfg.OrchestrationQueue, env, 0); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", name, instanceID, err)
	}
	return nil
}

// Get returns the instance's current state row. When includePayloads is
// false the input/output payloads are blanked to keep responses small.
func (c *Client) Get(ctx context.Context, instanceID string, includePayloads bool) (*history.Instance, error) {
	inst, err := c.store.ReadState(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !includePayloads {
		inst.Input = ""
		inst.Output = ""
	}
	return inst, nil
}

// Purge removes the state row and all history rows for an instance.
// Purging a non-existent instance is a no-op.
func (c *Client) Purge(ctx context.Context, instanceID string) error {
	if err := c.store.Purge(ctx, instanceID); err != nil {
		return fmt.Errorf("failed to purge %s: %w", instanceID, err)
	}
	c.log.WithInstanceID(instanceID).Info("purged instance")
	return nil
}

// PurgeBy purges every instance matching filter and returns how many were
// removed. Only instances in a terminal status are purged; the rest are
// skipped.
func (c *Client) PurgeBy(ctx context.Context, filter history.Filter) (int, error) {
	instances, err := c.store.ListInstances(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}
	purged := 0
	for _, inst := range instances {
		if !inst.Status.Terminal() {
			continue
		}
		if err := c.store.Purge(ctx, inst.InstanceID); err != nil {
			return purged, fmt.Errorf("failed to purge %s: %w", inst.InstanceID, err)
		}
		purged++
	}
	c.log.Info("purged instances by filter", zap.Int("count", purged))
	return purged, nil
}

// WaitForStart polls until the instance has left Pending, returning its
// state row.
func (c *Client) WaitForStart(ctx context.Context, instanceID string) (*history.Instance, error) {
	return c.poll(ctx, instanceID, func(inst *history.Instance) bool {
		return inst.Status != history.StatusPending
	})
}

// WaitForCompletion polls until the instance reaches a terminal status,
// returning its state row with output/failure populated.
func (c *Client) WaitForCompletion(ctx context.Context, instanceID string) (*history.Instance, error) {
	return c.poll(ctx, instanceID, func(inst *history.Instance) bool {
		return inst.Status.Terminal()
	})
}

func (c *Client) poll(ctx context.Context, instanceID string, done func(*history.Instance) bool) (*history.Instance, error) {
	ticker := time.NewTicker(c.cfg.pollInterval())
	defer ticker.Stop()

	for {
		inst, err := c.store.ReadState(ctx, instanceID)
		if err != nil && !errors.Is(err, history.ErrNotFound) {
			return nil, err
		}
		if err == nil && done(inst) {
			return inst, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
