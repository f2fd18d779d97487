// Package dispatch implements the worker loop: fan-in over any
// number of work-item sources, bounded concurrency per work-item kind, and
// graceful drain on shutdown.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jviau/durabletask-go/internal/corelog"
	"github.com/jviau/durabletask-go/internal/queue"
	"github.com/jviau/durabletask-go/internal/tracing"
)

// Runner executes one work item of a given kind. A nil return means the
// item's lease was completed (or deliberately dropped); an error means the
// dispatcher should abandon the lease for redelivery.
type Runner interface {
	Execute(ctx context.Context, item queue.WorkItem) error
}

// Config configures dispatcher concurrency and shutdown behavior.
type Config struct {
	// Concurrency bounds in-flight runs per work-item kind. Kinds absent
	// from the map default to DefaultConcurrency.
	Concurrency map[queue.Kind]int
	// DefaultConcurrency applies to kinds without an explicit bound.
	// Default 8.
	DefaultConcurrency int
	// DrainTimeout bounds how long Run waits for in-flight work after its
	// context is cancelled. Default 30s.
	DrainTimeout time.Duration
	// VisibilityTimeout drives the lock-renewal cadence: leases are
	// renewed every VisibilityTimeout/2 while a runner holds an item.
	// Zero disables renewal.
	VisibilityTimeout time.Duration
}

func (c Config) concurrency(kind queue.Kind) int64 {
	if n, ok := c.Concurrency[kind]; ok && n > 0 {
		return int64(n)
	}
	if c.DefaultConcurrency > 0 {
		return int64(c.DefaultConcurrency)
	}
	return 8
}

func (c Config) drainTimeout() time.Duration {
	if c.DrainTimeout > 0 {
		return c.DrainTimeout
	}
	return 30 * time.Second
}

// Dispatcher multiplexes work-item sources into per-kind runners.
type Dispatcher struct {
	sources []*queue.Source
	runners map[queue.Kind]Runner
	sems    map[queue.Kind]*semaphore.Weighted
	cfg     Config
	log     *corelog.Logger
	tracer  trace.Tracer

	stopCh chan struct{}
}

// New returns a Dispatcher over the given sources. Each source's Kind must
// have a runner registered.
func New(sources []*queue.Source, runners map[queue.Kind]Runner, cfg Config, log *corelog.Logger) *Dispatcher {
	sems := make(map[queue.Kind]*semaphore.Weighted, len(runners))
	for kind := range runners {
		sems[kind] = semaphore.NewWeighted(cfg.concurrency(kind))
	}
	return &Dispatcher{
		sources: sources,
		runners: runners,
		sems:    sems,
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "dispatcher")),
		tracer:  tracing.Tracer("dispatch"),
	}
}

// Run starts every source and dispatches their work items until ctx is
// cancelled, then drains in-flight runs up to the configured deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.stopCh = make(chan struct{})
	defer close(d.stopCh)

	g, runCtx := errgroup.WithContext(ctx)
	for _, src := range d.sources {
		g.Go(func() error { return src.Run(runCtx) })
	}

	items := fanIn(d.sources)
	var workers errgroup.Group

	d.log.Info("dispatcher started", zap.Int("sources", len(d.sources)))

	for si := range items {
		sem, ok := d.sems[si.item.Kind]
		if !ok {
			d.log.Error("no runner registered for work-item kind",
				zap.String("kind", string(si.item.Kind)))
			d.abandonItem(si)
			si.source.Release()
			continue
		}
		if err := sem.Acquire(runCtx, 1); err != nil {
			// Shutting down; put the item back for another worker.
			d.abandonItem(si)
			si.source.Release()
			continue
		}
		workers.Go(func() error {
			defer sem.Release(1)
			d.process(runCtx, si)
			return nil
		})
	}

	// Sources have closed; wait for in-flight work, bounded by the drain
	// deadline.
	drained := make(chan struct{})
	go func() {
		workers.Wait() //nolint:errcheck // workers never return errors
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.cfg.drainTimeout()):
		d.log.Warn("drain deadline reached with work still in flight")
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("source failed: %w", err)
	}
	d.log.Info("dispatcher stopped")
	return nil
}

// process runs one work item through its runner, keeping the lease alive
// for the duration and abandoning it if the runner errors.
func (d *Dispatcher) process(ctx context.Context, si sourcedItem) {
	defer si.source.Release()

	item := si.item
	log := d.log.WithInstanceID(item.InstanceID()).WithFields(zap.String("kind", string(item.Kind)))

	ctx, span := d.tracer.Start(ctx, "dispatch_work_item", trace.WithAttributes(
		attribute.String("durabletask.instance_id", item.InstanceID()),
		attribute.String("durabletask.kind", string(item.Kind)),
	))
	defer span.End()

	stopRenewal := d.startLockRenewal(ctx, &item, log)
	defer stopRenewal()

	runner := d.runners[item.Kind]
	if err := runner.Execute(ctx, item); err != nil {
		log.WithError(err).Warn("work item failed, abandoning lease")
		span.SetStatus(codes.Error, err.Error())
		d.abandonItem(si)
	}
}

// startLockRenewal renews the item's lease every VisibilityTimeout/2 for
// as long as the runner holds the item, until the returned stop function
// is called.
func (d *Dispatcher) startLockRenewal(ctx context.Context, item *queue.WorkItem, log *corelog.Logger) func() {
	if d.cfg.VisibilityTimeout <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, _, err := item.TryRenewLock(ctx, d.cfg.VisibilityTimeout)
				if err != nil || !ok {
					log.WithError(err).Warn("failed to renew work-item lease")
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// abandonItem puts a work item back on its queue with no delay, using a
// detached context so the lease operation outlives shutdown cancellation.
// The caller keeps ownership of the source's in-flight slot.
func (d *Dispatcher) abandonItem(si sourcedItem) {
	ctx, cancel := detached(d.stopCh, 10*time.Second)
	defer cancel()
	if err := si.item.Abandon(ctx, 0); err != nil {
		d.log.WithInstanceID(si.item.InstanceID()).WithError(err).Error("failed to abandon work item")
	}
}
