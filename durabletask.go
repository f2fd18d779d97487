// Package durabletask is a durable-workflow runtime: deterministic
// orchestrator functions replayed over an append-only event history, with
// side-effectful activities dispatched through leased, at-least-once work
// queues. The Worker hosts orchestrator and activity execution; the Client
// schedules instances and manages their lifecycle.
package durabletask

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jviau/durabletask-go/internal/activity"
	"github.com/jviau/durabletask-go/internal/client"
	"github.com/jviau/durabletask-go/internal/config"
	"github.com/jviau/durabletask-go/internal/converter"
	"github.com/jviau/durabletask-go/internal/corelog"
	"github.com/jviau/durabletask-go/internal/db"
	"github.com/jviau/durabletask-go/internal/dispatch"
	"github.com/jviau/durabletask-go/internal/history"
	"github.com/jviau/durabletask-go/internal/history/memstore"
	"github.com/jviau/durabletask-go/internal/history/pgstore"
	"github.com/jviau/durabletask-go/internal/history/sqlitestore"
	"github.com/jviau/durabletask-go/internal/paging"
	"github.com/jviau/durabletask-go/internal/queue"
	"github.com/jviau/durabletask-go/internal/queue/memqueue"
	"github.com/jviau/durabletask-go/internal/queue/natsqueue"
	"github.com/jviau/durabletask-go/internal/replay"
	"github.com/jviau/durabletask-go/internal/retry"
)

// Re-exported orchestration authoring surface. User code imports only this
// package; the internal packages stay internal.
type (
	// OrchestrationContext is the deterministic API handed to an
	// orchestrator function.
	OrchestrationContext = replay.Context
	// Task is an awaitable scheduled operation.
	Task = replay.Task
	// OrchestratorFunc is a registered orchestrator entry point.
	OrchestratorFunc = replay.OrchestratorFunc
	// ActivityContext carries activity invocation metadata.
	ActivityContext = activity.Context
	// ActivityFunc is a registered activity implementation.
	ActivityFunc = activity.Func
	// RetryPolicy is the declarative retry shape.
	RetryPolicy = retry.Policy
	// RetryHandler is the imperative per-failure retry decision.
	RetryHandler = retry.Handler
	// TaskFailedError wraps a failed operation's failure record.
	TaskFailedError = replay.TaskFailedError
	// InstanceMetadata is an instance's durable state row.
	InstanceMetadata = history.Instance
	// InstanceFilter selects instances for PurgeBy.
	InstanceFilter = history.Filter
	// LRO composes a long-running operation from start/poll activities.
	LRO = paging.LRO
	// Page is one page of a paged activity's results.
	Page = paging.Page
	// PageRequest is the per-invocation input of a paged activity.
	PageRequest = paging.PageRequest
)

// ErrAbortWorkItem signals an activity's work item should be abandoned for
// redelivery instead of completing with a failure.
var ErrAbortWorkItem = activity.ErrAbort

// WhenAll awaits every task; see replay.WhenAll.
var WhenAll = replay.WhenAll

// WhenAny awaits the first task to finish; see replay.WhenAny.
var WhenAny = replay.WhenAny

// RetryActivity schedules an activity with declarative retry.
var RetryActivity = retry.Activity

// RetrySubOrchestration schedules a sub-orchestration with declarative retry.
var RetrySubOrchestration = retry.SubOrchestration

// Runtime bundles the storage and transport halves both the Worker and the
// Client are built over.
type Runtime struct {
	Store     history.Store
	Transport queue.Transport
	Converter converter.Converter
	Config    *config.Config
	Log       *corelog.Logger

	closers []func() error
}

// NewRuntime builds storage and transport from configuration: SQLite or
// Postgres for the history store (or the in-memory store when driver is
// "memory"), NATS JetStream for the queues when nats.url is set, the
// in-process transport otherwise.
func NewRuntime(cfg *config.Config, log *corelog.Logger) (*Runtime, error) {
	rt := &Runtime{
		Converter: converter.NewJSON(),
		Config:    cfg,
		Log:       log,
	}

	switch cfg.Database.Driver {
	case "memory":
		rt.Store = memstore.New()
	case "sqlite", "":
		pool, err := db.OpenSQLitePool(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		store, err := sqlitestore.NewWithPool(pool)
		if err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("failed to initialize history store: %w", err)
		}
		rt.Store = store
		rt.closers = append(rt.closers, pool.Close)
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		store, err := pgstore.New(sqlx.NewDb(conn, "pgx"))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to initialize history store: %w", err)
		}
		rt.Store = store
		rt.closers = append(rt.closers, conn.Close)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	if cfg.NATS.URL != "" {
		transport, err := natsqueue.Connect(natsqueue.Config{
			URL:           cfg.NATS.URL,
			ClientID:      cfg.NATS.ClientID,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("failed to connect NATS transport: %w", err)
		}
		rt.Transport = transport
		rt.closers = append(rt.closers, func() error { transport.Close(); return nil })
	} else {
		rt.Transport = memqueue.New()
	}

	return rt, nil
}

// Close releases the runtime's storage and transport resources.
func (rt *Runtime) Close() error {
	var firstErr error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Client returns a Client over the runtime's storage and transport.
func (rt *Runtime) Client() *client.Client {
	return client.New(rt.Store, rt.Transport, rt.Converter, client.Config{
		OrchestrationQueue: rt.Config.Queue.OrchestrationQueue,
	}, rt.Log)
}

// Worker hosts orchestrator and activity execution: one work-item source
// per queue, fanned into a dispatcher with per-kind concurrency bounds.
type Worker struct {
	rt            *Runtime
	orchestrators *replay.Registry
	activities    *activity.Registry
}

// Worker returns a new Worker over the runtime. Register orchestrators and
// activities before calling Run.
func (rt *Runtime) Worker() *Worker {
	return &Worker{
		rt:            rt,
		orchestrators: replay.NewRegistry(),
		activities:    activity.NewRegistry(),
	}
}

// RegisterOrchestrator adds an orchestrator function under name.
func (w *Worker) RegisterOrchestrator(name string, fn OrchestratorFunc) {
	w.orchestrators.Register(name, fn)
}

// RegisterActivity adds an activity implementation under name.
func (w *Worker) RegisterActivity(name string, fn ActivityFunc) {
	w.activities.Register(name, fn)
}

// Run subscribes to the orchestration and activity queues and processes
// work items until ctx is cancelled, then drains gracefully.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.rt.Config
	log := w.rt.Log

	orchSource := queue.NewSource(w.rt.Transport, queue.SourceConfig{
		QueueName:         cfg.Queue.OrchestrationQueue,
		Kind:              queue.KindOrchestration,
		MaxInFlight:       cfg.Dispatch.OrchestrationConcurrency,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		PoisonThreshold:   cfg.Queue.PoisonThreshold,
	}, log)
	actSource := queue.NewSource(w.rt.Transport, queue.SourceConfig{
		QueueName:         cfg.Queue.ActivityQueue,
		Kind:              queue.KindActivity,
		MaxInFlight:       cfg.Dispatch.ActivityConcurrency,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		PoisonThreshold:   cfg.Queue.PoisonThreshold,
	}, log)

	orchRunner := replay.NewExecutor(w.rt.Store, w.rt.Transport, w.orchestrators, replay.ExecutorConfig{
		OrchestrationQueue: cfg.Queue.OrchestrationQueue,
		ActivityQueue:      cfg.Queue.ActivityQueue,
	}, log)
	actRunner := activity.NewRunner(w.activities, w.rt.Transport, activity.RunnerConfig{
		OrchestrationQueue: cfg.Queue.OrchestrationQueue,
	}, log)

	dispatcher := dispatch.New(
		[]*queue.Source{orchSource, actSource},
		map[queue.Kind]dispatch.Runner{
			queue.KindOrchestration: orchRunner,
			queue.KindActivity:      actRunner,
		},
		dispatch.Config{
			Concurrency: map[queue.Kind]int{
				queue.KindOrchestration: cfg.Dispatch.OrchestrationConcurrency,
				queue.KindActivity:      cfg.Dispatch.ActivityConcurrency,
			},
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		},
		log,
	)

	return dispatcher.Run(ctx)
}
