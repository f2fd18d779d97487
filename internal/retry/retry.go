// Package retry implements the retry policy engine: a declarative
// exponential-backoff policy and an imperative per-failure handler, both
// driven by the orchestrator's deterministic clock so retry schedules
// replay identically.
//
// The backoff arithmetic rides on github.com/cenkalti/backoff/v5 with
// randomization disabled; jitter would break replay determinism.
package retry

import (
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jviau/durabletask-go/internal/history"
	"github.com/jviau/durabletask-go/internal/replay"
)

// Policy is the declarative retry shape: the delay before retry k is
// min(FirstInterval × BackoffCoefficient^(k−1), MaxInterval), retrying
// until MaxAttempts retries have been spent or total elapsed orchestrator
// time passes RetryTimeout. A Policy{MaxAttempts: 5, FirstInterval: 1s,
// BackoffCoefficient: 2, MaxInterval: 30s} therefore sleeps
// 1s, 2s, 4s, 8s, 16s between its six invocations.
type Policy struct {
	// MaxAttempts bounds retries after the first invocation: the
	// operation runs at most MaxAttempts+1 times.
	MaxAttempts int
	// FirstInterval is the delay before the second attempt.
	FirstInterval time.Duration
	// BackoffCoefficient multiplies the delay per attempt. Values below
	// 1.0 are treated as 1.0.
	BackoffCoefficient float64
	// MaxInterval clamps any single delay. Zero means no clamp.
	MaxInterval time.Duration
	// RetryTimeout aborts retrying once total elapsed time (by the
	// orchestrator's clock) reaches it. Zero means no timeout.
	RetryTimeout time.Duration
	// ShouldRetry, when set, can veto a retry for a given failure.
	ShouldRetry func(*history.Failure) bool
}

// Delays returns the full delay schedule the policy produces: one entry
// per retry, MaxAttempts entries total.
func (p Policy) Delays() []time.Duration {
	if p.MaxAttempts <= 0 {
		return nil
	}
	b := p.newBackOff()
	out := make([]time.Duration, 0, p.MaxAttempts)
	for i := 0; i < p.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	coef := p.BackoffCoefficient
	if coef < 1.0 {
		coef = 1.0
	}
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.FirstInterval,
		RandomizationFactor: 0,
		Multiplier:          coef,
		MaxInterval:         maxInterval,
	}
	b.Reset()
	return b
}

// RetryContext is handed to an imperative Handler after each failure.
type RetryContext struct {
	// Attempt is the 1-based number of the attempt that just failed.
	Attempt int
	// FirstFailure is the failure from attempt 1.
	FirstFailure *history.Failure
	// LastFailure is the failure from the most recent attempt.
	LastFailure *history.Failure
	// TotalElapsed is orchestrator time since the first attempt started.
	TotalElapsed time.Duration
}

// Handler decides after each failure whether to retry. Returning false
// rethrows the failure to the caller. The handler runs inside the
// orchestrator turn and must itself be deterministic.
type Handler func(ctx *replay.Context, rc *RetryContext) bool

// scheduleFunc abstracts over activity and sub-orchestration scheduling so
// the retry loop is written once.
type scheduleFunc func() *replay.Task

// fatal reports whether a failure's root cause is a missing task
// registration, which is never retried.
func fatal(f *history.Failure) bool {
	for ; f != nil; f = f.Inner {
		if f.ErrorType == history.ErrorTypeTaskMissing {
			return true
		}
	}
	return false
}

// Activity schedules the named activity and retries failures per policy,
// sleeping on a durable timer between attempts.
func Activity(ctx *replay.Context, name, input string, p Policy) (string, error) {
	return run(ctx, func() *replay.Task { return ctx.ScheduleActivity(name, input) }, p, nil)
}

// ActivityWithHandler schedules the named activity and consults handler
// after each failure; the policy's interval fields still shape the delay
// between attempts. The handler replaces MaxAttempts and ShouldRetry in
// deciding whether to continue; a TaskMissing failure and RetryTimeout
// still end retrying regardless of the handler.
func ActivityWithHandler(ctx *replay.Context, name, input string, p Policy, handler Handler) (string, error) {
	return run(ctx, func() *replay.Task { return ctx.ScheduleActivity(name, input) }, p, handler)
}

// SubOrchestration schedules the named sub-orchestration and retries
// failures per policy. Each attempt gets a distinct deterministic child
// instance id.
func SubOrchestration(ctx *replay.Context, name, input string, p Policy) (string, error) {
	return run(ctx, func() *replay.Task {
		return ctx.ScheduleSubOrchestration(name, ctx.NewUUID(), input)
	}, p, nil)
}

func run(ctx *replay.Context, schedule scheduleFunc, p Policy, handler Handler) (string, error) {
	b := p.newBackOff()
	start := ctx.CurrentUTCDateTime()
	var firstFailure *history.Failure

	for attempt := 1; ; attempt++ {
		result, err := schedule().Await()
		if err == nil {
			return result, nil
		}

		var tf *replay.TaskFailedError
		if !errors.As(err, &tf) {
			return "", err
		}
		failure := tf.Failure
		if firstFailure == nil {
			firstFailure = failure
		}
		if fatal(failure) {
			return "", err
		}

		elapsed := ctx.CurrentUTCDateTime().Sub(start)
		if handler != nil {
			rc := &RetryContext{
				Attempt:      attempt,
				FirstFailure: firstFailure,
				LastFailure:  failure,
				TotalElapsed: elapsed,
			}
			if !handler(ctx, rc) {
				return "", err
			}
		} else {
			// attempt counts invocations; attempt-1 retries have been
			// spent so far.
			if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
				return "", err
			}
			if p.ShouldRetry != nil && !p.ShouldRetry(failure) {
				return "", err
			}
		}

		delay := b.NextBackOff()
		if p.RetryTimeout > 0 && elapsed+delay >= p.RetryTimeout {
			return "", err
		}
		if delay > 0 {
			if _, terr := ctx.CreateTimer(ctx.CurrentUTCDateTime().Add(delay)).Await(); terr != nil {
				return "", terr
			}
		}
	}
}
