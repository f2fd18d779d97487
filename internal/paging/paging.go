// Package paging composes multi-turn orchestrations from single activity
// requests: paged activity streaming and long-running-operation (LRO)
// polling. Both helpers run inside an orchestrator turn and only use the
// deterministic context primitives, so they replay cleanly.
package paging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jviau/durabletask-go/internal/replay"
)

// Page is one page of results from a paged activity. Values are opaque
// converter payloads; a nil ContinuationToken means this is the last page.
type Page struct {
	Values            []json.RawMessage `json:"values"`
	ContinuationToken *string           `json:"continuationToken,omitempty"`
}

// PageRequest is the input a paged activity receives per invocation.
// PageSizeHint is advisory; providers may return more or fewer values.
type PageRequest struct {
	// Input is the caller's original request payload, passed unchanged to
	// every page invocation.
	Input json.RawMessage `json:"input,omitempty"`
	// ContinuationToken is nil on the first invocation, then the previous
	// page's token.
	ContinuationToken *string `json:"continuationToken,omitempty"`
	// PageSizeHint is the caller's advisory page size, 0 when unset.
	PageSizeHint int `json:"pageSizeHint,omitempty"`
}

// Pager streams the pages of a paged activity, issuing one activity
// invocation per page.
type Pager struct {
	ctx      *replay.Context
	activity string
	req      PageRequest
	started  bool
	done     bool
}

// NewPager returns a Pager over the named paged activity. input is the
// request payload forwarded to every invocation.
func NewPager(ctx *replay.Context, activityName string, input json.RawMessage, pageSizeHint int) *Pager {
	return &Pager{
		ctx:      ctx,
		activity: activityName,
		req:      PageRequest{Input: input, PageSizeHint: pageSizeHint},
	}
}

// ContinuationToken returns the token that would fetch the next page, or
// nil when the stream is positioned at the start or exhausted. Callers
// hand it to Resume after a ContinueAsNew to pick up where they left off.
func (p *Pager) ContinuationToken() *string { return p.req.ContinuationToken }

// Resume positions the pager at the given continuation token, for the
// one-page-then-continue-as-new consumption strategy.
func (p *Pager) Resume(token *string) {
	p.req.ContinuationToken = token
	p.started = token != nil
	p.done = false
}

// Next fetches the next page. Returns (nil, nil) once the provider has
// returned a page without a continuation token.
func (p *Pager) Next() (*Page, error) {
	if p.done {
		return nil, nil
	}
	if p.started && p.req.ContinuationToken == nil {
		p.done = true
		return nil, nil
	}

	reqPayload, err := json.Marshal(p.req)
	if err != nil {
		return nil, fmt.Errorf("paging: failed to encode page request: %w", err)
	}
	out, err := p.ctx.ScheduleActivity(p.activity, string(reqPayload)).Await()
	if err != nil {
		return nil, err
	}

	var page Page
	if err := json.Unmarshal([]byte(out), &page); err != nil {
		return nil, fmt.Errorf("paging: activity %s returned a non-page payload: %w", p.activity, err)
	}

	p.started = true
	p.req.ContinuationToken = page.ContinuationToken
	if page.ContinuationToken == nil {
		p.done = true
	}
	return &page, nil
}

// AllValues drains the pager with the await-all strategy and returns every
// value across all pages, in page order.
func (p *Pager) AllValues() ([]json.RawMessage, error) {
	var out []json.RawMessage
	for {
		page, err := p.Next()
		if err != nil {
			return nil, err
		}
		if page == nil {
			return out, nil
		}
		out = append(out, page.Values...)
	}
}

// OperationHandle is the state of a long-running operation as reported by
// its start and poll activities.
type OperationHandle struct {
	HasCompleted bool            `json:"hasCompleted"`
	Value        json.RawMessage `json:"value,omitempty"`
	// Token is provider state threaded through poll invocations.
	Token json.RawMessage `json:"token,omitempty"`
	// PollDelay is how long to wait before the next poll.
	PollDelay time.Duration `json:"pollDelay"`
}

// LRO names the activities composing one long-running operation.
type LRO struct {
	// StartActivity kicks the operation off and returns the initial
	// OperationHandle.
	StartActivity string
	// PollActivity takes the current OperationHandle and returns an
	// updated one.
	PollActivity string
	// WaitOrchestrator is the name the poll loop orchestrator (from
	// NewWaitOrchestrator) is registered under.
	WaitOrchestrator string
}

// Await starts the operation and, if it hasn't completed synchronously,
// delegates the poll loop to the wait sub-orchestration, returning the
// operation's final value. This is the canonical loop for external
// long-running jobs.
func (l LRO) Await(ctx *replay.Context, input string) (string, error) {
	out, err := ctx.ScheduleActivity(l.StartActivity, input).Await()
	if err != nil {
		return "", err
	}
	handle, err := decodeHandle(l.StartActivity, out)
	if err != nil {
		return "", err
	}
	if handle.HasCompleted {
		return string(handle.Value), nil
	}
	return ctx.ScheduleSubOrchestration(l.WaitOrchestrator, ctx.NewUUID(), out).Await()
}

// NewWaitOrchestrator builds the poll-loop orchestrator for an LRO: sleep
// for the handle's poll delay, invoke the poll activity, and either return
// the value or ContinueAsNew with the refreshed handle to poll again. Each
// poll cycle is its own execution, so the history never grows unbounded.
func NewWaitOrchestrator(pollActivity string) replay.OrchestratorFunc {
	return func(ctx *replay.Context, input string) (string, error) {
		handle, err := decodeHandle(pollActivity, input)
		if err != nil {
			return "", err
		}
		if handle.HasCompleted {
			return string(handle.Value), nil
		}

		fireAt := ctx.CurrentUTCDateTime().Add(handle.PollDelay)
		if _, err := ctx.CreateTimer(fireAt).Await(); err != nil {
			return "", err
		}

		out, err := ctx.ScheduleActivity(pollActivity, input).Await()
		if err != nil {
			return "", err
		}
		refreshed, err := decodeHandle(pollActivity, out)
		if err != nil {
			return "", err
		}
		if refreshed.HasCompleted {
			return string(refreshed.Value), nil
		}
		ctx.ContinueAsNew(out, false)
		return "", nil // unreachable; ContinueAsNew never returns
	}
}

func decodeHandle(source, payload string) (*OperationHandle, error) {
	var handle OperationHandle
	if err := json.Unmarshal([]byte(payload), &handle); err != nil {
		return nil, fmt.Errorf("paging: %s returned a non-handle payload: %w", source, err)
	}
	return &handle, nil
}
