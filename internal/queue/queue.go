// Package queue implements the work-item dispatch pipeline: a
// transport-agnostic queue abstraction, the dispatch envelope wire shape,
// and a Source that polls a queue, leases messages, and decodes them into
// typed WorkItems for a runner. Delivery is at-least-once: a lease is a
// visibility timeout, not a lock, so every consumer of a WorkItem must be
// idempotent under redelivery.
package queue

import (
	"context"
	"time"

	"github.com/jviau/durabletask-go/internal/history"
)

// Kind names which queue a work item came from.
type Kind string

const (
	KindOrchestration Kind = "orchestration"
	KindActivity      Kind = "activity"
)

// ParentInfo identifies the parent orchestration of a sub-orchestration
// instance, by id only, never by pointer.
type ParentInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	QueueName   string `json:"queueName,omitempty"`
	ScheduledID int64  `json:"scheduledId,omitempty"`
}

// Envelope is the dispatch envelope wire shape:
// {"Id":"<instance>","Message":{...},"Parent":{...}}.
type Envelope struct {
	ID      string        `json:"Id"`
	Message history.Event `json:"Message"`
	Parent  *ParentInfo   `json:"Parent,omitempty"`
}

// RawMessage is a transport-level message after receive: the decoded
// Envelope plus the fields the transport populates after receive.
type RawMessage struct {
	Envelope     Envelope
	MessageID    string
	PopReceipt   string
	DequeueCount int
}

// Transport is the queue abstraction: receive/complete/abandon/extend
// visibility timeout for dispatch envelopes. Concrete bindings (memqueue,
// natsqueue) implement this over an in-process channel or NATS JetStream.
type Transport interface {
	// EnsureQueue creates the named queue if it doesn't already exist.
	EnsureQueue(ctx context.Context, name string) error

	// Send enqueues env onto the named queue, optionally visible only after
	// delay (used to arm durable timers).
	Send(ctx context.Context, queueName string, env Envelope, delay time.Duration) error

	// Receive leases up to maxMessages messages from the named queue, each
	// invisible to other receivers for visibilityTimeout. Returns fewer than
	// maxMessages (including zero) if the queue has fewer ready messages.
	Receive(ctx context.Context, queueName string, maxMessages int, visibilityTimeout time.Duration) ([]RawMessage, error)

	// Complete deletes msg from the named queue, releasing its lease.
	Complete(ctx context.Context, queueName string, msg RawMessage) error

	// Abandon makes msg visible again after delay, without deleting it.
	Abandon(ctx context.Context, queueName string, msg RawMessage, delay time.Duration) error

	// RenewLock extends msg's visibility timeout, returning the message with
	// an updated PopReceipt/metadata if the transport requires one.
	RenewLock(ctx context.Context, queueName string, msg RawMessage, visibilityTimeout time.Duration) (RawMessage, error)
}
