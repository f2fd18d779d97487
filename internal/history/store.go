package history

import (
	"context"
	"errors"
	"iter"
)

// ErrNotFound is returned by ReadState when no state row exists for the
// given instance id.
var ErrNotFound = errors.New("history: instance not found")

// AppendResult reports whether AppendMessage durably added a new row or
// found the row already present (idempotent retry).
type AppendResult int

const (
	AppendOK AppendResult = iota
	AppendDuplicate
)

// Store is the durable per-instance history log plus single state row
//. Implementations must honor:
//   - idempotent append keyed by (instance_id, sequence_id)
//   - state updates as an unconditional last-writer-wins per-field merge
//   - StreamMessages ordered by sequence id ascending, restartable
type Store interface {
	// AppendMessage durably records event under instanceID, keyed by
	// event.SequenceID. A second append of the same (instanceID,
	// SequenceID) is a no-op and reports AppendDuplicate without mutating
	// the stored row.
	AppendMessage(ctx context.Context, instanceID string, event Event) (AppendResult, error)

	// UpdateState merges update into the instance's state row. Creates the
	// row if it doesn't exist (first call for a new instance).
	UpdateState(ctx context.Context, instanceID string, update StateUpdate) error

	// CreateInstance inserts the initial state row and the ExecutionStarted
	// event (InstanceID, Name, Input) as a single logical operation,
	// the creation path used by the client and by sub-orchestration starts.
	CreateInstance(ctx context.Context, inst Instance, started Event) error

	// ReadState returns the current state row, or ErrNotFound.
	ReadState(ctx context.Context, instanceID string) (*Instance, error)

	// StreamMessages returns history events for instanceID ordered by
	// sequence id ascending. The returned sequence may be iterated more
	// than once (re-opened) and yields the same prefix each time.
	StreamMessages(ctx context.Context, instanceID string) iter.Seq2[Event, error]

	// MaxSequenceID returns the highest sequence id appended for
	// instanceID, or -1 if the instance has no history yet. Callers append
	// their next event at the returned value plus one.
	MaxSequenceID(ctx context.Context, instanceID string) (int64, error)

	// Purge deletes the state row and all history rows for instanceID; it
	// is the only way an instance's artifacts are ever destroyed.
	Purge(ctx context.Context, instanceID string) error

	// ListInstances returns instances matching filter, for the client's
	// query/purge-by-filter primitives.
	ListInstances(ctx context.Context, filter Filter) ([]Instance, error)
}
