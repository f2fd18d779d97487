package history

import (
	"fmt"
	"sync"
)

// RowKeyWidth is the zero-padded width of a history row key, so lexical row
// order equals numeric sequence-id order. 6 digits caps a single
// instance's history at one million events, which is the per-instance cap
// this implementation documents.
const RowKeyWidth = 6

// RowKey renders a sequence id as the zero-padded fixed-width string used
// as the history table's row key.
func RowKey(sequenceID int64) string {
	return fmt.Sprintf("%0*d", RowKeyWidth, sequenceID)
}

// SequenceAllocator hands out the next monotone sequence id for one
// instance's history, and the next action id for intents issued
// within a turn: distinct intents get distinct ids from a monotone
// counter scoped to the instance.
//
// Allocation happens in the application rather than via a database
// auto-increment because the key must be dense and visible to the replay
// matching algorithm before the row is durably committed.
type SequenceAllocator struct {
	mu   sync.Mutex
	next int64
}

// NewSequenceAllocator returns an allocator that will hand out nextSeq,
// nextSeq+1, ... on successive calls to Next. Callers seed nextSeq from
// 1 + the highest sequence id already present in history.
func NewSequenceAllocator(nextSeq int64) *SequenceAllocator {
	return &SequenceAllocator{next: nextSeq}
}

// Next returns the next sequence id and advances the allocator.
func (a *SequenceAllocator) Next() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// Peek returns the id Next would return without advancing the allocator.
func (a *SequenceAllocator) Peek() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
