// Package memstore is an in-memory history.Store for local development,
// single-process demos, and unit tests that don't need real persistence.
// A mutex-guarded map keyed by instance id, copy-out on read.
package memstore

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/jviau/durabletask-go/internal/history"
)

type instanceRecord struct {
	instance history.Instance
	events   map[int64]history.Event
}

// Store is an in-memory implementation of history.Store.
type Store struct {
	mu        sync.RWMutex
	instances map[string]*instanceRecord
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{instances: make(map[string]*instanceRecord)}
}

var _ history.Store = (*Store)(nil)

func (s *Store) AppendMessage(_ context.Context, instanceID string, event history.Event) (history.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[instanceID]
	if !ok {
		rec = &instanceRecord{events: make(map[int64]history.Event)}
		s.instances[instanceID] = rec
	}
	if _, exists := rec.events[event.SequenceID]; exists {
		return history.AppendDuplicate, nil
	}
	rec.events[event.SequenceID] = event
	return history.AppendOK, nil
}

func (s *Store) UpdateState(_ context.Context, instanceID string, update history.StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[instanceID]
	if !ok {
		rec = &instanceRecord{events: make(map[int64]history.Event)}
		s.instances[instanceID] = rec
		rec.instance.InstanceID = instanceID
	}
	applyStateUpdate(&rec.instance, update)
	return nil
}

func applyStateUpdate(inst *history.Instance, update history.StateUpdate) {
	if update.Status != nil {
		inst.Status = *update.Status
	}
	if update.SubStatus != nil {
		inst.SubStatus = *update.SubStatus
	}
	if update.Output != nil {
		inst.Output = *update.Output
	}
	if update.Failure != nil {
		inst.Failure = update.Failure
	}
}

func (s *Store) CreateInstance(_ context.Context, inst history.Instance, started history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[inst.InstanceID]
	if !ok {
		rec = &instanceRecord{events: make(map[int64]history.Event)}
		s.instances[inst.InstanceID] = rec
	}
	rec.instance = inst
	if _, exists := rec.events[started.SequenceID]; !exists {
		rec.events[started.SequenceID] = started
	}
	return nil
}

func (s *Store) ReadState(_ context.Context, instanceID string) (*history.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.instances[instanceID]
	if !ok {
		return nil, history.ErrNotFound
	}
	inst := rec.instance
	return &inst, nil
}

func (s *Store) StreamMessages(_ context.Context, instanceID string) iter.Seq2[history.Event, error] {
	return func(yield func(history.Event, error) bool) {
		s.mu.RLock()
		rec, ok := s.instances[instanceID]
		var ordered []history.Event
		if ok {
			ordered = make([]history.Event, 0, len(rec.events))
			for _, e := range rec.events {
				ordered = append(ordered, e)
			}
		}
		s.mu.RUnlock()

		sort.Slice(ordered, func(i, j int) bool { return ordered[i].SequenceID < ordered[j].SequenceID })
		for _, e := range ordered {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) MaxSequenceID(_ context.Context, instanceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.instances[instanceID]
	if !ok || len(rec.events) == 0 {
		return -1, nil
	}
	var max int64 = -1
	for seq := range rec.events {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (s *Store) Purge(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
	return nil
}

func (s *Store) ListInstances(_ context.Context, filter history.Filter) ([]history.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statusSet := make(map[history.Status]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statusSet[st] = true
	}

	var out []history.Instance
	for _, rec := range s.instances {
		inst := rec.instance
		if filter.CreatedFrom != nil && inst.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if filter.CreatedTo != nil && inst.CreatedAt.After(*filter.CreatedTo) {
			continue
		}
		if len(statusSet) > 0 && !statusSet[inst.Status] {
			continue
		}
		if filter.NameContains != "" && !strings.Contains(inst.Name, filter.NameContains) {
			continue
		}
		if filter.ParentInstanceID != "" && (inst.Parent == nil || inst.Parent.InstanceID != filter.ParentInstanceID) {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
