package testutil

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

var _ driven.SyncStore = (*FakeStore)(nil)

// FakeStore is an in-memory driven.SyncStore.
type FakeStore struct {
	mu        sync.Mutex
	published map[model.RequestID]model.PublishedRecord
	ops       []model.Operation
}

// NewFakeStore creates an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{published: make(map[model.RequestID]model.PublishedRecord)}
}

func (s *FakeStore) RecordPublished(_ context.Context, rec model.PublishedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[rec.RequestID] = rec
	return nil
}

func (s *FakeStore) LastPublished(_ context.Context, id model.RequestID) (*model.PublishedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.published[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *FakeStore) ForgetPublished(_ context.Context, id model.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.published, id)
	return nil
}

func (s *FakeStore) StartOperation(_ context.Context, op model.Operation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op.ID = "op" + strconv.Itoa(len(s.ops)+1)
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now()
	}
	s.ops = append(s.ops, op)
	return op.ID, nil
}

func (s *FakeStore) FinishOperation(_ context.Context, id string, opErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ops {
		if s.ops[i].ID != id {
			continue
		}
		now := time.Now()
		s.ops[i].FinishedAt = &now
		if opErr != nil {
			s.ops[i].Error = opErr.Error()
		}
	}
	return nil
}

func (s *FakeStore) UnfinishedOperations(_ context.Context) ([]model.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Operation
	for _, op := range s.ops {
		if !op.Finished() {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *FakeStore) RecentOperations(_ context.Context, limit int) ([]model.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.ops)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
