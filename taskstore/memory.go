package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"mcpa2a/a2a"
)

// MemoryStore keeps tasks for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*a2a.Task
	locks *keyedMutex
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*a2a.Task),
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

func (s *MemoryStore) load(id string) (*a2a.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// commit publishes next as the new version of a task. Stored versions are
// never mutated in place, so a reader's snapshot stays consistent.
func (s *MemoryStore) commit(next *a2a.Task) {
	s.mu.Lock()
	s.tasks[next.ID] = next
	s.mu.Unlock()
}

func (s *MemoryStore) Upsert(_ context.Context, params a2a.TaskSendParams) (*a2a.Task, bool, error) {
	unlock := s.locks.Lock(params.ID)
	defer unlock()

	if t, ok := s.load(params.ID); ok {
		return t.Clone(), false, nil
	}
	t := newTask(params, s.now())
	s.commit(t)
	return t.Clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*a2a.Task, error) {
	t, ok := s.load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status a2a.TaskStatus, artifacts []a2a.Artifact) (*a2a.Task, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	cur, ok := s.load(id)
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(cur.Status.State, status.State) {
		return nil, transitionError(cur.Status.State, status.State)
	}

	next := cur.Clone()
	next.Status = status.Clone()
	if next.Status.Timestamp.IsZero() {
		next.Status.Timestamp = s.now()
	}
	for _, a := range artifacts {
		next.Artifacts = append(next.Artifacts, a.Clone())
	}
	if status.Message != nil {
		next.History = append(next.History, status.Message.Clone())
	}
	s.commit(next)
	return next.Clone(), nil
}

func (s *MemoryStore) Resubmit(_ context.Context, id string, msg a2a.Message) (*a2a.Task, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	cur, ok := s.load(id)
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status.State != a2a.TaskStateInputRequired {
		return nil, transitionError(cur.Status.State, a2a.TaskStateSubmitted)
	}

	next := cur.Clone()
	next.Status = a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: s.now()}
	next.History = append(next.History, msg.Clone())
	s.commit(next)
	return next.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*a2a.Task, error) {
	s.mu.RLock()
	out := make([]*a2a.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
