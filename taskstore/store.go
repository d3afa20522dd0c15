// Package taskstore holds tasks keyed by id and enforces their lifecycle.
// Every mutation of one task is serialized; readers always get a deep copy
// that reflects a completed mutation.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mcpa2a/a2a"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status update would move a
	// task along an edge the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Store is implemented by MemoryStore and SQLiteStore.
type Store interface {
	// Upsert creates the task described by params in SUBMITTED state with
	// the params message as its first history entry. An existing task is
	// returned unchanged; created reports which case happened.
	Upsert(ctx context.Context, params a2a.TaskSendParams) (task *a2a.Task, created bool, err error)
	// Get returns a snapshot of the task.
	Get(ctx context.Context, id string) (*a2a.Task, error)
	// UpdateStatus replaces the status, appends artifacts and appends the
	// status message to history in one step.
	UpdateStatus(ctx context.Context, id string, status a2a.TaskStatus, artifacts []a2a.Artifact) (*a2a.Task, error)
	// Resubmit moves an INPUT_REQUIRED task back to SUBMITTED and appends
	// the caller's message to history.
	Resubmit(ctx context.Context, id string, msg a2a.Message) (*a2a.Task, error)
	// List returns snapshots of all tasks.
	List(ctx context.Context) ([]*a2a.Task, error)
	Close() error
}

// AppendHistory returns a copy of task whose history holds at most the
// most recent limit messages. A limit of 0 keeps the full history. The
// given task is never modified.
func AppendHistory(task *a2a.Task, limit int) *a2a.Task {
	if task == nil {
		return nil
	}
	cp := task.Clone()
	if limit > 0 && len(cp.History) > limit {
		cp.History = cp.History[len(cp.History)-limit:]
	}
	return cp
}

func transitionError(from, to a2a.TaskState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func newTask(params a2a.TaskSendParams, now time.Time) *a2a.Task {
	t := &a2a.Task{
		ID:        params.ID,
		SessionID: params.SessionID,
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: now},
		History:   []a2a.Message{params.Message.Clone()},
		Metadata:  params.Metadata,
	}
	return t.Clone()
}

// keyedMutex serializes work per key without holding a global lock while
// the work runs.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
