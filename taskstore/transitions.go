package taskstore

import "mcpa2a/a2a"

var transitions = map[a2a.TaskState][]a2a.TaskState{
	a2a.TaskStateSubmitted: {
		a2a.TaskStateWorking,
		a2a.TaskStateCanceled,
		a2a.TaskStateFailed,
	},
	a2a.TaskStateWorking: {
		a2a.TaskStateWorking,
		a2a.TaskStateInputRequired,
		a2a.TaskStateCompleted,
		a2a.TaskStateFailed,
		a2a.TaskStateCanceled,
	},
	a2a.TaskStateInputRequired: {
		a2a.TaskStateSubmitted,
		a2a.TaskStateCanceled,
	},
}

// CanTransition reports whether a task in state from may move to to.
// Terminal states have no outgoing edges.
func CanTransition(from, to a2a.TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancelable reports whether a task in state s can still be canceled.
func Cancelable(s a2a.TaskState) bool {
	return CanTransition(s, a2a.TaskStateCanceled)
}
