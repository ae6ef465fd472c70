package taskqueue

import (
	"errors"
	"fmt"

	"github.com/rzbill/taskbucket/internal/kv"
)

// Retryable wraps a store conflict surfaced by kv.Txn.Commit. RunTransaction
// unwraps it to decide whether to retry the closure.
type Retryable struct {
	Err error
}

func (e *Retryable) Error() string { return fmt.Sprintf("taskqueue: retryable: %v", e.Err) }
func (e *Retryable) Unwrap() error { return e.Err }

// IsRetryable reports whether err (or anything it wraps) is a Retryable,
// including a bare kv.ErrRetryable that hasn't been wrapped yet.
func IsRetryable(err error) bool {
	var r *Retryable
	if errors.As(err, &r) {
		return true
	}
	return errors.Is(err, kv.ErrRetryable)
}

// InvalidValidation is returned by addTask(tr, task, vKey) when vKey is
// absent from the store at enqueue time. It is not retryable.
type InvalidValidation struct {
	Key []byte
}

func (e *InvalidValidation) Error() string {
	return fmt.Sprintf("taskqueue: validation key %q not present at enqueue time", e.Key)
}

// TaskInvalid is returned by doTask when a task has no type, or its type
// has no registered handler.
type TaskInvalid struct {
	Type string
}

func (e *TaskInvalid) Error() string {
	if e.Type == "" {
		return "taskqueue: task has no type"
	}
	return fmt.Sprintf("taskqueue: no handler registered for type %q", e.Type)
}

// TaskAborted is returned (informationally; doTask still reports the task
// as processed) when a task's validation predicate no longer holds.
type TaskAborted struct {
	UID []byte
}

func (e *TaskAborted) Error() string {
	return fmt.Sprintf("taskqueue: task %x aborted by validation mismatch", e.UID)
}

// TaskLeaseLost is returned (informationally) when a handler's execute
// outran its lease. No finish was attempted; the timeout path will requeue.
type TaskLeaseLost struct {
	UID []byte
}

func (e *TaskLeaseLost) Error() string {
	return fmt.Sprintf("taskqueue: task %x outran its lease", e.UID)
}

var (
	errMalformedTuple     = errors.New("taskqueue: malformed tuple encoding")
	errKeyOutsideSubspace = errors.New("taskqueue: key does not belong to subspace")
	// ErrNoTask is returned by getOne when no task is currently available.
	ErrNoTask = errors.New("taskqueue: no task available")
)
