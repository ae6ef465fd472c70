package taskqueue

import (
	"context"

	"github.com/rzbill/taskbucket/internal/kv"
)

// TaskFunc is a polymorphic task handler: side-effectful work in Execute,
// transactional finalization in Finish. Execute runs outside any claim
// transaction (it may take arbitrarily long, which is exactly why the
// lease mechanism exists); Finish runs inside the worker's finish
// transaction and is typically expected to call TaskBucket.Finish.
type TaskFunc interface {
	Execute(ctx context.Context, task *Task) error
	Finish(ctx context.Context, tr *kv.Txn, tb *TaskBucket, task *Task) error
}

// Registry is a process-wide, name-to-handler table built once at startup
// and read-only thereafter — the only process-wide state this system has,
// per spec.md §5 and §9.
type Registry struct {
	handlers map[string]TaskFunc
}

// NewRegistry returns a Registry pre-populated with the built-in handlers
// (idle, AddTask, UnblockFuture) that the scheduler itself depends on.
func NewRegistry() *Registry {
	r := &Registry{handlers: map[string]TaskFunc{}}
	r.Register("idle", idleTaskFunc{})
	r.Register("AddTask", addTaskFunc{})
	r.Register("UnblockFuture", unblockFutureFunc{})
	return r
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, fn TaskFunc) { r.handlers[name] = fn }

// Lookup returns the handler registered for name, or (nil, false).
func (r *Registry) Lookup(name string) (TaskFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}

// idleTaskFunc is a no-op handler used by checkActive to force a dequeue
// round without doing any real work.
type idleTaskFunc struct{}

func (idleTaskFunc) Execute(context.Context, *Task) error { return nil }

func (idleTaskFunc) Finish(ctx context.Context, tr *kv.Txn, tb *TaskBucket, task *Task) error {
	return tb.finishLocked(ctx, tr, task)
}

// addTaskFunc is the tail of a "future fires -> enqueue this task" chain.
// Its Finish restores the original handler name from _add_task into type
// and re-enqueues the task under the bucket it belongs to.
type addTaskFunc struct{}

func (addTaskFunc) Execute(context.Context, *Task) error { return nil }

func (addTaskFunc) Finish(ctx context.Context, tr *kv.Txn, tb *TaskBucket, task *Task) error {
	orig, ok := task.Get(ParamAddTask)
	if !ok {
		return tb.finishLocked(ctx, tr, task)
	}
	restored := task.Clone()
	restored.Set(ParamType, orig)
	delete(restored.Params, ParamAddTask)
	restored.UID = nil

	if _, err := tb.addTaskLocked(ctx, tr, restored); err != nil {
		return err
	}
	return tb.finishLocked(ctx, tr, task)
}

// unblockFutureFunc clears the referenced future's block row and, if that
// was the last block, fires the future's pending callbacks.
type unblockFutureFunc struct{}

func (unblockFutureFunc) Execute(context.Context, *Task) error { return nil }

func (unblockFutureFunc) Finish(ctx context.Context, tr *kv.Txn, tb *TaskBucket, task *Task) error {
	futureUID, ok := task.Get(ParamFuture)
	if !ok {
		return tb.finishLocked(ctx, tr, task)
	}
	blockID, ok := task.Get(ParamBlockID)
	if !ok {
		return tb.finishLocked(ctx, tr, task)
	}

	fb := tb.futureBucket
	if fb != nil {
		future := fb.Unpack(futureUID)
		if err := future.removeBlock(ctx, tr, blockID); err != nil {
			return err
		}
		empty, err := future.isSetLocked(ctx, tr)
		if err != nil {
			return err
		}
		if empty {
			if err := future.performAllActions(ctx, tr, tb); err != nil {
				return err
			}
		}
	}
	return tb.finishLocked(ctx, tr, task)
}
