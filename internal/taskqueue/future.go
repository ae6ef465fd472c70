package taskqueue

import (
	"context"
	"errors"

	"github.com/rzbill/taskbucket/internal/kv"
)

// initialBlockID is the block every freshly created future starts with;
// the producer calls Set to clear it once the value it represents is
// ready. Join uses numeric block IDs instead, one per dependency.
var initialBlockID = []byte("0")

// FutureBucket is the fan-in synchronization primitive built on top of a
// TaskBucket: a future is "set" once its block set is empty, and futures
// can be joined (wait for several to be set) or given callbacks that fire
// by enqueueing a task the moment the future becomes set. Mirrors the
// original's TaskFuture/FutureBucket pair (spec.md §4.7).
type FutureBucket struct {
	db   *kv.DB
	root Subspace
}

// NewFutureBucket builds a FutureBucket rooted at prefix. Typically given
// a sibling prefix of the TaskBucket it backs, e.g. root/"future".
func NewFutureBucket(db *kv.DB, prefix []byte) *FutureBucket {
	return &FutureBucket{db: db, root: NewSubspace(prefix)}
}

// Future is a handle to one future within a bucket, identified by UID.
// Futures are cheap to construct locally from a UID (Unpack); the state
// they reference lives entirely in the store.
type Future struct {
	fb  *FutureBucket
	uid []byte
}

// UID returns the future's identifier, suitable for storing as a task
// parameter (ParamFuture) and later resolving with Unpack.
func (f *Future) UID() []byte { return f.uid }

// Unpack returns a handle to the future identified by uid, without
// touching the store. Mirrors the original's FutureBucket::unpack.
func (fb *FutureBucket) Unpack(uid []byte) *Future {
	return &Future{fb: fb, uid: uid}
}

func (f *Future) sub() Subspace       { return f.fb.root.Sub(string(f.uid)) }
func (f *Future) blocksSub() Subspace { return f.sub().Sub("bl") }
func (f *Future) callbacksSub() Subspace { return f.sub().Sub("cb") }

// NewFuture implements future(tr): creates a new future carrying a single
// initial block, which the caller later clears with Set once whatever the
// future represents has happened.
func (fb *FutureBucket) NewFuture(_ context.Context, tr *kv.Txn) (*Future, error) {
	f := fb.Unpack(randomUID())
	if err := tr.Set(f.blocksSub().Pack(initialBlockID), nil); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Future) removeBlock(_ context.Context, tr *kv.Txn, blockID []byte) error {
	return tr.Clear(f.blocksSub().Pack(blockID))
}

// isSetLocked implements isSet(tr): true iff no blocks remain.
func (f *Future) isSetLocked(_ context.Context, tr *kv.Txn) (bool, error) {
	start, end := f.blocksSub().Range()
	rows, _, err := tr.GetRange(start, end, 1)
	if err != nil {
		return false, err
	}
	return len(rows) == 0, nil
}

// IsSet reports whether the future is currently set.
func (f *Future) IsSet(ctx context.Context) (bool, error) {
	return RunTransaction(ctx, f.fb.db, nil, func(tr *kv.Txn) (bool, error) {
		return f.isSetLocked(ctx, tr)
	})
}

// Set implements set(tr): clears the future's initial block, and if that
// was its last remaining block, performs every callback registered via
// onSetAddTask (performAllActions).
func (f *Future) Set(ctx context.Context, tb *TaskBucket) error {
	_, err := RunTransaction(ctx, f.fb.db, nil, func(tr *kv.Txn) (struct{}, error) {
		if err := f.removeBlock(ctx, tr, initialBlockID); err != nil {
			return struct{}{}, err
		}
		empty, err := f.isSetLocked(ctx, tr)
		if err != nil {
			return struct{}{}, err
		}
		if empty {
			return struct{}{}, f.performAllActions(ctx, tr, tb)
		}
		return struct{}{}, nil
	})
	return err
}

// registerCallback stores task's parameters as a pending callback row
// group (cb/<callbackUID>/<param>), to be replayed by performAllActions.
func (f *Future) registerCallback(_ context.Context, tr *kv.Txn, task *Task) error {
	cbUID := randomUID()
	for param, val := range task.Params {
		if err := tr.Set(f.callbacksSub().Pack(cbUID, param), val); err != nil {
			return err
		}
	}
	return nil
}

// onSetAddTask implements onSetAddTask(tr, tb, task): enqueues task via tb
// the moment this future becomes set. If the future is already set, the
// enqueue happens immediately instead of being deferred.
func (f *Future) onSetAddTask(ctx context.Context, tr *kv.Txn, tb *TaskBucket, task *Task) error {
	empty, err := f.isSetLocked(ctx, tr)
	if err != nil {
		return err
	}
	if empty {
		_, err := tb.addTaskLocked(ctx, tr, task)
		return err
	}
	return f.registerCallback(ctx, tr, task)
}

// OnSetAddTaskValidated is onSetAddTask's validated-enqueue overload: the
// deferred (or immediate) task carries _validkey/_validvalue the same way
// AddTaskWithValidation attaches them, so a task produced by a future
// firing can still be invalidated later by the same mechanism as any
// other task.
func (f *Future) OnSetAddTaskValidated(ctx context.Context, tr *kv.Txn, tb *TaskBucket, task *Task, vKey, vValue []byte) error {
	val := vValue
	if val == nil {
		v, err := tr.Get(vKey)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return &InvalidValidation{Key: vKey}
			}
			return err
		}
		val = v
	}
	task.Set(ParamValidKey, vKey)
	task.Set(ParamValidValue, val)
	return f.onSetAddTask(ctx, tr, tb, task)
}

// OnSetAddTaskType is a convenience overload of onSetAddTask that builds
// the deferred task from a handler type name and a flat string param map,
// for callers that don't need to hand-build a *Task.
func (f *Future) OnSetAddTaskType(ctx context.Context, tr *kv.Txn, tb *TaskBucket, taskType string, params map[string]string) error {
	task := NewTask(taskType)
	for k, v := range params {
		task.SetString(k, v)
	}
	return f.onSetAddTask(ctx, tr, tb, task)
}

// performAllActions implements performAllActions(tr): replays every
// callback registered via onSetAddTask as a real enqueue, then clears the
// callback rows so a re-fire (shouldn't happen; blocks only decrease)
// can't replay them twice.
func (f *Future) performAllActions(ctx context.Context, tr *kv.Txn, tb *TaskBucket) error {
	start, end := f.callbacksSub().Range()
	rows, _, err := tr.GetRange(start, end, 0)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	groups := map[string]*Task{}
	var order [][]byte
	for _, row := range rows {
		elems, err := f.callbacksSub().Unpack(row.Key)
		if err != nil || len(elems) < 2 {
			return errMalformedTuple
		}
		cbUID := elems[0].Bytes
		param := string(elems[1].Bytes)
		sk := string(cbUID)
		task, ok := groups[sk]
		if !ok {
			task = &Task{Params: map[string][]byte{}}
			groups[sk] = task
			order = append(order, cbUID)
		}
		task.Params[param] = row.Value
	}

	for _, cbUID := range order {
		if _, err := tb.addTaskLocked(ctx, tr, groups[string(cbUID)]); err != nil {
			return err
		}
	}
	return tr.ClearRange(start, end)
}

// Join implements join/_join: returns a new future (a "joinedFuture") that
// becomes set once every future in futures is set. Each dependency is
// wired through an UnblockFuture task targeting one numbered block of the
// new future, enqueued via tb — the same built-in handler doTask already
// knows how to run.
func (fb *FutureBucket) Join(ctx context.Context, tb *TaskBucket, futures ...*Future) (*Future, error) {
	return RunTransaction(ctx, fb.db, nil, func(tr *kv.Txn) (*Future, error) {
		j := fb.Unpack(randomUID())
		for i, dep := range futures {
			blockID := encodeUint64(uint64(i))
			if err := tr.Set(j.blocksSub().Pack(blockID), nil); err != nil {
				return nil, err
			}
			unblock := NewTask("UnblockFuture")
			unblock.Set(ParamFuture, j.uid)
			unblock.Set(ParamBlockID, blockID)
			if err := dep.onSetAddTask(ctx, tr, tb, unblock); err != nil {
				return nil, err
			}
		}
		return j, nil
	})
}
