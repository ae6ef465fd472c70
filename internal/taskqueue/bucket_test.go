package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rzbill/taskbucket/internal/kv"
	pebblestore "github.com/rzbill/taskbucket/internal/storage/pebble"
	"github.com/rzbill/taskbucket/pkg/log"
)

func newTestBucket(t *testing.T, tunables Tunables) *TaskBucket {
	t.Helper()
	dir := t.TempDir()
	db, err := kv.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever}, log.NewLogger())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewTaskBucket(db, []byte("t/"), WithTunables(tunables))
}

func testTunables() Tunables {
	tn := DefaultTunables()
	tn.CheckTimeoutChance = 0 // deterministic: tests call RequeueTimedOutTasks explicitly
	return tn
}

func TestAddTaskAndGetOneRoundTrip(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	ctx := context.Background()

	task := NewTask("noop")
	task.SetString("k", "v")
	uid, err := tb.AddTask(ctx, task)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(uid) == 0 {
		t.Fatalf("expected non-empty uid")
	}

	got, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}
	if got.Type() != "noop" {
		t.Fatalf("got type %q", got.Type())
	}
	if v, ok := got.Get("k"); !ok || string(v) != "v" {
		t.Fatalf("got param %q, %v", v, ok)
	}

	if _, err := tb.GetOne(ctx); !errors.Is(err, ErrNoTask) {
		t.Fatalf("expected ErrNoTask on empty bucket, got %v", err)
	}
}

func TestGetOneOrdersByHighestPriorityFirst(t *testing.T) {
	tn := testTunables()
	tn.MaxPriority = 3
	tb := newTestBucket(t, tn)
	ctx := context.Background()

	for _, p := range []uint64{0, 3, 1} {
		task := NewTask("t")
		task.SetPriority(p, tb.Tunables().MaxPriority)
		task.SetString("p", itoaUint64(p))
		if _, err := tb.AddTask(ctx, task); err != nil {
			t.Fatalf("add priority %d: %v", p, err)
		}
	}

	first, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}
	if first.Priority != 3 {
		t.Fatalf("expected highest priority band (3) first, got %d", first.Priority)
	}
}

func TestPriorityClampedToMax(t *testing.T) {
	tn := testTunables()
	tn.MaxPriority = 1
	tb := newTestBucket(t, tn)
	ctx := context.Background()

	task := NewTask("t")
	task.SetPriority(99, tb.Tunables().MaxPriority)
	if task.Priority != 1 {
		t.Fatalf("expected SetPriority to clamp to MaxPriority, got %d", task.Priority)
	}
	if _, err := tb.AddTask(ctx, task); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}
	if got.Priority != 1 {
		t.Fatalf("expected claimed task at clamped priority 1, got %d", got.Priority)
	}
}

func TestSaveAndExtendThenFinishIsIdempotent(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	ctx := context.Background()

	if _, err := tb.AddTask(ctx, NewTask("t")); err != nil {
		t.Fatalf("add: %v", err)
	}
	task, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}

	ok, err := tb.SaveAndExtend(ctx, task)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !ok {
		t.Fatalf("expected extend to succeed on a live lease")
	}

	if err := tb.Finish(ctx, task); err != nil {
		t.Fatalf("finish: %v", err)
	}
	// Finish is idempotent: a second call observes an already-empty lease
	// range and returns nil rather than erroring or double-decrementing.
	if err := tb.Finish(ctx, task); err != nil {
		t.Fatalf("second finish: %v", err)
	}

	finished, err := tb.IsFinished(ctx, task)
	if err != nil {
		t.Fatalf("is finished: %v", err)
	}
	if !finished {
		t.Fatalf("expected task to be finished")
	}

	count, err := tb.GetTaskCount(ctx)
	if err != nil {
		t.Fatalf("get task count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected task count 0 after finish, got %d", count)
	}
}

func TestSaveAndExtendFalseAfterFinish(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	ctx := context.Background()

	if _, err := tb.AddTask(ctx, NewTask("t")); err != nil {
		t.Fatalf("add: %v", err)
	}
	task, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}
	if err := tb.Finish(ctx, task); err != nil {
		t.Fatalf("finish: %v", err)
	}

	ok, err := tb.SaveAndExtend(ctx, task)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ok {
		t.Fatalf("expected extend to report lease lost after finish")
	}
}

func TestRequeueTimedOutTasksMovesExpiredLeaseBack(t *testing.T) {
	tn := testTunables()
	tn.TimeoutVersions = 0
	tn.JitterOffset = 0
	tn.JitterRange = 0
	tb := newTestBucket(t, tn)
	ctx := context.Background()

	task := NewTask("t")
	task.SetString("k", "v")
	if _, err := tb.AddTask(ctx, task); err != nil {
		t.Fatalf("add: %v", err)
	}
	claimed, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}

	// A zero-length lease has already expired by the time it's written
	// (lease == read version at claim time, and every subsequent
	// transaction's read version is >= that).
	moved, err := tb.RequeueTimedOutTasks(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !moved {
		t.Fatalf("expected requeue to move the expired lease back to available")
	}

	busy, err := tb.IsBusy(ctx)
	if err != nil {
		t.Fatalf("is busy: %v", err)
	}
	if !busy {
		t.Fatalf("expected requeued task to be available again")
	}

	requeued, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one after requeue: %v", err)
	}
	if string(requeued.UID) != string(claimed.UID) {
		t.Fatalf("expected the same task to be reclaimed after requeue")
	}
}

func TestAddTaskWithValidationRejectsMissingKey(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	ctx := context.Background()

	_, err := tb.AddTaskWithValidation(ctx, NewTask("t"), []byte("missing-key"), nil)
	var invalid *InvalidValidation
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidValidation, got %v", err)
	}
}

func TestAddTaskWithValidationSnapshotsCurrentValueWhenNil(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	ctx := context.Background()

	seedTr := tb.db.Begin()
	if err := seedTr.Set([]byte("vkey"), []byte("v1")); err != nil {
		t.Fatalf("seed set: %v", err)
	}
	if err := seedTr.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	task := NewTask("t")
	if _, err := tb.AddTaskWithValidation(ctx, task, []byte("vkey"), nil); err != nil {
		t.Fatalf("add with validation: %v", err)
	}

	claimed, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}
	verified, err := tb.IsVerified(ctx, claimed)
	if err != nil {
		t.Fatalf("is verified: %v", err)
	}
	if !verified {
		t.Fatalf("expected task to still verify against unchanged vkey")
	}
}

func TestDoTaskAbortsWhenValidationNoLongerHolds(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	ctx := context.Background()

	seedTr := tb.db.Begin()
	if err := seedTr.Set([]byte("vkey"), []byte("v1")); err != nil {
		t.Fatalf("seed set: %v", err)
	}
	if err := seedTr.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	task := NewTask("idle")
	if _, err := tb.AddTaskWithValidation(ctx, task, []byte("vkey"), nil); err != nil {
		t.Fatalf("add with validation: %v", err)
	}

	// Invalidate: change the store's value at vkey out from under the task.
	changeTr := tb.db.Begin()
	if err := changeTr.Set([]byte("vkey"), []byte("v2")); err != nil {
		t.Fatalf("change set: %v", err)
	}
	if err := changeTr.Commit(); err != nil {
		t.Fatalf("change commit: %v", err)
	}

	claimed, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}

	err = tb.DoTask(ctx, claimed)
	var aborted *TaskAborted
	if !errors.As(err, &aborted) {
		t.Fatalf("expected TaskAborted, got %v", err)
	}

	finished, err := tb.IsFinished(ctx, claimed)
	if err != nil {
		t.Fatalf("is finished: %v", err)
	}
	if !finished {
		t.Fatalf("expected aborted task to still be finished (removed)")
	}
}

func TestDoTaskSuppressesFinishHookWhenValidationFlipsDuringExecute(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	ctx := context.Background()

	seedTr := tb.db.Begin()
	if err := seedTr.Set([]byte("vkey2"), []byte("v1")); err != nil {
		t.Fatalf("seed set: %v", err)
	}
	if err := seedTr.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	var hookCalled bool
	tb.Registry().Register("flip", &flippingTaskFunc{db: tb.db, vkey: []byte("vkey2"), newVal: []byte("v2"), called: &hookCalled})

	task := NewTask("flip")
	if _, err := tb.AddTaskWithValidation(ctx, task, []byte("vkey2"), nil); err != nil {
		t.Fatalf("add with validation: %v", err)
	}

	claimed, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}

	// Execute flips vkey2 away from the value recorded at enqueue time;
	// the finish transaction must re-verify and skip the handler's hook
	// even though the pre-execute gate saw the task as valid.
	if err := tb.DoTask(ctx, claimed); err != nil {
		t.Fatalf("do task: %v", err)
	}
	if hookCalled {
		t.Fatalf("expected handler's Finish hook to be suppressed by the post-execute re-verify")
	}

	finished, err := tb.IsFinished(ctx, claimed)
	if err != nil {
		t.Fatalf("is finished: %v", err)
	}
	if !finished {
		t.Fatalf("expected task to be finished despite the suppressed hook")
	}
}

func TestDoTaskUnknownTypeIsTaskInvalid(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	ctx := context.Background()

	if _, err := tb.AddTask(ctx, NewTask("no-such-handler")); err != nil {
		t.Fatalf("add: %v", err)
	}
	claimed, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}

	err = tb.DoTask(ctx, claimed)
	var invalid *TaskInvalid
	if !errors.As(err, &invalid) {
		t.Fatalf("expected TaskInvalid, got %v", err)
	}
}

func TestFutureOnSetAddTaskDefersUntilSet(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	fb := NewFutureBucket(tb.db, []byte("f/"))
	tb.SetFutureBucket(fb)
	ctx := context.Background()

	var future *Future
	if _, err := RunTransaction(ctx, tb.db, nil, func(tr *kv.Txn) (struct{}, error) {
		f, err := fb.NewFuture(ctx, tr)
		if err != nil {
			return struct{}{}, err
		}
		future = f
		return struct{}{}, future.onSetAddTask(ctx, tr, tb, NewTask("deferred"))
	}); err != nil {
		t.Fatalf("new future + onSetAddTask: %v", err)
	}

	// Not set yet: nothing should be available to claim.
	if _, err := tb.GetOne(ctx); !errors.Is(err, ErrNoTask) {
		t.Fatalf("expected ErrNoTask before future is set, got %v", err)
	}

	if err := future.Set(ctx, tb); err != nil {
		t.Fatalf("set: %v", err)
	}

	task, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one after set: %v", err)
	}
	if task.Type() != "deferred" {
		t.Fatalf("expected deferred task, got %q", task.Type())
	}
}

func TestFutureJoinFansInMultipleDependencies(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	fb := NewFutureBucket(tb.db, []byte("f/"))
	tb.SetFutureBucket(fb)
	ctx := context.Background()

	var a, b *Future
	if _, err := RunTransaction(ctx, tb.db, nil, func(tr *kv.Txn) (struct{}, error) {
		var err error
		if a, err = fb.NewFuture(ctx, tr); err != nil {
			return struct{}{}, err
		}
		if b, err = fb.NewFuture(ctx, tr); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}); err != nil {
		t.Fatalf("new futures: %v", err)
	}

	joined, err := fb.Join(ctx, tb, a, b)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	set, err := joined.IsSet(ctx)
	if err != nil {
		t.Fatalf("is set: %v", err)
	}
	if set {
		t.Fatalf("expected joined future unset before either dependency fires")
	}

	if err := a.Set(ctx, tb); err != nil {
		t.Fatalf("set a: %v", err)
	}

	// Join enqueues UnblockFuture tasks; running them through doTask is
	// what actually clears the joined future's blocks.
	for {
		task, err := tb.GetOne(ctx)
		if errors.Is(err, ErrNoTask) {
			break
		}
		if err != nil {
			t.Fatalf("get one: %v", err)
		}
		if err := tb.DoTask(ctx, task); err != nil {
			t.Fatalf("do task: %v", err)
		}
	}

	set, err = joined.IsSet(ctx)
	if err != nil {
		t.Fatalf("is set: %v", err)
	}
	if set {
		t.Fatalf("expected joined future still unset with only one of two dependencies fired")
	}

	if err := b.Set(ctx, tb); err != nil {
		t.Fatalf("set b: %v", err)
	}
	for {
		task, err := tb.GetOne(ctx)
		if errors.Is(err, ErrNoTask) {
			break
		}
		if err != nil {
			t.Fatalf("get one: %v", err)
		}
		if err := tb.DoTask(ctx, task); err != nil {
			t.Fatalf("do task: %v", err)
		}
	}

	set, err = joined.IsSet(ctx)
	if err != nil {
		t.Fatalf("is set: %v", err)
	}
	if !set {
		t.Fatalf("expected joined future set once both dependencies fired")
	}
}

func TestIsEmptyReflectsAvailableAndLeasedTasks(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	ctx := context.Background()

	empty, err := tb.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if !empty {
		t.Fatalf("expected a freshly opened bucket to be empty")
	}

	if _, err := tb.AddTask(ctx, NewTask("t")); err != nil {
		t.Fatalf("add: %v", err)
	}
	empty, err = tb.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if empty {
		t.Fatalf("expected a bucket with an available task to be non-empty")
	}

	task, err := tb.GetOne(ctx)
	if err != nil {
		t.Fatalf("get one: %v", err)
	}
	empty, err = tb.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if empty {
		t.Fatalf("expected a bucket with a leased task to still be non-empty")
	}

	if err := tb.Finish(ctx, task); err != nil {
		t.Fatalf("finish: %v", err)
	}
	empty, err = tb.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if !empty {
		t.Fatalf("expected bucket to be empty again after finishing its only task")
	}
}

func TestWorkerRunProcessesTasksUntilCanceled(t *testing.T) {
	tb := newTestBucket(t, testTunables())
	processed := make(chan string, 4)
	tb.Registry().Register("record", recordingTaskFunc{out: processed})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := tb.AddTask(ctx, NewTask("record")); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	worker := NewWorker(tb, 2, 10*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- worker.Run(runCtx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-processed:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for task %d to process", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for worker to stop after cancel")
	}
}

func TestBucketOptionsSetTxnOptionsOnEveryTransaction(t *testing.T) {
	dir := t.TempDir()
	db, err := kv.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever}, log.NewLogger())
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	tb := NewTaskBucket(db, []byte("t/"), WithSystemAccess(), WithPriorityBatch())
	opts := tb.txnOptions()

	want := map[kv.TxnOption]bool{kv.AccessSystemKeys: false, kv.LockAware: false, kv.PriorityBatch: false}
	for _, o := range opts {
		if _, ok := want[o]; !ok {
			t.Fatalf("unexpected option %v", o)
		}
		want[o] = true
	}
	for o, seen := range want {
		if !seen {
			t.Fatalf("expected option %v to be set, got %v", o, opts)
		}
	}

	ctx := context.Background()
	if _, err := RunTransaction(ctx, db, opts, func(tr *kv.Txn) (struct{}, error) {
		for o := range want {
			if !tr.HasOption(o) {
				t.Errorf("expected transaction to carry option %v", o)
			}
		}
		return struct{}{}, nil
	}); err != nil {
		t.Fatalf("run transaction: %v", err)
	}

	task := NewTask("noop")
	if _, err := tb.AddTask(ctx, task); err != nil {
		t.Fatalf("add task: %v", err)
	}
}

type recordingTaskFunc struct {
	out chan string
}

func (r recordingTaskFunc) Execute(_ context.Context, task *Task) error {
	r.out <- string(task.UID)
	return nil
}

func (r recordingTaskFunc) Finish(ctx context.Context, tr *kv.Txn, tb *TaskBucket, task *Task) error {
	return tb.finishLocked(ctx, tr, task)
}

// flippingTaskFunc changes vkey's stored value during Execute, simulating a
// validation predicate that goes stale while a task is running.
type flippingTaskFunc struct {
	db           *kv.DB
	vkey, newVal []byte
	called       *bool
}

func (f *flippingTaskFunc) Execute(_ context.Context, _ *Task) error {
	tr := f.db.Begin()
	if err := tr.Set(f.vkey, f.newVal); err != nil {
		tr.Cancel()
		return err
	}
	return tr.Commit()
}

func (f *flippingTaskFunc) Finish(ctx context.Context, tr *kv.Txn, tb *TaskBucket, task *Task) error {
	*f.called = true
	return tb.finishLocked(ctx, tr, task)
}
