package taskqueue

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rzbill/taskbucket/internal/kv"
	"github.com/rzbill/taskbucket/pkg/log"
)

// leaseRenewInterval is how often doTask renews a claimed task's lease
// while its handler's Execute is running: half the lease's wall-clock
// horizon (TimeoutVersions/VersionsPerSecond), floored at one second so a
// tiny TimeoutVersions doesn't turn into a renewal busy-loop.
func (tb *TaskBucket) leaseRenewInterval() time.Duration {
	seconds := float64(tb.tunables.TimeoutVersions) / tb.tunables.VersionsPerSecond
	d := time.Duration(seconds * float64(time.Second) / 2)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// DoOne implements doOne: getOne followed by DoTask on whatever it finds.
// Returns (false, nil) when the bucket had nothing to claim, (true, err)
// once a task was claimed and handed to DoTask, whatever err DoTask
// reports (including the informational TaskInvalid/TaskAborted/
// TaskLeaseLost cases, which a caller typically logs rather than treats as
// fatal — see DoTask's doc comment).
func (tb *TaskBucket) DoOne(ctx context.Context) (bool, error) {
	task, err := tb.GetOne(ctx)
	if err != nil {
		if errors.Is(err, ErrNoTask) {
			return false, nil
		}
		return false, err
	}
	return true, tb.DoTask(ctx, task)
}

// DoTask implements doTask: verify, execute, and finish one task, racing
// its handler's Execute against periodic lease renewal.
//
//   - no registered handler for task.Type() -> TaskInvalid, task left in
//     its lease (neither finished nor retried until the registry gains a
//     handler or the lease expires and it's requeued for another worker).
//   - validation present and no longer holds -> TaskAborted, task finished
//     (removed) without Execute running.
//   - Execute returns an error -> the error is surfaced, the task is left
//     unfinished; the lease either gets renewed away by a later caller or
//     expires and requeueTimedOutTasks gives it to a different worker.
//   - the lease is lost mid-Execute -> TaskLeaseLost, Execute's context is
//     canceled; the task is not finished here.
//   - otherwise finishTaskRun runs: if the task is already finished it's a
//     no-op, if its validation no longer holds the task is finished without
//     the handler's hook, and only otherwise does the handler's Finish run
//     (expected, but not required, to call TaskBucket.Finish).
func (tb *TaskBucket) DoTask(ctx context.Context, task *Task) error {
	fn, ok := tb.registry.Lookup(task.Type())
	if !ok {
		return &TaskInvalid{Type: task.Type()}
	}

	verified, err := tb.IsVerified(ctx, task)
	if err != nil {
		return err
	}
	if !verified {
		if ferr := tb.Finish(ctx, task); ferr != nil {
			return ferr
		}
		return &TaskAborted{UID: task.UID}
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	leaseLost := make(chan struct{})
	renewDone := make(chan struct{})
	renewStopped := make(chan struct{})
	go tb.renewLeaseUntilDone(execCtx, cancel, task, leaseLost, renewDone, renewStopped)

	execErr := fn.Execute(execCtx, task)
	close(renewDone)
	<-renewStopped // wait for any in-flight SaveAndExtend before reading task.Timeout/leaseLost

	select {
	case <-leaseLost:
		return &TaskLeaseLost{UID: task.UID}
	default:
	}

	if execErr != nil {
		return execErr
	}

	return tb.finishTaskRun(ctx, task, fn)
}

// finishTaskRun implements finishTaskRun: the finish-transaction counterpart
// to the pre-execute validation gate above. It runs isFinished, a re-verify,
// and whichever of Finish/fn.Finish it dispatches to as one atomic
// transaction, so a _validkey value that flips valid->invalid while Execute
// was running still suppresses the handler's domain-effecting Finish hook —
// validation dominates even when it's caught this late.
func (tb *TaskBucket) finishTaskRun(ctx context.Context, task *Task, fn TaskFunc) error {
	_, err := RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (struct{}, error) {
		done, err := tb.isFinishedLocked(tr, task)
		if err != nil {
			return struct{}{}, err
		}
		if done {
			return struct{}{}, nil
		}
		verified, err := tb.taskVerify(ctx, tr, task)
		if err != nil {
			return struct{}{}, err
		}
		if !verified {
			return struct{}{}, tb.finishLocked(ctx, tr, task)
		}
		return struct{}{}, fn.Finish(ctx, tr, tb, task)
	})
	return err
}

// renewLeaseUntilDone calls SaveAndExtend on a fixed interval until
// renewDone closes (Execute returned) or the lease turns out to be lost,
// in which case it cancels execCtx so Execute is asked to stop. Closes
// renewStopped as its last act, once no SaveAndExtend call is in flight and
// no more will be started, so a caller that waits on renewStopped after
// closing renewDone never observes a SaveAndExtend write to task.Timeout
// racing its own read of task.Timeout/leaseLost.
func (tb *TaskBucket) renewLeaseUntilDone(ctx context.Context, cancel context.CancelFunc, task *Task, leaseLost, renewDone, renewStopped chan struct{}) {
	defer close(renewStopped)
	ticker := time.NewTicker(tb.leaseRenewInterval())
	defer ticker.Stop()
	for {
		select {
		case <-renewDone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := tb.SaveAndExtend(ctx, task)
			if err != nil {
				tb.logger.Error("lease renewal failed", log.Err(err))
				continue
			}
			if !ok {
				close(leaseLost)
				cancel()
				return
			}
		}
	}
}

// Worker runs tb's run loop: a concurrency-bounded scheduler with adaptive
// batch fetch and jittered poll, per spec.md §4.7.
type Worker struct {
	tb           *TaskBucket
	concurrency  int
	pollInterval time.Duration
	logger       log.Logger
}

// NewWorker returns a Worker that keeps up to concurrency tasks in flight
// against tb, polling every pollInterval (jittered) when nothing is ready
// and no slot has freed up on its own.
func NewWorker(tb *TaskBucket, concurrency int, pollInterval time.Duration) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		tb:           tb,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       tb.logger.WithComponent("worker"),
	}
}

// slotResult is how a launched DoTask reports back to the scheduler loop
// which slot it occupied and what DoTask returned.
type slotResult struct {
	slot int
	err  error
}

// Run implements run (spec.md §4.7): N running-task slots, a free-slot
// stack, and a per-round adaptive batch size. Each round batch-fetches up
// to min(batchSize, freeSlots) tasks via GetOne in parallel; any result
// that isn't a task (ErrNoTask, or an error) ends the round's fetching and
// resets batchSize to 1, while a round that fills every requested fetch
// doubles batchSize, capped at the worker's concurrency. Between rounds it
// waits for a running slot to free, racing a jittered pollInterval when
// free slots remain so idle capacity gets rescanned rather than starved.
// Blocks until ctx is canceled (a normal shutdown, reported as a nil
// return) or a fetch hits a non-retryable, non-ErrNoTask error (reported as
// that error); in either case it waits for every slot still in flight to
// finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	free := make([]int, w.concurrency)
	for i := range free {
		free[i] = w.concurrency - 1 - i
	}
	results := make(chan slotResult, w.concurrency)
	batchSize := 1

	var wg sync.WaitGroup
	defer wg.Wait()

	launch := func(slot int, task *Task) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.tb.DoTask(ctx, task)
			if err != nil {
				w.logger.Error("task failed", log.Str("type", task.Type()), log.Err(err))
			}
			results <- slotResult{slot: slot, err: err}
		}()
	}

	for {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		// Step 1: batch-fetch to fill free slots, adapting batchSize.
		for len(free) > 0 {
			fetchN := batchSize
			if fetchN > len(free) {
				fetchN = len(free)
			}

			type fetched struct {
				task *Task
				err  error
			}
			got := make([]fetched, fetchN)
			var fwg sync.WaitGroup
			for i := 0; i < fetchN; i++ {
				fwg.Add(1)
				go func(i int) {
					defer fwg.Done()
					t, err := w.tb.GetOne(ctx)
					got[i] = fetched{task: t, err: err}
				}(i)
			}
			fwg.Wait()

			// GetOne's success leg already claimed the task (wrote its
			// lease) by the time it lands in got, so every non-nil task
			// here must be launched even if a later (or earlier, since
			// goroutine completion order isn't fetch order) entry in this
			// same batch came back empty or errored — otherwise it sits
			// leased-but-unexecuted until its lease times out.
			roundStopped := false
			canceled := false
			var fatalErr error
			for _, g := range got {
				if g.task != nil {
					slot := free[len(free)-1]
					free = free[:len(free)-1]
					launch(slot, g.task)
					continue
				}
				roundStopped = true
				switch {
				case g.err == nil, errors.Is(g.err, ErrNoTask), IsRetryable(g.err):
					// empty or retryable fetch: just ends the round.
				case errors.Is(g.err, context.Canceled):
					canceled = true
				default:
					if fatalErr == nil {
						fatalErr = g.err
					}
				}
			}
			if canceled {
				return nil
			}
			if fatalErr != nil {
				return fatalErr
			}

			if roundStopped {
				batchSize = 1
				break
			}
			batchSize *= 2
			if batchSize > w.concurrency {
				batchSize = w.concurrency
			}
		}

		// Step 2: wait for a slot to free, or rescan after a jittered poll
		// delay if any slot is still free — nothing to wait on in that
		// case if no task has even been launched yet, and otherwise
		// waiting for a completion would starve idle capacity.
		if len(free) > 0 {
			jittered := time.Duration(float64(w.pollInterval) * (0.9 + 0.2*rand.Float64()))
			select {
			case r := <-results:
				free = append(free, r.slot)
			case <-time.After(jittered):
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				return ctx.Err()
			}
		} else {
			select {
			case r := <-results:
				free = append(free, r.slot)
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil
				}
				return ctx.Err()
			}
		}

		// Step 3: reclaim any other slots that finished in the meantime.
		draining := true
		for draining {
			select {
			case r := <-results:
				free = append(free, r.slot)
			default:
				draining = false
			}
		}
	}
}
