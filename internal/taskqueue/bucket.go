package taskqueue

import (
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"time"

	"github.com/rzbill/taskbucket/internal/kv"
	"github.com/rzbill/taskbucket/pkg/log"
)

// uidLen is the byte width of a task UID. Matches FoundationDB's
// randomUniqueID() width (128 bits) closely enough to give the same
// near-uniform sampling properties getOne's probe depends on.
const uidLen = 16

func randomUID() []byte {
	b := make([]byte, uidLen)
	if _, err := cryptorand.Read(b); err != nil {
		// crypto/rand.Read on the standard reader does not fail in
		// practice on any supported platform; panic rather than silently
		// handing out a zero UID, which would break getOne's uniform
		// sampling assumption.
		panic("taskqueue: crypto/rand unavailable: " + err.Error())
	}
	return b
}

var maxUID = bytes.Repeat([]byte{0xFF}, uidLen)

// BucketOption configures a TaskBucket at construction time.
type BucketOption func(*TaskBucket)

// WithLogger attaches a logger; defaults to a no-op-ish console logger.
func WithLogger(l log.Logger) BucketOption {
	return func(tb *TaskBucket) { tb.logger = l.WithComponent("taskbucket") }
}

// WithRegistry attaches the handler registry doTask consults. Defaults to
// a fresh Registry carrying only the built-ins.
func WithRegistry(r *Registry) BucketOption {
	return func(tb *TaskBucket) { tb.registry = r }
}

// WithTunables overrides the default tunables.
func WithTunables(t Tunables) BucketOption {
	return func(tb *TaskBucket) { tb.tunables = t }
}

// WithSystemAccess mirrors the original's systemAccess construction flag
// (ACCESS_SYSTEM_KEYS / LOCK_AWARE transaction options). The local kv
// engine has no protected system keyspace, so this is currently inert; it
// is carried so a future networked backend has a real hook to bind to.
func WithSystemAccess() BucketOption {
	return func(tb *TaskBucket) { tb.systemAccess = true }
}

// WithPriorityBatch mirrors the original's priorityBatch construction flag
// (PRIORITY_BATCH_SYSTEM_IMMEDIATE). Same inert-today status as
// WithSystemAccess.
func WithPriorityBatch() BucketOption {
	return func(tb *TaskBucket) { tb.priorityBatch = true }
}

// WithLegacyAvailable sets the bucket's flag for the deprecated
// unprioritized av sub-space. Only the flag is stored: getOne, IsBusy and
// IsEmpty read avp alone whether or not it is set, so tasks under av are
// not dequeued.
func WithLegacyAvailable() BucketOption {
	return func(tb *TaskBucket) { tb.includeLegacyAv = true }
}

// TaskBucket is the scheduler: enqueue, dequeue, lease extension, timeout
// requeue, validation, finish, and the liveness probe, all layered on a
// kv.DB. See spec.md §4 for the algorithms each method below implements.
type TaskBucket struct {
	db *kv.DB

	root      Subspace
	activeKey []byte
	avail     Subspace // legacy P/av
	availp    Subspace // P/avp
	timeouts  Subspace // P/to
	countKey  []byte   // P/task_count

	tunables Tunables
	logger   log.Logger
	registry *Registry

	futureBucket *FutureBucket

	systemAccess    bool
	priorityBatch   bool
	includeLegacyAv bool
}

// NewTaskBucket builds a TaskBucket rooted at prefix.
func NewTaskBucket(db *kv.DB, prefix []byte, opts ...BucketOption) *TaskBucket {
	root := NewSubspace(prefix)
	tb := &TaskBucket{
		db:        db,
		root:      root,
		activeKey: root.Pack("ac"),
		avail:     root.Sub("av"),
		availp:    root.Sub("avp"),
		timeouts:  root.Sub("to"),
		countKey:  root.Pack("task_count"),
		tunables:  DefaultTunables(),
		logger:    log.NewLogger().WithComponent("taskbucket"),
		registry:  NewRegistry(),
	}
	for _, o := range opts {
		o(tb)
	}
	return tb
}

// SetFutureBucket links the FutureBucket whose futures this bucket's
// UnblockFuture built-in should resolve against. Resolves the circular
// construction dependency between TaskBucket and FutureBucket.
func (tb *TaskBucket) SetFutureBucket(fb *FutureBucket) { tb.futureBucket = fb }

// Registry exposes the handler registry so callers can register their own
// task types before starting a worker.
func (tb *TaskBucket) Registry() *Registry { return tb.registry }

// Tunables returns the bucket's effective tunables.
func (tb *TaskBucket) Tunables() Tunables { return tb.tunables }

// txnOptions returns the kv.TxnOptions this bucket's construction flags
// imply, applied to every transaction RunTransaction opens on its behalf.
func (tb *TaskBucket) txnOptions() []kv.TxnOption {
	var opts []kv.TxnOption
	if tb.systemAccess {
		opts = append(opts, kv.AccessSystemKeys, kv.LockAware)
	}
	if tb.priorityBatch {
		opts = append(opts, kv.PriorityBatch)
	}
	return opts
}

// --- 4.1 enqueue -----------------------------------------------------------

// AddTask implements addTask(tr, task) -> uid: writes the task's parameter
// rows under avp/<priority>/<uid>/ and atomically increments task_count.
func (tb *TaskBucket) AddTask(ctx context.Context, task *Task) ([]byte, error) {
	return RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) ([]byte, error) {
		return tb.addTaskLocked(ctx, tr, task)
	})
}

// addTaskLocked is addTask's core logic, usable from within a caller's own
// open transaction (e.g. the AddTask and UnblockFuture built-in handlers).
func (tb *TaskBucket) addTaskLocked(ctx context.Context, tr *kv.Txn, task *Task) ([]byte, error) {
	uid := task.UID
	if uid == nil {
		uid = randomUID()
		task.UID = uid
	}
	pri := task.priorityFromParams()
	if pri > tb.tunables.MaxPriority {
		pri = tb.tunables.MaxPriority
		task.Set(ParamPriority, encodeUint64(pri))
	}
	task.Priority = pri

	for param, val := range task.Params {
		if err := tr.Set(tb.availp.Pack(pri, uid, param), val); err != nil {
			return nil, err
		}
	}
	if err := tr.AtomicAdd(tb.countKey, 1); err != nil {
		return nil, err
	}
	return uid, nil
}

// AddTaskWithValidation implements addTask(tr, task, vKey[, vValue]): sets
// _validkey/_validvalue on the task before writing it. If vValue is nil,
// the current value at vKey is read and used; absence of vKey is an
// InvalidValidation error.
func (tb *TaskBucket) AddTaskWithValidation(ctx context.Context, task *Task, vKey, vValue []byte) ([]byte, error) {
	return RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) ([]byte, error) {
		val := vValue
		if val == nil {
			v, err := tr.Get(vKey)
			if err != nil {
				if errors.Is(err, kv.ErrNotFound) {
					return nil, &InvalidValidation{Key: vKey}
				}
				return nil, err
			}
			val = v
		}
		task.Set(ParamValidKey, vKey)
		task.Set(ParamValidValue, val)
		return tb.addTaskLocked(ctx, tr, task)
	})
}

// --- 4.2 dequeue (getOne) --------------------------------------------------

type probeResult struct {
	key   []byte
	found bool
	err   error
}

// probePriority implements one priority band's probe step of getOne: pick
// a random UID R, resolve the greatest avp/p row key <= avp/p/R; if that
// misses the band entirely, fall back to probing from the top of the band
// (avp/p/MAX_UID), which still resolves to the band's greatest-UID task if
// the band is non-empty.
func (tb *TaskBucket) probePriority(tr *kv.Txn, p uint64) probeResult {
	bandPrefix := tb.availp.Pack(p)

	probe := tb.availp.Pack(p, randomUID())
	if key, err := tr.GetKey(kv.LastLessOrEqual(probe)); err == nil {
		if bytes.HasPrefix(key, bandPrefix) {
			return probeResult{key: key, found: true}
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return probeResult{err: err}
	}

	probe2 := tb.availp.Pack(p, maxUID)
	key2, err2 := tr.GetKey(kv.LastLessOrEqual(probe2))
	if err2 != nil {
		if errors.Is(err2, kv.ErrNotFound) {
			return probeResult{}
		}
		return probeResult{err: err2}
	}
	if bytes.HasPrefix(key2, bandPrefix) {
		return probeResult{key: key2, found: true}
	}
	return probeResult{}
}

// probeAllPriorities runs probePriority for every band concurrently. Bands
// are few (MaxPriority+1, typically single digits), so a goroutine per band
// rather than a worker pool is the simplest faithful rendering of "for each
// priority concurrently issue a probe".
func (tb *TaskBucket) probeAllPriorities(tr *kv.Txn) []probeResult {
	n := int(tb.tunables.MaxPriority) + 1
	results := make([]probeResult, n)
	done := make(chan int, n)
	for p := 0; p < n; p++ {
		go func(p int) {
			results[p] = tb.probePriority(tr, uint64(p))
			done <- p
		}(p)
	}
	for i := 0; i < n; i++ {
		<-done
	}
	return results
}

// GetOne implements getOne: claims and returns the highest-priority
// available task, moving its rows into a fresh lease. Returns ErrNoTask if
// nothing is available (after giving requeueTimedOutTasks a chance).
func (tb *TaskBucket) GetOne(ctx context.Context) (*Task, error) {
	return tb.getOne(ctx, true)
}

func (tb *TaskBucket) getOne(ctx context.Context, allowRequeueRetry bool) (*Task, error) {
	if rand.Float64() < tb.tunables.CheckTimeoutChance {
		if _, err := tb.RequeueTimedOutTasks(ctx); err != nil {
			return nil, err
		}
	}

	task, err := RunTransaction(ctx, tb.db, tb.txnOptions(), tb.claimOne)
	if err != nil {
		return nil, err
	}
	if task != nil {
		return task, nil
	}

	if allowRequeueRetry {
		moved, err := tb.RequeueTimedOutTasks(ctx)
		if err != nil {
			return nil, err
		}
		if moved {
			return tb.getOne(ctx, false)
		}
	}
	return nil, ErrNoTask
}

func (tb *TaskBucket) claimOne(tr *kv.Txn) (*Task, error) {
	results := tb.probeAllPriorities(tr)
	for p := len(results) - 1; p >= 0; p-- {
		r := results[p]
		if r.err != nil {
			return nil, r.err
		}
		if !r.found {
			continue
		}
		task, err := tb.claimFoundKey(tr, uint64(p), r.key)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		// Another probe in this same transaction raced us to the same
		// row set (shouldn't happen given a single transaction's
		// snapshot, but keep scanning lower bands defensively).
	}
	return nil, nil
}

func (tb *TaskBucket) claimFoundKey(tr *kv.Txn, p uint64, foundKey []byte) (*Task, error) {
	elems, err := tb.availp.Unpack(foundKey)
	if err != nil || len(elems) < 2 {
		return nil, errMalformedTuple
	}
	uid := elems[1].Bytes

	start := tb.availp.Pack(p, uid)
	end := prefixEnd(start)
	rows, _, err := tr.GetRange(start, end, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	task := &Task{Params: map[string][]byte{}, UID: uid, Priority: p}
	for _, row := range rows {
		relElems, err := tb.availp.Unpack(row.Key)
		if err != nil || len(relElems) < 3 {
			return nil, errMalformedTuple
		}
		task.Params[string(relElems[2].Bytes)] = row.Value
	}

	if err := tr.ClearRange(start, end); err != nil {
		return nil, err
	}

	v := tr.ReadVersion()
	jitter := tb.tunables.JitterOffset + rand.Float64()*tb.tunables.JitterRange
	lease := v + uint64(float64(tb.tunables.TimeoutVersions)*(1+jitter))
	task.Timeout = lease

	for param, val := range task.Params {
		if err := tr.Set(tb.timeouts.Pack(lease, uid, param), val); err != nil {
			return nil, err
		}
	}
	if err := tr.Set(tb.activeKey, randomUID()); err != nil {
		return nil, err
	}
	return task, nil
}

// --- 4.3 lease extension & finish ------------------------------------------

// SaveAndExtend implements saveAndExtend: renews a task's lease with no
// jitter, returning false if the task's lease rows are no longer present
// (the task was reclaimed by a timeout requeue or already finished).
func (tb *TaskBucket) SaveAndExtend(ctx context.Context, task *Task) (bool, error) {
	return RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (bool, error) {
		start := tb.timeouts.Pack(task.Timeout, task.UID)
		end := prefixEnd(start)
		rows, _, err := tr.GetRange(start, end, 1)
		if err != nil {
			return false, err
		}
		if len(rows) == 0 {
			return false, nil
		}
		if err := tr.ClearRange(start, end); err != nil {
			return false, err
		}

		newLease := tr.ReadVersion() + tb.tunables.TimeoutVersions
		for param, val := range task.Params {
			if err := tr.Set(tb.timeouts.Pack(newLease, task.UID, param), val); err != nil {
				return false, err
			}
		}
		task.Timeout = newLease
		return true, nil
	})
}

// Finish implements finish(tr, task): clears the task's lease rows and
// decrements task_count. Idempotent: a second call observes an empty lease
// range and does nothing.
func (tb *TaskBucket) Finish(ctx context.Context, task *Task) error {
	_, err := RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (struct{}, error) {
		return struct{}{}, tb.finishLocked(ctx, tr, task)
	})
	return err
}

func (tb *TaskBucket) finishLocked(_ context.Context, tr *kv.Txn, task *Task) error {
	start := tb.timeouts.Pack(task.Timeout, task.UID)
	end := prefixEnd(start)
	rows, _, err := tr.GetRange(start, end, 1)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if err := tr.ClearRange(start, end); err != nil {
		return err
	}
	return tr.AtomicAdd(tb.countKey, -1)
}

// isFinishedLocked is isFinished's body, factored out so finishTaskRun can
// run it inside its own finish transaction.
func (tb *TaskBucket) isFinishedLocked(tr *kv.Txn, task *Task) (bool, error) {
	start := tb.timeouts.Pack(task.Timeout, task.UID)
	end := prefixEnd(start)
	rows, _, err := tr.GetRange(start, end, 1)
	if err != nil {
		return false, err
	}
	return len(rows) == 0, nil
}

// IsFinished implements isFinished: true iff the task's lease range is
// empty.
func (tb *TaskBucket) IsFinished(ctx context.Context, task *Task) (bool, error) {
	return RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (bool, error) {
		return tb.isFinishedLocked(tr, task)
	})
}

// --- 4.3 liveness / occupancy ----------------------------------------------

// IsBusy implements isBusy: true iff any priority band has at least one
// available task.
func (tb *TaskBucket) IsBusy(ctx context.Context) (bool, error) {
	return RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (bool, error) {
		for p := uint64(0); p <= tb.tunables.MaxPriority; p++ {
			s := tb.availp.Pack(p)
			e := prefixEnd(s)
			rows, _, err := tr.GetRange(s, e, 1)
			if err != nil {
				return false, err
			}
			if len(rows) > 0 {
				return true, nil
			}
		}
		return false, nil
	})
}

// IsEmpty implements isEmpty: not busy, and no task currently leased.
func (tb *TaskBucket) IsEmpty(ctx context.Context) (bool, error) {
	busy, err := tb.IsBusy(ctx)
	if err != nil || busy {
		return false, err
	}
	return RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (bool, error) {
		start, end := tb.timeouts.Range()
		rows, _, err := tr.GetRange(start, end, 1)
		if err != nil {
			return false, err
		}
		return len(rows) == 0, nil
	})
}

// GetActiveKey implements getActiveKey: true iff P/ac differs from prev.
// Returns the current value alongside so callers can chain samples.
func (tb *TaskBucket) GetActiveKey(ctx context.Context, prev []byte) (bool, []byte, error) {
	cur, err := tb.readActive(ctx)
	if err != nil {
		return false, nil, err
	}
	return !bytes.Equal(cur, prev), cur, nil
}

func (tb *TaskBucket) readActive(ctx context.Context) ([]byte, error) {
	return RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) ([]byte, error) {
		v, err := tr.Get(tb.activeKey)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return v, nil
	})
}

// CheckActive implements checkActive: forces a dequeue round via an idle
// task if the bucket isn't already busy, then polls P/ac up to
// CheckActiveAmount times, CheckActiveDelay apart, returning true as soon
// as it observes a change.
func (tb *TaskBucket) CheckActive(ctx context.Context) (bool, error) {
	busy, err := tb.IsBusy(ctx)
	if err != nil {
		return false, err
	}
	if !busy {
		idle := NewTask("idle")
		if _, err := tb.AddTask(ctx, idle); err != nil {
			return false, err
		}
	}

	prev, err := tb.readActive(ctx)
	if err != nil {
		return false, err
	}

	for i := 0; i < tb.tunables.CheckActiveAmount; i++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(tb.tunables.CheckActiveDelay):
		}
		cur, err := tb.readActive(ctx)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(cur, prev) {
			return true, nil
		}
	}
	return false, nil
}

// --- 4.4 timeout requeue ----------------------------------------------------

// RequeueTimedOutTasks implements requeueTimedOutTasks: scans expired
// leases (to/0..to/<currentReadVersion>), groups rows by UID, and moves
// each complete group back to avp/<priority>. If the scan's limit cut a
// UID's rows in half, that UID's rows are left untouched for the next call
// (see spec.md §9's open question on the partial-scan boundary).
func (tb *TaskBucket) RequeueTimedOutTasks(ctx context.Context) (bool, error) {
	return RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (bool, error) {
		currentV := tr.ReadVersion()
		start, _ := tb.timeouts.Range()
		end := prefixEnd(tb.timeouts.Pack(currentV))

		rows, more, err := tr.GetRange(start, end, tb.tunables.MaxTaskKeys)
		if err != nil {
			return false, err
		}
		if len(rows) == 0 {
			return false, nil
		}

		type group struct {
			params map[string][]byte
		}
		groups := map[string]*group{}
		var order [][]byte

		deferredUID := ""
		if more {
			lastElems, err := tb.timeouts.Unpack(rows[len(rows)-1].Key)
			if err != nil || len(lastElems) < 2 {
				return false, errMalformedTuple
			}
			deferredUID = string(lastElems[1].Bytes)
		}

		var lastConsumedKey []byte
		for _, row := range rows {
			elems, err := tb.timeouts.Unpack(row.Key)
			if err != nil || len(elems) < 3 {
				return false, errMalformedTuple
			}
			uid := elems[1].Bytes
			sk := string(uid)
			if more && sk == deferredUID {
				continue
			}
			g, ok := groups[sk]
			if !ok {
				g = &group{params: map[string][]byte{}}
				groups[sk] = g
				order = append(order, uid)
			}
			g.params[string(elems[2].Bytes)] = row.Value
			lastConsumedKey = row.Key
		}

		if len(order) == 0 {
			// Every row in this scan belonged to the one UID we deferred;
			// nothing to move this round. A generous MaxTaskKeys relative
			// to the maximum parameter count per task keeps this rare.
			return false, nil
		}

		for _, uid := range order {
			g := groups[string(uid)]
			pri := decodeUint64(g.params[ParamPriority])
			if pri > tb.tunables.MaxPriority {
				pri = tb.tunables.MaxPriority
			}
			for param, val := range g.params {
				if err := tr.Set(tb.availp.Pack(pri, uid, param), val); err != nil {
					return false, err
				}
			}
		}

		if !more {
			if err := tr.ClearRange(start, end); err != nil {
				return false, err
			}
		} else if lastConsumedKey != nil {
			if err := tr.ClearRange(start, prefixEnd(lastConsumedKey)); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// --- misc public API --------------------------------------------------------

// Clear implements clear(tr): removes every row in this bucket's entire
// subspace, including leases, available tasks, and the counter.
func (tb *TaskBucket) Clear(ctx context.Context) error {
	_, err := RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (struct{}, error) {
		start, end := tb.root.Range()
		return struct{}{}, tr.ClearRange(start, end)
	})
	return err
}

// GetTaskCount implements getTaskCount: the current value of task_count.
func (tb *TaskBucket) GetTaskCount(ctx context.Context) (int64, error) {
	return RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (int64, error) {
		v, err := tr.Get(tb.countKey)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return 0, nil
			}
			return 0, err
		}
		if len(v) < 8 {
			return 0, nil
		}
		return int64(binary.LittleEndian.Uint64(v)), nil
	})
}

// WatchTaskCount implements watchTaskCount: a channel that closes the next
// time task_count changes.
func (tb *TaskBucket) WatchTaskCount(_ context.Context) <-chan struct{} {
	tr := tb.db.Begin()
	ch := tr.Watch(tb.countKey)
	tr.Cancel()
	return ch
}

// --- 4.9 task verification --------------------------------------------------

// taskVerify implements taskVerify: a task with no validation parameters is
// always valid; otherwise it is valid iff the store's current value at
// _validkey equals _validvalue.
func (tb *TaskBucket) taskVerify(_ context.Context, tr *kv.Txn, task *Task) (bool, error) {
	key, value, ok := task.HasValidation()
	if !ok {
		return true, nil
	}
	cur, err := tr.Get(key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			tb.logger.Debug("validation key missing", log.Str("task", string(task.UID)))
			return false, nil
		}
		return false, err
	}
	if !bytes.Equal(cur, value) {
		tb.logger.Debug("validation value mismatch", log.Str("task", string(task.UID)))
		return false, nil
	}
	return true, nil
}

// IsVerified implements isVerified: taskVerify wrapped in its own
// retrying, side-effect-free transaction.
func (tb *TaskBucket) IsVerified(ctx context.Context, task *Task) (bool, error) {
	return RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (bool, error) {
		return tb.taskVerify(ctx, tr, task)
	})
}

// DebugDump writes a human-readable listing of this bucket's keyspace:
// every available task by priority band, and every leased task by lease
// version. Intended for operator inspection (the taskbucket CLI's
// "inspect" command), not for parsing.
func (tb *TaskBucket) DebugDump(ctx context.Context, w io.Writer) error {
	_, err := RunTransaction(ctx, tb.db, tb.txnOptions(), func(tr *kv.Txn) (struct{}, error) {
		start, end := tb.availp.Range()
		rows, _, err := tr.GetRange(start, end, 0)
		if err != nil {
			return struct{}{}, err
		}
		for _, row := range rows {
			elems, err := tb.availp.Unpack(row.Key)
			if err != nil || len(elems) < 3 {
				continue
			}
			io.WriteString(w, "avp pri=")
			io.WriteString(w, itoaUint64(elems[0].Uint64))
			io.WriteString(w, " uid=")
			io.WriteString(w, hexBytes(elems[1].Bytes))
			io.WriteString(w, " param=")
			io.WriteString(w, string(elems[2].Bytes))
			io.WriteString(w, "\n")
		}

		start, end = tb.timeouts.Range()
		rows, _, err = tr.GetRange(start, end, 0)
		if err != nil {
			return struct{}{}, err
		}
		for _, row := range rows {
			elems, err := tb.timeouts.Unpack(row.Key)
			if err != nil || len(elems) < 3 {
				continue
			}
			io.WriteString(w, "to lease=")
			io.WriteString(w, itoaUint64(elems[0].Uint64))
			io.WriteString(w, " uid=")
			io.WriteString(w, hexBytes(elems[1].Bytes))
			io.WriteString(w, " param=")
			io.WriteString(w, string(elems[2].Bytes))
			io.WriteString(w, "\n")
		}
		return struct{}{}, nil
	})
	return err
}

func itoaUint64(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func hexBytes(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}
