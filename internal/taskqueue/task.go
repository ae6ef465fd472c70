package taskqueue

import "encoding/binary"

// Reserved parameter names carrying scheduler metadata. Any other key is an
// opaque application parameter.
const (
	ParamType        = "type"
	ParamVersion     = "version"
	ParamPriority    = "priority"
	ParamDone        = "done"
	ParamFuture      = "future"
	ParamBlockID     = "blockid"
	ParamAddTask     = "_add_task"
	ParamValidKey    = "_validkey"
	ParamValidValue  = "_validvalue"
)

// Task is a mapping from opaque parameter name to opaque value, plus the
// scheduler-attached, out-of-band fields (UID, priority band, lease) that
// are never stored as rows themselves but are implied by where the task's
// rows currently live in the keyspace.
type Task struct {
	Params map[string][]byte

	// UID identifies this task's rows in the keyspace. Assigned by addTask,
	// carried through getOne/saveAndExtend/finish.
	UID []byte
	// Priority is the band this task is currently filed under. Mirrors
	// Params[ParamPriority] but kept denormalized for convenience since
	// it's consulted on every lease operation.
	Priority uint64
	// Timeout is the lease version: while running, leaseVersion > the read
	// version of any transaction that can still observe the task as leased.
	Timeout uint64
}

// NewTask creates an empty task of the given handler type.
func NewTask(taskType string) *Task {
	return &Task{Params: map[string][]byte{ParamType: []byte(taskType)}}
}

// Set stores an application parameter. Reserved names can be set this way
// too, but callers should prefer the typed accessors below.
func (t *Task) Set(key string, value []byte) *Task {
	if t.Params == nil {
		t.Params = map[string][]byte{}
	}
	t.Params[key] = value
	return t
}

// SetString is a convenience wrapper around Set for string values.
func (t *Task) SetString(key, value string) *Task { return t.Set(key, []byte(value)) }

// Get returns a parameter's raw value and whether it was present.
func (t *Task) Get(key string) ([]byte, bool) {
	v, ok := t.Params[key]
	return v, ok
}

// Type returns the handler name this task should run under.
func (t *Task) Type() string {
	return string(t.Params[ParamType])
}

// SetPriority clamps p to [0, maxPriority] and stores it both on the
// reserved parameter and the denormalized field.
func (t *Task) SetPriority(p uint64, maxPriority uint64) {
	if p > maxPriority {
		p = maxPriority
	}
	t.Priority = p
	t.Set(ParamPriority, encodeUint64(p))
}

// priorityFromParams reads back Params[ParamPriority], defaulting to 0.
func (t *Task) priorityFromParams() uint64 {
	v, ok := t.Params[ParamPriority]
	if !ok {
		return 0
	}
	return decodeUint64(v)
}

// IsDone reports whether the completion-only sentinel parameter is set.
func (t *Task) IsDone() bool {
	_, ok := t.Params[ParamDone]
	return ok
}

// HasValidation reports whether both validation reserved parameters are
// present, per spec.md §3 invariant 5 ("absence of either reserved
// parameter implies no validation required").
func (t *Task) HasValidation() (key, value []byte, ok bool) {
	k, kok := t.Params[ParamValidKey]
	v, vok := t.Params[ParamValidValue]
	if !kok || !vok {
		return nil, nil, false
	}
	return k, v, true
}

// Clone returns a deep copy of the task's parameter map and out-of-band
// fields, so a caller can safely mutate one copy (e.g. AddTask restoring
// _add_task into type) without affecting another in-flight reference.
func (t *Task) Clone() *Task {
	params := make(map[string][]byte, len(t.Params))
	for k, v := range t.Params {
		params[k] = append([]byte(nil), v...)
	}
	return &Task{
		Params:   params,
		UID:      append([]byte(nil), t.UID...),
		Priority: t.Priority,
		Timeout:  t.Timeout,
	}
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		var padded [8]byte
		copy(padded[8-len(b):], b)
		return binary.BigEndian.Uint64(padded[:])
	}
	return binary.BigEndian.Uint64(b)
}
