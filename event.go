package inspector

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"fortio.org/safecast"
)

// EventType is the kind of a TraceEvent.
type EventType uint8

// Event kinds. Sync events pair on one thread, async events pair by name
// and flows link work across threads and processes.
const (
	SyncBegin EventType = iota + 1
	SyncEnd
	AsyncBegin
	AsyncInstance
	AsyncEnd
	FlowBegin
	FlowInstance
	FlowEnd
	Counter
)

var eventPhases = [...]byte{0, 'B', 'E', 'b', 'n', 'e', 's', 't', 'f', 'C'}

var eventNames = [...]string{
	"invalid",
	"sync_begin",
	"sync_end",
	"async_begin",
	"async_instance",
	"async_end",
	"flow_begin",
	"flow_instance",
	"flow_end",
	"counter",
}

// Valid reports whether t is one of the known event kinds.
func (t EventType) Valid() bool {
	return t >= SyncBegin && t <= Counter
}

// Phase returns the one character tag of t used by trace viewers.
func (t EventType) Phase() byte {
	if !t.Valid() {
		return '?'
	}
	return eventPhases[t]
}

func (t EventType) String() string {
	if !t.Valid() {
		return "invalid(" + strconv.Itoa(int(t)) + ")"
	}
	return eventNames[t]
}

// ParsePhase returns the EventType tagged by phase p.
func ParsePhase(p byte) (EventType, error) {
	for i := SyncBegin; i <= Counter; i++ {
		if eventPhases[i] == p {
			return i, nil
		}
	}
	return 0, fmt.Errorf("inspector: unknown phase %q", p)
}

// ParseEventType accepts either an event name such as "sync_begin" or a
// single character phase such as "B".
func ParseEventType(s string) (EventType, error) {
	if len(s) == 1 {
		return ParsePhase(s[0])
	}
	for i := SyncBegin; i <= Counter; i++ {
		if eventNames[i] == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("inspector: unknown event type %q", s)
}

// ErrUnsupportedArg is wrapped by every ArgTypeError.
var ErrUnsupportedArg = errors.New("inspector: unsupported debug argument")

// ErrNoCounterValue is returned when a counter event carries no sample.
var ErrNoCounterValue = errors.New("inspector: counter without a value")

// ErrEmptyName is returned when an event is built without a name.
var ErrEmptyName = errors.New("inspector: empty event name")

// ArgTypeError reports a debug argument that can not be attached to an
// event. Index is the position of the argument in the call, or -1 when the
// value was converted on its own.
type ArgTypeError struct {
	Event EventType
	Index int
	Value any
}

func (e *ArgTypeError) Error() string {
	var b strings.Builder
	b.WriteString("inspector: ")
	if e.Event.Valid() {
		b.WriteString(e.Event.String())
		b.WriteString(" ")
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, "argument %d ", e.Index)
	}
	fmt.Fprintf(&b, "of type %T is not supported", e.Value)
	return b.String()
}

func (e *ArgTypeError) Unwrap() error {
	return ErrUnsupportedArg
}

// ArgType is the type tag of a DebugArg.
type ArgType uint8

const (
	ArgInt64 ArgType = iota + 1
	ArgDouble
	ArgString
	ArgKwarg
)

func (t ArgType) String() string {
	switch t {
	case ArgInt64:
		return "INT64"
	case ArgDouble:
		return "DOUBLE"
	case ArgString:
		return "STRING"
	case ArgKwarg:
		return "KWARG"
	}
	return "invalid(" + strconv.Itoa(int(t)) + ")"
}

// Kwarg is a keyword argument passed to a producer call.
type Kwarg struct {
	Key   string
	Value any
}

// Kw is shorthand for Kwarg{Key: key, Value: value}.
func Kw(key string, value any) Kwarg {
	return Kwarg{Key: key, Value: value}
}

// DebugArg is a typed scalar attached to a TraceEvent. Keyword arguments
// carry a key next to a scalar value of type INT64, DOUBLE or STRING.
// The zero value is not a valid argument.
type DebugArg struct {
	kwarg bool
	key   string
	vtype ArgType
	i     int64
	f     float64
	s     string
}

// Int64Arg returns an INT64 argument.
func Int64Arg(v int64) DebugArg { return DebugArg{vtype: ArgInt64, i: v} }

// DoubleArg returns a DOUBLE argument.
func DoubleArg(v float64) DebugArg { return DebugArg{vtype: ArgDouble, f: v} }

// StringArg returns a STRING argument.
func StringArg(v string) DebugArg { return DebugArg{vtype: ArgString, s: v} }

// KwargOf returns a KWARG argument binding key to the scalar v.
func KwargOf(key string, v DebugArg) DebugArg {
	v.kwarg = true
	v.key = key
	return v
}

// NewDebugArg converts v into a DebugArg. Integers, floats, strings and a
// Kwarg with a non-empty key holding one of those are accepted. Anything else, including bool,
// nil and every container, fails with an *ArgTypeError.
func NewDebugArg(v any) (DebugArg, error) {
	if a, ok := v.(DebugArg); ok && a.vtype != 0 {
		return a, nil
	}
	if kw, ok := v.(Kwarg); ok {
		a, ok := scalarArg(kw.Value)
		if !ok || kw.Key == "" {
			return DebugArg{}, &ArgTypeError{Index: -1, Value: kw.Value}
		}
		return KwargOf(kw.Key, a), nil
	}
	a, ok := scalarArg(v)
	if !ok {
		return DebugArg{}, &ArgTypeError{Index: -1, Value: v}
	}
	return a, nil
}

func scalarArg(v any) (DebugArg, bool) {
	switch x := v.(type) {
	case int:
		return Int64Arg(int64(x)), true
	case int8:
		return Int64Arg(int64(x)), true
	case int16:
		return Int64Arg(int64(x)), true
	case int32:
		return Int64Arg(int64(x)), true
	case int64:
		return Int64Arg(x), true
	case uint8:
		return Int64Arg(int64(x)), true
	case uint16:
		return Int64Arg(int64(x)), true
	case uint32:
		return Int64Arg(int64(x)), true
	case uint:
		n, err := safecast.Conv[int64](x)
		return Int64Arg(n), err == nil
	case uint64:
		n, err := safecast.Conv[int64](x)
		return Int64Arg(n), err == nil
	case float32:
		return DoubleArg(float64(x)), true
	case float64:
		return DoubleArg(x), true
	case string:
		return StringArg(x), true
	}
	return DebugArg{}, false
}

// Type returns ArgKwarg for keyword arguments and the value type otherwise.
func (a DebugArg) Type() ArgType {
	if a.kwarg {
		return ArgKwarg
	}
	return a.vtype
}

// IsKwarg reports whether a is a keyword argument.
func (a DebugArg) IsKwarg() bool { return a.kwarg }

// Key returns the keyword of a keyword argument and "" otherwise.
func (a DebugArg) Key() string { return a.key }

// ValueType returns the scalar type of the value, for keyword arguments too.
func (a DebugArg) ValueType() ArgType { return a.vtype }

func (a DebugArg) Int64() int64     { return a.i }
func (a DebugArg) Float64() float64 { return a.f }
func (a DebugArg) Str() string      { return a.s }

// Value returns the scalar as int64, float64 or string.
func (a DebugArg) Value() any {
	switch a.vtype {
	case ArgInt64:
		return a.i
	case ArgDouble:
		return a.f
	case ArgString:
		return a.s
	}
	return nil
}

func (a DebugArg) valueString() string {
	switch a.vtype {
	case ArgInt64:
		return strconv.FormatInt(a.i, 10)
	case ArgDouble:
		return strconv.FormatFloat(a.f, 'g', -1, 64)
	}
	return a.s
}

// String renders a as "value" or "key=value".
func (a DebugArg) String() string {
	if a.kwarg {
		return a.key + "=" + a.valueString()
	}
	return a.valueString()
}

// TraceEvent is one occurrence of an instrumentation call. It is immutable
// once built.
type TraceEvent struct {
	typ         EventType
	name        string
	pid         int64
	tid         int64
	timestampNs int64
	counter     uint64
	args        []DebugArg
}

// NewTraceEvent builds an event of type typ stamped with the current time,
// process id and goroutine id. args are scalars or Kwarg values; positional
// arguments keep their call order and are followed by the keyword arguments
// in call order.
func NewTraceEvent(typ EventType, name string, args ...any) (*TraceEvent, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("inspector: invalid event type %d", typ)
	}
	if name == "" {
		return nil, ErrEmptyName
	}
	debugArgs, err := debugArgs(typ, args)
	if err != nil {
		return nil, err
	}
	return &TraceEvent{
		typ:         typ,
		name:        name,
		pid:         int64(os.Getpid()),
		tid:         goroutineID(),
		timestampNs: monotonicNow(),
		args:        debugArgs,
	}, nil
}

// MakeTraceEvent assembles an event from explicit fields. Positional and
// keyword arguments are reordered the same way NewTraceEvent orders them.
func MakeTraceEvent(typ EventType, name string, pid, tid, timestampNs int64, args ...DebugArg) *TraceEvent {
	return &TraceEvent{
		typ:         typ,
		name:        name,
		pid:         pid,
		tid:         tid,
		timestampNs: timestampNs,
		args:        partition(args),
	}
}

func debugArgs(typ EventType, args []any) ([]DebugArg, error) {
	if typ == Counter && len(args) == 0 {
		return nil, ErrNoCounterValue
	}
	if len(args) == 0 {
		return nil, nil
	}
	if typ == SyncEnd {
		return nil, &ArgTypeError{Event: typ, Index: 0, Value: args[0]}
	}
	out := make([]DebugArg, 0, len(args))
	for i, v := range args {
		a, err := NewDebugArg(v)
		if err != nil {
			var ate *ArgTypeError
			if errors.As(err, &ate) {
				ate.Event, ate.Index = typ, i
			}
			return nil, err
		}
		// counters carry numeric samples only
		if typ == Counter && a.vtype == ArgString {
			return nil, &ArgTypeError{Event: typ, Index: i, Value: v}
		}
		out = append(out, a)
	}
	return partition(out), nil
}

// partition moves keyword arguments behind positional ones, keeping the
// relative order of each group.
func partition(args []DebugArg) []DebugArg {
	if len(args) == 0 {
		return nil
	}
	out := make([]DebugArg, 0, len(args))
	for _, a := range args {
		if !a.kwarg {
			out = append(out, a)
		}
	}
	for _, a := range args {
		if a.kwarg {
			out = append(out, a)
		}
	}
	return out
}

func (e *TraceEvent) Type() EventType { return e.typ }
func (e *TraceEvent) Name() string    { return e.name }
func (e *TraceEvent) PID() int64      { return e.pid }
func (e *TraceEvent) TID() int64      { return e.tid }

// TimestampNs is the monotonic nanosecond timestamp taken at construction.
func (e *TraceEvent) TimestampNs() int64 { return e.timestampNs }

// Timestamp returns TimestampNs as a time.Time.
func (e *TraceEvent) Timestamp() time.Time { return time.Unix(0, e.timestampNs) }

// Counter is the sequence number the queue assigned on write. It is zero
// for events that were never read back from a queue.
func (e *TraceEvent) Counter() uint64 { return e.counter }

// DebugArgs returns a copy of all arguments, positional first.
func (e *TraceEvent) DebugArgs() []DebugArg {
	if len(e.args) == 0 {
		return nil
	}
	out := make([]DebugArg, len(e.args))
	copy(out, e.args)
	return out
}

// Args returns the positional arguments.
func (e *TraceEvent) Args() []DebugArg {
	var out []DebugArg
	for _, a := range e.args {
		if !a.kwarg {
			out = append(out, a)
		}
	}
	return out
}

// Kwargs returns the keyword arguments.
func (e *TraceEvent) Kwargs() []DebugArg {
	var out []DebugArg
	for _, a := range e.args {
		if a.kwarg {
			out = append(out, a)
		}
	}
	return out
}

// WithCounter returns a copy of e carrying counter c.
func (e *TraceEvent) WithCounter(c uint64) *TraceEvent {
	cp := *e
	cp.counter = c
	return &cp
}

// String renders the display form "phase|name|arg|key=value". An event
// without arguments ends at the name.
func (e *TraceEvent) String() string {
	var b strings.Builder
	b.WriteByte(e.typ.Phase())
	b.WriteByte('|')
	b.WriteString(e.name)
	for _, a := range e.args {
		b.WriteByte('|')
		b.WriteString(a.String())
	}
	return b.String()
}

var (
	epochWall = time.Now().UnixNano()
	epochMono = time.Now()
)

// monotonicNow is wall time at process start advanced by the monotonic
// clock, so it never steps backwards within a process.
func monotonicNow() int64 {
	return epochWall + int64(time.Since(epochMono))
}

// goroutineID parses the id out of the "goroutine N [...]" stack header.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
