package inspector_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ketgo/inspector"
)

func TestEventType_Phase(t *testing.T) {
	phases := map[inspector.EventType]byte{
		inspector.SyncBegin:     'B',
		inspector.SyncEnd:       'E',
		inspector.AsyncBegin:    'b',
		inspector.AsyncInstance: 'n',
		inspector.AsyncEnd:      'e',
		inspector.FlowBegin:     's',
		inspector.FlowInstance:  't',
		inspector.FlowEnd:       'f',
		inspector.Counter:       'C',
	}
	for typ, want := range phases {
		if got := typ.Phase(); got != want {
			t.Errorf("%s: expected phase %q, got %q", typ, want, got)
		}
		back, err := inspector.ParsePhase(want)
		if err != nil {
			t.Fatal(err)
		}
		if back != typ {
			t.Errorf("ParsePhase(%q): expected %s, got %s", want, typ, back)
		}
		byName, err := inspector.ParseEventType(typ.String())
		if err != nil {
			t.Fatal(err)
		}
		if byName != typ {
			t.Errorf("ParseEventType(%q): expected %s, got %s", typ.String(), typ, byName)
		}
	}
	if _, err := inspector.ParsePhase('X'); err == nil {
		t.Error("expected error for unknown phase")
	}
}

func TestNewDebugArg(t *testing.T) {
	tests := []struct {
		in   any
		want inspector.DebugArg
	}{
		{int(1), inspector.Int64Arg(1)},
		{int8(-8), inspector.Int64Arg(-8)},
		{int32(32), inspector.Int64Arg(32)},
		{uint16(16), inspector.Int64Arg(16)},
		{uint64(math.MaxInt64), inspector.Int64Arg(math.MaxInt64)},
		{float32(0.5), inspector.DoubleArg(0.5)},
		{3.5, inspector.DoubleArg(3.5)},
		{"one", inspector.StringArg("one")},
		{inspector.Kw("b", 2), inspector.KwargOf("b", inspector.Int64Arg(2))},
		{inspector.Kw("s", "x=y|z"), inspector.KwargOf("s", inspector.StringArg("x=y|z"))},
	}
	for _, tt := range tests {
		got, err := inspector.NewDebugArg(tt.in)
		if err != nil {
			t.Errorf("NewDebugArg(%#v): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NewDebugArg(%#v): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestNewDebugArg_Unsupported(t *testing.T) {
	unsupported := []any{
		[]int{1},
		map[string]int{"a": 1},
		struct{}{},
		nil,
		true,
		uint64(math.MaxUint64),
		inspector.Kw("nested", inspector.Kw("a", 1)),
		inspector.Kw("list", []string{"a"}),
	}
	for _, v := range unsupported {
		_, err := inspector.NewDebugArg(v)
		if !errors.Is(err, inspector.ErrUnsupportedArg) {
			t.Errorf("NewDebugArg(%#v): expected %v, got %v", v, inspector.ErrUnsupportedArg, err)
		}
		var ate *inspector.ArgTypeError
		if !errors.As(err, &ate) {
			t.Errorf("NewDebugArg(%#v): expected *ArgTypeError, got %T", v, err)
		}
	}
}

func TestDebugArg_Accessors(t *testing.T) {
	kw := inspector.KwargOf("ratio", inspector.DoubleArg(0.25))
	if kw.Type() != inspector.ArgKwarg {
		t.Errorf("expected %s, got %s", inspector.ArgKwarg, kw.Type())
	}
	if kw.ValueType() != inspector.ArgDouble {
		t.Errorf("expected %s, got %s", inspector.ArgDouble, kw.ValueType())
	}
	if kw.Key() != "ratio" || kw.Value() != 0.25 {
		t.Errorf("unexpected kwarg %v", kw)
	}
	if kw.String() != "ratio=0.25" {
		t.Errorf("expected ratio=0.25, got %s", kw.String())
	}
}

func TestNewTraceEvent_Ordering(t *testing.T) {
	e, err := inspector.NewTraceEvent(inspector.SyncBegin, "ordered",
		inspector.Kw("k1", 1), "a", inspector.Kw("k2", "v"), 2.5)
	if err != nil {
		t.Fatal(err)
	}

	want := []inspector.DebugArg{
		inspector.StringArg("a"),
		inspector.DoubleArg(2.5),
		inspector.KwargOf("k1", inspector.Int64Arg(1)),
		inspector.KwargOf("k2", inspector.StringArg("v")),
	}
	if diff := cmp.Diff(want, e.DebugArgs(), cmp.AllowUnexported(inspector.DebugArg{})); diff != "" {
		t.Errorf("debug args mismatch (-want +got):\n%s", diff)
	}
	if got := e.String(); got != "B|ordered|a|2.5|k1=1|k2=v" {
		t.Errorf("unexpected display form %q", got)
	}
	if e.PID() == 0 || e.TID() == 0 || e.TimestampNs() == 0 {
		t.Errorf("expected pid, tid and timestamp to be captured, got %d %d %d", e.PID(), e.TID(), e.TimestampNs())
	}
}

func TestNewTraceEvent_NoTrailingDelimiter(t *testing.T) {
	e, err := inspector.NewTraceEvent(inspector.SyncEnd, "done")
	if err != nil {
		t.Fatal(err)
	}
	if got := e.String(); got != "E|done" {
		t.Errorf("expected E|done, got %q", got)
	}
}

func TestNewTraceEvent_Errors(t *testing.T) {
	tests := []struct {
		name string
		typ  inspector.EventType
		args []any
		want error
	}{
		{"", inspector.SyncBegin, nil, inspector.ErrEmptyName},
		{"list", inspector.SyncBegin, []any{1, "one", []int{}}, inspector.ErrUnsupportedArg},
		{"end", inspector.SyncEnd, []any{1}, inspector.ErrUnsupportedArg},
		{"cpu", inspector.Counter, []any{"one"}, inspector.ErrUnsupportedArg},
		{"cpu", inspector.Counter, []any{inspector.Kw("load", "high")}, inspector.ErrUnsupportedArg},
		{"cpu", inspector.Counter, nil, inspector.ErrNoCounterValue},
		{"kw", inspector.SyncBegin, []any{inspector.Kw("", 1)}, inspector.ErrUnsupportedArg},
	}
	for _, tt := range tests {
		_, err := inspector.NewTraceEvent(tt.typ, tt.name, tt.args...)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s %q: expected %v, got %v", tt.typ, tt.name, tt.want, err)
		}
	}

	_, err := inspector.NewTraceEvent(inspector.AsyncBegin, "idx", 1, map[int]int{})
	var ate *inspector.ArgTypeError
	if !errors.As(err, &ate) {
		t.Fatalf("expected *ArgTypeError, got %v", err)
	}
	if ate.Index != 1 || ate.Event != inspector.AsyncBegin {
		t.Errorf("expected argument 1 of async_begin, got %d of %s", ate.Index, ate.Event)
	}
}

func TestNewTraceEvent_MonotonicTimestamps(t *testing.T) {
	var prev int64
	for i := 0; i < 1000; i++ {
		e, err := inspector.NewTraceEvent(inspector.Counter, "tick", i)
		if err != nil {
			t.Fatal(err)
		}
		if e.TimestampNs() < prev {
			t.Fatalf("timestamp went backwards: %d < %d", e.TimestampNs(), prev)
		}
		prev = e.TimestampNs()
	}
}
