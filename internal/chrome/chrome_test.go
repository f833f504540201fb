package chrome

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ketgo/inspector"
)

func TestFromTraceEvent(t *testing.T) {
	tests := []struct {
		name  string
		event *inspector.TraceEvent
		want  *Event
	}{
		{
			name: "sync",
			event: inspector.MakeTraceEvent(inspector.SyncBegin, "work", 1, 2, 5000,
				inspector.Int64Arg(3), inspector.KwargOf("k", inspector.StringArg("v"))),
			want: &Event{Category: "inspector", Name: "work", Phase: "B", Timestamp: 5, ProcessID: 1, ThreadID: 2,
				Args: map[string]any{"arg0": int64(3), "k": "v"}},
		},
		{
			name:  "counter",
			event: inspector.MakeTraceEvent(inspector.Counter, "cpu", 1, 2, 1500, inspector.DoubleArg(0.5)),
			want: &Event{Category: "inspector", Name: "cpu", Phase: "C", Timestamp: 1.5, ProcessID: 1, ThreadID: 2,
				Args: map[string]any{"value": 0.5}},
		},
		{
			name:  "async",
			event: inspector.MakeTraceEvent(inspector.AsyncInstance, "fetch", 1, 2, 0),
			want:  &Event{Category: "inspector", Name: "fetch", Phase: "n", ProcessID: 1, ThreadID: 2, ID: "fetch"},
		},
		{
			name:  "flow end",
			event: inspector.MakeTraceEvent(inspector.FlowEnd, "req", 1, 2, 0),
			want:  &Event{Category: "inspector", Name: "req", Phase: "f", ProcessID: 1, ThreadID: 2, ID: "req", Binding: "e"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FromTraceEvent(tt.event)); diff != "" {
				t.Errorf("FromTraceEvent() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriter_ValidJSON(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		var buf bytes.Buffer
		w := NewWriter(&buf)
		for i := 0; i < n; i++ {
			if err := w.WriteEvent(inspector.MakeTraceEvent(inspector.SyncBegin, "x", 1, 1, int64(i))); err != nil {
				t.Fatal(err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}

		var doc struct {
			TraceEvents     []Event `json:"traceEvents"`
			DisplayTimeUnit string  `json:"displayTimeUnit"`
		}
		if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
			t.Fatalf("%d events: invalid JSON %q: %v", n, buf.String(), err)
		}
		if len(doc.TraceEvents) != n {
			t.Errorf("expected %d events, got %d", n, len(doc.TraceEvents))
		}
	}
}
