// Package chrome writes trace events in the Trace Event Format understood
// by chrome://tracing and Perfetto.
//
// The format is documented here:
// https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU
package chrome

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/ketgo/inspector"
)

const category = "inspector"

// Event is one entry of the traceEvents list.
type Event struct {
	Category  string         `json:"cat,omitempty"`
	Name      string         `json:"name"`
	Phase     string         `json:"ph"`
	Timestamp float64        `json:"ts"`
	ProcessID int64          `json:"pid"`
	ThreadID  int64          `json:"tid"`
	ID        string         `json:"id,omitempty"`
	Binding   string         `json:"bp,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

// FromTraceEvent converts e. Timestamps are in microseconds. Async and
// flow events use their name as id, so events with one name are joined.
func FromTraceEvent(e *inspector.TraceEvent) *Event {
	out := &Event{
		Category:  category,
		Name:      e.Name(),
		Phase:     string(e.Type().Phase()),
		Timestamp: float64(e.TimestampNs()) / 1e3,
		ProcessID: e.PID(),
		ThreadID:  e.TID(),
		Args:      args(e),
	}
	switch e.Type() {
	case inspector.AsyncBegin, inspector.AsyncInstance, inspector.AsyncEnd,
		inspector.FlowBegin, inspector.FlowInstance:
		out.ID = e.Name()
	case inspector.FlowEnd:
		out.ID = e.Name()
		out.Binding = "e"
	}
	return out
}

// args names positional arguments arg0, arg1, ... and keeps keyword names.
// A counter with a single positional value reports it as "value".
func args(e *inspector.TraceEvent) map[string]any {
	all := e.DebugArgs()
	if len(all) == 0 {
		return nil
	}
	if e.Type() == inspector.Counter && len(all) == 1 && !all[0].IsKwarg() {
		return map[string]any{"value": all[0].Value()}
	}
	m := make(map[string]any, len(all))
	pos := 0
	for _, a := range all {
		if a.IsKwarg() {
			m[a.Key()] = a.Value()
			continue
		}
		m["arg"+strconv.Itoa(pos)] = a.Value()
		pos++
	}
	return m
}

// Writer streams a trace file. Events are written one per line between
// the opening written by the first WriteEvent and the closing written by
// Close.
type Writer struct {
	w          io.Writer
	wroteFirst bool
}

// NewWriter returns a Writer writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEvent converts and writes e.
func (s *Writer) WriteEvent(e *inspector.TraceEvent) error {
	delim := ",\n"
	if !s.wroteFirst {
		delim = "{\"traceEvents\":[\n"
		s.wroteFirst = true
	}
	if _, err := io.WriteString(s.w, delim); err != nil {
		return fmt.Errorf("write event delimiter: %w", err)
	}

	b, err := json.Marshal(FromTraceEvent(e))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close terminates the trace file. A trace without events is still valid.
func (s *Writer) Close() error {
	tail := "\n],\"displayTimeUnit\":\"ns\"}\n"
	if !s.wroteFirst {
		tail = "{\"traceEvents\":[" + tail
	}
	_, err := io.WriteString(s.w, tail)
	return err
}
