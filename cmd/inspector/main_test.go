//go:build unix

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/ketgo/inspector"
	"github.com/ketgo/inspector/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the command line and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func setupQueue(t *testing.T) {
	t.Helper()
	t.Setenv("INSPECTOR_QUEUE_DIR", t.TempDir())
	t.Setenv("INSPECTOR_EVENT_QUEUE_NAME", "cli-test-"+uuid.NewString())
	t.Setenv("INSPECTOR_MAX_READ_ATTEMPT", "1")
}

func TestEmitLsRm(t *testing.T) {
	setupQueue(t)

	_, err := run(t, "emit", "B", "work", "1", "2.5", "text", "--kw", "k=v")
	require.NoError(t, err)
	_, err = run(t, "emit", "sync_end", "work")
	require.NoError(t, err)

	out, err := run(t, "stat")
	require.NoError(t, err)
	assert.Regexp(t, `pending records\s+2`, out)
	assert.Regexp(t, `last counter\s+2`, out)

	out, err = run(t, "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "B|work|1|2.5|text|k=v")
	assert.Contains(t, out, "E|work")

	// ls consumed the events
	out, err = run(t, "ls")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = run(t, "rm")
	require.NoError(t, err)
	_, err = run(t, "rm")
	require.NoError(t, err)
	_, err = run(t, "stat")
	assert.ErrorIs(t, err, inspector.ErrQueueNotFound)
}

func TestEmit_Compressed(t *testing.T) {
	setupQueue(t)

	_, err := run(t, "emit", "C", "cpu", "42", "--compress")
	require.NoError(t, err)

	out, err := run(t, "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "C|cpu|42")
}

func TestEmit_Invalid(t *testing.T) {
	setupQueue(t)

	_, err := run(t, "emit", "X", "name")
	assert.Error(t, err)

	_, err = run(t, "emit", "B", "name", "--kw", "novalue")
	assert.Error(t, err)

	_, err = run(t, "emit", "E", "name", "1")
	assert.ErrorIs(t, err, inspector.ErrUnsupportedArg)
}

func TestRm_Purge(t *testing.T) {
	setupQueue(t)

	_, err := run(t, "emit", "B", "work")
	require.NoError(t, err)
	_, err = run(t, "rm", "--purge")
	require.NoError(t, err)

	out, err := run(t, "stat")
	require.NoError(t, err)
	assert.Regexp(t, `pending records\s+0`, out)
}

func TestLsAndExport_Recording(t *testing.T) {
	setupQueue(t)
	dir := t.TempDir()

	w, err := storage.NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.WriteEvent(inspector.MakeTraceEvent(inspector.SyncEnd, "late", 1, 1, 2000).WithCounter(2)))
	require.NoError(t, w.WriteEvent(inspector.MakeTraceEvent(inspector.SyncBegin, "late", 1, 1, 1000).WithCounter(1)))
	require.NoError(t, w.Close())

	out, err := run(t, "ls", "--in", dir, "--chronological")
	require.NoError(t, err)
	assert.Less(t, bytes.Index([]byte(out), []byte("B|late")), bytes.Index([]byte(out), []byte("E|late")))

	file := filepath.Join(t.TempDir(), "trace.json")
	_, err = run(t, "export", "--in", dir, "--out", file)
	require.NoError(t, err)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var doc struct {
		TraceEvents []struct {
			Phase string  `json:"ph"`
			Ts    float64 `json:"ts"`
		} `json:"traceEvents"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.TraceEvents, 2)
	assert.Equal(t, "B", doc.TraceEvents[0].Phase)
	assert.Equal(t, 1.0, doc.TraceEvents[0].Ts)
}

func TestParseArg(t *testing.T) {
	assert.Equal(t, int64(3), parseArg("3"))
	assert.Equal(t, -1.5, parseArg("-1.5"))
	assert.Equal(t, "a|b", parseArg("a|b"))
}

func TestRoot_BadLogLevel(t *testing.T) {
	setupQueue(t)
	_, err := run(t, "--log-level", "loud", "stat")
	assert.Error(t, err)
}
