package storage_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ketgo/inspector"
	"github.com/ketgo/inspector/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	var sealed []storage.Block
	w, err := storage.NewWriter(dir, storage.WithBlockSize(64), storage.WithBlockHook(func(b storage.Block) {
		sealed = append(sealed, b)
	}))
	require.NoError(t, err)

	var want []storage.Record
	for i := 0; i < 20; i++ {
		r := storage.Record{Counter: uint64(i + 1), TimestampNs: int64(1000 + i), Data: []byte("payload")}
		want = append(want, r)
		require.NoError(t, w.Write(r))
	}
	assert.Equal(t, 20, w.Records())
	require.NoError(t, w.Close())
	assert.Greater(t, len(sealed), 1, "expected small blocks to be sealed as they fill")

	rec, err := storage.Open(dir)
	require.NoError(t, err)
	assert.Len(t, rec.Manifest().Blocks, len(sealed))
	assert.Equal(t, "block-000000.inspector", rec.Manifest().Blocks[0].File)

	got, err := rec.ReadAll(false)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestRecording_Chronological(t *testing.T) {
	dir := t.TempDir()
	w, err := storage.NewWriter(dir)
	require.NoError(t, err)

	for _, r := range []storage.Record{
		{Counter: 1, TimestampNs: 30},
		{Counter: 2, TimestampNs: 10},
		{Counter: 3, TimestampNs: 20},
		{Counter: 4, TimestampNs: 10},
	} {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())

	rec, err := storage.Open(dir)
	require.NoError(t, err)
	got, err := rec.ReadAll(true)
	require.NoError(t, err)

	var counters []uint64
	for _, r := range got {
		counters = append(counters, r.Counter)
	}
	assert.Equal(t, []uint64{2, 4, 3, 1}, counters)
}

func TestWriter_Events(t *testing.T) {
	dir := t.TempDir()
	w, err := storage.NewWriter(dir)
	require.NoError(t, err)

	e := inspector.MakeTraceEvent(inspector.SyncBegin, "stored", 7, 8, 12345,
		inspector.Int64Arg(1), inspector.KwargOf("k", inspector.StringArg("v"))).WithCounter(99)
	require.NoError(t, w.WriteEvent(e))
	require.NoError(t, w.Close())

	rec, err := storage.Open(dir)
	require.NoError(t, err)
	events, err := rec.Events(false)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(99), events[0].Counter())
	assert.Equal(t, "B|stored|1|k=v", events[0].String())
	assert.Equal(t, int64(7), events[0].PID())
}

func TestWriter_EmptyRecording(t *testing.T) {
	dir := t.TempDir()
	w, err := storage.NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec, err := storage.Open(dir)
	require.NoError(t, err)
	got, err := rec.ReadAll(false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriter_Closed(t *testing.T) {
	w, err := storage.NewWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Write(storage.Record{}), inspector.ErrClosed)
	assert.ErrorIs(t, w.Close(), inspector.ErrClosed)
}

// A second writer on the same directory appends new blocks.
func TestWriter_Appends(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		w, err := storage.NewWriter(dir)
		require.NoError(t, err)
		require.NoError(t, w.Write(storage.Record{Counter: uint64(i + 1)}))
		require.NoError(t, w.Close())
	}

	rec, err := storage.Open(dir)
	require.NoError(t, err)
	m := rec.Manifest()
	assert.Len(t, m.Blocks, 2)
	assert.Equal(t, 2, m.Records())
}

func TestOpen_NoManifest(t *testing.T) {
	_, err := storage.Open(t.TempDir())
	assert.True(t, errors.Is(err, storage.ErrNoManifest), "got %v", err)
}

func TestRecording_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	w, err := storage.NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Write(storage.Record{Counter: 1, Data: []byte("original")}))
	require.NoError(t, w.Close())

	// swap the block for one holding different bytes
	other := t.TempDir()
	w2, err := storage.NewWriter(other)
	require.NoError(t, err)
	require.NoError(t, w2.Write(storage.Record{Counter: 1, Data: []byte("tampered")}))
	require.NoError(t, w2.Close())

	data, err := os.ReadFile(filepath.Join(other, "block-000000.inspector"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "block-000000.inspector"), data, 0o644))

	rec, err := storage.Open(dir)
	require.NoError(t, err)
	_, err = rec.ReadAll(false)
	assert.ErrorIs(t, err, storage.ErrChecksum)
}
