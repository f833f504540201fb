package storage

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/ketgo/inspector"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithBlockSize sets the uncompressed size at which a block is sealed.
func WithBlockSize(n int) WriterOption {
	return func(w *Writer) {
		w.blockSize = n
	}
}

// WithBlockHook is called with every sealed block.
func WithBlockHook(fn func(Block)) WriterOption {
	return func(w *Writer) {
		w.onBlock = fn
	}
}

// Writer appends records to a recording directory.
type Writer struct {
	dir       string
	blockSize int
	onBlock   func(Block)

	mux      sync.Mutex
	closed   bool
	manifest Manifest
	buf      bytes.Buffer
	enc      *msgpack.Encoder
	pending  Block
}

// NewWriter creates dir if needed and starts a new recording in it. Blocks
// of an earlier recording in the same directory are kept and appended to.
func NewWriter(dir string, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w := &Writer{
		dir:       dir,
		blockSize: DefaultBlockSize,
		manifest:  Manifest{Schema: manifestSchema},
	}
	for _, opt := range opts {
		opt(w)
	}

	m, err := readManifest(dir)
	switch {
	case err == nil:
		w.manifest = *m
	case !errors.Is(err, ErrNoManifest):
		return nil, err
	}

	w.enc = msgpack.NewEncoder(&w.buf)
	w.resetPending()
	return w, nil
}

func (w *Writer) resetPending() {
	w.buf.Reset()
	w.pending = Block{MinTs: math.MaxInt64, MaxTs: math.MinInt64}
}

// Write appends one record.
func (w *Writer) Write(r Record) error {
	w.mux.Lock()
	defer w.mux.Unlock()

	if w.closed {
		return inspector.ErrClosed
	}
	if err := w.enc.EncodeUint(r.Counter); err != nil {
		return err
	}
	if err := w.enc.EncodeInt(r.TimestampNs); err != nil {
		return err
	}
	if err := w.enc.EncodeBytes(r.Data); err != nil {
		return err
	}
	w.pending.Count++
	w.pending.MinTs = min(w.pending.MinTs, r.TimestampNs)
	w.pending.MaxTs = max(w.pending.MaxTs, r.TimestampNs)

	if w.buf.Len() >= w.blockSize {
		return w.seal()
	}
	return nil
}

// WriteEvent encodes e and appends it.
func (w *Writer) WriteEvent(e *inspector.TraceEvent) error {
	data, err := inspector.Encode(e)
	if err != nil {
		return err
	}
	return w.Write(Record{Counter: e.Counter(), TimestampNs: e.TimestampNs(), Data: data})
}

// Flush seals the records written so far into a block.
func (w *Writer) Flush() error {
	w.mux.Lock()
	defer w.mux.Unlock()

	if w.closed {
		return inspector.ErrClosed
	}
	return w.seal()
}

func (w *Writer) seal() error {
	if w.pending.Count == 0 {
		return nil
	}
	b := w.pending
	b.File = blockName(len(w.manifest.Blocks))
	b.Checksum = xxhash.Sum64(w.buf.Bytes())

	f, err := os.OpenFile(filepath.Join(w.dir, b.File), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(f)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level3)); err != nil {
		f.Close()
		return err
	}
	if _, err := zw.Write(w.buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	b.Size = info.Size()

	w.manifest.Blocks = append(w.manifest.Blocks, b)
	if err := writeManifest(w.dir, &w.manifest); err != nil {
		w.manifest.Blocks = w.manifest.Blocks[:len(w.manifest.Blocks)-1]
		return err
	}
	w.resetPending()
	if w.onBlock != nil {
		w.onBlock(b)
	}
	return nil
}

// Records reports how many records were written, sealed or not.
func (w *Writer) Records() int {
	w.mux.Lock()
	defer w.mux.Unlock()
	return w.manifest.Records() + int(w.pending.Count)
}

// Close seals the last block and writes the manifest. A recording with no
// records still gets a manifest.
func (w *Writer) Close() error {
	w.mux.Lock()
	defer w.mux.Unlock()

	if w.closed {
		return inspector.ErrClosed
	}
	w.closed = true
	if err := w.seal(); err != nil {
		return err
	}
	return writeManifest(w.dir, &w.manifest)
}
