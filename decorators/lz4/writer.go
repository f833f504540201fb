package lz4

import (
	"bytes"
	"context"
	"sync"

	"github.com/ketgo/inspector"
	"github.com/pierrec/lz4/v4"
)

// Encoder wraps a Writer with another which lz4-compresses every record
// before passing it on. Each record becomes a complete lz4 frame, so
// records stay independently decodable.
func Encoder(next inspector.Writer) inspector.Writer {
	return &encodeWriter{
		Next: next,
		options: []lz4.Option{
			lz4.CompressionLevelOption(lz4.CompressionLevel(lz4.Level3)),
		},
	}
}

type encodeWriter struct {
	Next inspector.Writer

	options []lz4.Option
	closed  bool
	mux     sync.RWMutex
}

// Write compresses data and writes it to the next Writer.
func (w *encodeWriter) Write(ctx context.Context, data []byte) (uint64, error) {
	w.mux.RLock()
	defer w.mux.RUnlock()

	if w.closed {
		return 0, inspector.ErrClosed
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(w.options...); err != nil {
		return 0, err
	}
	if _, err := zw.Write(data); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return w.Next.Write(ctx, buf.Bytes())
}

// Close closes the next Writer.
func (w *encodeWriter) Close() error {
	w.mux.Lock()
	defer w.mux.Unlock()

	if w.closed {
		return inspector.ErrClosed
	}
	w.closed = true
	return w.Next.Close()
}
