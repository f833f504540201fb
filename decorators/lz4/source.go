package lz4

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ketgo/inspector"
	"github.com/pierrec/lz4/v4"
)

// frameMagic starts every lz4 frame.
var frameMagic = []byte{0x04, 0x22, 0x4d, 0x18}

// Decoder wraps a Source with lz4 decoding functionality. It only
// decompresses records that start with the lz4 frame magic, so a queue fed
// by both plain and compressing writers can be read through it.
func Decoder(next inspector.Source) inspector.Source {
	return &decodeSource{Next: next}
}

type decodeSource struct {
	Next inspector.Source
}

// Consume reads the next record and decompresses it if needed.
func (s *decodeSource) Consume(ctx context.Context) (inspector.Record, error) {
	rec, err := s.Next.Consume(ctx)
	if err != nil || !isLZ4Compressed(rec.Data) {
		return rec, err
	}
	data, err := io.ReadAll(lz4.NewReader(bytes.NewReader(rec.Data)))
	if err != nil {
		return inspector.Record{}, fmt.Errorf("%w: record %d: lz4: %v", inspector.ErrInvalidRecord, rec.Counter, err)
	}
	rec.Data = data
	return rec, nil
}

// Close closes the next Source.
func (s *decodeSource) Close() error {
	return s.Next.Close()
}

// isLZ4Compressed returns true if data starts with the lz4 frame magic.
func isLZ4Compressed(data []byte) bool {
	return bytes.HasPrefix(data, frameMagic)
}
