package storage

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"fortio.org/safecast"
	"github.com/cespare/xxhash/v2"
	"github.com/ketgo/inspector"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Recording is a recording opened for reading.
type Recording struct {
	dir      string
	manifest *Manifest
}

// Open reads the manifest of the recording in dir.
func Open(dir string) (*Recording, error) {
	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	return &Recording{dir: dir, manifest: m}, nil
}

// Manifest returns the recording's manifest.
func (r *Recording) Manifest() Manifest {
	return *r.manifest
}

// Records iterates over the stored records in write order.
func (r *Recording) Records() *Iterator {
	return &Iterator{rec: r}
}

// ReadAll returns every record. With chronological set, records are sorted
// by timestamp and then by counter.
func (r *Recording) ReadAll(chronological bool) ([]Record, error) {
	out := make([]Record, 0, r.manifest.Records())
	it := r.Records()
	for it.Next() {
		out = append(out, it.Record())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if chronological {
		slices.SortStableFunc(out, func(a, b Record) int {
			if c := cmp.Compare(a.TimestampNs, b.TimestampNs); c != 0 {
				return c
			}
			return cmp.Compare(a.Counter, b.Counter)
		})
	}
	return out, nil
}

// Events decodes every record.
func (r *Recording) Events(chronological bool) ([]*inspector.TraceEvent, error) {
	records, err := r.ReadAll(chronological)
	if err != nil {
		return nil, err
	}
	events := make([]*inspector.TraceEvent, 0, len(records))
	for _, rec := range records {
		e, err := inspector.Decode(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("storage: record %d: %w", rec.Counter, err)
		}
		events = append(events, e.WithCounter(rec.Counter))
	}
	return events, nil
}

// Iterator walks the records of a recording block by block.
type Iterator struct {
	rec   *Recording
	block int
	dec   *msgpack.Decoder
	left  uint32
	cur   Record
	err   error
}

// Next advances to the next record. It returns false at the end or on
// error.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.left == 0 {
		if it.block >= len(it.rec.manifest.Blocks) {
			return false
		}
		if err := it.load(it.rec.manifest.Blocks[it.block]); err != nil {
			it.err = err
			return false
		}
		it.block++
	}

	var rec Record
	var err error
	if rec.Counter, err = it.dec.DecodeUint64(); err == nil {
		if rec.TimestampNs, err = it.dec.DecodeInt64(); err == nil {
			rec.Data, err = it.dec.DecodeBytes()
		}
	}
	if err != nil {
		it.err = fmt.Errorf("storage: block %d: %w", it.block-1, err)
		return false
	}
	it.left--
	it.cur = rec
	return true
}

func (it *Iterator) load(b Block) error {
	f, err := os.Open(filepath.Join(it.rec.dir, b.File))
	if err != nil {
		return err
	}
	defer f.Close()

	body, err := io.ReadAll(lz4.NewReader(f))
	if err != nil {
		return fmt.Errorf("storage: %s: %w", b.File, err)
	}
	if xxhash.Sum64(body) != b.Checksum {
		return fmt.Errorf("%w: %s", ErrChecksum, b.File)
	}
	n, err := countRecords(body)
	if err != nil {
		return fmt.Errorf("storage: %s: %w", b.File, err)
	}
	if n != b.Count {
		return fmt.Errorf("storage: %s holds %d records, manifest says %d", b.File, n, b.Count)
	}
	it.dec = msgpack.NewDecoder(bytes.NewReader(body))
	it.left = b.Count
	return nil
}

// countRecords counts the records in a block body.
func countRecords(body []byte) (uint32, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(body))
	fields := 0
	for {
		err := dec.Skip()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		fields++
	}
	if fields%3 != 0 {
		return 0, errors.New("truncated record")
	}
	return safecast.Conv[uint32](fields / 3)
}

// Record returns the current record.
func (it *Iterator) Record() Record {
	return it.cur
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}
