// Package file implements named event queues shared between processes.
//
// A queue is a single file, <Dir>/<name>.queue, made of a fixed header
// followed by length-prefixed frames:
//
//	header: magic "INSQ" | version u32 | last counter u64 | read offset u64 | end offset u64 | reserved u64
//	frame:  payload length u32 | xxhash64(counter, payload) u64 | counter u64 | payload
//
// Every operation holds an exclusive flock on the file. A frame is written
// before the header that commits it, so a producer that dies mid-write
// leaves only bytes past the committed end, which the next operation
// truncates.
package file

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fortio.org/safecast"
	"github.com/cespare/xxhash/v2"
	"github.com/ketgo/inspector"
)

const (
	magic           = "INSQ"
	formatVersion   = 1
	headerSize      = 40
	frameHeaderSize = 20

	// lockRetryInterval is how often a busy lock is retried
	lockRetryInterval = time.Millisecond
)

// Path returns the file backing the queue selected by cfg.
func Path(cfg inspector.Config) string {
	return filepath.Join(cfg.Dir, cfg.QueueName()+".queue")
}

type header struct {
	last uint64
	read int64
	end  int64
}

// owners counts open RemoveOnExit handles per path in this process.
var owners = struct {
	sync.Mutex
	n map[string]int
}{n: make(map[string]int)}

// queueFile is one open handle on a queue file.
type queueFile struct {
	path         string
	f            *os.File
	capacity     int64
	timeout      time.Duration
	removeOnExit bool

	closed bool
	mux    sync.Mutex
}

func open(cfg inspector.Config, create bool) (*queueFile, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	path := Path(cfg)
	flags := os.O_RDWR
	if create {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", inspector.ErrQueueUnavailable, err)
		}
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o666)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", inspector.ErrQueueNotFound, path)
		}
		return nil, fmt.Errorf("%w: %v", inspector.ErrQueueUnavailable, err)
	}

	q := &queueFile{
		path:         path,
		f:            f,
		capacity:     cfg.Capacity,
		timeout:      cfg.WriteTimeout,
		removeOnExit: cfg.RemoveOnExit,
	}
	if err := q.init(context.Background()); err != nil {
		f.Close()
		return nil, err
	}
	if q.removeOnExit {
		owners.Lock()
		owners.n[path]++
		owners.Unlock()
	}
	return q, nil
}

// init writes a fresh header into an empty or truncated file and checks
// the magic of an existing one.
func (q *queueFile) init(ctx context.Context) error {
	if err := q.lock(ctx); err != nil {
		return err
	}
	defer q.unlock()

	fi, err := q.f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= headerSize {
		var buf [headerSize]byte
		if _, err := q.f.ReadAt(buf[:], 0); err != nil {
			return err
		}
		if string(buf[:4]) != magic {
			return fmt.Errorf("%w: %s is not a queue file", inspector.ErrQueueUnavailable, q.path)
		}
		return nil
	}
	// a creator died before its header was complete
	if err := q.f.Truncate(0); err != nil {
		return err
	}
	return q.storeHeader(header{read: headerSize, end: headerSize})
}

func (q *queueFile) lock(ctx context.Context) error {
	deadline := time.Now().Add(q.timeout)
	for {
		ok, err := tryLock(q.f)
		if err != nil {
			return fmt.Errorf("%w: %v", inspector.ErrQueueUnavailable, err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s is locked", inspector.ErrQueueUnavailable, q.path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (q *queueFile) unlock() {
	unlock(q.f)
}

func (q *queueFile) storeHeader(h header) error {
	var buf [headerSize]byte
	copy(buf[:4], magic)
	binary.LittleEndian.PutUint32(buf[4:], formatVersion)
	binary.LittleEndian.PutUint64(buf[8:], h.last)
	binary.LittleEndian.PutUint64(buf[16:], uint64(h.read))
	binary.LittleEndian.PutUint64(buf[24:], uint64(h.end))
	_, err := q.f.WriteAt(buf[:], 0)
	return err
}

// loadHeader reads the header and drops any uncommitted tail. It must be
// called with the lock held.
func (q *queueFile) loadHeader() (header, error) {
	var buf [headerSize]byte
	if _, err := q.f.ReadAt(buf[:], 0); err != nil {
		return header{}, fmt.Errorf("%w: read header: %v", inspector.ErrQueueUnavailable, err)
	}
	if string(buf[:4]) != magic {
		return header{}, fmt.Errorf("%w: %s is not a queue file", inspector.ErrQueueUnavailable, q.path)
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != formatVersion {
		return header{}, fmt.Errorf("%w: unsupported queue version %d", inspector.ErrQueueUnavailable, v)
	}
	h := header{
		last: binary.LittleEndian.Uint64(buf[8:]),
		read: int64(binary.LittleEndian.Uint64(buf[16:])),
		end:  int64(binary.LittleEndian.Uint64(buf[24:])),
	}

	fi, err := q.f.Stat()
	if err != nil {
		return header{}, err
	}
	switch {
	case h.read < headerSize || h.end < h.read || fi.Size() < h.end:
		// the committed region is gone; start over without losing the counter
		h.read, h.end = headerSize, headerSize
		if err := q.storeHeader(h); err != nil {
			return header{}, err
		}
		if err := q.f.Truncate(headerSize); err != nil {
			return header{}, err
		}
	case fi.Size() > h.end:
		if err := q.f.Truncate(h.end); err != nil {
			return header{}, err
		}
	}
	return h, nil
}

// compact moves pending frames to the front of the file once the consumed
// prefix is at least as large as them, so the copy never overlaps data the
// header still points to.
func (q *queueFile) compact(h *header) error {
	live := h.end - h.read
	if h.read == headerSize || h.read-headerSize < live {
		return nil
	}
	if live > 0 {
		buf := make([]byte, live)
		if _, err := q.f.ReadAt(buf, h.read); err != nil {
			return err
		}
		if _, err := q.f.WriteAt(buf, headerSize); err != nil {
			return err
		}
	}
	h.read, h.end = headerSize, headerSize+live
	if err := q.storeHeader(*h); err != nil {
		return err
	}
	return q.f.Truncate(h.end)
}

// begin takes both locks and returns the current header. The caller must
// call q.end when done.
func (q *queueFile) begin(ctx context.Context) (header, error) {
	if err := ctx.Err(); err != nil {
		return header{}, err
	}
	q.mux.Lock()
	if q.closed {
		q.mux.Unlock()
		return header{}, inspector.ErrClosed
	}
	if err := q.lock(ctx); err != nil {
		q.mux.Unlock()
		return header{}, err
	}
	h, err := q.loadHeader()
	if err != nil {
		q.end()
		return header{}, err
	}
	return h, nil
}

func (q *queueFile) end() {
	q.unlock()
	q.mux.Unlock()
}

func (q *queueFile) append(ctx context.Context, data []byte) (uint64, error) {
	n, err := safecast.Conv[uint32](len(data))
	if err != nil {
		return 0, fmt.Errorf("%w: record of %d bytes", inspector.ErrQueueFull, len(data))
	}
	size := int64(frameHeaderSize + len(data))
	if size > q.capacity {
		return 0, fmt.Errorf("%w: record of %d bytes", inspector.ErrQueueFull, len(data))
	}

	h, err := q.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer q.end()

	if h.end-h.read+size > q.capacity {
		return 0, inspector.ErrQueueFull
	}
	if err := q.compact(&h); err != nil {
		return 0, fmt.Errorf("%w: compact: %v", inspector.ErrQueueUnavailable, err)
	}

	counter := h.last + 1
	frame := make([]byte, size)
	binary.LittleEndian.PutUint32(frame[0:], n)
	binary.LittleEndian.PutUint64(frame[12:], counter)
	copy(frame[frameHeaderSize:], data)
	binary.LittleEndian.PutUint64(frame[4:], xxhash.Sum64(frame[12:]))

	if _, err := q.f.WriteAt(frame, h.end); err != nil {
		return 0, fmt.Errorf("%w: %v", inspector.ErrQueueUnavailable, err)
	}
	h.last = counter
	h.end += size
	if err := q.storeHeader(h); err != nil {
		return 0, fmt.Errorf("%w: %v", inspector.ErrQueueUnavailable, err)
	}
	return counter, nil
}

func (q *queueFile) pop(ctx context.Context) (inspector.Record, error) {
	h, err := q.begin(ctx)
	if err != nil {
		return inspector.Record{}, err
	}
	defer q.end()

	if h.read >= h.end {
		return inspector.Record{}, inspector.ErrEmpty
	}

	rec, size, err := q.readFrame(h.read, h.end)
	if err != nil {
		// nothing after a broken frame can be trusted
		h.read = h.end
		if serr := q.reset(&h); serr != nil {
			return inspector.Record{}, errors.Join(err, serr)
		}
		return inspector.Record{}, err
	}

	h.read += size
	if h.read == h.end {
		err = q.reset(&h)
	} else {
		err = q.storeHeader(h)
	}
	if err != nil {
		return inspector.Record{}, fmt.Errorf("%w: %v", inspector.ErrQueueUnavailable, err)
	}
	return rec, nil
}

// reset empties a fully consumed file.
func (q *queueFile) reset(h *header) error {
	h.read, h.end = headerSize, headerSize
	if err := q.storeHeader(*h); err != nil {
		return err
	}
	return q.f.Truncate(headerSize)
}

func (q *queueFile) readFrame(off, end int64) (inspector.Record, int64, error) {
	if end-off < frameHeaderSize {
		return inspector.Record{}, 0, fmt.Errorf("%w: short frame at %d", inspector.ErrInvalidRecord, off)
	}
	var fh [frameHeaderSize]byte
	if _, err := q.f.ReadAt(fh[:], off); err != nil {
		return inspector.Record{}, 0, fmt.Errorf("%w: %v", inspector.ErrInvalidRecord, err)
	}
	n := int64(binary.LittleEndian.Uint32(fh[0:]))
	size := frameHeaderSize + n
	if size > end-off {
		return inspector.Record{}, 0, fmt.Errorf("%w: frame at %d overruns the queue", inspector.ErrInvalidRecord, off)
	}

	body := make([]byte, 8+n)
	if _, err := q.f.ReadAt(body, off+12); err != nil && !errors.Is(err, io.EOF) {
		return inspector.Record{}, 0, fmt.Errorf("%w: %v", inspector.ErrInvalidRecord, err)
	}
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(fh[4:]) {
		return inspector.Record{}, 0, fmt.Errorf("%w: checksum mismatch at %d", inspector.ErrInvalidRecord, off)
	}
	return inspector.Record{
		Counter: binary.LittleEndian.Uint64(body[:8]),
		Data:    body[8:],
	}, size, nil
}

func (q *queueFile) Close() error {
	q.mux.Lock()
	defer q.mux.Unlock()

	if q.closed {
		return inspector.ErrClosed
	}
	q.closed = true
	err := q.f.Close()

	if q.removeOnExit {
		owners.Lock()
		owners.n[q.path]--
		last := owners.n[q.path] <= 0
		if last {
			delete(owners.n, q.path)
		}
		owners.Unlock()
		if last {
			if rerr := removePath(q.path); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	}
	return err
}

// Writer appends records to a queue file.
type Writer struct {
	q *queueFile
}

// Ensure that Writer implements inspector.Writer
var _ inspector.Writer = &Writer{}

// NewWriter attaches to the queue selected by cfg, creating it if absent.
func NewWriter(cfg inspector.Config) (*Writer, error) {
	q, err := open(cfg, true)
	if err != nil {
		return nil, err
	}
	return &Writer{q: q}, nil
}

// Write appends data as one frame.
func (w *Writer) Write(ctx context.Context, data []byte) (uint64, error) {
	return w.q.append(ctx, data)
}

// Close releases the handle, removing the file if this was the last
// RemoveOnExit handle of the process.
func (w *Writer) Close() error {
	return w.q.Close()
}

// Source consumes records from a queue file.
type Source struct {
	q *queueFile
}

// Ensure that Source implements inspector.Source
var _ inspector.Source = &Source{}

// NewSource attaches to an existing queue. It fails with
// inspector.ErrQueueNotFound when there is none.
func NewSource(cfg inspector.Config) (*Source, error) {
	q, err := open(cfg, false)
	if err != nil {
		return nil, err
	}
	return &Source{q: q}, nil
}

// Consume pops the oldest record. A frame that fails its checksum is
// reported as inspector.ErrInvalidRecord and the cursor skips everything
// written before the error was found.
func (s *Source) Consume(ctx context.Context) (inspector.Record, error) {
	return s.q.pop(ctx)
}

// Close releases the handle, removing the file if this was the last
// RemoveOnExit handle of the process.
func (s *Source) Close() error {
	return s.q.Close()
}

// Stats describes a queue file.
type Stats struct {
	Path         string
	Records      int
	PendingBytes int64
	LastCounter  uint64
	FileSize     int64
}

// Stat reports the state of the queue selected by cfg.
func Stat(ctx context.Context, cfg inspector.Config) (Stats, error) {
	q, err := open(cfg, false)
	if err != nil {
		return Stats{}, err
	}
	defer q.Close()

	h, err := q.begin(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer q.end()

	st := Stats{
		Path:         q.path,
		PendingBytes: h.end - h.read,
		LastCounter:  h.last,
		FileSize:     h.end,
	}
	var fh [frameHeaderSize]byte
	for off := h.read; off+frameHeaderSize <= h.end; st.Records++ {
		if _, err := q.f.ReadAt(fh[:], off); err != nil {
			return st, err
		}
		off += frameHeaderSize + int64(binary.LittleEndian.Uint32(fh[0:]))
	}
	return st, nil
}

// Purge drops every pending record of the queue while keeping its counter.
func Purge(ctx context.Context, cfg inspector.Config) error {
	q, err := open(cfg, false)
	if err != nil {
		return err
	}
	defer q.Close()

	h, err := q.begin(ctx)
	if err != nil {
		return err
	}
	defer q.end()
	return q.reset(&h)
}

// Remove deletes the queue file. Removing a queue that does not exist is
// not an error. Handles still open keep working on the unlinked file.
func Remove(cfg inspector.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return removePath(Path(cfg))
}

func removePath(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
