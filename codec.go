package inspector

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// codecVersion leads every encoded event.
const codecVersion = 1

// value tags on the wire
const (
	tagInt64  = 1
	tagDouble = 2
	tagString = 3
)

// Encode serializes e into the queue wire format: a msgpack stream of
// version, type, timestamp, pid, tid, name, the positional and keyword
// argument counts, then one (tag, value) pair per positional argument and
// one (key, tag, value) triple per keyword argument. Integers use their
// shortest msgpack form, so decoding and re-encoding yields the same bytes.
// The queue counter is not part of the payload.
func Encode(e *TraceEvent) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidRecord)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeHeader(enc, e); err != nil {
		return nil, fmt.Errorf("inspector: encode %s: %w", e.typ, err)
	}
	for _, a := range e.args {
		if err := encodeArg(enc, a); err != nil {
			return nil, fmt.Errorf("inspector: encode %s: %w", e.typ, err)
		}
	}
	return buf.Bytes(), nil
}

func encodeHeader(enc *msgpack.Encoder, e *TraceEvent) error {
	var npos, nkw uint64
	for _, a := range e.args {
		if a.kwarg {
			nkw++
		} else {
			npos++
		}
	}
	if err := enc.EncodeUint(codecVersion); err != nil {
		return err
	}
	if err := enc.EncodeUint(uint64(e.typ)); err != nil {
		return err
	}
	if err := enc.EncodeInt(e.timestampNs); err != nil {
		return err
	}
	if err := enc.EncodeInt(e.pid); err != nil {
		return err
	}
	if err := enc.EncodeInt(e.tid); err != nil {
		return err
	}
	if err := enc.EncodeString(e.name); err != nil {
		return err
	}
	if err := enc.EncodeUint(npos); err != nil {
		return err
	}
	return enc.EncodeUint(nkw)
}

func encodeArg(enc *msgpack.Encoder, a DebugArg) error {
	if a.kwarg {
		if err := enc.EncodeString(a.key); err != nil {
			return err
		}
	}
	switch a.vtype {
	case ArgInt64:
		if err := enc.EncodeUint(tagInt64); err != nil {
			return err
		}
		return enc.EncodeInt(a.i)
	case ArgDouble:
		if err := enc.EncodeUint(tagDouble); err != nil {
			return err
		}
		return enc.EncodeFloat64(a.f)
	case ArgString:
		if err := enc.EncodeUint(tagString); err != nil {
			return err
		}
		return enc.EncodeString(a.s)
	}
	return &ArgTypeError{Index: -1, Value: a}
}

// Decode parses a payload produced by Encode. Malformed input yields an
// error wrapping ErrInvalidRecord.
func Decode(b []byte) (*TraceEvent, error) {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)

	e, npos, nkw, err := decodeHeader(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	// every argument takes at least two bytes
	if npos > uint64(r.Len()) || nkw > uint64(r.Len())-npos {
		return nil, fmt.Errorf("%w: %d arguments in %d bytes", ErrInvalidRecord, npos+nkw, r.Len())
	}
	if npos+nkw > 0 {
		e.args = make([]DebugArg, 0, npos+nkw)
	}
	for i := uint64(0); i < npos+nkw; i++ {
		a, err := decodeArg(dec, i >= npos)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrInvalidRecord, i, err)
		}
		e.args = append(e.args, a)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidRecord, r.Len())
	}
	return e, nil
}

func decodeHeader(dec *msgpack.Decoder) (e *TraceEvent, npos, nkw uint64, err error) {
	version, err := dec.DecodeUint64()
	if err != nil {
		return nil, 0, 0, err
	}
	if version != codecVersion {
		return nil, 0, 0, fmt.Errorf("unsupported version %d", version)
	}
	typ, err := dec.DecodeUint64()
	if err != nil {
		return nil, 0, 0, err
	}
	if typ > uint64(Counter) || !EventType(typ).Valid() {
		return nil, 0, 0, fmt.Errorf("unknown event type %d", typ)
	}
	e = &TraceEvent{typ: EventType(typ)}
	if e.timestampNs, err = dec.DecodeInt64(); err != nil {
		return nil, 0, 0, err
	}
	if e.pid, err = dec.DecodeInt64(); err != nil {
		return nil, 0, 0, err
	}
	if e.tid, err = dec.DecodeInt64(); err != nil {
		return nil, 0, 0, err
	}
	if e.name, err = dec.DecodeString(); err != nil {
		return nil, 0, 0, err
	}
	if npos, err = dec.DecodeUint64(); err != nil {
		return nil, 0, 0, err
	}
	if nkw, err = dec.DecodeUint64(); err != nil {
		return nil, 0, 0, err
	}
	return e, npos, nkw, nil
}

func decodeArg(dec *msgpack.Decoder, kwarg bool) (DebugArg, error) {
	var key string
	if kwarg {
		k, err := dec.DecodeString()
		if err != nil {
			return DebugArg{}, err
		}
		key = k
	}
	tag, err := dec.DecodeUint64()
	if err != nil {
		return DebugArg{}, err
	}
	var a DebugArg
	switch tag {
	case tagInt64:
		v, err := dec.DecodeInt64()
		if err != nil {
			return DebugArg{}, err
		}
		a = Int64Arg(v)
	case tagDouble:
		v, err := dec.DecodeFloat64()
		if err != nil {
			return DebugArg{}, err
		}
		a = DoubleArg(v)
	case tagString:
		v, err := dec.DecodeString()
		if err != nil {
			return DebugArg{}, err
		}
		a = StringArg(v)
	default:
		return DebugArg{}, fmt.Errorf("unknown value tag %d", tag)
	}
	if kwarg {
		a = KwargOf(key, a)
	}
	return a, nil
}
