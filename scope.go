package inspector

import (
	"errors"
	"sync"
)

// Span is an open synchronous scope returned by Tracer.Scope.
type Span struct {
	t    *Tracer
	name string
	once sync.Once
	err  error
}

// Scope emits sync_begin and returns the Span that closes it. When the
// begin event can not be written no Span is returned, so nothing will try
// to close a scope that was never opened.
//
//	span, err := t.Scope("load", path)
//	if err != nil {
//		return err
//	}
//	defer span.End()
func (t *Tracer) Scope(name string, args ...any) (*Span, error) {
	if err := t.SyncBegin(name, args...); err != nil {
		return nil, err
	}
	return &Span{t: t, name: name}, nil
}

// End emits sync_end for the span. Only the first call writes; later calls
// return the first result.
func (s *Span) End() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.err = s.t.SyncEnd(s.name)
	})
	return s.err
}

// Do runs fn inside a scope named name. sync_end is emitted however fn
// leaves, including by panic, which is re-raised afterwards. Errors from fn
// and from closing the scope are both returned.
func (t *Tracer) Do(name string, fn func() error, args ...any) (err error) {
	span, err := t.Scope(name, args...)
	if err != nil {
		return err
	}
	defer func() {
		if endErr := span.End(); endErr != nil {
			err = errors.Join(err, endErr)
		}
	}()
	return fn()
}

// Call is the argument list of a wrapped function.
type Call struct {
	Args   []any
	Kwargs []Kwarg
}

// Selection names the arguments of a Call that are attached to the scope's
// begin event: positional arguments by index and keyword arguments by key.
type Selection struct {
	Indices []int
	Keys    []string
}

// Select is shorthand for Selection{Indices: indices, Keys: keys}.
func Select(indices []int, keys ...string) Selection {
	return Selection{Indices: indices, Keys: keys}
}

// pick returns the selected positional arguments in selection order followed
// by the selected keyword arguments in call order. Indices and keys that
// are not present in c are ignored.
func (s Selection) pick(c Call) []any {
	var out []any
	for _, i := range s.Indices {
		if i >= 0 && i < len(c.Args) {
			out = append(out, c.Args[i])
		}
	}
	if len(s.Keys) == 0 {
		return out
	}
	keys := make(map[string]struct{}, len(s.Keys))
	for _, k := range s.Keys {
		keys[k] = struct{}{}
	}
	for _, kw := range c.Kwargs {
		if _, ok := keys[kw.Key]; ok {
			out = append(out, kw)
		}
	}
	return out
}

// Wrap returns fn instrumented with a scope named name. Each call emits
// sync_begin carrying the arguments chosen by sel, runs fn and emits
// sync_end on every exit path. If sync_begin fails fn is not run and the
// error is returned. A failing sync_end is joined to fn's error.
func Wrap[R any](t *Tracer, name string, sel Selection, fn func(Call) (R, error)) func(Call) (R, error) {
	return func(c Call) (res R, err error) {
		span, err := t.Scope(name, sel.pick(c)...)
		if err != nil {
			return res, err
		}
		defer func() {
			if endErr := span.End(); endErr != nil {
				err = errors.Join(err, endErr)
			}
		}()
		return fn(c)
	}
}
