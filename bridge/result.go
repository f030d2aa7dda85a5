package bridge

import (
	"context"
	"sync"
)

// Result is a single-assignment outcome cell. The first resolve wins;
// later calls are ignored.
type Result struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// resolve stores err and releases waiters. It reports whether this call
// was the one that resolved the cell.
func (r *Result) resolve(err error) bool {
	resolved := false
	r.once.Do(func() {
		r.err = err
		close(r.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the result is resolved
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Err returns the resolved error, or nil while unresolved
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the result is resolved or ctx is done
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
