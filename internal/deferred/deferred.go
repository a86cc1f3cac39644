// Package deferred provides a single-assignment future that can be settled
// from outside the goroutine waiting on it. Message handlers use it to turn an
// out-of-order reply into something linear code can wait for.
package deferred

import (
	"context"
	"errors"
	"sync"
)

// State is the settlement state of a Deferred.
type State int

const (
	Pending State = iota
	Resolved
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrAlreadySettled is the panic value of a second settlement in strict mode.
var ErrAlreadySettled = errors.New("deferred: already settled")

// Deferred is a single-assignment future. The zero value is not usable; call
// New or NewStrict.
type Deferred[T any] struct {
	mu     sync.Mutex
	state  State
	value  T
	err    error
	done   chan struct{}
	strict bool
}

// New returns a lenient Deferred: settling it twice is a no-op.
func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// NewStrict returns a Deferred that panics with ErrAlreadySettled when
// settled more than once.
func NewStrict[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{}), strict: true}
}

// Resolve settles d with v. It reports whether this call settled d.
func (d *Deferred[T]) Resolve(v T) bool {
	return d.settle(Resolved, v, nil)
}

// Reject settles d with err. It reports whether this call settled d.
func (d *Deferred[T]) Reject(err error) bool {
	var zero T
	return d.settle(Rejected, zero, err)
}

func (d *Deferred[T]) settle(s State, v T, err error) bool {
	d.mu.Lock()
	if d.state != Pending {
		d.mu.Unlock()
		if d.strict {
			panic(ErrAlreadySettled)
		}
		return false
	}
	d.state = s
	d.value = v
	d.err = err
	close(d.done)
	d.mu.Unlock()
	return true
}

// State returns the current settlement state.
func (d *Deferred[T]) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done is closed once d settles.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until d settles or ctx is done.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled value without blocking. On a pending Deferred
// it returns the zero value and a nil error.
func (d *Deferred[T]) Result() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value, d.err
}

// Settler is the waitable side of any Deferred, regardless of its type.
type Settler interface {
	Done() <-chan struct{}
}

// AllSettled waits until every d has settled, whatever the outcome, or until
// ctx is done. One failure never short-circuits the others.
func AllSettled(ctx context.Context, ds ...Settler) error {
	for _, d := range ds {
		select {
		case <-d.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
