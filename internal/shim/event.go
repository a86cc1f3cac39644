package shim

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/cryguy/localworker/internal/exchange"
	"github.com/cryguy/localworker/internal/listener"
	"github.com/cryguy/localworker/internal/protocol"
)

// FetchListener handles fetch events. It runs on the event's dispatch
// goroutine; respondWith must be called before it returns.
type FetchListener func(ev *FetchEvent)

// FetchEvent is an inbound request dispatched to the script.
type FetchEvent struct {
	s  *session
	ex *exchange.Exchange

	mu         sync.Mutex
	responded  bool
	dispatched bool // dispatch finished; respondWith is closed
	windowed   bool // respondWith only allowed during dispatch
}

var _ listener.RequestEvent = (*FetchEvent)(nil)

// Request returns the reconstructed request. Its context is canceled when
// the client aborts.
func (e *FetchEvent) Request() *http.Request { return e.ex.Request }

// RespondWith supplies the response. fn runs on its own goroutine; its
// result, or its error, is sent to the host, followed by the body. Calling
// RespondWith a second time is a TypeError.
func (e *FetchEvent) RespondWith(fn listener.ResponseFunc) error {
	e.mu.Lock()
	if e.responded {
		e.mu.Unlock()
		return &protocol.TypeError{Message: "respondWith has already been called for this event"}
	}
	if e.windowed && e.dispatched {
		e.mu.Unlock()
		return &protocol.TypeError{Message: "respondWith called after the event was dispatched"}
	}
	e.responded = true
	e.mu.Unlock()

	go e.s.respond(e.ex, fn)
	return nil
}

// Respond is RespondWith for a response that is already built.
func (e *FetchEvent) Respond(resp *http.Response) error {
	return e.RespondWith(func(context.Context) (*http.Response, error) { return resp, nil })
}

// Responded reports whether RespondWith has been called.
func (e *FetchEvent) Responded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responded
}

func (e *FetchEvent) finishDispatch() (responded bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatched = true
	return e.responded
}

// panicError is a recovered panic travelling as a script error.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string      { return fmt.Sprint(p.value) }
func (p *panicError) ErrorStack() string { return p.stack }
func (p *panicError) ErrorName() string {
	if err, ok := p.value.(error); ok {
		info := protocol.FromError(err)
		return info.Name
	}
	return "Error"
}

func recovered(v any) error {
	if err, ok := v.(error); ok {
		if _, isPanic := err.(*panicError); isPanic {
			return err
		}
	}
	return &panicError{value: v, stack: string(debug.Stack())}
}

// callResponse runs fn, turning a panic into an error.
func callResponse(ctx context.Context, fn listener.ResponseFunc) (resp *http.Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			resp, err = nil, recovered(v)
		}
	}()
	return fn(ctx)
}
