package exchange

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cryguy/localworker/internal/bodystream"
	"github.com/cryguy/localworker/internal/deferred"
	"github.com/cryguy/localworker/internal/protocol"
)

// Call is a request issued through a Client and not yet answered.
type Call struct {
	ID       int
	SignalID int
	Request  *http.Request
	Started  time.Time

	result *deferred.Deferred[*http.Response]
}

// Done is closed once the call settles.
func (c *Call) Done() <-chan struct{} { return c.result.Done() }

// Wait blocks until the peer answers or ctx is done. Giving up on ctx does
// not forget the call: it stays pending until the peer settles it.
func (c *Call) Wait(ctx context.Context) (*http.Response, error) {
	return c.result.Wait(ctx)
}

// Result returns the settlement without blocking.
func (c *Call) Result() (*http.Response, error) { return c.result.Result() }

// Settled reports whether the call has been answered.
func (c *Call) Settled() bool { return c.result.State() != deferred.Pending }

// Client issues requests to the peer and settles them from respond and
// respondError messages. Request ids are unique per Client, and so are
// signal ids, which come from a separate counter.
type Client struct {
	send  bodystream.Sender
	alive func() bool

	// Logf reports responses dropped because their call expired.
	Logf func(format string, args ...any)

	mu      sync.Mutex
	nextID  int
	nextSig int
	count   int
	calls   map[int]*Call
	expired map[int]bool
	// signals maps a request id to the stop function of its abort
	// subscription. The subscription lives until the response body ends.
	signals map[int]func() bool
	bodies  *bodystream.Table
}

// NewClient returns a Client that posts messages with send. alive reports
// whether the peer still accepts chunk and abort messages.
func NewClient(send bodystream.Sender, alive func() bool) *Client {
	return &Client{
		send:    send,
		alive:   alive,
		Logf:    log.Printf,
		calls:   make(map[int]*Call),
		expired: make(map[int]bool),
		signals: make(map[int]func() bool),
		bodies:  bodystream.NewTable(protocol.SubTypeResponse),
	}
}

// Do sends req to the peer and returns the pending call. A streamed body is
// pumped in the background right after the fetch message. If req's context
// can be canceled, canceling it sends an abort message for the call's signal
// id.
func (c *Client) Do(req *http.Request) (*Call, error) {
	init, body, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	ctx := req.Context()

	c.mu.Lock()
	c.nextID++
	call := &Call{
		ID:      c.nextID,
		Request: req,
		Started: time.Now(),
		result:  deferred.New[*http.Response](),
	}
	if ctx.Done() != nil {
		c.nextSig++
		call.SignalID = c.nextSig
		init.SignalID = call.SignalID
		c.signals[call.ID] = nil
	}
	c.calls[call.ID] = call
	c.count++
	c.mu.Unlock()

	if err := c.send(protocol.Fetch{ID: call.ID, Init: init}); err != nil {
		c.mu.Lock()
		delete(c.calls, call.ID)
		delete(c.signals, call.ID)
		c.mu.Unlock()
		if body != nil {
			body.Close()
		}
		call.result.Reject(err)
		return nil, err
	}

	if call.SignalID != 0 {
		sig := call.SignalID
		stop := context.AfterFunc(ctx, func() {
			if c.alive() {
				_ = c.send(protocol.Abort{ID: sig})
			}
		})
		c.mu.Lock()
		if _, ok := c.signals[call.ID]; ok {
			c.signals[call.ID] = stop
		} else {
			stop()
		}
		c.mu.Unlock()
	}

	if body != nil {
		go func() {
			if err := bodystream.Pump(ctx, call.ID, protocol.SubTypeRequest, body, c.send, c.alive); err != nil {
				c.Logf("localworker: streaming request body %d: %v", call.ID, err)
			}
		}()
	}
	return call, nil
}

// releaseLocked drops the abort subscription of request id.
func (c *Client) releaseLocked(id int) {
	stop, ok := c.signals[id]
	if !ok {
		return
	}
	delete(c.signals, id)
	if stop != nil {
		stop()
	}
}

// take removes the call for id. Unknown ids are a protocol violation unless
// the call expired, in which case take reports false.
func (c *Client) take(id int, kind protocol.Type) (*Call, bool) {
	call, ok := c.calls[id]
	if ok {
		delete(c.calls, id)
		return call, true
	}
	if c.expired[id] {
		delete(c.expired, id)
		c.Logf("localworker: dropping late %s for expired request %d", kind, id)
		return nil, false
	}
	c.mu.Unlock()
	protocol.Violationf("%s for unknown request id %d", kind, id)
	return nil, false
}

// HandleRespond settles a call with a response. When the response declares
// a body, its stream is opened before any chunk can arrive.
func (c *Client) HandleRespond(m protocol.Respond) {
	c.mu.Lock()
	call, ok := c.take(m.ID, protocol.TypeRespond)
	if !ok {
		if m.HasBody {
			// Swallow the body of a late response.
			c.bodies.Open(m.ID).Close()
		}
		c.mu.Unlock()
		return
	}
	var body io.ReadCloser = http.NoBody
	if m.HasBody {
		body = c.bodies.Open(m.ID)
	} else {
		c.releaseLocked(m.ID)
	}
	c.mu.Unlock()

	call.result.Resolve(newResponse(m, body, call.Request))
}

// HandleRespondError settles a call with the error the peer reported.
func (c *Client) HandleRespondError(m protocol.RespondError) {
	c.mu.Lock()
	call, ok := c.take(m.ID, protocol.TypeRespondError)
	if ok {
		c.releaseLocked(m.ID)
	}
	c.mu.Unlock()
	if ok {
		call.result.Reject(m.Error.Err())
	}
}

// HandleBody feeds a response-body message into its stream.
func (c *Client) HandleBody(m protocol.Message) {
	c.bodies.Handle(m)
	switch m := m.(type) {
	case protocol.BodyClose:
		c.release(m.ID)
	case protocol.BodyError:
		c.release(m.ID)
	}
}

func (c *Client) release(id int) {
	c.mu.Lock()
	c.releaseLocked(id)
	c.mu.Unlock()
}

// Expire gives up on call, rejecting it with err. A response that arrives
// for it later is logged and dropped. Expire reports whether call was still
// pending.
func (c *Client) Expire(call *Call, err error) bool {
	c.mu.Lock()
	if c.calls[call.ID] != call {
		c.mu.Unlock()
		return false
	}
	delete(c.calls, call.ID)
	c.expired[call.ID] = true
	c.releaseLocked(call.ID)
	c.mu.Unlock()
	call.result.Reject(err)
	return true
}

// FailAll rejects every pending call and fails every open response body
// with err.
func (c *Client) FailAll(err error) {
	c.mu.Lock()
	calls := c.calls
	c.calls = make(map[int]*Call)
	for id := range c.signals {
		c.releaseLocked(id)
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.result.Reject(err)
	}
	c.bodies.FailAll(err)
}

// Pending returns the calls still waiting for an answer.
func (c *Client) Pending() []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	calls := make([]*Call, 0, len(c.calls))
	for _, call := range c.calls {
		calls = append(calls, call)
	}
	return calls
}

// Count returns the number of requests issued so far.
func (c *Client) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Len returns the number of pending calls.
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newResponse(m protocol.Respond, body io.ReadCloser, req *http.Request) *http.Response {
	text := m.StatusText
	if text == "" {
		text = http.StatusText(m.Status)
	}
	contentLength := int64(-1)
	if !m.HasBody {
		contentLength = 0
	}
	return &http.Response{
		Status:        strings.TrimSpace(strconv.Itoa(m.Status) + " " + text),
		StatusCode:    m.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        protocol.HTTPHeader(m.Headers),
		Body:          body,
		ContentLength: contentLength,
		Request:       req,
	}
}
