package exchange

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cryguy/localworker/internal/bodystream"
	"github.com/cryguy/localworker/internal/protocol"
)

// Server reconstructs requests sent by the peer and answers them.
type Server struct {
	send  bodystream.Sender
	alive func() bool

	mu     sync.Mutex
	aborts map[int]context.CancelFunc // by signal id
	bodies *bodystream.Table
}

// NewServer returns a Server that posts answers with send.
func NewServer(send bodystream.Sender, alive func() bool) *Server {
	return &Server{
		send:   send,
		alive:  alive,
		aborts: make(map[int]context.CancelFunc),
		bodies: bodystream.NewTable(protocol.SubTypeRequest),
	}
}

// Exchange is one request received from the peer. Exactly one Respond call
// must follow.
type Exchange struct {
	ID       int
	SignalID int
	Request  *http.Request

	server    *Server
	ctx       context.Context
	cancel    context.CancelFunc
	responded atomic.Bool
}

// Accept reconstructs the request carried by m, with a context derived from
// ctx that is canceled when the peer aborts. It must run on the goroutine
// that reads messages so the request-body stream exists before its first
// chunk is handled. A malformed request is answered with respondError here
// and Accept returns the error.
func (s *Server) Accept(ctx context.Context, m protocol.Fetch) (*Exchange, error) {
	ctx, cancel := context.WithCancel(ctx)
	ex := &Exchange{ID: m.ID, SignalID: m.Init.SignalID, server: s, ctx: ctx, cancel: cancel}

	var body *bodystream.Stream
	if b := m.Init.Body; b != nil && b.Kind == protocol.BodyStream {
		body = s.bodies.Open(m.ID)
	}
	if ex.SignalID != 0 {
		s.mu.Lock()
		s.aborts[ex.SignalID] = cancel
		s.mu.Unlock()
	}

	var stream io.ReadCloser
	if body != nil {
		stream = body
	}
	req, err := DecodeRequest(ctx, m.Init, stream)
	if err != nil {
		if body != nil {
			body.Close()
		}
		_ = ex.Respond(nil, err)
		return nil, err
	}
	ex.Request = req
	return ex, nil
}

// Context is canceled when the peer aborts the request or the exchange ends.
func (ex *Exchange) Context() context.Context { return ex.ctx }

// Respond answers the exchange: respondError when err is non-nil, otherwise
// respond followed by the streamed body. It returns once the body has been
// sent. Responding twice is a protocol violation.
func (ex *Exchange) Respond(resp *http.Response, err error) error {
	if !ex.responded.CompareAndSwap(false, true) {
		protocol.Violationf("request %d answered twice", ex.ID)
	}
	s := ex.server
	defer ex.release()

	if err != nil {
		return s.send(protocol.RespondError{ID: ex.ID, Error: protocol.FromError(err)})
	}
	if resp == nil {
		return s.send(protocol.RespondError{ID: ex.ID, Error: protocol.ErrorInfo{
			Name:    "TypeError",
			Message: "response is nil",
		}})
	}

	hasBody := resp.Body != nil && resp.Body != http.NoBody
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	msg := protocol.Respond{
		ID:         ex.ID,
		Status:     status,
		StatusText: statusText(resp.Status, status),
		Headers:    protocol.HeaderPairs(resp.Header),
		HasBody:    hasBody,
	}
	if err := s.send(msg); err != nil {
		if hasBody {
			resp.Body.Close()
		}
		return err
	}
	if !hasBody {
		return nil
	}
	return bodystream.Pump(ex.ctx, ex.ID, protocol.SubTypeResponse, resp.Body, s.send, s.alive)
}

func (ex *Exchange) release() {
	if ex.SignalID != 0 {
		s := ex.server
		s.mu.Lock()
		delete(s.aborts, ex.SignalID)
		s.mu.Unlock()
	}
	ex.cancel()
}

// statusText strips the code from an http.Response status line.
func statusText(status string, code int) string {
	if text, ok := strings.CutPrefix(status, strconv.Itoa(code)); ok {
		return strings.TrimSpace(text)
	}
	if status != "" {
		return status
	}
	return http.StatusText(code)
}

// HandleAbort fires the abort controller registered under the message's
// signal id. Aborts for settled exchanges are ignored.
func (s *Server) HandleAbort(m protocol.Abort) {
	s.mu.Lock()
	cancel := s.aborts[m.ID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// HandleBody feeds a request-body message into its stream.
func (s *Server) HandleBody(m protocol.Message) {
	s.bodies.Handle(m)
}

// FailAll fails every open request body with err and aborts every exchange
// still in progress.
func (s *Server) FailAll(err error) {
	s.bodies.FailAll(err)
	s.mu.Lock()
	aborts := s.aborts
	s.aborts = make(map[int]context.CancelFunc)
	s.mu.Unlock()
	for _, cancel := range aborts {
		cancel()
	}
}
