package shim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cryguy/localworker/internal/core"
	"github.com/cryguy/localworker/internal/exchange"
	"github.com/cryguy/localworker/internal/protocol"
	"github.com/cryguy/localworker/internal/transport"
)

// Config configures one shim instance.
type Config struct {
	// Env is the base environment. Variables in the init message
	// override it.
	Env map[string]string
	// Build is what Runtime.Build reports. The zero value means
	// core.DefaultBuild().
	Build core.BuildInfo
	// NoListen leaves listen and serveHttp out of the runtime surface.
	NoListen bool
	// Network carries outbound fetches the host does not intercept.
	// Defaults to http.DefaultTransport.
	Network http.RoundTripper
}

// session is the state of one Run call.
type session struct {
	cfg     Config
	conn    transport.Conn
	loader  Loader
	peer    *exchange.Peer
	network http.RoundTripper

	ctx    context.Context
	cancel context.CancelCauseFunc

	// rt is set by the init message, on the loop goroutine, before any
	// message that needs it is handled.
	rt        *Runtime
	intercept atomic.Bool
	failOnce  sync.Once
}

// Run serves the shim side of conn until the connection closes or the
// script fails. It returns nil when the host closed the connection and the
// fatal error when the worker died of an uncaught script error.
func Run(ctx context.Context, conn transport.Conn, loader Loader, cfg Config) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	network := cfg.Network
	if network == nil {
		network = http.DefaultTransport
	}
	s := &session{
		cfg:     cfg,
		conn:    conn,
		loader:  loader,
		network: newNetworkTransport(network),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.peer = exchange.NewPeer(conn.Send, s.alive)
	s.peer.Client.Logf = func(format string, args ...any) {
		s.internal(core.LevelWarn, format, args...)
	}
	return s.loop()
}

func (s *session) alive() bool { return s.ctx.Err() == nil }

func (s *session) loop() error {
	for {
		m, err := s.conn.Recv(s.ctx)
		if err != nil {
			if protocol.IsDecodeError(err) {
				s.internal(core.LevelWarn, "ignoring message: %v", err)
				continue
			}
			return s.shutdown(err)
		}
		s.handle(m)
	}
}

// shutdown releases everything in flight once the loop stops reading.
func (s *session) shutdown(recvErr error) error {
	var result error
	if s.ctx.Err() != nil {
		if cause := context.Cause(s.ctx); !errors.Is(cause, context.Canceled) {
			result = cause
		}
	} else if !errors.Is(recvErr, transport.ErrClosed) {
		result = recvErr
	}
	s.cancel(transport.ErrClosed)
	s.peer.FailAll(transport.ErrClosed)
	if s.rt != nil {
		s.rt.closeListener()
	}
	_ = s.conn.Close()
	return result
}

func (s *session) handle(m protocol.Message) {
	if s.peer.Handle(m) {
		return
	}
	switch m := m.(type) {
	case protocol.Init:
		s.init(m)
	case protocol.Import:
		s.importScript(m)
	case protocol.Fetch:
		s.fetch(m)
	default:
		s.internal(core.LevelWarn, "unexpected %s message", m.MessageType())
	}
}

func (s *session) init(m protocol.Init) {
	if s.rt != nil {
		s.internal(core.LevelWarn, "ignoring repeated init message")
		return
	}
	s.intercept.Store(m.HasFetchHandler)
	s.rt = newRuntime(s, newEnv(s.cfg.Env, m.Env))
	s.post(protocol.Ready{})
}

func (s *session) importScript(m protocol.Import) {
	if s.rt == nil {
		protocol.Violationf("import of %s before init", m.Specifier)
	}
	go func() {
		script, err := s.loader.Load(s.ctx, m)
		if err != nil {
			s.fail(fmt.Errorf("loading %s: %w", m.Specifier, err))
			return
		}
		if err := runScript(s.ctx, script, s.rt); err != nil {
			s.fail(err)
			return
		}
		s.post(protocol.Loaded{})
	}()
}

func runScript(ctx context.Context, script Script, rt *Runtime) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = recovered(v)
		}
	}()
	return script.Run(ctx, rt)
}

func (s *session) fetch(m protocol.Fetch) {
	if s.rt == nil {
		protocol.Violationf("fetch %d before init", m.ID)
	}
	ex, err := s.peer.Server.Accept(s.ctx, m)
	if err != nil {
		s.internal(core.LevelWarn, "rejected request %d: %v", m.ID, err)
		return
	}
	ev := &FetchEvent{s: s, ex: ex}
	if ln := s.rt.boundListener(); ln != nil {
		if err := ln.Push(ev); err != nil {
			_ = ex.Respond(nil, err)
		}
		return
	}
	ev.windowed = true
	go s.dispatch(ev)
}

// dispatch runs every fetch listener on ev. A panicking listener is an
// uncaught error and kills the worker.
func (s *session) dispatch(ev *FetchEvent) {
	defer func() {
		if v := recover(); v != nil {
			ev.finishDispatch()
			s.fail(recovered(v))
		}
	}()
	for _, l := range s.rt.fetchListeners() {
		l(ev)
	}
	if !ev.finishDispatch() {
		req := ev.Request()
		s.internal(core.LevelWarn, "request %d (%s %s) was not answered", ev.ex.ID, req.Method, req.URL)
	}
}

func (s *session) respond(ex *exchange.Exchange, fn func(context.Context) (*http.Response, error)) {
	resp, err := callResponse(ex.Context(), fn)
	if err := ex.Respond(resp, err); err != nil && s.alive() {
		s.internal(core.LevelWarn, "sending response %d: %v", ex.ID, err)
	}
}

// fail reports an uncaught script error and terminates the worker.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.post(protocol.Log{Level: core.LevelError, Message: "Uncaught " + describe(err)})
		s.cancel(err)
		_ = s.conn.CloseWithError(err)
	})
}

func describe(err error) string {
	info := protocol.FromError(err)
	return info.Err().Error()
}

// post sends m, dropping it once the connection is gone.
func (s *session) post(m protocol.Message) {
	if err := s.conn.Send(m); err != nil && !errors.Is(err, transport.ErrClosed) {
		log.Printf("localworker: shim send %s: %v", m.MessageType(), err)
	}
}

func (s *session) internal(level, format string, args ...any) {
	s.post(protocol.InternalLog{Level: level, Message: fmt.Sprintf(format, args...)})
}
