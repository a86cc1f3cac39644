package shim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/cryguy/localworker/internal/core"
	"github.com/cryguy/localworker/internal/listener"
)

// ErrAlreadyListening is the fatal error of a second Listen call: a worker
// supports a single listener.
var ErrAlreadyListening = errors.New("shim: a listener is already bound in this worker")

// ErrUnsupported is returned for capabilities this runtime does not offer.
var ErrUnsupported = errors.New("shim: capability not available in this runtime")

// Capability names reported by Runtime.Capabilities.
const (
	CapAddEventListener = "addEventListener"
	CapBuild            = "build"
	CapConsole          = "console"
	CapEnv              = "env"
	CapFetch            = "fetch"
	CapInspect          = "inspect"
	CapListen           = "listen"
	CapReportError      = "reportError"
	CapServeHTTP        = "serveHttp"
)

// Runtime is the environment a script sees. One is built per worker when
// the init message arrives and handed to Script.Run.
type Runtime struct {
	s       *session
	env     *Env
	build   core.BuildInfo
	console *Console
	caps    []string

	mu        sync.Mutex
	listeners []FetchListener
	ln        *listener.Listener
}

func newRuntime(s *session, env *Env) *Runtime {
	build := s.cfg.Build
	if build == (core.BuildInfo{}) {
		build = core.DefaultBuild()
	}
	caps := []string{CapAddEventListener, CapBuild, CapConsole, CapEnv, CapFetch, CapInspect, CapReportError}
	if !s.cfg.NoListen {
		caps = append(caps, CapListen, CapServeHTTP)
	}
	slices.Sort(caps)
	return &Runtime{s: s, env: env, build: build, console: &Console{s: s}, caps: caps}
}

// Context is canceled when the worker terminates.
func (rt *Runtime) Context() context.Context { return rt.s.ctx }

// Env returns the read-only environment namespace.
func (rt *Runtime) Env() *Env { return rt.env }

// Build describes the emulated platform.
func (rt *Runtime) Build() core.BuildInfo { return rt.build }

// Console returns the console whose output reaches the host's log sequence.
func (rt *Runtime) Console() *Console { return rt.console }

// Inspect renders v the way console output does.
func (rt *Runtime) Inspect(v any) string { return Inspect(v) }

// Capabilities lists the optional members this runtime offers, sorted.
func (rt *Runtime) Capabilities() []string { return slices.Clone(rt.caps) }

// Has reports whether the runtime offers capability name.
func (rt *Runtime) Has(name string) bool {
	_, found := slices.BinarySearch(rt.caps, name)
	return found
}

// AddEventListener registers fn for events of type typ. Only "fetch"
// events exist.
func (rt *Runtime) AddEventListener(typ string, fn FetchListener) error {
	if typ != "fetch" {
		return fmt.Errorf("%w: %q events", ErrUnsupported, typ)
	}
	rt.mu.Lock()
	rt.listeners = append(rt.listeners, fn)
	rt.mu.Unlock()
	return nil
}

func (rt *Runtime) fetchListeners() []FetchListener {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return slices.Clone(rt.listeners)
}

// Fetch performs an outbound request on behalf of the script. When the host
// registered a fetch handler the request crosses the boundary and the host
// answers it; otherwise it goes straight to the network. Canceling the
// request's context aborts it.
func (rt *Runtime) Fetch(req *http.Request) (*http.Response, error) {
	if !rt.s.intercept.Load() {
		return rt.s.network.RoundTrip(req)
	}
	call, err := rt.s.peer.Client.Do(req)
	if err != nil {
		return nil, err
	}
	return call.Wait(req.Context())
}

// HTTPClient returns a client whose requests go through Fetch.
func (rt *Runtime) HTTPClient() *http.Client {
	return &http.Client{Transport: roundTripperFunc(rt.Fetch)}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// Listen binds the worker's emulated listener. From then on inbound
// requests are queued for Accept instead of dispatched as fetch events. A
// second call is a fatal configuration error that terminates the worker.
func (rt *Runtime) Listen(addr listener.Addr) (*listener.Listener, error) {
	if !rt.Has(CapListen) {
		return nil, fmt.Errorf("%w: listen", ErrUnsupported)
	}
	if addr.Host == "" {
		addr.Host = "0.0.0.0"
	}
	rt.mu.Lock()
	if rt.ln != nil {
		rt.mu.Unlock()
		rt.s.fail(ErrAlreadyListening)
		return nil, ErrAlreadyListening
	}
	rt.ln = listener.New(addr)
	ln := rt.ln
	rt.mu.Unlock()
	return ln, nil
}

func (rt *Runtime) boundListener() *listener.Listener {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.ln
}

func (rt *Runtime) closeListener() {
	if ln := rt.boundListener(); ln != nil {
		ln.Close()
	}
}

// ServeConn serves HTTP on an accepted connection.
func (rt *Runtime) ServeConn(c *listener.Conn) (*listener.HTTPConn, error) {
	if !rt.Has(CapServeHTTP) {
		return nil, fmt.Errorf("%w: serveHttp", ErrUnsupported)
	}
	return listener.Serve(c), nil
}

// ReportError reports err as uncaught. The worker logs it and terminates.
func (rt *Runtime) ReportError(err error) {
	if err == nil {
		return
	}
	rt.s.fail(err)
}

// Go runs fn in the background for the life of the worker. An error or
// panic from fn while the worker is alive is uncaught and terminates it.
func (rt *Runtime) Go(fn func(ctx context.Context) error) {
	go func() {
		var err error
		defer func() {
			if v := recover(); v != nil {
				err = recovered(v)
			}
			// Errors caused by the worker shutting down are not uncaught.
			if err != nil && rt.s.alive() {
				rt.s.fail(err)
			}
		}()
		err = fn(rt.s.ctx)
	}()
}
