// Package localworker runs edge-function style scripts in a local worker and
// drives them from Go. A Worker is the host side of the harness: it launches
// the script behind a message boundary, sends it requests with Fetch, and
// collects its console output from Logs. The worker side can be a Go script
// registered with RegisterScript, a JavaScript or TypeScript file, or a shim
// in another process reached with Connect.
package localworker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cryguy/localworker/internal/bundle"
	"github.com/cryguy/localworker/internal/core"
	"github.com/cryguy/localworker/internal/deferred"
	"github.com/cryguy/localworker/internal/exchange"
	"github.com/cryguy/localworker/internal/fifo"
	"github.com/cryguy/localworker/internal/journal"
	"github.com/cryguy/localworker/internal/protocol"
	"github.com/cryguy/localworker/internal/shim"
	"github.com/cryguy/localworker/internal/transport"
)

// Worker controls one running script.
type Worker struct {
	name     string
	opts     Options
	conn     transport.Conn
	peer     *exchange.Peer
	journal  *journal.Journal
	logs     *fifo.Queue[LogEntry]
	ready    *deferred.Deferred[struct{}]
	loaded   *deferred.Deferred[struct{}]
	ended    chan struct{} // receive loop returned
	shimDone <-chan error  // Run result of an in-process shim, nil for remote workers

	inflight sync.WaitGroup // fetches between the state check and their fetch message
	records  sync.WaitGroup // journal writes
	released sync.Once

	mu      sync.Mutex
	state   State
	err     error         // why the worker errored
	changed chan struct{} // closed on every state change
}

// New launches the script named by specifier in an in-process worker and
// waits until it has loaded. The worker starts out stopped.
func New(ctx context.Context, specifier string, opts Options) (*Worker, error) {
	custom := opts.Loader != nil
	opts = opts.withDefaults()
	if err := checkSpecifier(specifier, custom); err != nil {
		return nil, err
	}

	hostSide, shimSide := transport.Pipe()
	done := make(chan error, 1)
	cfg := shim.Config{Build: opts.Build}
	go func() { done <- shim.Run(context.Background(), shimSide, opts.Loader, cfg) }()
	return attach(ctx, hostSide, specifier, opts, done)
}

// Connect attaches a controller to a shim served by RemoteHandler at url
// (ws:// or wss://) and loads specifier there. Request bodies larger than
// exchange.MaxInlineBody are streamed, so upload size is not bounded by the
// websocket message limit.
func Connect(ctx context.Context, url, specifier string, opts Options) (*Worker, error) {
	opts = opts.withDefaults()
	conn, err := transport.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("localworker: connecting to %s: %w", url, err)
	}
	return attach(ctx, conn, specifier, opts, nil)
}

// checkSpecifier fails fast on scripts that cannot possibly load.
func checkSpecifier(specifier string, customLoader bool) error {
	if specifier == "" {
		return errors.New("localworker: empty script specifier")
	}
	if customLoader {
		return nil
	}
	if name, ok := strings.CutPrefix(specifier, shim.GoScheme); ok {
		if _, found := shim.LookupScript(name); !found {
			return fmt.Errorf("localworker: no script registered as %q", specifier)
		}
		return nil
	}
	if !bundle.IsScript(specifier) {
		return fmt.Errorf("localworker: unsupported script %q", specifier)
	}
	path, err := bundle.Path(specifier)
	if err != nil {
		return fmt.Errorf("localworker: %w", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("localworker: cannot read script: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("localworker: %s is not a file", path)
	}
	return nil
}

func attach(ctx context.Context, conn transport.Conn, specifier string, opts Options, shimDone <-chan error) (*Worker, error) {
	w := &Worker{
		name:     opts.Name,
		opts:     opts,
		conn:     conn,
		logs:     fifo.New[LogEntry](),
		ready:    deferred.New[struct{}](),
		loaded:   deferred.New[struct{}](),
		ended:    make(chan struct{}),
		shimDone: shimDone,
		state:    StateLoading,
		changed:  make(chan struct{}),
	}
	if opts.JournalPath != "" {
		j, err := journal.Open(opts.JournalPath)
		if err != nil {
			conn.Close()
			return nil, err
		}
		w.journal = j
	}
	w.peer = exchange.NewPeer(conn.Send, w.alive)
	w.peer.Client.Logf = func(format string, args ...any) {
		w.internal(core.LevelWarn, fmt.Sprintf(format, args...))
	}
	go w.loop()

	err := conn.Send(protocol.Init{Env: opts.Env, HasFetchHandler: opts.FetchHandler != nil})
	if err == nil {
		_, err = w.ready.Wait(ctx)
	}
	if err == nil {
		err = conn.Send(protocol.Import{Specifier: specifier})
	}
	if err == nil {
		_, err = w.loaded.Wait(ctx)
	}
	if err != nil {
		w.release()
		return nil, fmt.Errorf("localworker: loading %s: %w", specifier, err)
	}
	return w, nil
}

// alive reports whether body chunks and aborts are still worth sending.
func (w *Worker) alive() bool {
	switch w.State() {
	case StateLoading, StateStopped, StateRunning:
		return true
	}
	return false
}

func (w *Worker) setStateLocked(s State) {
	if w.state == s {
		return
	}
	w.state = s
	close(w.changed)
	w.changed = make(chan struct{})
}

// watch returns the current state and a channel closed on the next change.
func (w *Worker) watch() (State, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.changed
}

// loop is the single dispatch routine for inbound messages.
func (w *Worker) loop() {
	defer close(w.ended)
	for {
		m, err := w.conn.Recv(context.Background())
		if err != nil {
			if protocol.IsDecodeError(err) {
				w.internal(core.LevelWarn, fmt.Sprintf("ignoring message: %v", err))
				continue
			}
			w.terminate(err)
			return
		}
		w.handle(m)
	}
}

func (w *Worker) handle(m protocol.Message) {
	if w.peer.Handle(m) {
		return
	}
	switch m := m.(type) {
	case protocol.Ready:
		w.ready.Resolve(struct{}{})
	case protocol.Loaded:
		w.mu.Lock()
		if w.state == StateLoading {
			w.setStateLocked(StateStopped)
		}
		w.mu.Unlock()
		w.loaded.Resolve(struct{}{})
	case protocol.Fetch:
		w.serveOutbound(m)
	case protocol.Log:
		w.appendLog(m.Level, m.Message)
	case protocol.InternalLog:
		w.internal(m.Level, m.Message)
	default:
		w.internal(core.LevelWarn, fmt.Sprintf("unexpected %s message", m.MessageType()))
	}
}

// terminate settles everything once the connection is gone. Unless the
// worker was closing, losing the connection means it died.
func (w *Worker) terminate(err error) {
	w.mu.Lock()
	cause := ErrWorkerUnavailable
	switch w.state {
	case StateClosing, StateClosed:
	case StateErrored:
		cause = w.err
	default:
		if errors.Is(err, transport.ErrClosed) {
			err = errors.New("worker exited")
		}
		w.err = err
		cause = err
		w.setStateLocked(StateErrored)
	}
	w.mu.Unlock()

	w.peer.FailAll(cause)
	w.ready.Reject(cause)
	w.loaded.Reject(cause)
	w.logs.Close(nil)
}

// serveOutbound answers a fetch the script made, through the fetch handler.
func (w *Worker) serveOutbound(m protocol.Fetch) {
	ex, err := w.peer.Server.Accept(context.Background(), m)
	if err != nil {
		w.internal(core.LevelWarn, fmt.Sprintf("rejected outbound request %d: %v", m.ID, err))
		return
	}
	handler := w.opts.FetchHandler
	go func() {
		resp, err := roundTrip(handler, ex)
		if err := ex.Respond(resp, err); err != nil && w.alive() {
			w.internal(core.LevelWarn, fmt.Sprintf("answering outbound request %d: %v", ex.ID, err))
		}
	}()
}

func roundTrip(rt http.RoundTripper, ex *exchange.Exchange) (resp *http.Response, err error) {
	if rt == nil {
		return nil, &protocol.TypeError{Message: "no fetch handler is configured"}
	}
	defer func() {
		if v := recover(); v != nil {
			resp, err = nil, fmt.Errorf("fetch handler panicked: %v", v)
		}
	}()
	return rt.RoundTrip(ex.Request)
}

func (w *Worker) appendLog(level, message string) {
	if w.opts.LogPrefix {
		message = "[" + w.name + "] " + message
	}
	_ = w.logs.Push(LogEntry{Level: level, Message: message, Time: time.Now()})
}

func (w *Worker) internal(level, message string) {
	log.Printf("localworker: %s: %s", w.name, message)
	w.appendLog(level, message)
}

// Name returns the worker's display name.
func (w *Worker) Name() string { return w.name }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the uncaught error that killed the worker, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Ready waits until the script has loaded.
func (w *Worker) Ready(ctx context.Context) error {
	_, err := w.loaded.Wait(ctx)
	return err
}

// Start lets the worker accept requests. Starting a running worker is a
// no-op.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Ready(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateClosing, StateClosed:
		return ErrWorkerUnavailable
	case StateErrored:
		return fmt.Errorf("%w: %v", ErrInvalidState, w.err)
	case StateStopped:
		w.setStateLocked(StateRunning)
	}
	return nil
}

// Stop waits for every pending fetch to settle, then stops the worker.
func (w *Worker) Stop(ctx context.Context) error {
	if w.State() != StateRunning {
		return nil
	}
	if err := w.drain(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	if w.state == StateRunning {
		w.setStateLocked(StateStopped)
	}
	w.mu.Unlock()
	return nil
}

// Close refuses new fetches, waits for pending ones to settle, then
// terminates the worker. If ctx ends first the worker is terminated anyway
// and ctx's error returned. Closing an errored worker only releases it.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateClosing, StateClosed:
		w.mu.Unlock()
		return nil
	}
	errored := w.state == StateErrored
	if !errored {
		w.setStateLocked(StateClosing)
	}
	w.mu.Unlock()

	var err error
	if !errored {
		err = w.drain(ctx)
	}
	w.release()
	if !errored {
		w.mu.Lock()
		w.setStateLocked(StateClosed)
		w.mu.Unlock()
	}
	return err
}

// release tears down the connection and everything attached to it.
func (w *Worker) release() {
	w.released.Do(w.releaseOnce)
}

func (w *Worker) releaseOnce() {
	_ = w.conn.Close()
	<-w.ended
	if w.shimDone != nil {
		<-w.shimDone
	}
	w.records.Wait()
	if w.journal != nil {
		if err := w.journal.Close(); err != nil {
			log.Printf("localworker: %s: closing journal: %v", w.name, err)
		}
	}
}

// drain waits for every fetch issued so far to settle, whatever its outcome.
func (w *Worker) drain(ctx context.Context) error {
	w.inflight.Wait()
	calls := w.peer.Client.Pending()
	settlers := make([]deferred.Settler, len(calls))
	for i, c := range calls {
		settlers[i] = c
	}
	return deferred.AllSettled(ctx, settlers...)
}

// Run starts the worker, calls fn, and closes the worker whatever fn does.
// fn's error wins over the error of closing.
func (w *Worker) Run(ctx context.Context, fn func(ctx context.Context, w *Worker) error) (err error) {
	defer func() {
		if cerr := w.Close(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()
	if err := w.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, w)
}

// Logs yields the worker's log lines in order. The sequence is shared:
// lines consumed by one range loop are gone for the next. It ends when the
// worker's connection closes, or when ctx is done.
func (w *Worker) Logs(ctx context.Context) iter.Seq[LogEntry] {
	return func(yield func(LogEntry) bool) {
		for {
			e, err := w.logs.Pop(ctx)
			if err != nil || !yield(e) {
				return
			}
		}
	}
}

// Info is a diagnostic snapshot of a worker.
type Info struct {
	Name       string
	State      State
	FetchCount int // fetches issued so far
	Pending    int // fetches not yet answered
}

// Info returns a snapshot of the worker's counters.
func (w *Worker) Info() Info {
	return Info{
		Name:       w.name,
		State:      w.State(),
		FetchCount: w.peer.Client.Count(),
		Pending:    w.peer.Client.Len(),
	}
}

// Journal lists the exchanges recorded for this worker. It fails when the
// worker has no journal.
func (w *Worker) Journal(ctx context.Context) ([]JournalEntry, error) {
	if w.journal == nil {
		return nil, errors.New("localworker: journal is not enabled")
	}
	return w.journal.List(ctx, w.name)
}
