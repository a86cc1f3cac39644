// Package listener emulates a bind/accept network listener on top of the
// fetch dispatch, so scripts written against a "listen, accept, serve each
// connection" API run unchanged. No sockets are involved: every inbound
// request becomes one accepted connection that yields exactly that request.
package listener

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/cryguy/localworker/internal/fifo"
)

// ErrClosed is returned by Accept once the listener is closed.
var ErrClosed = errors.New("listener: closed")

// ResponseFunc produces a response. It runs on its own goroutine.
type ResponseFunc func(ctx context.Context) (*http.Response, error)

// RequestEvent is one inbound request together with the way to answer it.
type RequestEvent interface {
	Request() *http.Request
	RespondWith(fn ResponseFunc) error
}

// Addr is the emulated listener address.
type Addr struct {
	Host string
	Port int
}

func (a Addr) Network() string { return "tcp" }
func (a Addr) String() string  { return net.JoinHostPort(a.Host, strconv.Itoa(a.Port)) }

// Listener hands out one Conn per inbound request, in arrival order.
type Listener struct {
	addr   Addr
	events *fifo.Queue[RequestEvent]
	once   sync.Once
}

// New returns an open listener reporting addr.
func New(addr Addr) *Listener {
	return &Listener{addr: addr, events: fifo.New[RequestEvent]()}
}

// Push enqueues an inbound request for the next Accept.
func (l *Listener) Push(ev RequestEvent) error {
	if err := l.events.Push(ev); err != nil {
		return ErrClosed
	}
	return nil
}

// Accept waits for the next inbound request and wraps it in a connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	ev, err := l.events.Pop(ctx)
	if err != nil {
		if errors.Is(err, fifo.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return &Conn{local: l.addr, remote: remoteAddr(ev.Request()), event: ev}, nil
}

// Close stops accepting. Requests still queued are dropped unanswered.
func (l *Listener) Close() error {
	l.once.Do(func() { l.events.Discard(ErrClosed) })
	return nil
}

// Addr returns the address the listener was bound to.
func (l *Listener) Addr() net.Addr { return l.addr }

// Pending returns the number of requests waiting for Accept.
func (l *Listener) Pending() int { return l.events.Len() }

// Conn is an accepted emulated connection carrying a single request.
type Conn struct {
	local  net.Addr
	remote net.Addr

	mu    sync.Mutex
	event RequestEvent
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// next hands out the connection's request once.
func (c *Conn) next() (RequestEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.event == nil {
		return nil, io.EOF
	}
	ev := c.event
	c.event = nil
	return ev, nil
}

// Close drops the connection. A request not yet taken stays unanswered.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.event = nil
	c.mu.Unlock()
	return nil
}

// HTTPConn serves HTTP over an accepted Conn.
type HTTPConn struct {
	conn *Conn
}

// Serve starts serving HTTP on c.
func Serve(c *Conn) *HTTPConn {
	return &HTTPConn{conn: c}
}

// NextRequest returns the connection's request, then io.EOF.
func (h *HTTPConn) NextRequest(ctx context.Context) (RequestEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.conn.next()
}

// Close closes the underlying connection.
func (h *HTTPConn) Close() error { return h.conn.Close() }

func remoteAddr(req *http.Request) net.Addr {
	host := "127.0.0.1"
	if req != nil && req.RemoteAddr != "" {
		host = req.RemoteAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	return Addr{Host: host}
}
