package listener

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"
)

type fakeEvent struct {
	req       *http.Request
	responded chan ResponseFunc
}

func newFakeEvent(path string) *fakeEvent {
	req, _ := http.NewRequest(http.MethodGet, "http://localhost"+path, nil)
	req.RemoteAddr = "10.0.0.7"
	return &fakeEvent{req: req, responded: make(chan ResponseFunc, 1)}
}

func (e *fakeEvent) Request() *http.Request { return e.req }

func (e *fakeEvent) RespondWith(fn ResponseFunc) error {
	e.responded <- fn
	return nil
}

func timeoutCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAcceptYieldsOneRequestPerConn(t *testing.T) {
	l := New(Addr{Host: "0.0.0.0", Port: 8080})
	first, second := newFakeEvent("/a"), newFakeEvent("/b")
	_ = l.Push(first)
	_ = l.Push(second)

	for _, want := range []*fakeEvent{first, second} {
		conn, err := l.Accept(timeoutCtx(t))
		if err != nil {
			t.Fatal(err)
		}
		hc := Serve(conn)
		ev, err := hc.NextRequest(timeoutCtx(t))
		if err != nil {
			t.Fatal(err)
		}
		if ev.Request() != want.req {
			t.Errorf("got request %s, want %s", ev.Request().URL.Path, want.req.URL.Path)
		}
		if _, err := hc.NextRequest(timeoutCtx(t)); err != io.EOF {
			t.Errorf("second NextRequest = %v, want io.EOF", err)
		}
		if got := conn.RemoteAddr().String(); got != "10.0.0.7:0" {
			t.Errorf("RemoteAddr = %s", got)
		}
	}
	if got := l.Addr().String(); got != "0.0.0.0:8080" {
		t.Errorf("Addr = %s", got)
	}
}

func TestRespondWithReachesEvent(t *testing.T) {
	l := New(Addr{Host: "localhost"})
	ev := newFakeEvent("/")
	_ = l.Push(ev)
	conn, _ := l.Accept(timeoutCtx(t))
	got, _ := Serve(conn).NextRequest(timeoutCtx(t))
	_ = got.RespondWith(func(context.Context) (*http.Response, error) { return nil, nil })
	select {
	case <-ev.responded:
	default:
		t.Error("RespondWith did not reach the event")
	}
}

func TestClosedConnYieldsNothing(t *testing.T) {
	l := New(Addr{Host: "localhost"})
	_ = l.Push(newFakeEvent("/"))
	conn, _ := l.Accept(timeoutCtx(t))
	hc := Serve(conn)
	hc.Close()
	if _, err := hc.NextRequest(timeoutCtx(t)); err != io.EOF {
		t.Errorf("err = %v", err)
	}
}

func TestCloseStopsAccept(t *testing.T) {
	l := New(Addr{Host: "localhost"})
	_ = l.Push(newFakeEvent("/"))
	l.Close()
	if _, err := l.Accept(timeoutCtx(t)); !errors.Is(err, ErrClosed) {
		t.Errorf("Accept = %v", err)
	}
	if err := l.Push(newFakeEvent("/")); !errors.Is(err, ErrClosed) {
		t.Errorf("Push = %v", err)
	}
}

func TestAcceptHonoursContext(t *testing.T) {
	l := New(Addr{Host: "localhost"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := l.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}
