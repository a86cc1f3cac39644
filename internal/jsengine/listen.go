package jsengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/cryguy/localworker/internal/listener"
	"github.com/cryguy/localworker/internal/protocol"
)

// connState is an accepted connection, addressed from JS by its rid.
type connState struct {
	conn *listener.Conn
	http *listener.HTTPConn
}

type jsAddr struct {
	Transport string `json:"transport"`
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
}

func toJSAddr(a net.Addr) jsAddr {
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return jsAddr{Transport: "tcp", Hostname: a.String()}
	}
	n, _ := strconv.Atoi(port)
	return jsAddr{Transport: "tcp", Hostname: host, Port: n}
}

func (w *worker) conn(rid int) (*connState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.conns[rid]
	if !ok {
		return nil, fmt.Errorf("connection %d is closed", rid)
	}
	return c, nil
}

func (w *worker) reject(id int, name, message string) {
	w.post(func() error {
		return w.vm.Eval(fmt.Sprintf("__lw_reject(%d, %s, %s)", id, jsString(name), jsString(message)))
	})
}

func (w *worker) settle(id int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.reject(id, "TypeError", err.Error())
		return
	}
	w.post(func() error {
		return w.vm.Eval(fmt.Sprintf("__lw_settle(%d, %s)", id, jsString(string(data))))
	})
}

func (w *worker) setupListen() error {
	var ln *listener.Listener

	if err := w.register("__lw_listen", func(host string, port int) (string, error) {
		l, err := w.rt.Listen(listener.Addr{Host: host, Port: port})
		if err != nil {
			return "", err
		}
		ln = l
		data, err := json.Marshal(toJSAddr(l.Addr()))
		return string(data), err
	}); err != nil {
		return err
	}

	if err := w.register("__lw_accept", func(id int) {
		l := ln
		if l == nil {
			w.reject(id, "BadResource", "listener is not bound")
			return
		}
		go func() {
			c, err := l.Accept(w.rt.Context())
			if err != nil {
				name := protocol.FromError(err).Name
				if errors.Is(err, listener.ErrClosed) {
					name = "BadResource"
				}
				w.reject(id, name, err.Error())
				return
			}
			rid := w.newID()
			w.mu.Lock()
			w.conns[rid] = &connState{conn: c}
			w.mu.Unlock()
			w.settle(id, struct {
				RID        int    `json:"rid"`
				LocalAddr  jsAddr `json:"localAddr"`
				RemoteAddr jsAddr `json:"remoteAddr"`
			}{rid, toJSAddr(c.LocalAddr()), toJSAddr(c.RemoteAddr())})
		}()
	}); err != nil {
		return err
	}

	if err := w.register("__lw_serve_http", func(rid int) string {
		c, err := w.conn(rid)
		if err != nil {
			return err.Error()
		}
		hc, err := w.rt.ServeConn(c.conn)
		if err != nil {
			return protocol.FromError(err).Message
		}
		w.mu.Lock()
		c.http = hc
		w.mu.Unlock()
		return ""
	}); err != nil {
		return err
	}

	if err := w.register("__lw_next_request", func(id, rid int) {
		c, err := w.conn(rid)
		if err != nil {
			w.reject(id, "BadResource", err.Error())
			return
		}
		w.mu.Lock()
		hc := c.http
		w.mu.Unlock()
		if hc == nil {
			w.reject(id, "TypeError", "connection is not serving HTTP")
			return
		}
		go w.nextRequest(id, hc)
	}); err != nil {
		return err
	}

	if err := w.register("__lw_conn_close", func(rid int) {
		w.mu.Lock()
		c := w.conns[rid]
		delete(w.conns, rid)
		w.mu.Unlock()
		if c != nil {
			c.conn.Close()
		}
	}); err != nil {
		return err
	}

	return w.register("__lw_listener_close", func() {
		if ln != nil {
			ln.Close()
		}
	})
}

// nextRequest waits for the connection's request and hands it to the script
// as a RequestEvent, or settles with null at the end of the connection.
func (w *worker) nextRequest(id int, hc *listener.HTTPConn) {
	ev, err := hc.NextRequest(w.rt.Context())
	if errors.Is(err, io.EOF) {
		w.post(func() error { return w.vm.Eval(fmt.Sprintf("__lw_settle(%d, 'null')", id)) })
		return
	}
	if err != nil {
		w.reject(id, protocol.FromError(err).Name, err.Error())
		return
	}
	req := ev.Request()
	body, err := readBody(req)
	if err != nil {
		w.reject(id, "TypeError", err.Error())
		return
	}
	evID := w.addEvent(ev)
	w.post(func() error {
		args, err := w.requestArgs(req, body)
		if err != nil {
			return err
		}
		return w.vm.Eval(fmt.Sprintf("__lw_settle_request(%d, %d, %s)", id, evID, args))
	})
}
