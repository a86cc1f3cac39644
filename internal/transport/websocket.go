package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cryguy/localworker/internal/protocol"
)

// maxMessageBytes bounds a single encoded message on a WebSocket. Body chunks
// are at most 32 KB raw, so this leaves ample room for base64 and framing.
const maxMessageBytes = 16 << 20

// writeTimeout bounds one WebSocket frame write.
const writeTimeout = 30 * time.Second

// wsConn carries messages as JSON text frames over a WebSocket. A writer
// goroutine drains the outbound queue so Send never blocks, and a reader
// goroutine fills the inbound queue so Recv can honour its context without
// tearing the socket down.
type wsConn struct {
	ws   *websocket.Conn
	in   *queue
	out  *queue
	once sync.Once
	done chan struct{}
}

// NewWebSocketConn wraps an established WebSocket.
func NewWebSocketConn(ws *websocket.Conn) Conn {
	ws.SetReadLimit(maxMessageBytes)
	c := &wsConn{
		ws:   ws,
		in:   newQueue(),
		out:  newQueue(),
		done: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Dial connects to a shim served by shim.Handler.
func Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing worker at %s: %w", url, err)
	}
	return NewWebSocketConn(ws), nil
}

// Accept upgrades an HTTP request into a Conn.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("accepting worker connection: %w", err)
	}
	return NewWebSocketConn(ws), nil
}

func (c *wsConn) readLoop() {
	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.in.Close(peerError(err))
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := c.in.Push(data); err != nil {
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.done)
	for {
		data, err := c.out.Pop(context.Background())
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = c.ws.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			c.in.Close(peerError(err))
			return
		}
	}
}

// peerError maps a socket error to what Recv reports.
func peerError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return ErrClosed
	case -1:
		return fmt.Errorf("transport: %w", err)
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Reason != "" {
		return errors.New(ce.Reason)
	}
	return fmt.Errorf("transport: %w", err)
}

func (c *wsConn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := c.out.Push(data); err != nil {
		return ErrClosed
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) (protocol.Message, error) {
	data, err := c.in.Pop(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (c *wsConn) Close() error {
	return c.CloseWithError(nil)
}

// CloseWithError flushes queued messages, then closes the socket. A non-nil
// err travels to the peer as the close reason.
func (c *wsConn) CloseWithError(err error) error {
	var closeErr error
	c.once.Do(func() {
		c.out.Close(ErrClosed)
		select {
		case <-c.done:
		case <-time.After(writeTimeout):
		}
		if err == nil {
			closeErr = c.ws.Close(websocket.StatusNormalClosure, "")
		} else {
			reason := err.Error()
			// Close reasons are limited to 123 bytes by RFC 6455.
			if len(reason) > 123 {
				reason = reason[:123]
			}
			closeErr = c.ws.Close(websocket.StatusInternalError, reason)
		}
		c.in.Discard(ErrClosed)
	})
	return closeErr
}
