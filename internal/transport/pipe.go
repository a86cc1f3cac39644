package transport

import (
	"context"

	"github.com/cryguy/localworker/internal/protocol"
)

// pipeConn is one end of an in-process Pipe.
type pipeConn struct {
	in  *queue // messages for this end
	out *queue // the peer's in
}

// Pipe returns two connected in-process ends.
func Pipe() (Conn, Conn) {
	a, b := newQueue(), newQueue()
	return &pipeConn{in: a, out: b}, &pipeConn{in: b, out: a}
}

func (c *pipeConn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := c.out.Push(data); err != nil {
		return ErrClosed
	}
	return nil
}

func (c *pipeConn) Recv(ctx context.Context) (protocol.Message, error) {
	data, err := c.in.Pop(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (c *pipeConn) Close() error {
	return c.CloseWithError(nil)
}

func (c *pipeConn) CloseWithError(err error) error {
	if err == nil {
		err = ErrClosed
	}
	c.out.Close(err)
	c.in.Discard(ErrClosed)
	return nil
}

// Pending returns the number of messages queued for this end. Useful for
// diagnosing the unbounded buffering.
func Pending(c Conn) int {
	if pc, ok := c.(*pipeConn); ok {
		return pc.in.Len()
	}
	if wc, ok := c.(*wsConn); ok {
		return wc.in.Len()
	}
	return 0
}
