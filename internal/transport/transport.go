// Package transport carries protocol messages between the controller and the
// shim. Messages are encoded on Send and decoded on Recv, so the two sides
// never share a reference even when they live in the same process. Sends
// never block: every connection queues outbound messages without bound and
// delivers them in send order.
package transport

import (
	"context"
	"errors"

	"github.com/cryguy/localworker/internal/fifo"
	"github.com/cryguy/localworker/internal/protocol"
)

// ErrClosed is returned once a connection has been closed normally.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one end of a message boundary.
type Conn interface {
	// Send queues m for the peer. It fails only after the connection closed.
	Send(m protocol.Message) error
	// Recv returns the next message from the peer. Messages with an
	// unrecognized type yield *protocol.UnknownTypeError; the connection
	// stays usable. After the peer closes, Recv returns ErrClosed or the
	// error the peer closed with.
	Recv(ctx context.Context) (protocol.Message, error)
	// Close closes the connection normally.
	Close() error
	// CloseWithError closes the connection and reports err to the peer.
	CloseWithError(err error) error
}

// queue holds encoded messages waiting on one side of a connection.
type queue = fifo.Queue[[]byte]

func newQueue() *queue { return fifo.New[[]byte]() }
