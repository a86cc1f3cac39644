package bodystream

import (
	"context"
	"errors"
	"io"

	"github.com/cryguy/localworker/internal/protocol"
)

// readChunkSize is the buffer used when a plain io.Reader is pumped.
const readChunkSize = 32 * 1024

// ChunkSource yields a body chunk by chunk. Sources that implement it keep
// their chunk boundaries across the boundary; plain readers are chunked by
// whatever each Read returns.
type ChunkSource interface {
	NextChunk(ctx context.Context) ([]byte, error)
}

// Sender posts one message to the peer.
type Sender func(protocol.Message) error

// Pump streams src to the peer as bodyChunk messages for (id, subType),
// followed by exactly one terminal message. While alive reports false the
// remaining chunks are skipped and only bodyClose is sent, releasing the
// peer's stream without wasting messages. A read failure becomes bodyError.
func Pump(ctx context.Context, id int, subType protocol.SubType, src io.Reader, send Sender, alive func() bool) error {
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}
	next := chunker(src)

	for {
		if !alive() {
			return send(protocol.BodyClose{ID: id, SubType: subType})
		}
		chunk, err := next(ctx)
		if len(chunk) > 0 && alive() {
			if serr := send(protocol.BodyChunk{ID: id, SubType: subType, Chunk: chunk}); serr != nil {
				return serr
			}
		}
		if errors.Is(err, io.EOF) {
			return send(protocol.BodyClose{ID: id, SubType: subType})
		}
		if err != nil {
			if !alive() {
				return send(protocol.BodyClose{ID: id, SubType: subType})
			}
			return send(protocol.BodyError{ID: id, SubType: subType, Error: protocol.FromError(err)})
		}
	}
}

func chunker(src io.Reader) func(context.Context) ([]byte, error) {
	if cs, ok := src.(ChunkSource); ok {
		return cs.NextChunk
	}
	buf := make([]byte, readChunkSize)
	return func(ctx context.Context) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := src.Read(buf)
		if n == 0 {
			return nil, err
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		return chunk, err
	}
}
