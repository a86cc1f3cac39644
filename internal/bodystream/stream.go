// Package bodystream moves byte streams across the message boundary as
// ordered bodyChunk messages terminated by exactly one bodyClose or
// bodyError. Delivery is not flow-controlled: a Stream buffers whatever the
// peer sends until the consumer reads it.
package bodystream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrStreamCanceled is returned by reads after the consumer closed the stream.
var ErrStreamCanceled = errors.New("bodystream: stream canceled by reader")

// Stream is the receiving end of a streamed body. Inbound chunk messages feed
// it through Enqueue, Finish and Fail; the consumer reads it as an
// io.ReadCloser or chunk by chunk with NextChunk.
type Stream struct {
	mu       sync.Mutex
	chunks   [][]byte
	partial  []byte
	buffered int
	done     bool
	err      error
	canceled bool
	notify   chan struct{}
}

// NewStream returns an empty open stream.
func NewStream() *Stream {
	return &Stream{notify: make(chan struct{}, 1)}
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends a chunk. Chunks arriving after the reader canceled are
// dropped.
func (s *Stream) Enqueue(chunk []byte) {
	s.mu.Lock()
	if s.canceled || s.done {
		s.mu.Unlock()
		return
	}
	if len(chunk) > 0 {
		s.chunks = append(s.chunks, chunk)
		s.buffered += len(chunk)
	}
	s.mu.Unlock()
	s.wake()
}

// Finish marks the normal end of the stream.
func (s *Stream) Finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.wake()
}

// Fail ends the stream with err; readers see err once buffered data drains.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	if !s.done {
		s.done = true
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

// Buffered returns the number of bytes received but not yet read.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered + len(s.partial)
}

// NextChunk returns the next chunk exactly as it was enqueued. It returns
// io.EOF after a normal finish, or the failure passed to Fail.
func (s *Stream) NextChunk(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.canceled {
			s.mu.Unlock()
			return nil, ErrStreamCanceled
		}
		if len(s.partial) > 0 {
			c := s.partial
			s.partial = nil
			s.mu.Unlock()
			return c, nil
		}
		if len(s.chunks) > 0 {
			c := s.chunks[0]
			s.chunks[0] = nil
			s.chunks = s.chunks[1:]
			s.buffered -= len(c)
			s.mu.Unlock()
			return c, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c, err := s.NextChunk(context.Background())
	if err != nil {
		return 0, err
	}
	n := copy(p, c)
	if n < len(c) {
		s.mu.Lock()
		s.partial = c[n:]
		s.mu.Unlock()
	}
	return n, nil
}

// Close cancels the stream from the reading side and drops buffered data.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.canceled = true
	s.chunks = nil
	s.partial = nil
	s.buffered = 0
	s.mu.Unlock()
	s.wake()
	return nil
}
