package bodystream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cryguy/localworker/internal/protocol"
)

type sliceSource struct {
	chunks [][]byte
	err    error
}

func (s *sliceSource) Read(p []byte) (int, error) { panic("Read must not be used for a ChunkSource") }

func (s *sliceSource) NextChunk(ctx context.Context) ([]byte, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func collect(t *testing.T) (*[]protocol.Message, Sender) {
	t.Helper()
	var msgs []protocol.Message
	return &msgs, func(m protocol.Message) error {
		msgs = append(msgs, m)
		return nil
	}
}

func always() bool { return true }

func TestPumpPreservesChunks(t *testing.T) {
	msgs, send := collect(t)
	src := &sliceSource{chunks: [][]byte{[]byte("a"), []byte("bc"), []byte("def")}}
	if err := Pump(context.Background(), 5, protocol.SubTypeResponse, src, send, always); err != nil {
		t.Fatal(err)
	}
	if len(*msgs) != 4 {
		t.Fatalf("got %d messages, want 4: %v", len(*msgs), *msgs)
	}
	for i, want := range []string{"a", "bc", "def"} {
		bc, ok := (*msgs)[i].(protocol.BodyChunk)
		if !ok || string(bc.Chunk) != want || bc.ID != 5 || bc.SubType != protocol.SubTypeResponse {
			t.Errorf("message %d = %#v", i, (*msgs)[i])
		}
	}
	if _, ok := (*msgs)[3].(protocol.BodyClose); !ok {
		t.Errorf("terminal = %#v, want BodyClose", (*msgs)[3])
	}
}

func TestPumpErrorIsSoleTerminal(t *testing.T) {
	msgs, send := collect(t)
	src := &sliceSource{chunks: [][]byte{[]byte("x")}, err: errors.New("disk on fire")}
	if err := Pump(context.Background(), 1, protocol.SubTypeRequest, src, send, always); err != nil {
		t.Fatal(err)
	}
	if len(*msgs) != 2 {
		t.Fatalf("got %v", *msgs)
	}
	be, ok := (*msgs)[1].(protocol.BodyError)
	if !ok {
		t.Fatalf("terminal = %#v, want BodyError", (*msgs)[1])
	}
	if be.Error.Message != "disk on fire" {
		t.Errorf("error = %+v", be.Error)
	}
}

func TestPumpSkipsChunksWhenNotAlive(t *testing.T) {
	msgs, send := collect(t)
	src := &sliceSource{chunks: [][]byte{[]byte("a"), []byte("b")}}
	if err := Pump(context.Background(), 1, protocol.SubTypeRequest, src, send, func() bool { return false }); err != nil {
		t.Fatal(err)
	}
	if len(*msgs) != 1 {
		t.Fatalf("got %v, want a lone BodyClose", *msgs)
	}
	if _, ok := (*msgs)[0].(protocol.BodyClose); !ok {
		t.Errorf("got %#v", (*msgs)[0])
	}
}

func TestPumpStopsMidStream(t *testing.T) {
	msgs, send := collect(t)
	var calls atomic.Int32
	alive := func() bool { return calls.Add(1) <= 2 }
	src := &sliceSource{chunks: [][]byte{[]byte("a"), []byte("b"), []byte("c")}}
	if err := Pump(context.Background(), 1, protocol.SubTypeRequest, src, send, alive); err != nil {
		t.Fatal(err)
	}
	last := (*msgs)[len(*msgs)-1]
	if _, ok := last.(protocol.BodyClose); !ok {
		t.Errorf("terminal = %#v", last)
	}
	for _, m := range (*msgs)[:len(*msgs)-1] {
		if _, ok := m.(protocol.BodyChunk); !ok {
			t.Errorf("unexpected %#v before terminal", m)
		}
	}
}

func TestPumpPlainReader(t *testing.T) {
	msgs, send := collect(t)
	payload := bytes.Repeat([]byte("z"), readChunkSize+10)
	if err := Pump(context.Background(), 2, protocol.SubTypeRequest, bytes.NewReader(payload), send, always); err != nil {
		t.Fatal(err)
	}
	var got []byte
	for _, m := range *msgs {
		if bc, ok := m.(protocol.BodyChunk); ok {
			got = append(got, bc.Chunk...)
		}
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("reassembled %d bytes, want %d", len(got), len(payload))
	}
}

func TestStreamReadsInOrder(t *testing.T) {
	s := NewStream()
	go func() {
		for _, c := range []string{"one", "two", "three"} {
			s.Enqueue([]byte(c))
			time.Sleep(time.Millisecond)
		}
		s.Finish()
	}()
	var got []string
	for {
		c, err := s.NextChunk(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(c))
	}
	if strings.Join(got, ",") != "one,two,three" {
		t.Errorf("chunks = %v", got)
	}
}

func TestStreamReadPartial(t *testing.T) {
	s := NewStream()
	s.Enqueue([]byte("hello world"))
	s.Finish()
	buf := make([]byte, 5)
	n, err := s.Read(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}
	if s.Buffered() != 6 {
		t.Errorf("Buffered = %d, want 6", s.Buffered())
	}
	rest, err := io.ReadAll(s)
	if err != nil || string(rest) != " world" {
		t.Errorf("rest = %q, %v", rest, err)
	}
}

func TestStreamFail(t *testing.T) {
	s := NewStream()
	s.Enqueue([]byte("partial"))
	s.Fail(protocol.ErrorInfo{Name: "TypeError", Message: "broken"}.Err())
	data, err := io.ReadAll(s)
	if string(data) != "partial" {
		t.Errorf("data = %q", data)
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Name != "TypeError" {
		t.Errorf("err = %v", err)
	}
}

func TestStreamCancel(t *testing.T) {
	s := NewStream()
	s.Enqueue([]byte("x"))
	s.Close()
	s.Enqueue([]byte("dropped"))
	if _, err := s.NextChunk(context.Background()); !errors.Is(err, ErrStreamCanceled) {
		t.Errorf("err = %v", err)
	}
	if s.Buffered() != 0 {
		t.Errorf("Buffered = %d", s.Buffered())
	}
}

func TestStreamNextChunkContext(t *testing.T) {
	s := NewStream()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := s.NextChunk(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestTableLifecycle(t *testing.T) {
	tbl := NewTable(protocol.SubTypeResponse)
	s := tbl.Open(1)
	tbl.Handle(protocol.BodyChunk{ID: 1, SubType: protocol.SubTypeResponse, Chunk: []byte("hi")})
	tbl.Handle(protocol.BodyClose{ID: 1, SubType: protocol.SubTypeResponse})
	if tbl.Len() != 0 {
		t.Errorf("Len = %d after close", tbl.Len())
	}
	data, err := io.ReadAll(s)
	if err != nil || string(data) != "hi" {
		t.Errorf("ReadAll = %q, %v", data, err)
	}
}

func TestTableUnknownIDIsViolation(t *testing.T) {
	tbl := NewTable(protocol.SubTypeRequest)
	defer func() {
		if _, ok := recover().(protocol.Violation); !ok {
			t.Error("expected protocol.Violation panic")
		}
	}()
	tbl.Handle(protocol.BodyChunk{ID: 99, SubType: protocol.SubTypeRequest})
}

func TestTableChunkAfterTerminalIsViolation(t *testing.T) {
	tbl := NewTable(protocol.SubTypeRequest)
	tbl.Open(3)
	tbl.Handle(protocol.BodyError{ID: 3, SubType: protocol.SubTypeRequest, Error: protocol.ErrorInfo{Message: "x"}})
	defer func() {
		if _, ok := recover().(protocol.Violation); !ok {
			t.Error("expected protocol.Violation panic")
		}
	}()
	tbl.Handle(protocol.BodyChunk{ID: 3, SubType: protocol.SubTypeRequest})
}

func TestTableFailAll(t *testing.T) {
	tbl := NewTable(protocol.SubTypeResponse)
	a, b := tbl.Open(1), tbl.Open(2)
	want := errors.New("worker gone")
	tbl.FailAll(want)
	for _, s := range []*Stream{a, b} {
		if _, err := s.NextChunk(context.Background()); !errors.Is(err, want) {
			t.Errorf("err = %v", err)
		}
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d", tbl.Len())
	}
}
