package bodystream

import (
	"sync"

	"github.com/cryguy/localworker/internal/protocol"
)

// Table holds the open inbound streams of one direction, keyed by request
// id. Each side keeps one table per subType.
type Table struct {
	mu      sync.Mutex
	subType protocol.SubType
	streams map[int]*Stream
}

// NewTable returns an empty table for streams of the given subType.
func NewTable(subType protocol.SubType) *Table {
	return &Table{subType: subType, streams: make(map[int]*Stream)}
}

// Open registers a new stream for id.
func (t *Table) Open(id int) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streams[id]; ok {
		protocol.Violationf("%s body stream %d opened twice", t.subType, id)
	}
	s := NewStream()
	t.streams[id] = s
	return s
}

func (t *Table) lookup(id int, remove bool) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	if !ok {
		protocol.Violationf("no %s body stream for id %d", t.subType, id)
	}
	if remove {
		delete(t.streams, id)
	}
	return s
}

// Handle applies a bodyChunk, bodyClose or bodyError message addressed to
// this table. A message for an id with no open stream is a protocol
// violation.
func (t *Table) Handle(m protocol.Message) {
	switch m := m.(type) {
	case protocol.BodyChunk:
		t.lookup(m.ID, false).Enqueue(m.Chunk)
	case protocol.BodyClose:
		t.lookup(m.ID, true).Finish()
	case protocol.BodyError:
		t.lookup(m.ID, true).Fail(m.Error.Err())
	}
}

// FailAll terminates every open stream with err and empties the table.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	streams := t.streams
	t.streams = make(map[int]*Stream)
	t.mu.Unlock()
	for _, s := range streams {
		s.Fail(err)
	}
}

// Len returns the number of open streams.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
