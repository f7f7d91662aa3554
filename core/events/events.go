package events

import "sync"

// Event is the canonical payload emitted by native modules when state
// transitions commit. Attributes are string-keyed so payloads stay stable
// across serialization boundaries.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter receives committed module events. Implementations must not block;
// the engines emit synchronously after persisting state.
type Emitter interface {
	Emit(*Event)
}

// NoopEmitter discards every event. Engines fall back to it when no emitter
// has been configured.
type NoopEmitter struct{}

func (NoopEmitter) Emit(*Event) {}

// Buffer retains the most recent events up to a fixed capacity, dropping the
// oldest entries once the limit is reached. The RPC layer drains it to serve
// event feeds without holding up the engines.
type Buffer struct {
	mu    sync.Mutex
	limit int
	queue []*Event
}

// NewBuffer returns a bounded event buffer. A non-positive limit defaults to
// 256 entries.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 256
	}
	return &Buffer{limit: limit}
}

func (b *Buffer) Emit(evt *Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.limit {
		b.queue = b.queue[1:]
	}
	b.queue = append(b.queue, evt)
}

// Drain returns the buffered events in emission order and resets the buffer.
func (b *Buffer) Drain() []*Event {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := b.queue
	b.queue = nil
	return drained
}
