package events

import (
	"sync"

	"rentledger/core/types"
)

// payloadCarrier is implemented by events that expose their canonical
// attribute payload alongside the type tag.
type payloadCarrier interface {
	Event() *types.Event
}

// SequencedEvent pairs an emitted event payload with a monotonically
// increasing sequence number so pollers can resume from the last position
// they observed.
type SequencedEvent struct {
	Sequence int64        `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Feed is an in-memory, bounded event log. Engines emit into it and the RPC
// layer (and the gateway watcher behind it) polls it by sequence number.
// Buffered payloads are not persisted, but the issued sequence is
// checkpointed through SetCheckpoint so a restarted feed resumed via Resume
// keeps numbering monotonic and downstream cursors valid.
type Feed struct {
	mu         sync.RWMutex
	capacity   int
	next       int64
	buffer     []SequencedEvent
	checkpoint func(seq int64) error
}

const defaultFeedCapacity = 1024

// NewFeed constructs a feed retaining up to capacity events. A non-positive
// capacity falls back to the default.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = defaultFeedCapacity
	}
	return &Feed{capacity: capacity, next: 1}
}

// SetCheckpoint installs a persistence hook invoked with every issued
// sequence number.
func (f *Feed) SetCheckpoint(fn func(seq int64) error) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoint = fn
}

// Resume continues numbering after the supplied last issued sequence, so
// cursors persisted across a restart stay ahead of nothing.
func (f *Feed) Resume(lastSequence int64) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if lastSequence >= f.next {
		f.next = lastSequence + 1
	}
}

// Emit implements the Emitter interface.
func (f *Feed) Emit(evt Event) {
	if f == nil || evt == nil {
		return
	}
	payload := &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	if carrier, ok := evt.(payloadCarrier); ok {
		if inner := carrier.Event(); inner != nil {
			payload = inner
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.next
	f.buffer = append(f.buffer, SequencedEvent{Sequence: seq, Event: payload})
	f.next++
	if len(f.buffer) > f.capacity {
		f.buffer = f.buffer[len(f.buffer)-f.capacity:]
	}
	if f.checkpoint != nil {
		// A failed checkpoint only shows up as a rewound head on the
		// next restart; the sequence itself is already issued.
		_ = f.checkpoint(seq)
	}
}

// After returns up to limit events with a sequence strictly greater than the
// supplied cursor, oldest first.
func (f *Feed) After(after int64, limit int) []SequencedEvent {
	if f == nil {
		return nil
	}
	if limit <= 0 {
		limit = 100
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]SequencedEvent, 0, limit)
	for _, entry := range f.buffer {
		if entry.Sequence <= after {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out
}

// LastSequence reports the sequence of the most recently emitted event, or
// zero when nothing has been emitted yet.
func (f *Feed) LastSequence() int64 {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.next - 1
}
