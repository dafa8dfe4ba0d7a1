// Package events provides a publish/subscribe bus for operational
// observability. Components publish what they are doing (command cycles,
// dispatch calls, catalog syncs); subscribers consume the stream without
// coupling to the publishers. The bus is nil-safe: Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the command cycle loop.
	SourceAgent = "agent"
	// SourceDispatch identifies events from the dispatch engine.
	SourceDispatch = "dispatch"
	// SourceCatalog identifies events from the catalog syncer.
	SourceCatalog = "catalog"
	// SourceVoice identifies events from the voice transport bridge.
	SourceVoice = "voice"
)

// Kind constants describe the type of event within a source.
const (
	// KindCycleStart signals the beginning of a command cycle.
	// Data: cycle_id, user, transcript_len.
	KindCycleStart = "cycle_start"
	// KindCycleComplete signals the end of a command cycle.
	// Data: cycle_id, success, elapsed_ms.
	KindCycleComplete = "cycle_complete"
	// KindParseFailure signals a model reply that yielded no intent.
	// Data: cycle_id, reason.
	KindParseFailure = "parse_failure"

	// KindActionDispatched signals one hub service call.
	// Data: cycle_id, domain, service, entity_id, ok.
	KindActionDispatched = "action_dispatched"

	// KindSyncComplete signals a finished catalog sync.
	// Data: devices, areas.
	KindSyncComplete = "sync_complete"

	// KindTranscriptReceived signals an inbound voice transcript.
	// Data: user, transcript_len.
	KindTranscriptReceived = "transcript_received"
	// KindTranscriptDropped signals a transcript ignored because a
	// cycle was already running. Data: user.
	KindTranscriptDropped = "transcript_dropped"
)

// Event is a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; slow subscribers miss events rather than blocking
// publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to a subscriber
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any whose
// channel is full. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually Unsubscribe to release it.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. A channel
// that is already unsubscribed is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
