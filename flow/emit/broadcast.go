package emit

import "sync"

// Broadcast fans events out to multiple channel subscribers without ever
// blocking the engine. Each subscriber has a bounded buffer; when a slow
// subscriber's buffer is full, the oldest buffered event is dropped to make
// room for the newest. Closing the broadcast completes every subscriber
// channel.
type Broadcast struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
	closed bool
}

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when
// none is given.
const DefaultSubscriberBuffer = 64

// NewBroadcast creates a Broadcast with the given per-subscriber buffer
// size (<= 0 uses DefaultSubscriberBuffer).
func NewBroadcast(buffer int) *Broadcast {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcast{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel function. The channel is closed on cancel or when the broadcast
// closes.
func (b *Broadcast) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Emit delivers the event to every subscriber, dropping each subscriber's
// oldest buffered event when its buffer is full.
func (b *Broadcast) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Full: drop the oldest and retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Close completes the stream: all subscriber channels are closed and later
// events are discarded.
func (b *Broadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
