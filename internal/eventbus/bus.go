package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one in-memory signal from the service core to the presentation
// stream. Data must be one of the payload structs declared in events.go;
// the websocket adapter marshals it verbatim.
//
// Contract:
//   - Publish never blocks and never panics.
//   - Subscribers use buffered channels; a slow subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fanout bus shared by the registry, the
// dispatcher, the log stream and the websocket adapter. It owns no
// background goroutines.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	// Only declared event types travel to the presentation layer; anything
	// else is a programming error and is dropped rather than leaked to UIs.
	if !ValidType(e.Type) {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	// Snapshot the subscriber set so no lock is held during delivery.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		b.deliver(ch, e)
	}
}

// deliver is non-blocking and survives a concurrent unsubscribe closing ch.
func (b *fanout) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because deliver recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
