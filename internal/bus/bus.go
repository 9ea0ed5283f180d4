// Package bus is the daemon's in-process event fan-out. Store writes,
// download results and session status changes are published as Events;
// subscribers filter by kind prefix.
package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus fans events out to prefix-filtered subscribers. Publish never
// blocks: a subscriber whose buffer is full loses the event rather than
// stalling the store or the download queue behind a slow reader.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers evt to every subscriber whose prefix matches
// evt.Kind. A zero Timestamp is stamped with the current time so
// publishers do not have to fill it in.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			// Slow consumer, drop.
		}
	}
}

// Subscribe registers a listener for event kinds starting with prefix
// ("" receives everything, "store." only store change notifications).
// The returned cancel function detaches the listener and closes the
// channel; calling it more than once is safe.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	if bufSize < 1 {
		bufSize = 1
	}
	s := &subscriber{prefix: prefix, ch: make(chan Event, bufSize)}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Delete under the write lock so no Publish can still be
			// sending when the channel closes.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}
