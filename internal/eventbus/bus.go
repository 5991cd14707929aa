// Package eventbus carries in-process lifecycle signals (task, sequence,
// dispatch, job and notifier events) from the components that raise them to
// metrics, logging and the NATS bridge.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one signal. Data should stay small and JSON-encodable since the
// NATS bridge forwards it as is.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Family is the Type prefix before the first dot: "task" for "task.created".
func (e Event) Family() string {
	family, _, _ := strings.Cut(e.Type, ".")
	return family
}

// Bus fans events out to subscribers. Publish must never block; a
// subscriber whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Stats exposes the number of events lost to full subscriber buffers.
type Stats interface {
	Dropped() uint64
}

const defaultBuffer = 8

// New returns the in-memory bus. It starts no goroutines.
func New() Bus {
	return &fanout{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	ch chan Event
}

type fanout struct {
	// Publish delivers under the read lock; unsubscribe closes under the
	// write lock, so a send never races a close.
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }

// Publish stamps and sends one event; a nil bus is ignored.
func Publish(b Bus, typ string, data any) {
	if b != nil {
		b.Publish(Event{Type: typ, Data: data})
	}
}
