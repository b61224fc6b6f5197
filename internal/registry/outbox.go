package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ytget/ytdl-web/internal/model"
)

// Event is emitted for every accepted registry mutation, in the order the
// registry processed them
type Event struct {
	Kind     model.EventKind
	Task     *model.Task // copy taken when the event was emitted
	Stage    string
	Priority model.Priority // non-empty when the caller asked for a specific priority
	At       time.Time
}

// Outbox is an unbounded FIFO of events. Pushing never blocks, so registry
// mutations stay fast; a single dispatch loop drains it with Next.
type Outbox struct {
	mu     sync.Mutex
	items  []Event
	signal chan struct{}
}

func newOutbox() *Outbox {
	return &Outbox{signal: make(chan struct{}, 1)}
}

func (o *Outbox) push(e Event) {
	o.mu.Lock()
	o.items = append(o.items, e)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// TryNext pops the oldest event without waiting
func (o *Outbox) TryNext() (Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return Event{}, false
	}
	e := o.items[0]
	o.items[0] = Event{}
	o.items = o.items[1:]
	return e, true
}

// Next blocks until an event is available or ctx is done
func (o *Outbox) Next(ctx context.Context) (Event, error) {
	for {
		if e, ok := o.TryNext(); ok {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-o.signal:
		}
	}
}

// Len returns the number of undelivered events
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}
