package pubsub

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ytget/ytdl-web/internal/model"
)

// ErrQueueClosed is returned by Next once the client has been unregistered
// and the remaining notifications have been read
var ErrQueueClosed = errors.New("delivery queue closed")

// Queue is a bounded per-client delivery queue. The router is the only writer
// and the connection that obtained it from Connect the only reader. Offers
// never block: when the queue is full the new notification is dropped.
type Queue struct {
	clientID string
	ch       chan model.Notification
	dropped  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func newQueue(clientID string, size int) *Queue {
	return &Queue{clientID: clientID, ch: make(chan model.Notification, size)}
}

// ClientID returns the owner of the queue
func (q *Queue) ClientID() string {
	return q.clientID
}

// C exposes the queue for select loops. It is closed on unregister.
func (q *Queue) C() <-chan model.Notification {
	return q.ch
}

// Next blocks until a notification is available, the queue is closed or ctx
// is done
func (q *Queue) Next(ctx context.Context) (model.Notification, error) {
	select {
	case n, ok := <-q.ch:
		if !ok {
			return model.Notification{}, ErrQueueClosed
		}
		return n, nil
	case <-ctx.Done():
		return model.Notification{}, ctx.Err()
	}
}

// Len returns the number of undelivered notifications
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns how many notifications were lost to overflow
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

func (q *Queue) offer(n model.Notification) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- n:
		return nil
	default:
		q.dropped.Add(1)
		log.Printf("pubsub: queue full for client %s, dropped %s notification %s", q.clientID, n.Type, n.ID)
		return model.ErrDeliveryOverflow
	}
}

// handover closes q and returns a new queue for the same client holding the
// notifications q had not delivered
func (q *Queue) handover(size int) *Queue {
	next := newQueue(q.clientID, size)
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	for n := range q.ch {
		select {
		case next.ch <- n:
		default:
			next.dropped.Add(1)
		}
	}
	return next
}

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
