package stream

import (
	"context"
	"sync"

	"github.com/userlist/userlist/pkg/models"
)

// Queue is the unbounded FIFO of outbound lock and unlock intents.
//
// Push never blocks, so it is safe to call while holding other locks.
// If the stream stalls the queue grows without limit; Len exposes the depth.
//
// An intent handed out by Pop stays in flight until the consumer calls Ack or
// puts it back with PushFront. Pending counts queued and in-flight intents.
type Queue struct {
	mu       sync.Mutex
	items    []models.RecordNotification
	inflight int
	ready    chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

func (q *Queue) Push(n models.RecordNotification) {
	q.mu.Lock()
	q.items = append(q.items, n)
	q.mu.Unlock()
	q.signal()
}

// PushFront puts back an intent that could not be written so that it is the
// next one sent on the following connection.
func (q *Queue) PushFront(n models.RecordNotification) {
	q.mu.Lock()
	q.items = append([]models.RecordNotification{n}, q.items...)
	if q.inflight > 0 {
		q.inflight--
	}
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop blocks until an intent is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (models.RecordNotification, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			n := q.items[0]
			q.items[0] = models.RecordNotification{}
			q.items = q.items[1:]
			q.inflight++
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return n, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return models.RecordNotification{}, ctx.Err()
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Ack marks one intent returned by Pop as handled.
func (q *Queue) Ack() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight > 0 {
		q.inflight--
	}
}

func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) + q.inflight
}
