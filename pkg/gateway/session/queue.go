package session

import (
	"context"
	"sync"
)

type turn struct {
	text   string
	source string
}

// turnQueue is an unbounded FIFO. Pushing never blocks so the read loop can
// keep delivering panel acks while a turn waits on one.
type turnQueue struct {
	mu     sync.Mutex
	items  []turn
	notify chan struct{}
}

func newTurnQueue() *turnQueue {
	return &turnQueue{notify: make(chan struct{}, 1)}
}

func (q *turnQueue) push(t turn) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a turn is queued or ctx ends.
func (q *turnQueue) pop(ctx context.Context) (turn, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = turn{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return turn{}, false
		case <-q.notify:
		}
	}
}

func (q *turnQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
