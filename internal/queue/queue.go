// SPDX-License-Identifier: MIT

// Package queue provides the in-process FIFO of job ids awaiting work. It is
// a scheduling hint only: the durable truth is the job status in meta/, and
// the queue is rebuilt from there on startup.
package queue

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []string
	wake  chan struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends a job id.
func (q *Queue) Push(id string) {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes the head, blocking up to timeout. The bounded wait lets
// workers observe shutdown between polls.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (string, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return id, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			return "", false
		case <-q.wake:
		}
	}
}

// Len reports the number of queued ids.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
