// Package queue implements the unbounded FIFO that hands admitted commands
// from any number of request goroutines to the single worker.
package queue

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pkgd/internal/command"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pslog"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue
// has drained.
var ErrClosed = errors.New("queue: closed")

// Queue is safe for concurrent Push; Pop is meant for one consumer.
type Queue struct {
	mu     sync.Mutex
	items  []command.Command
	head   int
	closed bool
	wake   chan struct{}
	logger pslog.Logger
	m      *queueMetrics
}

// New returns an empty queue.
func New(logger pslog.Logger) *Queue {
	q := &Queue{
		wake:   make(chan struct{}, 1),
		logger: logutil.WithSubsystem(logger, "queue"),
	}
	q.m = newQueueMetrics(q.logger, q)
	return q
}

// Push appends cmd. It never blocks.
func (q *Queue) Push(cmd command.Command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, cmd)
	depth := len(q.items) - q.head
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.m.admitted(cmd.Kind)
	q.logger.Debug("queue.push", "id", cmd.ID, "kind", cmd.Kind, "depth", depth)
	return nil
}

// Pop removes and returns the oldest command, blocking while the queue is
// empty. It returns ErrClosed once the queue is closed and empty, or
// ctx.Err() when ctx ends first.
func (q *Queue) Pop(ctx context.Context) (command.Command, error) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			cmd := q.items[q.head]
			q.items[q.head] = command.Command{}
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			} else if q.head > 64 && q.head*2 > len(q.items) {
				q.items = append(q.items[:0], q.items[q.head:]...)
				q.head = 0
			}
			q.mu.Unlock()
			return cmd, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return command.Command{}, ErrClosed
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return command.Command{}, ctx.Err()
		}
	}
}

// Len reports the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close stops admission. Queued commands remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything still queued.
func (q *Queue) Drain() []command.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	rest := append([]command.Command(nil), q.items[q.head:]...)
	q.items = q.items[:0]
	q.head = 0
	return rest
}
