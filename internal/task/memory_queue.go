package task

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "mechx/internal/errors"
)

const defaultMemoryQueueSize = 64

// MemoryQueue keeps job ids in a buffered channel. Jobs do not survive a
// restart; use it for the CLI-adjacent daemon and tests.
type MemoryQueue struct {
	ids  chan string
	done chan struct{}
	once sync.Once
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{ids: make(chan string, size), done: make(chan struct{})}
}

// Publish blocks while the buffer is full.
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "queue closed")
	default:
	}
	select {
	case q.ids <- taskID:
		return nil
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "queue closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of buffered ids.
func (q *MemoryQueue) Len() int { return len(q.ids) }

func (q *MemoryQueue) Consume(ctx context.Context, workers int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for range workerCount(workers) {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-q.done:
					return nil
				case id := <-q.ids:
					if err := handler(gctx, id); err != nil {
						q.redeliver(id)
					}
				}
			}
		})
	}
	return g.Wait()
}

// redeliver puts id back without blocking; a full buffer drops it and the
// job stays in the store for a later Retry.
func (q *MemoryQueue) redeliver(id string) {
	select {
	case q.ids <- id:
	default:
	}
}

// Close stops consumers and rejects further publishes. Buffered ids are
// discarded.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
