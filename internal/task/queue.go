package task

import "context"

// Handler runs one job. A non-nil error means the job's state could not be
// recorded; queues hand such a job out again. Execution failures are
// recorded by the handler itself and return nil.
type Handler func(ctx context.Context, taskID string) error

// Producer enqueues job ids.
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer runs workers that pass job ids to a handler. Consume blocks until
// ctx ends or the backend fails.
type Consumer interface {
	Consume(ctx context.Context, workers int, handler Handler) error
	Close() error
}

type Queue interface {
	Producer
	Consumer
}

func workerCount(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
