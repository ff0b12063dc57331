package task

import (
	"context"

	xerrors "mechx/internal/errors"
)

// Store persists job state.
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim moves a pending or failed job to running and counts the attempt.
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed records a failure. A terminal failure is never claimed again;
	// result may carry what was observed before the failure.
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool, result *ExecutionResult) error
	// Requeue returns a failed job that never produced a result to pending
	// and grants it one more attempt.
	Requeue(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (JobStats, error)
	Close() error
}
