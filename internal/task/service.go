package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "mechx/internal/errors"
	"mechx/internal/observability/metrics"
	"mechx/pkg/logger"
)

// Service creates and queries jobs.
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService builds a Service. maxRetries bounds the attempts per job.
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit validates req, stores a pending job and publishes it. A non-empty
// id makes the call idempotent: an existing job with that id is returned.
func (s *Service) Submit(ctx context.Context, id string, req Request) (*Task, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	taskID := strings.TrimSpace(id)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	task := &Task{
		ID:         taskID,
		Request:    req,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, taskID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("publish job failed", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "publish job")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true, nil)
		return nil, wrapped
	}
	metrics.ObserveJob(string(StatusPending))
	logger.Audit().Info("job queued",
		slog.String("task_id", taskID),
		slog.String("mech", req.PriorityMech),
		slog.Int("prompts", len(req.Prompts)),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Retry requeues a failed job that never reached the chain and publishes
// it again. Jobs with a recorded result are refused with ErrTaskSubmitted so
// that a request is never paid for twice.
func (s *Service) Retry(ctx context.Context, id string) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	task, err := s.store.Requeue(ctx, strings.TrimSpace(id))
	if err != nil {
		return task, err
	}
	if err := s.producer.Publish(ctx, task.ID); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "publish job")
		_ = s.store.MarkFailed(ctx, task.ID, CodeTaskPublish, wrapped.Error(), true, nil)
		return nil, wrapped
	}
	logger.Audit().Info("job requeued",
		slog.String("task_id", task.ID),
		slog.String("mech", task.Request.PriorityMech),
		slog.Int("attempts", task.Attempts))
	return task, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "task store not initialised")
	}
	return s.store.Get(ctx, id)
}

// List returns jobs matching opts.
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "task store not initialised")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats aggregates jobs matching opts.
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (JobStats, error) {
	if s.store == nil {
		return JobStats{}, xerrors.New(xerrors.CodeInitializationFailure, "task store not initialised")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

func (s *Service) ready() error {
	if s.store == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "task service not initialised")
	}
	return nil
}

// Close releases the store and producer.
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted polls a job until it succeeds, fails terminally or ctx
// ends.
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || (task.Status == StatusFailed && task.Attempts >= task.MaxRetries) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
