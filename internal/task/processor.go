package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "mechx/internal/errors"
	"mechx/internal/journal"
	"mechx/internal/mech"
	"mechx/internal/observability/alerting"
	"mechx/internal/observability/metrics"
	"mechx/pkg/logger"
)

// Executor submits one mech request and waits for its deliveries.
type Executor interface {
	Submit(ctx context.Context, req mech.Request) (*mech.Result, error)
}

// Recorder receives one journal record per request id.
type Recorder interface {
	Save(ctx context.Context, records ...journal.Record) error
}

// Processor consumes job ids and drives them through the Executor.
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	jobTimeout  time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	journal     Recorder
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the debug logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithWorkerCount sets the number of concurrent workers.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithJobTimeout bounds one job attempt, including the delivery wait.
func WithJobTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.jobTimeout = d }
}

// WithAlertDispatcher sets where terminal failures are reported.
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithJournal records every submitted request id.
func WithJournal(r Recorder) ProcessorOption {
	return func(p *Processor) { p.journal = r }
}

// NewProcessor builds a Processor.
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start consumes jobs until ctx ends.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "no job consumer configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor not initialised")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("skipping job", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("claim job failed", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, err, "claim")
		return err
	}

	req, err := task.Request.MechRequest()
	if err != nil {
		return p.fail(ctx, task, err, nil, true)
	}

	runCtx := ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}
	res, execErr := p.executor.Submit(runCtx, req)
	if execErr != nil {
		return p.fail(ctx, task, execErr, nil, !resubmittable(execErr))
	}

	p.record(ctx, task, req.PriorityMech, res)
	result := NewExecutionResult(res)
	if len(res.Deliveries) == 0 && len(res.RequestIDs) > 0 {
		timeout := xerrors.New(xerrors.CodeDeliveryTimeout, "no delivery before the wait ended",
			xerrors.WithMetadata("request_ids", joinIDs(res.RequestIDs)))
		return p.fail(ctx, task, timeout, &result, true)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		logger.L().Error("mark job succeeded failed", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	metrics.ObserveJob(string(StatusSucceeded))
	logger.Audit().Info("job succeeded",
		slog.String("task_id", task.ID),
		slog.String("mech", task.Request.PriorityMech),
		slog.String("tx_hash", result.TxHash),
		slog.Int("delivered", len(result.Deliveries)),
		slog.Int("missing", len(result.Missing)),
	)
	return nil
}

// resubmittable reports whether a failed job may be sent again. Anything
// that may already have reached the marketplace is not retried, since a
// second submission pays again.
func resubmittable(err error) bool {
	if !xerrors.RetryableError(err) {
		return false
	}
	if e, ok := xerrors.From(err); ok {
		if _, sent := e.Metadata()["tx_hash"]; sent {
			return false
		}
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindRPC, xerrors.KindStorage:
		return true
	default:
		return false
	}
}

func (p *Processor) fail(ctx context.Context, task *Task, cause error, result *ExecutionResult, terminal bool) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	if task.Attempts >= task.MaxRetries {
		terminal = true
	}
	if err := p.store.MarkFailed(ctx, task.ID, code, cause.Error(), terminal, result); err != nil {
		logger.L().Error("mark job failed failed", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("job failed",
		slog.String("task_id", task.ID),
		slog.String("mech", task.Request.PriorityMech),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		metrics.ObserveJob(string(StatusFailed))
		if xerrors.ShouldAlert(cause) || task.Attempts >= task.MaxRetries {
			p.emitAlert(ctx, task, cause, "terminal")
		}
		return nil
	}
	metrics.ObserveJob("retried")
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "republish job", xerrors.WithMetadata("task_id", task.ID))
	}
	p.logger.Debug("job requeued", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) record(ctx context.Context, task *Task, priority common.Address, res *mech.Result) {
	if p.journal == nil {
		return
	}
	records := journal.FromResult(task.ID, priority, res, time.Now())
	if err := p.journal.Save(ctx, records...); err != nil {
		logger.L().Error("journal write failed", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	event := alerting.EventFromError(task.ID, task.Attempts, task.MaxRetries, cause)
	event.Mech = task.Request.PriorityMech
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = stage
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("alert dispatch failed",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}

func joinIDs(ids []common.Hash) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id.Hex()
	}
	return out
}
