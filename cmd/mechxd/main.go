package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mechx/internal/api"
	"mechx/internal/app"
	"mechx/internal/auth"
	"mechx/internal/config"
	xerrors "mechx/internal/errors"
	"mechx/internal/observability/alerting"
	"mechx/internal/observability/metrics"
	"mechx/internal/task"
	"mechx/pkg/logger"
)

const pendingInterval = 15 * time.Second

// main is the entry point of the mechx daemon.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("mechxd: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Resolve("")
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return err
	}
	defer logger.Sync()
	l := logger.Named("mechxd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	rt, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	requests, err := app.OpenJournal(ctx, cfg)
	if err != nil {
		return err
	}
	if requests != nil {
		defer requests.Close()
	}

	store, err := openTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			l.Warn("close job queue", slog.String("error", err.Error()))
		}
	}()

	service := task.NewService(store, queue, cfg.Storage.TaskStore.MaxRetries)
	processor := task.NewProcessor(rt.Orchestrator, store, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithJobTimeout(cfg.JobTimeout()),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithAlertDispatcher(alertDispatcher(cfg)),
		task.WithJournal(requests),
	)
	guard, err := apiGuard(cfg)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address, service, requests).Protect(guard)

	l.Info("mechxd starting",
		slog.String("address", cfg.Server.Address),
		slog.String("metrics_address", cfg.Server.MetricsAddress),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.String("journal", cfg.Storage.Journal.Driver),
		slog.Int("workers", cfg.Queue.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})
	g.Go(func() error {
		reportPending(gctx, service, queue, l)
		return nil
	})
	if cfg.Server.MetricsAddress != "" && cfg.Server.MetricsAddress != cfg.Server.Address {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Server.MetricsAddress))
		})
	}
	err = g.Wait()
	l.Info("mechxd stopped")
	return err
}

func openTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		store, err := task.NewMySQLStore(ctx, cfg.Storage.TaskStore.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "unsupported task store driver "+cfg.Storage.TaskStore.Driver)
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	qc := cfg.Queue
	switch qc.Driver {
	case "", "memory":
		return task.NewMemoryQueue(qc.Size), nil
	case "redis":
		queue, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   qc.Redis.Address,
			Password:  qc.Redis.Password,
			DB:        qc.Redis.DB,
			Queue:     qc.Redis.Queue,
			BlockWait: config.Seconds(qc.Redis.BlockWaitSeconds),
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        qc.RabbitMQ.URL,
			Queue:      qc.RabbitMQ.Queue,
			Prefetch:   qc.RabbitMQ.Prefetch,
			Durable:    qc.RabbitMQ.Durable,
			AutoDelete: qc.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "unsupported queue driver "+qc.Driver)
	}
}

func apiGuard(cfg *config.Config) (func(http.Handler) http.Handler, error) {
	tokens := make([]auth.Token, len(cfg.Server.APITokens))
	for i, t := range cfg.Server.APITokens {
		tokens[i] = auth.Token{Name: t.Name, Token: t.Token, SHA256: t.SHA256, Permissions: t.Permissions}
	}
	svc, err := auth.NewService(tokens)
	if err != nil {
		return nil, err
	}
	if !svc.Enabled() {
		logger.Named("mechxd").Warn("api authentication disabled; configure server.api_tokens")
	}
	return svc.Middleware(auth.DefaultMiddlewareConfig()), nil
}

func alertDispatcher(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if url := cfg.Alerting.WebhookURL; url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	if url := cfg.Alerting.SlackWebhookURL; url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url, Slack: true})
	}
	return alerting.NewFanout(notifiers...)
}

// reportPending refreshes the pending jobs gauge until ctx ends. Queues
// that can report their length are preferred over store stats.
func reportPending(ctx context.Context, service *task.Service, queue task.Queue, l *slog.Logger) {
	ticker := time.NewTicker(pendingInterval)
	defer ticker.Stop()
	for {
		n, err := pendingJobs(ctx, service, queue)
		if err != nil && ctx.Err() == nil {
			l.Debug("pending jobs unavailable", slog.String("error", err.Error()))
		} else if err == nil {
			metrics.SetPendingJobs(n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pendingJobs(ctx context.Context, service *task.Service, queue task.Queue) (int, error) {
	switch q := queue.(type) {
	case *task.MemoryQueue:
		return q.Len(), nil
	case *task.RedisQueue:
		n, err := q.Len(ctx)
		return int(n), err
	}
	stats, err := service.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Pending + stats.Running, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
