package worker

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	appconfig "github.com/articleforge/articleforge/config"
	"github.com/articleforge/articleforge/internal/audit"
	"github.com/articleforge/articleforge/internal/budget"
	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/pipeline"
	"github.com/articleforge/articleforge/internal/queue/streams"
	"github.com/articleforge/articleforge/internal/registry"
	"github.com/articleforge/articleforge/internal/store"
)

// Run wires the worker pool and blocks consuming until ctx is cancelled.
func Run(ctx context.Context, cfg *appconfig.Config, meter otelmetric.Meter, tracer trace.Tracer) error {
	logger := log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("worker")
	}

	st, err := store.NewWithDSN(ctx, cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Redis.Addr, err)
	}

	consumerName := cfg.Worker.Consumer
	if consumerName == "" {
		host, _ := os.Hostname()
		consumerName = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	consumer := streams.NewConsumer(rdb, cfg.Worker.Stream, cfg.Worker.Group, consumerName,
		streams.WithBlock(cfg.Worker.ReadBlock))
	enqueuer := NewEnqueuer(streams.NewPublisher(rdb, cfg.Worker.Stream))

	auditor := audit.New(st, log.New(log.Writer(), "[AUDIT] ", log.LstdFlags), nil)
	notifier := pipeline.NewLogNotifier(nil)
	alerts := &pipeline.AlertRecorder{Auditor: auditor, Notifier: notifier}
	guard := budget.New(st, alerts, nil)
	costs := ledger.New(st, nil)
	reg := registry.New(st)

	orch := pipeline.NewOrchestrator(st, guard, reg, costs, auditor, &DryRunInvoker{CostPerCall: 0}, notifier, nil)
	orch.SetRetryBackoff(cfg.Worker.RetryBackoff)

	proc := NewProcessor(logger, st, orch, consumer, enqueuer,
		cfg.Worker.StaleAfter, cfg.Worker.SweepEvery, meter, tracer)
	return proc.Start(ctx)
}
