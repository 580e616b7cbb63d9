// Package worker runs the pipeline consumer pool: it claims enqueued
// pipelines off the Redis Stream, drives the orchestrator, and sweeps up
// work stranded by crashed workers.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/articleforge/articleforge/internal/pipeline"
	"github.com/articleforge/articleforge/internal/queue/streams"
)

// StoreAPI captures the store methods required by the processor.
type StoreAPI interface {
	ClaimPipeline(ctx context.Context, id string) (bool, error)
	ReleaseClaim(ctx context.Context, id string) error
	ListStrandedPipelines(ctx context.Context, staleMinutes int) ([]pipeline.Pipeline, error)
}

// Runner executes one claimed pipeline to a stop point.
type Runner interface {
	Run(ctx context.Context, pipelineID string) error
}

// MessageSource is the slice of the stream consumer the processor needs.
type MessageSource interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context) ([]streams.Message, error)
	Ack(ctx context.Context, id string) error
}

// PipelineQueue re-publishes pipelines recovered by the sweep.
type PipelineQueue interface {
	EnqueuePipeline(ctx context.Context, p pipeline.Pipeline) error
}

// Processor consumes pipeline.enqueued events and drives execution.
type Processor struct {
	logger   *log.Logger
	store    StoreAPI
	runner   Runner
	consumer MessageSource
	enqueuer PipelineQueue

	staleAfter time.Duration
	sweepEvery time.Duration

	tracer           trace.Tracer
	processedCounter otelmetric.Int64Counter
	claimMissCounter otelmetric.Int64Counter
	sweepCounter     otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. Meter and tracer are optional.
func NewProcessor(logger *log.Logger, st StoreAPI, runner Runner, cons MessageSource, enq PipelineQueue, staleAfter, sweepEvery time.Duration, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	p := &Processor{
		logger:     logger,
		store:      st,
		runner:     runner,
		consumer:   cons,
		enqueuer:   enq,
		staleAfter: staleAfter,
		sweepEvery: sweepEvery,
		tracer:     tracer,
	}
	if meter != nil {
		var err error
		p.processedCounter, err = meter.Int64Counter("worker_pipelines_processed")
		if err != nil {
			logger.Printf("warn: create processed counter failed: %v", err)
		}
		p.claimMissCounter, err = meter.Int64Counter("worker_claim_misses")
		if err != nil {
			logger.Printf("warn: create claim-miss counter failed: %v", err)
		}
		p.sweepCounter, err = meter.Int64Counter("worker_stranded_requeued")
		if err != nil {
			logger.Printf("warn: create sweep counter failed: %v", err)
		}
	}
	return p
}

// Start blocks, consuming enqueued pipelines until the context is
// cancelled. A recovery sweep runs at startup and then periodically.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting")
	if err := p.consumer.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := p.sweepStranded(ctx); err != nil {
		p.logger.Printf("warn: startup recovery sweep failed: %v", err)
	}
	lastSweep := time.Now()

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastSweep) >= p.sweepEvery {
			if err := p.sweepStranded(ctx); err != nil {
				p.logger.Printf("warn: recovery sweep failed: %v", err)
			}
			lastSweep = time.Now()
		}

		msgs, err := p.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := p.handleEnqueued(ctx, msg); err != nil {
				p.logger.Printf("error handling message %s: %v", msg.ID, err)
			}
		}
	}
}

func (p *Processor) handleEnqueued(ctx context.Context, msg streams.Message) error {
	spanCtx, span := p.tracer.Start(ctx, "worker.pipeline")
	defer span.End()

	var payload PipelineEnqueuedPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		// Malformed payloads are acked so they cannot wedge the group.
		p.logger.Printf("warn: malformed payload on %s: %v", msg.ID, err)
		return p.consumer.Ack(ctx, msg.ID)
	}

	claimed, err := p.store.ClaimPipeline(spanCtx, payload.PipelineID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker owns it, or the pipeline has since been
		// cancelled or completed. Either way this delivery is done.
		if p.claimMissCounter != nil {
			p.claimMissCounter.Add(ctx, 1)
		}
		return p.consumer.Ack(ctx, msg.ID)
	}

	runErr := p.runner.Run(spanCtx, payload.PipelineID)
	if runErr != nil {
		p.logger.Printf("pipeline %s run error: %v", payload.PipelineID, runErr)
		if err := p.store.ReleaseClaim(ctx, payload.PipelineID); err != nil {
			p.logger.Printf("warn: release claim %s: %v", payload.PipelineID, err)
		}
	}
	if p.processedCounter != nil {
		p.processedCounter.Add(ctx, 1)
	}
	return p.consumer.Ack(ctx, msg.ID)
}

// sweepStranded re-queues pipelines whose worker died mid-run. Releasing
// the claim and republishing lets any worker pick the pipeline up again;
// the orchestrator skips steps already persisted as done, so nothing is
// billed twice.
func (p *Processor) sweepStranded(ctx context.Context) error {
	stranded, err := p.store.ListStrandedPipelines(ctx, int(p.staleAfter.Minutes()))
	if err != nil {
		return err
	}
	for _, pl := range stranded {
		if err := p.store.ReleaseClaim(ctx, pl.ID); err != nil {
			p.logger.Printf("warn: release stranded claim %s: %v", pl.ID, err)
			continue
		}
		if err := p.enqueuer.EnqueuePipeline(ctx, pl); err != nil {
			p.logger.Printf("warn: re-enqueue stranded pipeline %s: %v", pl.ID, err)
			continue
		}
		if p.sweepCounter != nil {
			p.sweepCounter.Add(ctx, 1)
		}
		p.logger.Printf("re-queued stranded pipeline %s (last update before %s)", pl.ID, p.staleAfter)
	}
	return nil
}
