package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/articleforge/articleforge/internal/pipeline"
	"github.com/articleforge/articleforge/internal/queue/streams"
)

// PipelineEnqueuedPayload mirrors the JSON payload published to
// pipeline.enqueued.
type PipelineEnqueuedPayload struct {
	PipelineID string `json:"pipeline_id"`
	OrgID      string `json:"org_id"`
	Priority   int    `json:"priority"`
}

// Enqueuer publishes admitted pipelines onto the work stream. It satisfies
// pipeline.Enqueuer.
type Enqueuer struct {
	pub *streams.Publisher
}

func NewEnqueuer(pub *streams.Publisher) *Enqueuer {
	return &Enqueuer{pub: pub}
}

func (e *Enqueuer) EnqueuePipeline(ctx context.Context, p pipeline.Pipeline) error {
	data, err := json.Marshal(PipelineEnqueuedPayload{
		PipelineID: p.ID,
		OrgID:      p.OrgID,
		Priority:   p.Priority,
	})
	if err != nil {
		return fmt.Errorf("marshal enqueue payload: %w", err)
	}
	_, err = e.pub.Publish(ctx, streams.Envelope{
		EventType:      streams.EventPipelineEnqueued,
		PayloadVersion: "v1",
		Data:           data,
	})
	return err
}
