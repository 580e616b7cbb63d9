package streams

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher appends envelopes to a Redis Stream with XADD.
type Publisher struct {
	rdb    *redis.Client
	stream string
}

func NewPublisher(rdb *redis.Client, stream string) *Publisher {
	return &Publisher{rdb: rdb, stream: stream}
}

// PublishOption customizes a single XADD call.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox trims the stream to approximately maxLen entries.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		args.MaxLen = maxLen
		args.Approx = true
	}
}

// Publish validates the envelope, assigns an event ID when missing, and
// appends it to the stream. Returns the Redis stream entry ID.
func (p *Publisher) Publish(ctx context.Context, env Envelope, opts ...PublishOption) (string, error) {
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	payload, err := env.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"envelope": string(payload)},
	}
	for _, opt := range opts {
		opt(args)
	}
	id, err := p.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}
