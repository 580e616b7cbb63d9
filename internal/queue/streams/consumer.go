package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is a single stream entry with its decoded envelope.
type Message struct {
	ID       string
	Envelope Envelope
}

// Consumer reads envelopes from a stream through a consumer group.
type Consumer struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string

	block time.Duration
	count int64
}

type ConsumerOption func(*Consumer)

// WithBlock sets how long XREADGROUP blocks waiting for entries.
func WithBlock(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.block = d }
}

// WithCount caps entries returned per read.
func WithCount(n int64) ConsumerOption {
	return func(c *Consumer) { c.count = n }
}

func NewConsumer(rdb *redis.Client, stream, group, consumer string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    5 * time.Second,
		count:    10,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureGroup creates the consumer group, tolerating an existing one.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

// Read blocks for new entries assigned to this consumer. A deadline or
// cancellation on ctx unblocks with the ctx error. Entries whose envelope
// fails to decode are acked and skipped so they cannot wedge the group.
func (c *Consumer) Read(ctx context.Context) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.count,
		Block:    c.block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", c.stream, err)
	}

	var msgs []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			raw, ok := entry.Values["envelope"].(string)
			if !ok {
				_ = c.Ack(ctx, entry.ID)
				continue
			}
			env, err := UnmarshalEnvelope([]byte(raw))
			if err != nil {
				_ = c.Ack(ctx, entry.ID)
				continue
			}
			msgs = append(msgs, Message{ID: entry.ID, Envelope: env})
		}
	}
	return msgs, nil
}

// Ack acknowledges a processed entry.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if err := c.rdb.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", id, err)
	}
	return nil
}
