package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

// Handler processes one mirrored envelope. A nil return acknowledges it;
// an error leaves it pending for redelivery.
type Handler func(ctx context.Context, stream, id string, env *types.Envelope) error

// Consumer replays mirrored streams through a consumer group with
// at-least-once delivery.
type Consumer struct {
	client  StreamClient
	group   string
	name    string
	streams []string
	count   int64
	block   time.Duration
	logger  *zap.Logger
}

// NewConsumer creates a consumer named name in the configured group,
// reading both mirrored streams.
func NewConsumer(client StreamClient, cfg config.MirrorConfig, name string, log *zap.Logger) *Consumer {
	return &Consumer{
		client:  client,
		group:   cfg.Group,
		name:    name,
		streams: []string{cfg.TaskStream, cfg.ResultStream},
		count:   100,
		block:   2 * time.Second,
		logger:  logger.OrNamed(log, "mirror"),
	}
}

// Setup creates the consumer group on every stream, creating empty streams
// as needed. An existing group is kept.
func (c *Consumer) Setup(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", c.group, stream, err)
		}
	}
	return nil
}

// Run sets the group up, replays entries this consumer left pending and
// then follows new entries until ctx ends.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	if err := c.Setup(ctx); err != nil {
		return err
	}
	for _, stream := range c.streams {
		if err := c.drainPending(ctx, stream, handle); err != nil {
			return err
		}
	}
	c.logger.Info("pending entries replayed, following streams", zap.Strings("streams", c.streams))

	for {
		if _, err := c.ReadOnce(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// drainPending walks the pending list of stream once. Entries whose handler
// fails again stay pending for the next run. A negative block omits BLOCK.
func (c *Consumer) drainPending(ctx context.Context, stream string, handle Handler) error {
	cursor := "0"
	for {
		n, last, err := c.read(ctx, []string{stream}, cursor, -1, handle)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		cursor = last[stream]
	}
}

// ReadOnce handles one batch of new entries across both streams and returns
// how many it saw. It blocks up to the consumer's block interval.
func (c *Consumer) ReadOnce(ctx context.Context, handle Handler) (int, error) {
	n, _, err := c.read(ctx, c.streams, ">", c.block, handle)
	return n, err
}

func (c *Consumer) read(ctx context.Context, streams []string, id string, block time.Duration, handle Handler) (int, map[string]string, error) {
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  make([]string, 0, 2*len(streams)),
		Count:    c.count,
		Block:    block,
	}
	args.Streams = append(args.Streams, streams...)
	for range streams {
		args.Streams = append(args.Streams, id)
	}

	result, err := c.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("xreadgroup: %w", err)
	}

	handled := 0
	last := make(map[string]string, len(result))
	for _, stream := range result {
		for _, msg := range stream.Messages {
			handled++
			last[stream.Stream] = msg.ID
			env, err := decodeEntry(msg.Values)
			if err != nil {
				// a malformed entry would be redelivered forever
				c.logger.Warn("dropping malformed entry", zap.String("stream", stream.Stream), zap.String("entry_id", msg.ID), zap.Error(err))
				c.ack(ctx, stream.Stream, msg.ID)
				continue
			}
			if err := handle(ctx, stream.Stream, msg.ID, env); err != nil {
				c.logger.Warn("handler failed, entry stays pending",
					zap.String("stream", stream.Stream), zap.String("entry_id", msg.ID), zap.Error(err))
				continue
			}
			c.ack(ctx, stream.Stream, msg.ID)
		}
	}
	return handled, last, nil
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.client.XAck(ctx, stream, c.group, id).Err(); err != nil {
		c.logger.Warn("xack failed", zap.String("stream", stream), zap.String("entry_id", id), zap.Error(err))
	}
}

func decodeEntry(values map[string]any) (*types.Envelope, error) {
	raw, ok := values[fieldEnvelope].(string)
	if !ok {
		return nil, fmt.Errorf("entry has no %q field", fieldEnvelope)
	}
	return channel.DecodeEnvelope([]byte(raw))
}

// DecodeTask unpacks a task envelope.
func DecodeTask(env *types.Envelope) (*types.TaskMessage, error) {
	if env.Type != types.EnvelopeTask {
		return nil, fmt.Errorf("envelope is %s, not %s", env.Type, types.EnvelopeTask)
	}
	var msg types.TaskMessage
	if err := channel.Decode(env.Data, &msg); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &msg, nil
}

// DecodeResult unpacks a result envelope.
func DecodeResult(env *types.Envelope) (*types.ResultMessage, error) {
	if env.Type != types.EnvelopeResult {
		return nil, fmt.Errorf("envelope is %s, not %s", env.Type, types.EnvelopeResult)
	}
	var msg types.ResultMessage
	if err := channel.Decode(env.Data, &msg); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &msg, nil
}
