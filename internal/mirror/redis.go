package mirror

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

const (
	fieldType     = "type"
	fieldEnvelope = "envelope"
)

// StreamClient is the subset of *redis.Client the mirror needs.
type StreamClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Close() error
}

var _ StreamClient = (*redis.Client)(nil)

// NewClient connects to the Redis server named in cfg and checks it answers.
func NewClient(ctx context.Context, cfg config.MirrorConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisMirror appends every envelope to a capped Redis stream.
type RedisMirror struct {
	client       StreamClient
	taskStream   string
	resultStream string
	maxLen       int64
	logger       *zap.Logger
}

// NewRedisMirror creates a mirror writing through client.
func NewRedisMirror(client StreamClient, cfg config.MirrorConfig, log *zap.Logger) *RedisMirror {
	return &RedisMirror{
		client:       client,
		taskStream:   cfg.TaskStream,
		resultStream: cfg.ResultStream,
		maxLen:       cfg.MaxLen,
		logger:       logger.OrNamed(log, "mirror"),
	}
}

// MirrorTask implements Mirror.
func (m *RedisMirror) MirrorTask(ctx context.Context, msg *types.TaskMessage) error {
	return m.add(ctx, m.taskStream, types.EnvelopeTask, msg)
}

// MirrorResult implements Mirror.
func (m *RedisMirror) MirrorResult(ctx context.Context, msg *types.ResultMessage) error {
	return m.add(ctx, m.resultStream, types.EnvelopeResult, msg)
}

func (m *RedisMirror) add(ctx context.Context, stream string, typ types.EnvelopeType, v any) error {
	frame, err := channel.EncodeEnvelope(typ, v)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{fieldType: string(typ), fieldEnvelope: string(frame)},
	}
	if m.maxLen > 0 {
		args.MaxLen = m.maxLen
		args.Approx = true
	}
	id, err := m.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	m.logger.Debug("envelope mirrored", zap.String("stream", stream), zap.String("entry_id", id))
	return nil
}

// Close implements Mirror.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

var _ Mirror = (*RedisMirror)(nil)
