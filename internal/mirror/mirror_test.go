package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/pkg/types"
)

// fakeStreams scripts XREADGROUP replies and records every call.
type fakeStreams struct {
	mu       sync.Mutex
	adds     []*redis.XAddArgs
	addErr   error
	groups   []string
	groupErr error
	reads    []*redis.XReadGroupArgs
	replies  [][]redis.XStream
	onEmpty  func()
	acks     []string
	closed   bool
}

func (f *fakeStreams) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeStreams) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return redis.NewStringResult("", f.addErr)
	}
	f.adds = append(f.adds, a)
	return redis.NewStringResult("1-0", nil)
}

func (f *fakeStreams) XGroupCreateMkStream(_ context.Context, stream, group, _ string) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, stream+"/"+group)
	return redis.NewStatusResult("OK", f.groupErr)
}

func (f *fakeStreams) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	f.reads = append(f.reads, a)
	if len(f.replies) == 0 {
		onEmpty := f.onEmpty
		f.mu.Unlock()
		if onEmpty != nil {
			onEmpty()
			return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
		}
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	next := f.replies[0]
	f.replies = f.replies[1:]
	f.mu.Unlock()
	if next == nil {
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	return redis.NewXStreamSliceCmdResult(next, nil)
}

func (f *fakeStreams) XAck(_ context.Context, stream, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.acks = append(f.acks, stream+"/"+id)
	}
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStreams) Close() error {
	f.closed = true
	return nil
}

func testMirrorConfig() config.MirrorConfig {
	return config.MirrorConfig{
		TaskStream:   "grid:tasks",
		ResultStream: "grid:results",
		MaxLen:       1000,
		Group:        "grid-replay",
	}
}

func entry(t *testing.T, id string, typ types.EnvelopeType, v any) redis.XMessage {
	t.Helper()
	frame, err := channel.EncodeEnvelope(typ, v)
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: map[string]interface{}{fieldType: string(typ), fieldEnvelope: string(frame)}}
}

func TestRedisMirrorAppendsEnvelopes(t *testing.T) {
	fake := &fakeStreams{}
	m := NewRedisMirror(fake, testMirrorConfig(), zap.NewNop())
	ctx := context.Background()

	task := &types.TaskMessage{TaskID: "t1", SubtaskID: "t1_0", NodeID: "n1", Type: "matmul", Data: []byte(`{"row_offset":0}`), Attempt: 1}
	require.NoError(t, m.MirrorTask(ctx, task))
	require.NoError(t, m.MirrorResult(ctx, &types.ResultMessage{TaskID: "t1", SubtaskID: "t1_0", NodeID: "n1", Status: types.ResultStatusCompleted}))

	require.Len(t, fake.adds, 2)
	add := fake.adds[0]
	assert.Equal(t, "grid:tasks", add.Stream)
	assert.Equal(t, int64(1000), add.MaxLen)
	assert.True(t, add.Approx)
	assert.Equal(t, "grid:results", fake.adds[1].Stream)

	values := add.Values.(map[string]any)
	assert.Equal(t, string(types.EnvelopeTask), values[fieldType])
	env, err := decodeEntry(values)
	require.NoError(t, err)
	got, err := DecodeTask(env)
	require.NoError(t, err)
	assert.Equal(t, task.SubtaskID, got.SubtaskID)
	assert.JSONEq(t, string(task.Data), string(got.Data))

	_, err = DecodeResult(env)
	assert.Error(t, err)

	require.NoError(t, m.Close())
	assert.True(t, fake.closed)
}

func TestRedisMirrorWrapsErrors(t *testing.T) {
	fake := &fakeStreams{addErr: errors.New("READONLY")}
	m := NewRedisMirror(fake, testMirrorConfig(), zap.NewNop())

	err := m.MirrorTask(context.Background(), &types.TaskMessage{TaskID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xadd grid:tasks")
}

func TestConsumerSetupKeepsExistingGroup(t *testing.T) {
	fake := &fakeStreams{groupErr: errors.New("BUSYGROUP Consumer Group name already exists")}
	c := NewConsumer(fake, testMirrorConfig(), "tail-1", zap.NewNop())
	require.NoError(t, c.Setup(context.Background()))
	assert.Equal(t, []string{"grid:tasks/grid-replay", "grid:results/grid-replay"}, fake.groups)

	fake.groupErr = errors.New("WRONGTYPE")
	assert.Error(t, c.Setup(context.Background()))
}

func TestConsumerRunReplaysPendingThenFollows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := &fakeStreams{onEmpty: cancel}
	fake.replies = [][]redis.XStream{
		{{Stream: "grid:tasks", Messages: []redis.XMessage{entry(t, "1-0", types.EnvelopeTask, &types.TaskMessage{SubtaskID: "t1_0"})}}},
		nil,
		nil,
		{{Stream: "grid:results", Messages: []redis.XMessage{
			entry(t, "2-0", types.EnvelopeResult, &types.ResultMessage{SubtaskID: "t1_0", Status: types.ResultStatusCompleted}),
			{ID: "2-1", Values: map[string]interface{}{"junk": "x"}},
		}}},
	}

	var seen []string
	c := NewConsumer(fake, testMirrorConfig(), "tail-1", zap.NewNop())
	err := c.Run(ctx, func(_ context.Context, stream, id string, env *types.Envelope) error {
		seen = append(seen, stream+"/"+id+"/"+string(env.Type))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"grid:tasks/1-0/task", "grid:results/2-0/result"}, seen)
	assert.Equal(t, []string{"grid:tasks/1-0", "grid:results/2-0", "grid:results/2-1"}, fake.acks)

	require.GreaterOrEqual(t, len(fake.reads), 5)
	assert.Equal(t, []string{"grid:tasks", "0"}, fake.reads[0].Streams)
	assert.Equal(t, time.Duration(-1), fake.reads[0].Block)
	assert.Equal(t, []string{"grid:tasks", "1-0"}, fake.reads[1].Streams)
	assert.Equal(t, []string{"grid:results", "0"}, fake.reads[2].Streams)
	assert.Equal(t, []string{"grid:tasks", "grid:results", ">", ">"}, fake.reads[3].Streams)
	assert.Equal(t, 2*time.Second, fake.reads[3].Block)
	assert.Equal(t, "tail-1", fake.reads[3].Consumer)
}

func TestConsumerLeavesFailedEntriesPending(t *testing.T) {
	fake := &fakeStreams{}
	fake.replies = [][]redis.XStream{
		{{Stream: "grid:results", Messages: []redis.XMessage{
			entry(t, "3-0", types.EnvelopeResult, &types.ResultMessage{SubtaskID: "t2_0"}),
		}}},
	}
	c := NewConsumer(fake, testMirrorConfig(), "tail-1", zap.NewNop())

	n, err := c.ReadOnce(context.Background(), func(context.Context, string, string, *types.Envelope) error {
		return errors.New("downstream unavailable")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, fake.acks)

	n, err = c.ReadOnce(context.Background(), func(context.Context, string, string, *types.Envelope) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}
