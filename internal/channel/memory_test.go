package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/grid-engine/pkg/types"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory(zap.NewNop())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMemoryPublishSubscribe(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tasks, err := m.Subscribe(ctx, "node-1")
	require.NoError(t, err)

	msg := &types.TaskMessage{TaskID: "t", SubtaskID: "t_0", NodeID: "node-1", Type: "matmul", Data: []byte(`[1]`)}
	require.NoError(t, m.Publish(ctx, msg))

	select {
	case got := <-tasks:
		assert.Equal(t, "t_0", got.SubtaskID)
		assert.NotSame(t, msg, got)
	case <-ctx.Done():
		t.Fatal("task not delivered")
	}
}

func TestMemoryPublishWithoutSubscriber(t *testing.T) {
	m := newTestMemory(t)
	err := m.Publish(context.Background(), &types.TaskMessage{NodeID: "ghost"})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestMemoryFailPublishes(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := m.Subscribe(ctx, "node-1")
	require.NoError(t, err)

	m.FailPublishes("node-1", 2)
	msg := &types.TaskMessage{NodeID: "node-1"}
	assert.Error(t, m.Publish(ctx, msg))
	assert.Error(t, m.Publish(ctx, msg))
	assert.NoError(t, m.Publish(ctx, msg))
}

func TestMemoryProbeAndPartition(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()
	probe := &types.HeartbeatProbe{NodeID: "node-1", Seq: 7, Timestamp: time.Now()}

	_, err := m.Probe(ctx, "node-1", probe)
	assert.ErrorIs(t, err, ErrUnreachable)

	require.NoError(t, m.Respond(ctx, "node-1", nil))
	ack, err := m.Probe(ctx, "node-1", probe)
	require.NoError(t, err)
	assert.True(t, ack.Ack)
	assert.Equal(t, uint64(7), ack.Seq)

	m.Partition("node-1")
	_, err = m.Probe(ctx, "node-1", probe)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, m.Push(ctx, &types.ResultMessage{NodeID: "node-1"}), ErrUnreachable)

	m.Heal("node-1")
	_, err = m.Probe(ctx, "node-1", probe)
	assert.NoError(t, err)
}

func TestMemoryPartitionDropsTasks(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tasks, err := m.Subscribe(ctx, "node-1")
	require.NoError(t, err)

	m.Partition("node-1")
	require.NoError(t, m.Publish(ctx, &types.TaskMessage{NodeID: "node-1", SubtaskID: "lost"}))

	select {
	case msg := <-tasks:
		t.Fatalf("partitioned node received %s", msg.SubtaskID)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestMemoryRegistrationRoundTrip(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		for {
			call, err := m.Accept(ctx)
			if err != nil {
				return
			}
			if call.Request.Action == types.ActionDeregister {
				call.Reply(&types.RegisterReply{NodeID: call.Request.NodeID})
				continue
			}
			call.Reply(&types.RegisterReply{NodeID: "node-9", Status: types.NodeStatusRegistered})
		}
	}()

	reply, err := m.Register(ctx, &types.RegisterRequest{Capabilities: types.Capabilities{Tags: []string{"matmul"}}})
	require.NoError(t, err)
	assert.Equal(t, "node-9", reply.NodeID)
	assert.NoError(t, m.Deregister(ctx, "node-9"))
}

func TestMemoryResultsAndClose(t *testing.T) {
	m := NewMemory(zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Push(ctx, &types.ResultMessage{NodeID: "n", SubtaskID: "t_0", Status: types.ResultStatusCompleted}))
	got, err := m.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t_0", got.SubtaskID)

	tasks, err := m.Subscribe(ctx, "n")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, err = m.Pull(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Publish(ctx, &types.TaskMessage{NodeID: "n"}), ErrClosed)

	select {
	case _, ok := <-tasks:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestMemoryResubscribeReplaces(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := m.Subscribe(ctx, "n")
	require.NoError(t, err)
	second, err := m.Subscribe(ctx, "n")
	require.NoError(t, err)

	select {
	case _, ok := <-first:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("first subscription not closed")
	}

	require.NoError(t, m.Publish(ctx, &types.TaskMessage{NodeID: "n", SubtaskID: "x"}))
	msg := <-second
	assert.Equal(t, "x", msg.SubtaskID)
}

func TestMemoryDisconnectEndsSession(t *testing.T) {
	m := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tasks, err := m.Subscribe(ctx, "node-1")
	require.NoError(t, err)
	require.NoError(t, m.Respond(ctx, "node-1", Ack))

	m.Disconnect("node-1")

	select {
	case _, ok := <-tasks:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("task stream stayed open")
	}
	_, err = m.Probe(ctx, "node-1", &types.HeartbeatProbe{NodeID: "node-1", Seq: 1})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, m.Publish(ctx, &types.TaskMessage{NodeID: "node-1"}), ErrUnreachable)

	m.Disconnect("node-1")
}
