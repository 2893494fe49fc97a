package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/grid-engine/pkg/types"
)

func TestRegistrationQueueCallReply(t *testing.T) {
	q := NewRegistrationQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		call, err := q.Accept(ctx)
		if err != nil {
			return
		}
		call.Reply(&types.RegisterReply{NodeID: "node-1", Status: types.NodeStatusRegistered})
		// second reply is dropped
		call.Reply(&types.RegisterReply{Error: "late"})
	}()

	reply, err := q.Call(ctx, &types.RegisterRequest{Capabilities: types.Capabilities{Tags: []string{"matmul"}}})
	require.NoError(t, err)
	assert.True(t, reply.Accepted())
	assert.Equal(t, "node-1", reply.NodeID)
}

func TestRegistrationQueueClose(t *testing.T) {
	q := NewRegistrationQueue(0)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Call(context.Background(), &types.RegisterRequest{})
		errCh <- err
	}()

	q.Close()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("caller not released")
	}

	_, err := q.Accept(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistrationCallContext(t *testing.T) {
	q := NewRegistrationQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Call(ctx, &types.RegisterRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResultQueueOrder(t *testing.T) {
	q := NewResultQueue(4)
	ctx := context.Background()

	for _, id := range []string{"t_0", "t_1", "t_2"} {
		require.NoError(t, q.Push(ctx, &types.ResultMessage{SubtaskID: id}))
	}
	assert.Equal(t, 3, q.Len())

	for _, id := range []string{"t_0", "t_1", "t_2"} {
		msg, err := q.Pull(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, msg.SubtaskID)
	}
}

func TestResultQueueClosed(t *testing.T) {
	q := NewResultQueue(1)
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Push(context.Background(), &types.ResultMessage{}), ErrClosed)
	_, err := q.Pull(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResultQueuePushBlocksWhenFull(t *testing.T) {
	q := NewResultQueue(1)
	require.NoError(t, q.Push(context.Background(), &types.ResultMessage{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(ctx, &types.ResultMessage{}), context.DeadlineExceeded)
}

func TestEnvelopeCodec(t *testing.T) {
	msg := &types.TaskMessage{TaskID: "t", SubtaskID: "t_0", NodeID: "n", Type: "matmul", Data: []byte(`{"a":[[1]]}`), Attempt: 2}

	frame, err := EncodeEnvelope(types.EnvelopeTask, msg)
	require.NoError(t, err)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, types.EnvelopeTask, env.Type)

	var got types.TaskMessage
	require.NoError(t, Decode(env.Data, &got))
	assert.Equal(t, msg.SubtaskID, got.SubtaskID)
	assert.Equal(t, 2, got.Attempt)
	assert.JSONEq(t, `{"a":[[1]]}`, string(got.Data))

	_, err = DecodeEnvelope([]byte(`{"data":{}}`))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
}
