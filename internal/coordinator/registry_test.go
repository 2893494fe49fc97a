package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/grid-engine/pkg/types"
)

func newTestRegistry() *NodeRegistry {
	return NewNodeRegistry(zap.NewNop())
}

func TestRegisterAssignsFreshIDs(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	a, err := r.Register(ctx, types.Capabilities{Tags: []string{"matmul"}}, "10.0.0.1:9000")
	require.NoError(t, err)
	b, err := r.Register(ctx, types.Capabilities{Tags: []string{"matmul"}}, "10.0.0.1:9000")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	node, ok := r.Get(a)
	require.True(t, ok)
	assert.Equal(t, types.NodeStatusRegistered, node.Status)
	assert.Equal(t, "10.0.0.1:9000", node.Address)
}

func TestRegisterNormalizesTags(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Register(context.Background(), types.Capabilities{Tags: []string{"matmul", " gpu ", "matmul", ""}}, "")
	require.NoError(t, err)

	node, _ := r.Get(id)
	assert.Equal(t, []string{"matmul", "gpu"}, node.Capabilities.Tags)
}

func TestRegisterRejectsMalformedProfiles(t *testing.T) {
	r := newTestRegistry()
	tests := []struct {
		name string
		caps types.Capabilities
	}{
		{"no tags", types.Capabilities{}},
		{"blank tags", types.Capabilities{Tags: []string{" ", ""}}},
		{"negative cores", types.Capabilities{Tags: []string{"matmul"}, CPUCores: -1}},
		{"negative memory", types.Capabilities{Tags: []string{"matmul"}, MemoryMB: -5}},
		{"negative weight", types.Capabilities{Tags: []string{"matmul"}, Weight: -0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), tt.caps, "")
			assert.True(t, errors.Is(err, ErrRegistrationRejected), "got %v", err)
		})
	}
	assert.Empty(t, r.List())
}

func TestListAliveOrderingAndFilter(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	ids := map[string]string{}
	for name, caps := range map[string]types.Capabilities{
		"small": {Tags: []string{"matmul"}, Weight: 1},
		"big":   {Tags: []string{"matmul", "gpu"}, Weight: 4, Labels: map[string]string{"os": "linux"}},
		"mid":   {Tags: []string{"matmul"}, CPUCores: 2},
		"idle":  {Tags: []string{"matmul"}, Weight: 8},
	} {
		id, err := r.Register(ctx, caps, "")
		require.NoError(t, err)
		ids[name] = id
	}
	for _, name := range []string{"small", "big", "mid"} {
		require.NoError(t, r.Mark(ctx, ids[name], types.NodeStatusAlive))
	}

	alive := r.ListAlive(NodeFilter{Tags: []string{"matmul"}})
	require.Len(t, alive, 3)
	assert.Equal(t, ids["big"], alive[0].ID)
	assert.Equal(t, ids["mid"], alive[1].ID)
	assert.Equal(t, ids["small"], alive[2].ID)

	gpu := r.ListAlive(NodeFilter{Tags: []string{"gpu"}, Labels: map[string]string{"os": "linux"}})
	require.Len(t, gpu, 1)
	assert.Equal(t, ids["big"], gpu[0].ID)

	assert.Empty(t, r.ListAlive(NodeFilter{Labels: map[string]string{"os": "windows"}}))
	assert.Len(t, r.ListAlive(NodeFilter{Exclude: []string{ids["big"]}}), 2)

	// snapshots are copies
	alive[0].Capabilities.Tags[0] = "mutated"
	node, _ := r.Get(ids["big"])
	assert.Equal(t, "matmul", node.Capabilities.Tags[0])
}

func TestMarkTransitions(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	id, err := r.Register(ctx, types.Capabilities{Tags: []string{"matmul"}}, "")
	require.NoError(t, err)

	assert.ErrorIs(t, r.Mark(ctx, id, types.NodeStatusSuspect), ErrIllegalTransition)
	assert.ErrorIs(t, r.Mark(ctx, id, types.NodeStatusDead), ErrIllegalTransition)
	require.NoError(t, r.Mark(ctx, id, types.NodeStatusAlive))
	require.NoError(t, r.Mark(ctx, id, types.NodeStatusAlive))
	assert.ErrorIs(t, r.Mark(ctx, id, types.NodeStatusDead), ErrIllegalTransition)
	require.NoError(t, r.Mark(ctx, id, types.NodeStatusSuspect))
	require.NoError(t, r.Mark(ctx, id, types.NodeStatusAlive))
	require.NoError(t, r.Mark(ctx, id, types.NodeStatusSuspect))
	require.NoError(t, r.Mark(ctx, id, types.NodeStatusDead))
	assert.ErrorIs(t, r.Mark(ctx, id, types.NodeStatusAlive), ErrIllegalTransition)
	assert.ErrorIs(t, r.Mark(ctx, "missing", types.NodeStatusAlive), ErrNodeNotFound)
}

func TestRecordProbeStateMachine(t *testing.T) {
	r := newTestRegistry()
	id, err := r.Register(context.Background(), types.Capabilities{Tags: []string{"matmul"}}, "")
	require.NoError(t, err)

	res, err := r.RecordProbe(id, true, 3)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusAlive, res.To)

	res, _ = r.RecordProbe(id, false, 3)
	assert.Equal(t, types.NodeStatusSuspect, res.To)
	assert.False(t, res.Died)

	res, _ = r.RecordProbe(id, true, 3)
	assert.Equal(t, types.NodeStatusAlive, res.To)
	assert.Equal(t, 0, res.Misses)

	for i := 0; i < 2; i++ {
		res, _ = r.RecordProbe(id, false, 3)
		assert.False(t, res.Died)
	}
	res, _ = r.RecordProbe(id, false, 3)
	assert.True(t, res.Died)
	assert.Equal(t, types.NodeStatusDead, res.To)

	// dead is sticky; the node stays listed until deregistered
	res, _ = r.RecordProbe(id, true, 3)
	assert.Equal(t, types.NodeStatusDead, res.To)
	assert.False(t, res.Died)
	_, ok := r.Get(id)
	assert.True(t, ok)
}

func TestRecordProbeThresholdOnePassesThroughSuspect(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Watch(ctx)

	id, _ := r.Register(ctx, types.Capabilities{Tags: []string{"matmul"}}, "")
	require.NoError(t, r.Mark(ctx, id, types.NodeStatusAlive))
	res, err := r.RecordProbe(id, false, 1)
	require.NoError(t, err)
	assert.True(t, res.Died)

	var got []types.NodeStatus
	for len(got) < 4 {
		ev := <-events
		got = append(got, ev.To)
	}
	assert.Equal(t, []types.NodeStatus{
		types.NodeStatusRegistered,
		types.NodeStatusAlive,
		types.NodeStatusSuspect,
		types.NodeStatusDead,
	}, got)
}

func TestRegistrationExpiry(t *testing.T) {
	r := newTestRegistry()
	id, _ := r.Register(context.Background(), types.Capabilities{Tags: []string{"matmul"}}, "")

	res, _ := r.RecordProbe(id, false, 2)
	assert.False(t, res.Expired)
	assert.Equal(t, types.NodeStatusRegistered, res.To)

	res, _ = r.RecordProbe(id, false, 2)
	assert.True(t, res.Expired)
	_, ok := r.Get(id)
	assert.False(t, ok)
}

func TestDeregisterAndWatch(t *testing.T) {
	r := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	events := r.Watch(ctx)

	id, _ := r.Register(ctx, types.Capabilities{Tags: []string{"gradient"}}, "")
	require.NoError(t, r.Deregister(ctx, id))
	assert.ErrorIs(t, r.Deregister(ctx, id), ErrNodeNotFound)

	ev := <-events
	assert.Equal(t, types.NodeEventRegistered, ev.Type)
	ev = <-events
	assert.Equal(t, types.NodeEventDeregistered, ev.Type)
	assert.Equal(t, id, ev.NodeID)

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestRegistryCounts(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	a, _ := r.Register(ctx, types.Capabilities{Tags: []string{"matmul"}}, "")
	_, _ = r.Register(ctx, types.Capabilities{Tags: []string{"matmul"}}, "")
	require.NoError(t, r.Mark(ctx, a, types.NodeStatusAlive))

	counts := r.Counts()
	assert.Equal(t, 1, counts[types.NodeStatusAlive])
	assert.Equal(t, 1, counts[types.NodeStatusRegistered])
}
