package coordinator

import (
	"context"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/workload"
	"yqhp/grid-engine/pkg/types"
)

func TestSplitUnits(t *testing.T) {
	tests := []struct {
		name    string
		units   int
		minGran int
		weights []float64
		want    [][2]int
	}{
		{"equal weights", 4, 1, []float64{1, 1}, [][2]int{{0, 2}, {2, 4}}},
		{"proportional", 10, 1, []float64{3, 1}, [][2]int{{0, 7}, {7, 10}}},
		{"granularity caps count", 5, 2, []float64{1, 1, 1}, [][2]int{{0, 3}, {3, 5}}},
		{"fewer units than granularity", 3, 8, []float64{1, 1}, [][2]int{{0, 3}}},
		{"single node", 7, 1, []float64{5}, [][2]int{{0, 7}}},
		{"more nodes than units", 2, 1, []float64{1, 1, 1, 1}, [][2]int{{0, 1}, {1, 2}}},
		{"ties go to earlier positions", 5, 1, []float64{1, 1, 1}, [][2]int{{0, 2}, {2, 4}, {4, 5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitUnits(tt.units, tt.minGran, tt.weights))
		})
	}
	assert.Nil(t, SplitUnits(0, 1, []float64{1}))
	assert.Nil(t, SplitUnits(3, 1, nil))
}

func matmulPayload(t testing.TB, rows int) []byte {
	a := make([][]float64, rows)
	for i := range a {
		a[i] = []float64{float64(i + 1), float64(2 * (i + 1))}
	}
	data, err := sonic.Marshal(&workload.MatMulPayload{A: a, B: [][]float64{{1, 0}, {0, 1}}})
	require.NoError(t, err)
	return data
}

func TestPartitionScenarioTwoEqualNodes(t *testing.T) {
	r := NewNodeRegistry(zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		id, err := r.Register(ctx, types.Capabilities{Tags: []string{"matmul"}, Weight: 1}, "")
		require.NoError(t, err)
		require.NoError(t, r.Mark(ctx, id, types.NodeStatusAlive))
	}

	task := &types.Task{ID: "task", Type: workload.TypeMatMul, Payload: matmulPayload(t, 4)}
	placements, err := NewPartitioner(r, 1).Partition(task, workload.MatMul{})
	require.NoError(t, err)
	require.Len(t, placements, 2)

	assert.Equal(t, "task_0", placements[0].Subtask.ID)
	assert.Equal(t, 0, placements[0].Subtask.Start)
	assert.Equal(t, 2, placements[0].Subtask.End)
	assert.Equal(t, "task_1", placements[1].Subtask.ID)
	assert.Equal(t, 2, placements[1].Subtask.Start)
	assert.Equal(t, 4, placements[1].Subtask.End)
	assert.NotEqual(t, placements[0].NodeID, placements[1].NodeID)
	for _, p := range placements {
		assert.Equal(t, types.SubtaskStatusQueued, p.Subtask.Status)
		assert.Equal(t, "task", p.Subtask.ParentTaskID)
	}
}

func TestPartitionNoCapableNodes(t *testing.T) {
	r := NewNodeRegistry(zap.NewNop())
	ctx := context.Background()
	id, _ := r.Register(ctx, types.Capabilities{Tags: []string{"matmul"}}, "")
	require.NoError(t, r.Mark(ctx, id, types.NodeStatusAlive))

	task := &types.Task{ID: "t", Type: workload.TypeMatMul, Payload: matmulPayload(t, 4),
		Requirements: types.Requirements{Tags: []string{"gpu"}}}
	_, err := NewPartitioner(r, 1).Partition(task, workload.MatMul{})
	assert.ErrorIs(t, err, ErrNoCapableNodes)

	// registered but never probed nodes are not alive
	r2 := NewNodeRegistry(zap.NewNop())
	_, _ = r2.Register(ctx, types.Capabilities{Tags: []string{"matmul"}}, "")
	_, err = NewPartitioner(r2, 1).Partition(&types.Task{ID: "t", Payload: matmulPayload(t, 4)}, workload.MatMul{})
	assert.ErrorIs(t, err, ErrNoCapableNodes)
}

func TestPartitionHonoursMaxNodes(t *testing.T) {
	r := NewNodeRegistry(zap.NewNop())
	ctx := context.Background()
	for _, w := range []float64{1, 2, 3} {
		id, _ := r.Register(ctx, types.Capabilities{Tags: []string{"matmul"}, Weight: w}, "")
		require.NoError(t, r.Mark(ctx, id, types.NodeStatusAlive))
	}

	task := &types.Task{ID: "t", Payload: matmulPayload(t, 9), Requirements: types.Requirements{MaxNodes: 2}}
	placements, err := NewPartitioner(r, 1).Partition(task, workload.MatMul{})
	require.NoError(t, err)
	require.Len(t, placements, 2)

	heaviest := r.ListAlive(NodeFilter{})[0]
	assert.Equal(t, heaviest.ID, placements[0].NodeID)
	// weights 3 and 2 share 9 rows: 1+4 and 1+3
	assert.Equal(t, 5, placements[0].Subtask.Units())
	assert.Equal(t, 4, placements[1].Subtask.Units())
}

func TestPartitionInvalidPayload(t *testing.T) {
	r := NewNodeRegistry(zap.NewNop())
	ctx := context.Background()
	id, _ := r.Register(ctx, types.Capabilities{Tags: []string{"matmul"}}, "")
	require.NoError(t, r.Mark(ctx, id, types.NodeStatusAlive))

	_, err := NewPartitioner(r, 1).Partition(&types.Task{ID: "t", Payload: []byte(`{"a":[]}`)}, workload.MatMul{})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
