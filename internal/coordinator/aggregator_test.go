package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/grid-engine/pkg/types"
)

func TestAggregatorCompletesInIndexOrder(t *testing.T) {
	h := newHarness(t, nil)
	_, aTasks := h.join(1)
	_, bTasks := h.join(1)
	id := h.submit(matmulPayload(t, 4), types.Requirements{})
	first := h.next(aTasks)
	second := h.next(bTasks)

	agg := h.coord.Aggregator()
	// arrival order must not matter
	assert.Equal(t, OutcomeAccepted, agg.OnResult(h.ctx, h.result(second)))
	view, _ := h.coord.Status(id)
	assert.Equal(t, types.TaskStatusInProgress, view.Status)

	assert.Equal(t, OutcomeAccepted, agg.OnResult(h.ctx, h.result(first)))
	view, err := h.coord.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, view.Status)
	require.NotNil(t, view.FinishedAt)
	assert.Equal(t, identityProduct(4), decodeProduct(t, view))
	assert.Zero(t, h.coord.State().Assignments.Len())
	assert.Equal(t, int64(2), agg.Latency().Count)
}

func TestAggregatorFirstResultWins(t *testing.T) {
	h := newHarness(t, nil)
	_, aTasks := h.join(1)
	b, bTasks := h.join(1)
	id := h.submit(matmulPayload(t, 2), types.Requirements{})
	first := h.next(aTasks)
	h.next(bTasks)

	agg := h.coord.Aggregator()
	res := h.result(first)
	require.Equal(t, OutcomeAccepted, agg.OnResult(h.ctx, res))

	// same node redelivers
	assert.Equal(t, OutcomeDuplicate, agg.OnResult(h.ctx, res))

	// another node reports a different value
	zombie := h.resultFrom(first, b)
	zombie.Result = []byte(`{"row_offset":0,"rows":[[42,42]]}`)
	assert.Equal(t, OutcomeDuplicate, agg.OnResult(h.ctx, zombie))

	st := h.subtask(id, id+"_0")
	assert.Equal(t, types.SubtaskStatusCompleted, st.Status)
	assert.Equal(t, first.NodeID, st.AssignedNodeID)

	outcomes := agg.Outcomes()
	assert.Equal(t, int64(1), outcomes[OutcomeAccepted])
	assert.Equal(t, int64(2), outcomes[OutcomeDuplicate])
}

func TestAggregatorAcceptsZombieBeforeOwner(t *testing.T) {
	h := newHarness(t, nil)
	a, aTasks := h.join(1)
	id := h.submit(matmulPayload(t, 1), types.Requirements{})
	stale := h.next(aTasks)

	// the subtask moves to b while a keeps computing
	b, bTasks := h.join(1)
	require.NoError(t, h.coord.Reassigner().Requeue(h.ctx, id, id+"_0", a, "result timeout"))
	fresh := h.next(bTasks)
	require.Equal(t, b, fresh.NodeID)

	agg := h.coord.Aggregator()
	assert.Equal(t, OutcomeZombieAccepted, agg.OnResult(h.ctx, h.result(stale)))
	// the task is already complete
	assert.Equal(t, OutcomeIgnored, agg.OnResult(h.ctx, h.result(fresh)))

	view, _ := h.coord.Status(id)
	assert.Equal(t, types.TaskStatusCompleted, view.Status)
	assert.Equal(t, a, view.Subtasks[0].AssignedNodeID)
	assert.Zero(t, h.coord.State().Assignments.Len())
}

func TestAggregatorErrorReports(t *testing.T) {
	h := newHarness(t, nil)
	a, aTasks := h.join(1)
	b, bTasks := h.join(1)
	id := h.submit(matmulPayload(t, 1), types.Requirements{})
	msg := h.next(aTasks)
	require.Equal(t, a, msg.NodeID)

	agg := h.coord.Aggregator()
	report := &types.ResultMessage{
		TaskID:    id,
		SubtaskID: msg.SubtaskID,
		NodeID:    b,
		Status:    types.ResultStatusError,
		Error:     "out of memory",
		Timestamp: time.Now(),
	}
	assert.Equal(t, OutcomeIgnored, agg.OnResult(h.ctx, report))
	h.none(bTasks)

	report.NodeID = a
	assert.Equal(t, OutcomeFailedReport, agg.OnResult(h.ctx, report))
	moved := h.next(bTasks)
	assert.Equal(t, msg.SubtaskID, moved.SubtaskID)

	st := h.subtask(id, msg.SubtaskID)
	assert.Equal(t, b, st.AssignedNodeID)
	assert.Equal(t, 1, st.Reassignments)
}

func TestAggregatorIgnoresUnknownAndClosed(t *testing.T) {
	h := newHarness(t, nil)
	_, aTasks := h.join(1)
	id := h.submit(matmulPayload(t, 1), types.Requirements{})
	msg := h.next(aTasks)

	agg := h.coord.Aggregator()
	unknown := h.result(msg)
	unknown.TaskID = "nope"
	assert.Equal(t, OutcomeIgnored, agg.OnResult(h.ctx, unknown))

	wrongSubtask := h.result(msg)
	wrongSubtask.SubtaskID = id + "_7"
	assert.Equal(t, OutcomeIgnored, agg.OnResult(h.ctx, wrongSubtask))

	require.NoError(t, h.coord.Cancel(h.ctx, id))
	assert.Equal(t, OutcomeIgnored, agg.OnResult(h.ctx, h.result(msg)))

	view, _ := h.coord.Status(id)
	assert.Equal(t, types.TaskStatusFailed, view.Status)
	assert.True(t, view.Cancelled)
	assert.Empty(t, view.Result)
}

func TestAggregatorReassemblyFailureFailsTask(t *testing.T) {
	h := newHarness(t, nil)
	_, aTasks := h.join(1)
	id := h.submit(matmulPayload(t, 2), types.Requirements{})
	msg := h.next(aTasks)

	res := h.result(msg)
	res.Result = []byte(`{"row_offset":0,"rows":[[1,2]]}`)
	assert.Equal(t, OutcomeAccepted, h.coord.Aggregator().OnResult(h.ctx, res))

	view, _ := h.coord.Status(id)
	assert.Equal(t, types.TaskStatusFailed, view.Status)
	assert.Contains(t, view.Error, string(ErrCodeInvalidPayload))
}
