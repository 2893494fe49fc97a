package coordinator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/pkg/types"
)

func TestOnNodeFailurePicksLeastLoaded(t *testing.T) {
	h := newHarness(t, nil)
	a, aTasks := h.join(1)
	b, bTasks := h.join(1)
	c, cTasks := h.join(2)
	id := h.submit(matmulPayload(t, 4), types.Requirements{})

	require.Equal(t, id+"_0", h.next(cTasks).SubtaskID)
	require.Equal(t, id+"_1", h.next(aTasks).SubtaskID)
	require.Equal(t, id+"_2", h.next(bTasks).SubtaskID)

	// a carries 1/1, c carries 1/2
	h.coord.Reassigner().OnNodeFailure(h.ctx, b)

	moved := h.next(cTasks)
	assert.Equal(t, id+"_2", moved.SubtaskID)
	assert.Equal(t, c, moved.NodeID)
	h.none(aTasks)

	table := h.coord.State().Assignments
	assert.Empty(t, table.ByNode(b))
	assert.Equal(t, 2, table.Outstanding(c))
	assert.Equal(t, 1, table.Outstanding(a))
	assert.Equal(t, 1, h.subtask(id, id+"_2").Reassignments)
}

func TestRequeueIgnoresStaleRequests(t *testing.T) {
	h := newHarness(t, nil)
	a, aTasks := h.join(1)
	id := h.submit(matmulPayload(t, 1), types.Requirements{})
	h.next(aTasks)

	require.NoError(t, h.coord.Reassigner().Requeue(h.ctx, id, id+"_0", "node-42", "result timeout"))

	st := h.subtask(id, id+"_0")
	assert.Equal(t, a, st.AssignedNodeID)
	assert.Equal(t, types.SubtaskStatusDispatched, st.Status)
	assert.Zero(t, st.Reassignments)
}

func TestRequeueExhaustsBudget(t *testing.T) {
	h := newHarness(t, func(c *config.CoordinatorConfig) { c.MaxReassignments = 1 })
	a, aTasks := h.join(1)
	b, bTasks := h.join(1)
	id := h.submit(matmulPayload(t, 1), types.Requirements{})
	h.next(aTasks)

	r := h.coord.Reassigner()
	require.NoError(t, r.Requeue(h.ctx, id, id+"_0", a, "node failure"))
	h.next(bTasks)

	err := r.Requeue(h.ctx, id, id+"_0", b, "node failure")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubtaskExhausted))

	view, _ := h.coord.Status(id)
	assert.Equal(t, types.TaskStatusFailed, view.Status)
	assert.Equal(t, []string{id + "_0"}, view.FailedSubtasks)
	assert.Equal(t, types.SubtaskStatusFailed, view.Subtasks[0].Status)
	assert.Zero(t, h.coord.State().Assignments.Len())

	select {
	case <-waitDone(h, id):
	case <-time.After(time.Second):
		t.Fatal("Wait did not return for failed task")
	}
}

func waitDone(h *harness, id string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.coord.Wait(h.ctx, id)
	}()
	return done
}

func TestRequeueParksInBacklog(t *testing.T) {
	h := newHarness(t, nil)
	a, aTasks := h.join(1)
	id := h.submit(matmulPayload(t, 1), types.Requirements{})
	h.next(aTasks)

	r := h.coord.Reassigner()
	require.NoError(t, r.Requeue(h.ctx, id, id+"_0", a, "node failure"))

	assert.Equal(t, 1, h.coord.State().BacklogLen())
	st := h.subtask(id, id+"_0")
	assert.Equal(t, types.SubtaskStatusQueued, st.Status)
	assert.Empty(t, st.AssignedNodeID)

	b, bTasks := h.join(1)
	r.RetryBacklog(h.ctx)

	msg := h.next(bTasks)
	assert.Equal(t, b, msg.NodeID)
	assert.Zero(t, h.coord.State().BacklogLen())
	assert.Equal(t, 1, h.subtask(id, id+"_0").Reassignments)
}

func TestBacklogRetriesConsumeBudget(t *testing.T) {
	h := newHarness(t, func(c *config.CoordinatorConfig) { c.MaxReassignments = 2 })
	a, aTasks := h.join(1)
	id := h.submit(matmulPayload(t, 1), types.Requirements{})
	h.next(aTasks)

	r := h.coord.Reassigner()
	require.NoError(t, r.Requeue(h.ctx, id, id+"_0", a, "node failure"))
	r.RetryBacklog(h.ctx)
	assert.Equal(t, 2, h.subtask(id, id+"_0").Reassignments)
	assert.Equal(t, 1, h.coord.State().BacklogLen())

	r.RetryBacklog(h.ctx)
	assert.Zero(t, h.coord.State().BacklogLen())
	view, _ := h.coord.Status(id)
	assert.Equal(t, types.TaskStatusFailed, view.Status)
	assert.Contains(t, view.Error, string(ErrCodeSubtaskExhausted))
}

func TestBacklogOrder(t *testing.T) {
	b := newBacklog()
	b.add(AssignmentKey{TaskID: "low", SubtaskID: "low_0"}, 0, "")
	b.add(AssignmentKey{TaskID: "high", SubtaskID: "high_0"}, 5, "")
	b.add(AssignmentKey{TaskID: "low", SubtaskID: "low_1"}, 0, "")
	b.add(AssignmentKey{TaskID: "low", SubtaskID: "low_0"}, 9, "")

	var got []string
	for _, e := range b.ordered() {
		got = append(got, e.key.SubtaskID)
	}
	assert.Equal(t, []string{"high_0", "low_0", "low_1"}, got)

	b.removeTask("low")
	assert.Equal(t, 1, b.len())
}

func TestSweepTimeoutsRequeuesOverdue(t *testing.T) {
	h := newHarness(t, func(c *config.CoordinatorConfig) { c.SubtaskTimeout = time.Minute })
	a, aTasks := h.join(2)
	b, bTasks := h.join(1)
	id := h.submit(matmulPayload(t, 2), types.Requirements{MaxNodes: 1})
	h.next(aTasks)

	r := h.coord.Reassigner()
	assert.Zero(t, r.SweepTimeouts(h.ctx, time.Minute))

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, r.SweepTimeouts(h.ctx, time.Minute))

	msg := h.next(bTasks)
	assert.Equal(t, id+"_0", msg.SubtaskID)
	st := h.subtask(id, id+"_0")
	assert.Equal(t, b, st.AssignedNodeID)
	assert.Empty(t, h.coord.State().Assignments.ByNode(a))
}
