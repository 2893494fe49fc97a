package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/internal/workload"
	"yqhp/grid-engine/pkg/types"
)

// testConfig keeps every timer out of the way so tests drive rounds by hand.
func testConfig() config.CoordinatorConfig {
	return config.CoordinatorConfig{
		HeartbeatInterval:    time.Hour,
		ProbeTimeout:         100 * time.Millisecond,
		MissedProbeThreshold: 3,
		SubtaskTimeout:       time.Hour,
		MaxReassignments:     3,
		DispatchRetries:      2,
		DispatchBackoff:      time.Millisecond,
		MinGranularity:       1,
		SweepInterval:        time.Hour,
		RetainFinished:       time.Hour,
	}
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	mem   *channel.Memory
	coord *Coordinator
	execs *workload.ExecutorRegistry
}

func newHarness(t *testing.T, mutate func(*config.CoordinatorConfig)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	mem := channel.NewMemory(zap.NewNop())
	state := NewState(zap.NewNop())
	var seq atomic.Int64
	state.Registry.newID = func() string { return fmt.Sprintf("node-%02d", seq.Add(1)) }
	coord := New(cfg, state, mem, nil, nil, zap.NewNop())
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = coord.Stop(stopCtx)
		cancel()
		_ = mem.Close()
	})
	return &harness{t: t, ctx: ctx, mem: mem, coord: coord, execs: workload.DefaultExecutors()}
}

// join registers an alive matmul node that answers probes and returns its
// task stream. Ids are node-01, node-02... in join order.
func (h *harness) join(weight float64, tags ...string) (string, <-chan *types.TaskMessage) {
	h.t.Helper()
	reg := h.coord.State().Registry
	caps := types.Capabilities{Tags: append([]string{workload.TypeMatMul}, tags...), Weight: weight}
	id, err := reg.Register(h.ctx, caps, "")
	require.NoError(h.t, err)
	require.NoError(h.t, h.mem.Respond(h.ctx, id, channel.Ack))
	tasks, err := h.mem.Subscribe(h.ctx, id)
	require.NoError(h.t, err)
	require.NoError(h.t, reg.Mark(h.ctx, id, types.NodeStatusAlive))
	return id, tasks
}

func (h *harness) next(tasks <-chan *types.TaskMessage) *types.TaskMessage {
	h.t.Helper()
	select {
	case msg := <-tasks:
		return msg
	case <-time.After(2 * time.Second):
		h.t.Fatal("no task delivered")
		return nil
	}
}

func (h *harness) none(tasks <-chan *types.TaskMessage) {
	h.t.Helper()
	select {
	case msg := <-tasks:
		h.t.Fatalf("unexpected task %s", msg.SubtaskID)
	case <-time.After(20 * time.Millisecond):
	}
}

// result executes msg and builds the completed result as msg's node.
func (h *harness) result(msg *types.TaskMessage) *types.ResultMessage {
	h.t.Helper()
	return h.resultFrom(msg, msg.NodeID)
}

func (h *harness) resultFrom(msg *types.TaskMessage, nodeID string) *types.ResultMessage {
	h.t.Helper()
	out, err := h.execs.Execute(h.ctx, msg.Type, msg.Data)
	require.NoError(h.t, err)
	return &types.ResultMessage{
		TaskID:    msg.TaskID,
		SubtaskID: msg.SubtaskID,
		NodeID:    nodeID,
		Status:    types.ResultStatusCompleted,
		Result:    out,
		Timestamp: time.Now(),
	}
}

// serve runs a worker loop for a node. When gate is non-nil the worker
// holds each task until gate is closed.
func (h *harness) serve(tasks <-chan *types.TaskMessage, gate <-chan struct{}) {
	go func() {
		for msg := range tasks {
			if gate != nil {
				select {
				case <-gate:
				case <-h.ctx.Done():
					return
				}
			}
			out, err := h.execs.Execute(h.ctx, msg.Type, msg.Data)
			res := &types.ResultMessage{
				TaskID:    msg.TaskID,
				SubtaskID: msg.SubtaskID,
				NodeID:    msg.NodeID,
				Status:    types.ResultStatusCompleted,
				Result:    out,
				Timestamp: time.Now(),
			}
			if err != nil {
				res.Status = types.ResultStatusError
				res.Error = err.Error()
			}
			if h.mem.Push(h.ctx, res) != nil {
				return
			}
		}
	}()
}

func (h *harness) submit(payload []byte, req types.Requirements) string {
	h.t.Helper()
	id, err := h.coord.Submit(h.ctx, types.SubmitRequest{Type: workload.TypeMatMul, Payload: payload, Requirements: req})
	require.NoError(h.t, err)
	return id
}

func (h *harness) subtask(taskID, subtaskID string) types.SubtaskView {
	h.t.Helper()
	view, err := h.coord.Status(taskID)
	require.NoError(h.t, err)
	for _, st := range view.Subtasks {
		if st.ID == subtaskID {
			return st
		}
	}
	h.t.Fatalf("subtask %s not found", subtaskID)
	return types.SubtaskView{}
}

func decodeProduct(t *testing.T, view *types.TaskView) [][]float64 {
	t.Helper()
	var out workload.MatMulResult
	require.NoError(t, channel.Decode(view.Result, &out))
	return out.C
}

// identityProduct is what matmulPayload(rows) multiplies out to.
func identityProduct(rows int) [][]float64 {
	c := make([][]float64, rows)
	for i := range c {
		c[i] = []float64{float64(i + 1), float64(2 * (i + 1))}
	}
	return c
}
