package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

// Reassigner moves subtasks off failed, wedged or unreachable nodes.
type Reassigner struct {
	state            *State
	dispatcher       *Dispatcher
	maxReassignments int
	logger           *zap.Logger
	now              func() time.Time
}

// NewReassigner creates a controller allowing maxReassignments requeues per
// subtask before it fails for good.
func NewReassigner(state *State, dispatcher *Dispatcher, maxReassignments int, log *zap.Logger) *Reassigner {
	return &Reassigner{
		state:            state,
		dispatcher:       dispatcher,
		maxReassignments: maxReassignments,
		logger:           logger.OrNamed(log, "reassign"),
		now:              time.Now,
	}
}

// OnNodeFailure requeues every subtask the dead node held.
func (r *Reassigner) OnNodeFailure(ctx context.Context, nodeID string) {
	keys := r.state.Assignments.ByNode(nodeID)
	r.logger.Warn("reassigning subtasks of failed node", zap.String("node_id", nodeID), zap.Int("subtasks", len(keys)))
	for _, key := range keys {
		if err := r.Requeue(ctx, key.TaskID, key.SubtaskID, nodeID, "node failure"); err != nil {
			r.logger.Warn("requeue failed",
				zap.String("task_id", key.TaskID),
				zap.String("subtask_id", key.SubtaskID),
				zap.Error(err))
		}
	}
}

// Requeue clears the subtask's assignment to exclude, consumes one unit of
// its budget and sends it to the least loaded capable node other than
// exclude. A request whose subtask has already moved away from exclude is
// stale and ignored. Without a capable node the subtask waits in the backlog.
func (r *Reassigner) Requeue(ctx context.Context, taskID, subtaskID, exclude, reason string) error {
	rec, ok := r.state.Tasks.get(taskID)
	if !ok {
		return newError(ErrCodeTaskNotFound, "task %s not found", taskID).withTask(taskID, subtaskID)
	}

	rec.mu.Lock()
	if rec.closed() {
		rec.mu.Unlock()
		return nil
	}
	st := rec.subtask(subtaskID)
	if st == nil || st.Status == types.SubtaskStatusCompleted || st.Status == types.SubtaskStatusFailed {
		rec.mu.Unlock()
		return nil
	}
	if exclude != "" && st.Status == types.SubtaskStatusDispatched && st.AssignedNodeID != exclude {
		rec.mu.Unlock()
		return nil
	}

	key := AssignmentKey{TaskID: taskID, SubtaskID: subtaskID}
	r.state.Assignments.Clear(key)
	st.Status = types.SubtaskStatusQueued
	st.AssignedNodeID = ""

	log := r.logger.With(zap.String("task_id", taskID), zap.String("subtask_id", subtaskID), zap.String("reason", reason))
	err := r.consumeBudgetLocked(rec, st, reason)
	reassignments := st.Reassignments
	if err != nil {
		rec.mu.Unlock()
		log.Error("subtask exhausted its reassignment budget", zap.Int("reassignments", reassignments))
		return err
	}

	nodeID, found := r.pickNodeLocked(rec, exclude)
	if !found {
		r.state.backlog.add(key, rec.task.Priority, exclude)
		rec.mu.Unlock()
		log.Warn("no capable node, subtask parked in backlog")
		return nil
	}
	msg, err := r.dispatcher.assignLocked(rec, subtaskID, nodeID)
	rec.mu.Unlock()
	if err != nil {
		return err
	}

	log.Info("subtask reassigned",
		zap.String("from", exclude),
		zap.String("to", nodeID),
		zap.Int("reassignments", reassignments))
	return r.dispatcher.publish(ctx, msg)
}

// consumeBudgetLocked counts one reassignment and fails the subtask and its
// task when the budget is gone.
func (r *Reassigner) consumeBudgetLocked(rec *taskRecord, st *types.Subtask, reason string) error {
	st.Reassignments++
	if st.Reassignments <= r.maxReassignments {
		return nil
	}
	cause := newError(ErrCodeSubtaskExhausted, "subtask %s exceeded %d reassignments (last: %s)",
		st.ID, r.maxReassignments, reason).withTask(rec.task.ID, st.ID)
	st.Status = types.SubtaskStatusFailed
	st.Error = cause.Error()
	r.state.failTaskLocked(rec, cause, r.now())
	return cause
}

// pickNodeLocked chooses the alive capable node with the lowest
// outstanding/weight ratio, preferring heavier nodes and then lower ids.
func (r *Reassigner) pickNodeLocked(rec *taskRecord, exclude string) (string, bool) {
	filter := FilterFor(rec.strategy, rec.task.Requirements)
	if exclude != "" {
		filter.Exclude = []string{exclude}
	}
	nodes := r.state.Registry.ListAlive(filter)
	if len(nodes) == 0 {
		return "", false
	}

	best := nodes[0]
	bestLoad := r.load(best)
	for _, n := range nodes[1:] {
		// nodes are already ordered by weight desc then id, so only a
		// strictly lower load displaces the current pick
		if l := r.load(n); l < bestLoad {
			best, bestLoad = n, l
		}
	}
	return best.ID, true
}

func (r *Reassigner) load(n *types.Node) float64 {
	return float64(r.state.Assignments.Outstanding(n.ID)) / n.Capabilities.EffectiveWeight()
}

// RetryBacklog tries to place every parked subtask, highest priority first.
// A retry that still finds no node consumes budget.
func (r *Reassigner) RetryBacklog(ctx context.Context) {
	for _, entry := range r.state.backlog.ordered() {
		if ctx.Err() != nil {
			return
		}
		r.retryOne(ctx, entry)
	}
}

func (r *Reassigner) retryOne(ctx context.Context, entry backlogEntry) {
	key := entry.key
	rec, ok := r.state.Tasks.get(key.TaskID)
	if !ok {
		r.state.backlog.remove(key)
		return
	}

	rec.mu.Lock()
	st := rec.subtask(key.SubtaskID)
	if rec.closed() || st == nil || st.Status != types.SubtaskStatusQueued {
		r.state.backlog.remove(key)
		rec.mu.Unlock()
		return
	}

	nodeID, found := r.pickNodeLocked(rec, entry.exclude)
	if !found {
		err := r.consumeBudgetLocked(rec, st, "no capable node")
		if err != nil {
			r.state.backlog.remove(key)
		}
		rec.mu.Unlock()
		if err != nil {
			r.logger.Error("backlogged subtask exhausted its budget",
				zap.String("task_id", key.TaskID), zap.String("subtask_id", key.SubtaskID))
		}
		return
	}
	msg, err := r.dispatcher.assignLocked(rec, key.SubtaskID, nodeID)
	rec.mu.Unlock()
	if err != nil {
		r.logger.Warn("backlog dispatch refused", zap.String("subtask_id", key.SubtaskID), zap.Error(err))
		return
	}

	r.logger.Info("backlogged subtask placed",
		zap.String("task_id", key.TaskID),
		zap.String("subtask_id", key.SubtaskID),
		zap.String("node_id", nodeID))
	if err := r.dispatcher.publish(ctx, msg); err != nil {
		r.logger.Warn("backlog publish failed", zap.String("subtask_id", key.SubtaskID), zap.Error(err))
	}
}

// SweepTimeouts requeues dispatched subtasks whose result is overdue. This
// catches nodes that answer heartbeats but are wedged on one computation.
func (r *Reassigner) SweepTimeouts(ctx context.Context, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	type overdue struct {
		taskID, subtaskID, nodeID string
	}
	now := r.now()
	var found []overdue
	for _, rec := range r.state.Tasks.list() {
		rec.mu.Lock()
		if !rec.closed() {
			for _, st := range rec.task.Subtasks {
				if st.Status == types.SubtaskStatusDispatched && now.Sub(st.DispatchedAt) > timeout {
					found = append(found, overdue{rec.task.ID, st.ID, st.AssignedNodeID})
				}
			}
		}
		rec.mu.Unlock()
	}

	for _, o := range found {
		if err := r.Requeue(ctx, o.taskID, o.subtaskID, o.nodeID, "result timeout"); err != nil {
			r.logger.Warn("timeout requeue failed", zap.String("subtask_id", o.subtaskID), zap.Error(err))
		}
	}
	return len(found)
}
