package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/internal/mirror"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

// DispatchConfig bounds publish retries.
type DispatchConfig struct {
	Retries int
	Backoff time.Duration
}

// FailureHandler takes over a subtask whose publish failed for good.
type FailureHandler func(ctx context.Context, taskID, subtaskID, nodeID string, cause error)

// Dispatcher binds subtasks to nodes and publishes them.
type Dispatcher struct {
	state     *State
	publisher channel.TaskPublisher
	mirror    mirror.Mirror
	cfg       DispatchConfig
	onFailure FailureHandler
	fatal     func(error)
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher publishing through publisher.
func NewDispatcher(state *State, publisher channel.TaskPublisher, mir mirror.Mirror, cfg DispatchConfig, log *zap.Logger) *Dispatcher {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if mir == nil {
		mir = mirror.Nop{}
	}
	return &Dispatcher{
		state:     state,
		publisher: publisher,
		mirror:    mir,
		cfg:       cfg,
		fatal:     func(error) {},
		logger:    logger.OrNamed(log, "dispatcher"),
		now:       time.Now,
	}
}

// OnFailure installs the handler for exhausted publishes.
func (d *Dispatcher) OnFailure(h FailureHandler) {
	d.onFailure = h
}

// Dispatch binds subtaskID to nodeID and publishes it. It refuses cancelled
// or finished tasks.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID, subtaskID, nodeID string) error {
	rec, ok := d.state.Tasks.get(taskID)
	if !ok {
		return newError(ErrCodeTaskNotFound, "task %s not found", taskID).withTask(taskID, subtaskID)
	}

	rec.mu.Lock()
	msg, err := d.assignLocked(rec, subtaskID, nodeID)
	rec.mu.Unlock()
	if err != nil {
		return err
	}
	return d.publish(ctx, msg)
}

// assignLocked overwrites the assignment entry and moves the subtask to
// dispatched. Callers hold rec.mu and publish the returned message after
// releasing it.
func (d *Dispatcher) assignLocked(rec *taskRecord, subtaskID, nodeID string) (*types.TaskMessage, error) {
	task := rec.task
	if task.Cancelled {
		return nil, newError(ErrCodeTaskCancelled, "task %s was cancelled", task.ID).withTask(task.ID, subtaskID)
	}
	if task.Status.IsTerminal() {
		return nil, newError(ErrCodeTaskFinished, "task %s is %s", task.ID, task.Status).withTask(task.ID, subtaskID)
	}
	st := rec.subtask(subtaskID)
	if st == nil {
		return nil, newError(ErrCodeTaskNotFound, "subtask %s not found", subtaskID).withTask(task.ID, subtaskID)
	}
	if st.Status == types.SubtaskStatusCompleted || st.Status == types.SubtaskStatusFailed {
		return nil, newError(ErrCodeTaskFinished, "subtask %s is %s", subtaskID, st.Status).withTask(task.ID, subtaskID)
	}
	node, ok := d.state.Registry.Get(nodeID)
	if !ok || node.Status == types.NodeStatusDead {
		return nil, newError(ErrCodeNodeFailure, "node %s is not available", nodeID).withTask(task.ID, subtaskID).withNode(nodeID)
	}

	data, err := rec.strategy.BuildPayload(task.Payload, st.Start, st.End)
	if err != nil {
		cause := newError(ErrCodeInvalidPayload, "build payload for %s", subtaskID).withTask(task.ID, subtaskID).withCause(err)
		st.Status = types.SubtaskStatusFailed
		st.Error = cause.Error()
		d.state.failTaskLocked(rec, cause, d.now())
		return nil, cause
	}

	key := AssignmentKey{TaskID: task.ID, SubtaskID: st.ID}
	d.state.Assignments.Set(key, nodeID)
	d.state.backlog.remove(key)
	st.AssignedNodeID = nodeID
	st.Status = types.SubtaskStatusDispatched
	st.DispatchedAt = d.now()
	st.Attempts++
	if task.Status == types.TaskStatusPending || task.Status == types.TaskStatusPartitioned {
		task.Status = types.TaskStatusInProgress
	}

	return &types.TaskMessage{
		TaskID:    task.ID,
		SubtaskID: st.ID,
		NodeID:    nodeID,
		Type:      task.Type,
		Data:      data,
		Attempt:   st.Attempts,
	}, nil
}

// publish sends msg with bounded retries and linear backoff. Redelivery is
// safe because the assignment entry was overwritten, not appended.
func (d *Dispatcher) publish(ctx context.Context, msg *types.TaskMessage) error {
	log := d.logger.With(
		zap.String("task_id", msg.TaskID),
		zap.String("subtask_id", msg.SubtaskID),
		zap.String("node_id", msg.NodeID))

	var err error
	for attempt := 1; attempt <= d.cfg.Retries; attempt++ {
		err = d.publisher.Publish(ctx, msg)
		if err == nil {
			log.Debug("subtask dispatched", zap.Int("attempt", msg.Attempt))
			if merr := d.mirror.MirrorTask(ctx, msg); merr != nil {
				log.Warn("mirror task failed", zap.Error(merr))
			}
			return nil
		}
		if errors.Is(err, channel.ErrClosed) {
			lost := newError(ErrCodeSubstrateLost, "task channel closed").withCause(err)
			d.fatal(lost)
			return lost
		}
		log.Warn("publish failed", zap.Int("try", attempt), zap.Error(err))
		if attempt == d.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.Backoff * time.Duration(attempt)):
		}
	}

	failure := newError(ErrCodeDispatchFailure, "publish failed after %d tries", d.cfg.Retries).
		withTask(msg.TaskID, msg.SubtaskID).withNode(msg.NodeID).withCause(err)
	log.Error("dispatch failed", zap.Error(failure))
	if d.onFailure != nil {
		d.onFailure(ctx, msg.TaskID, msg.SubtaskID, msg.NodeID, failure)
	}
	return failure
}
