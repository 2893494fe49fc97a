package coordinator

import (
	"time"

	"go.uber.org/zap"

	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

// State is the process-scoped container every component shares. Tests get
// a fresh one per case.
type State struct {
	Registry    *NodeRegistry
	Assignments *AssignmentTable
	Tasks       *TaskStore

	backlog *backlog
}

// NewState creates an empty state container.
func NewState(log *zap.Logger) *State {
	log = logger.OrNamed(log, "coordinator")
	return &State{
		Registry:    NewNodeRegistry(log.Named("registry")),
		Assignments: NewAssignmentTable(),
		Tasks:       NewTaskStore(),
		backlog:     newBacklog(),
	}
}

// BacklogLen returns the number of subtasks waiting for a capable node.
func (s *State) BacklogLen() int {
	return s.backlog.len()
}

// failTaskLocked moves the task to failed, reports every failed subtask
// and drops the task's assignments. Callers hold rec.mu.
func (s *State) failTaskLocked(rec *taskRecord, cause *Error, at time.Time) {
	task := rec.task
	failed := make([]string, 0)
	for _, st := range task.Subtasks {
		if st.Status == types.SubtaskStatusFailed {
			failed = append(failed, st.ID)
		}
		if st.Status == types.SubtaskStatusDispatched {
			s.Assignments.Clear(AssignmentKey{TaskID: task.ID, SubtaskID: st.ID})
		}
	}
	task.FailedSubtasks = failed
	if cause != nil {
		task.Error = cause.Error()
	}
	s.backlog.removeTask(task.ID)
	rec.finish(types.TaskStatusFailed, at)
}
