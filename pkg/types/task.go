package types

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task was accepted and not yet partitioned.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusPartitioned indicates the task was split into subtasks.
	TaskStatusPartitioned TaskStatus = "partitioned"
	// TaskStatusInProgress indicates at least one subtask was dispatched.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates every subtask completed and the result was reassembled.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task cannot complete.
	TaskStatusFailed TaskStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// SubtaskStatus represents the lifecycle state of a subtask.
type SubtaskStatus string

const (
	// SubtaskStatusQueued indicates the subtask waits for a node.
	SubtaskStatusQueued SubtaskStatus = "queued"
	// SubtaskStatusDispatched indicates the subtask has an active assignment.
	SubtaskStatusDispatched SubtaskStatus = "dispatched"
	// SubtaskStatusCompleted indicates a result was accepted.
	SubtaskStatusCompleted SubtaskStatus = "completed"
	// SubtaskStatusFailed indicates the subtask exhausted its retry budget.
	SubtaskStatusFailed SubtaskStatus = "failed"
)

// Requirements narrows the set of nodes a task may run on.
type Requirements struct {
	Tags     []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Labels   map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	MaxNodes int               `json:"max_nodes,omitempty" yaml:"max_nodes,omitempty"`
}

// Task is a unit of work submitted by a client.
type Task struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Requirements   Requirements    `json:"requirements"`
	Submitter      string          `json:"submitter,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Subtasks       []*Subtask      `json:"subtasks"`
	Status         TaskStatus      `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	FailedSubtasks []string        `json:"failed_subtasks,omitempty"`
	Error          string          `json:"error,omitempty"`
	Cancelled      bool            `json:"cancelled,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// Subtask is an independently dispatchable portion of a task.
// Start and End delimit the unit range [Start, End) the subtask covers.
type Subtask struct {
	ID             string          `json:"id"`
	ParentTaskID   string          `json:"parent_task_id"`
	Index          int             `json:"index"`
	Start          int             `json:"start"`
	End            int             `json:"end"`
	AssignedNodeID string          `json:"assigned_node_id,omitempty"`
	Status         SubtaskStatus   `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	Reassignments  int             `json:"reassignments"`
	DispatchedAt   time.Time       `json:"dispatched_at,omitempty"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
}

// Units returns the number of units the subtask covers.
func (s *Subtask) Units() int {
	return s.End - s.Start
}

// SubtaskView is the submitter-facing summary of a subtask.
type SubtaskView struct {
	ID             string        `json:"id"`
	Index          int           `json:"index"`
	Start          int           `json:"start"`
	End            int           `json:"end"`
	Status         SubtaskStatus `json:"status"`
	AssignedNodeID string        `json:"assigned_node_id,omitempty"`
	Reassignments  int           `json:"reassignments"`
	Error          string        `json:"error,omitempty"`
}

// TaskView is a consistent snapshot of a task handed to submitters.
type TaskView struct {
	TaskID         string          `json:"task_id"`
	Type           string          `json:"type"`
	Status         TaskStatus      `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	FailedSubtasks []string        `json:"failed_subtasks,omitempty"`
	Error          string          `json:"error,omitempty"`
	Cancelled      bool            `json:"cancelled,omitempty"`
	Subtasks       []SubtaskView   `json:"subtasks"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// View builds a snapshot of the task. Callers must hold the task's lock.
func (t *Task) View() *TaskView {
	v := &TaskView{
		TaskID:         t.ID,
		Type:           t.Type,
		Status:         t.Status,
		Result:         t.Result,
		FailedSubtasks: append([]string(nil), t.FailedSubtasks...),
		Error:          t.Error,
		Cancelled:      t.Cancelled,
		Subtasks:       make([]SubtaskView, 0, len(t.Subtasks)),
		SubmittedAt:    t.SubmittedAt,
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		v.FinishedAt = &finished
	}
	for _, s := range t.Subtasks {
		v.Subtasks = append(v.Subtasks, SubtaskView{
			ID:             s.ID,
			Index:          s.Index,
			Start:          s.Start,
			End:            s.End,
			Status:         s.Status,
			AssignedNodeID: s.AssignedNodeID,
			Reassignments:  s.Reassignments,
			Error:          s.Error,
		})
	}
	return v
}

// SubmitRequest is what a job submitter sends to the coordinator.
type SubmitRequest struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Requirements Requirements    `json:"requirements"`
	Submitter    string          `json:"submitter,omitempty"`
	Priority     int             `json:"priority,omitempty"`
}
