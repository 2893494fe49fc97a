package rest

import (
	"yqhp/grid-engine/internal/coordinator"
	"yqhp/grid-engine/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// SubmitResponse answers a task submission.
type SubmitResponse struct {
	TaskID string           `json:"task_id"`
	Status types.TaskStatus `json:"status"`
}

// TaskListResponse lists retained tasks.
type TaskListResponse struct {
	Tasks []*types.TaskView `json:"tasks"`
	Total int               `json:"total"`
}

// NodeListResponse lists registered nodes.
type NodeListResponse struct {
	Nodes []*types.Node `json:"nodes"`
	Total int           `json:"total"`
}

// StatsResponse wraps the coordinator summary with the live connection count.
type StatsResponse struct {
	coordinator.Stats
	Connections int `json:"connections"`
}
