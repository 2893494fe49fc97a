package client

import (
	"context"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/grid-engine/internal/coordinator"
	"yqhp/grid-engine/pkg/types"
)

// SubmitResult answers SubmitTask.
type SubmitResult struct {
	TaskID string           `json:"task_id"`
	Status types.TaskStatus `json:"status"`
}

// Stats mirrors the coordinator summary served at /api/v1/stats.
type Stats struct {
	coordinator.Stats
	Connections int `json:"connections"`
}

// SubmitTask submits a task. When the coordinator accepts the task but
// cannot place it, the returned APIError carries the task id.
func (c *Client) SubmitTask(ctx context.Context, req *types.SubmitRequest) (*SubmitResult, error) {
	var out SubmitResult
	if _, err := c.do(ctx, fiber.MethodPost, "/api/v1/tasks", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask returns the task snapshot. A positive wait long-polls until the
// task finishes or wait elapses.
func (c *Client) GetTask(ctx context.Context, taskID string, wait time.Duration) (*types.TaskView, error) {
	var query url.Values
	if wait > 0 {
		query = url.Values{"wait": []string{wait.String()}}
		var cancel context.CancelFunc
		ctx, cancel = withMinTimeout(ctx, wait+c.config.RequestTimeout)
		defer cancel()
	}
	var view types.TaskView
	if _, err := c.do(ctx, fiber.MethodGet, "/api/v1/tasks/"+url.PathEscape(taskID), query, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListTasks lists retained tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status types.TaskStatus) ([]*types.TaskView, error) {
	var query url.Values
	if status != "" {
		query = url.Values{"status": []string{string(status)}}
	}
	var out struct {
		Tasks []*types.TaskView `json:"tasks"`
	}
	if _, err := c.do(ctx, fiber.MethodGet, "/api/v1/tasks", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// CancelTask cancels a task and returns its final snapshot.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*types.TaskView, error) {
	var view types.TaskView
	if _, err := c.do(ctx, fiber.MethodDelete, "/api/v1/tasks/"+url.PathEscape(taskID), nil, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListNodes lists registered nodes.
func (c *Client) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var out struct {
		Nodes []*types.Node `json:"nodes"`
	}
	if _, err := c.do(ctx, fiber.MethodGet, "/api/v1/nodes", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// Stats returns the coordinator summary.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if _, err := c.do(ctx, fiber.MethodGet, "/api/v1/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// withMinTimeout extends the request budget for long polls unless ctx
// already carries a deadline.
func withMinTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
