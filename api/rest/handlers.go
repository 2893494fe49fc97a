package rest

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/internal/coordinator"
	"yqhp/grid-engine/pkg/types"
)

// maxWait caps the long-poll on GET /tasks/:id.
const maxWait = 5 * time.Minute

func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// registerNode relays a registration to the coordinator. A rejected request
// still carries the reply so workers can read the reason.
func (s *Server) registerNode(c *fiber.Ctx) error {
	var req types.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	req.Action = types.ActionRegister

	reply, err := s.call(c.UserContext(), &req)
	if err != nil {
		return err
	}
	if !reply.Accepted() {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(reply)
	}
	return c.Status(fiber.StatusCreated).JSON(reply)
}

func (s *Server) deregisterNode(c *fiber.Ctx) error {
	nodeID := c.Params("id")
	reply, err := s.call(c.UserContext(), &types.RegisterRequest{
		Action: types.ActionDeregister,
		NodeID: nodeID,
	})
	if err != nil {
		return err
	}
	if !reply.Accepted() {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   string(coordinator.ErrCodeNodeNotFound),
			Message: reply.Error,
		})
	}
	return c.JSON(reply)
}

func (s *Server) call(ctx context.Context, req *types.RegisterRequest) (*types.RegisterReply, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	reply, err := s.hub.Call(ctx, req)
	switch {
	case err == nil:
		return reply, nil
	case errors.Is(err, channel.ErrClosed):
		return nil, fiber.NewError(fiber.StatusServiceUnavailable, "coordinator is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fiber.NewError(fiber.StatusGatewayTimeout, "registration timed out")
	default:
		return nil, err
	}
}

func (s *Server) listNodes(c *fiber.Ctx) error {
	nodes := s.backend.Nodes()
	return c.JSON(NodeListResponse{Nodes: nodes, Total: len(nodes)})
}

func (s *Server) getNode(c *fiber.Ctx) error {
	node, ok := s.backend.Node(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "node not found")
	}
	return c.JSON(node)
}

func (s *Server) submitTask(c *fiber.Ctx) error {
	var req types.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if req.Type == "" {
		return fiber.NewError(fiber.StatusBadRequest, "type is required")
	}

	taskID, err := s.backend.Submit(c.UserContext(), req)
	if err != nil {
		return s.coordinatorError(c, err, taskID)
	}

	resp := SubmitResponse{TaskID: taskID, Status: types.TaskStatusInProgress}
	if view, err := s.backend.Status(taskID); err == nil {
		resp.Status = view.Status
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (s *Server) listTasks(c *fiber.Ctx) error {
	tasks := s.backend.Tasks()
	if status := c.Query("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	return c.JSON(TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

// getTask returns the task snapshot. With ?wait=<duration> it blocks until
// the task finishes or the wait elapses, then returns the current snapshot.
func (s *Server) getTask(c *fiber.Ctx) error {
	taskID := c.Params("id")

	if raw := c.Query("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid wait duration")
		}
		if wait > maxWait {
			wait = maxWait
		}
		ctx, cancel := context.WithTimeout(c.UserContext(), wait)
		view, err := s.backend.Wait(ctx, taskID)
		cancel()
		if err == nil {
			return c.JSON(view)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return s.coordinatorError(c, err, taskID)
		}
	}

	view, err := s.backend.Status(taskID)
	if err != nil {
		return s.coordinatorError(c, err, taskID)
	}
	return c.JSON(view)
}

func (s *Server) cancelTask(c *fiber.Ctx) error {
	taskID := c.Params("id")
	if err := s.backend.Cancel(c.UserContext(), taskID); err != nil {
		return s.coordinatorError(c, err, taskID)
	}
	view, err := s.backend.Status(taskID)
	if err != nil {
		return s.coordinatorError(c, err, taskID)
	}
	return c.JSON(view)
}

func (s *Server) getStats(c *fiber.Ctx) error {
	out := StatsResponse{Stats: s.backend.Stats()}
	if s.hub != nil {
		out.Connections = s.hub.Connections()
	}
	return c.JSON(out)
}

// coordinatorError renders a coordinator error with the status its code maps to.
func (s *Server) coordinatorError(c *fiber.Ctx, err error, taskID string) error {
	code := coordinator.CodeOf(err)
	if code == "" {
		return err
	}
	status := statusForCode(code)
	if status >= fiber.StatusInternalServerError {
		s.logger.Sugar().Errorw("request failed", "path", c.Path(), "err", err)
	}
	return c.Status(status).JSON(ErrorResponse{
		Error:   string(code),
		Message: err.Error(),
		TaskID:  taskID,
	})
}

func statusForCode(code coordinator.ErrorCode) int {
	switch code {
	case coordinator.ErrCodeUnknownTaskType, coordinator.ErrCodeInvalidPayload:
		return fiber.StatusBadRequest
	case coordinator.ErrCodeNoCapableNodes, coordinator.ErrCodeRegistrationRejected:
		return fiber.StatusUnprocessableEntity
	case coordinator.ErrCodeTaskNotFound, coordinator.ErrCodeNodeNotFound:
		return fiber.StatusNotFound
	case coordinator.ErrCodeTaskFinished, coordinator.ErrCodeTaskCancelled:
		return fiber.StatusConflict
	case coordinator.ErrCodeSubstrateLost:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
