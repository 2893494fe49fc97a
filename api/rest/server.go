// Package rest exposes the coordinator over HTTP and carries the worker
// channels over WebSocket.
package rest

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/internal/coordinator"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

const nodeIDLocal = "node_id"

// Backend is the coordinator surface the server exposes.
type Backend interface {
	Submit(ctx context.Context, req types.SubmitRequest) (string, error)
	Status(taskID string) (*types.TaskView, error)
	Wait(ctx context.Context, taskID string) (*types.TaskView, error)
	Cancel(ctx context.Context, taskID string) error
	Tasks() []*types.TaskView
	Node(nodeID string) (*types.Node, bool)
	Nodes() []*types.Node
	Stats() coordinator.Stats
}

// Server represents the REST API server.
type Server struct {
	app     *fiber.App
	backend Backend
	hub     *WSHub
	config  config.ServerConfig
	logger  *zap.Logger
}

// NewServer creates a server for backend. hub carries the worker channels
// and must be the transport backend was built with. A nil hub serves the
// task and node read API only, for coordinators whose workers run in-process.
func NewServer(backend Backend, hub *WSHub, cfg config.ServerConfig, log *zap.Logger) *Server {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "Grid Engine API",
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:     app,
		backend: backend,
		hub:     hub,
		config:  cfg,
		logger:  logger.OrNamed(log, "api"),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))
	s.app.Use(s.requestLogger())
}

func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)))
		return err
	}
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)

	api.Get("/nodes", s.listNodes)
	api.Get("/nodes/:id", s.getNode)

	api.Post("/tasks", s.submitTask)
	api.Get("/tasks", s.listTasks)
	api.Get("/tasks/:id", s.getTask)
	api.Delete("/tasks/:id", s.cancelTask)

	api.Get("/stats", s.getStats)

	if s.hub == nil {
		return
	}
	api.Post("/nodes/register", s.registerNode)
	api.Delete("/nodes/:id", s.deregisterNode)
	api.Use("/node-ws", s.nodeWSGuard)
	api.Get("/node-ws", fiberws.New(func(c *fiberws.Conn) {
		nodeID, _ := c.Locals(nodeIDLocal).(string)
		s.hub.Serve(nodeID, c)
	}))
}

// nodeWSGuard admits upgrades for registered nodes only.
func (s *Server) nodeWSGuard(c *fiber.Ctx) error {
	if !fiberws.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	nodeID := c.Query("node_id")
	if nodeID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "node_id is required")
	}
	if _, ok := s.backend.Node(nodeID); !ok {
		return fiber.NewError(fiber.StatusNotFound, "node not registered")
	}
	c.Locals(nodeIDLocal, nodeID)
	return c.Next()
}

// App returns the underlying Fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the worker transport.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// StartWithContext serves until ctx is cancelled.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown closes the hub and stops the listener.
func (s *Server) Shutdown() error {
	if s.hub != nil {
		_ = s.hub.Close()
	}
	return s.app.Shutdown()
}

// customErrorHandler handles errors in a consistent way.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   httpStatusText(code),
		Message: message,
	})
}

// httpStatusText returns the text for an HTTP status code.
func httpStatusText(code int) string {
	switch code {
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusConflict:
		return "conflict"
	case fiber.StatusUpgradeRequired:
		return "upgrade_required"
	case fiber.StatusUnprocessableEntity:
		return "unprocessable_entity"
	case fiber.StatusServiceUnavailable:
		return "service_unavailable"
	case fiber.StatusGatewayTimeout:
		return "gateway_timeout"
	default:
		return "internal_error"
	}
}
