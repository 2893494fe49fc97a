// Package client talks to a grid-engine coordinator over HTTP and WebSocket.
// Client implements the worker side of the four channels and the submitter
// calls used by the CLI.
package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/pkg/logger"
)

// Config holds the configuration for the client.
type Config struct {
	// CoordinatorURL is the base URL of the coordinator (e.g., "http://localhost:8080").
	CoordinatorURL string

	// RequestTimeout bounds every HTTP request and the WebSocket handshake.
	RequestTimeout time.Duration

	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		CoordinatorURL: "http://localhost:8080",
		RequestTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// APIError is a non-2xx answer from the coordinator.
type APIError struct {
	Status  int
	Code    string
	Message string
	TaskID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d %s: %s", e.Status, e.Code, e.Message)
}

// IsRetryable reports whether the request may succeed if repeated.
func (e *APIError) IsRetryable() bool {
	return IsRetryableStatus(e.Status)
}

// Client is a coordinator client.
type Client struct {
	config *Config
	agent  *fiber.Client

	mu         sync.Mutex
	sessions   map[string]*session
	responders map[string]channel.HeartbeatResponder

	logger *zap.Logger
}

var _ channel.WorkerTransport = (*Client)(nil)

// New creates a client. A nil config uses DefaultConfig.
func New(config *Config, log *zap.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	config.CoordinatorURL = strings.TrimRight(config.CoordinatorURL, "/")

	return &Client{
		config:     config,
		agent:      fiber.AcquireClient(),
		sessions:   make(map[string]*session),
		responders: make(map[string]channel.HeartbeatResponder),
		logger:     logger.OrNamed(log, "client"),
	}
}

// Close drops every open session.
func (c *Client) Close() error {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	return nil
}

func (c *Client) url(path string, query url.Values) string {
	u := c.config.CoordinatorURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends one request and decodes a 2xx body into out. Statuses listed in
// also are decoded into out as well instead of becoming an APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, also ...int) (int, error) {
	var agent *fiber.Agent
	u := c.url(path, query)
	switch method {
	case fiber.MethodPost:
		agent = c.agent.Post(u)
	case fiber.MethodDelete:
		agent = c.agent.Delete(u)
	default:
		agent = c.agent.Get(u)
	}

	timeout := c.config.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}
	agent.Timeout(timeout)

	if in != nil {
		body, err := sonic.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		agent.Body(body)
		agent.Set("Content-Type", "application/json")
	}

	statusCode, respBody, errs := agent.Bytes()
	if len(errs) > 0 {
		return 0, fmt.Errorf("%s %s: %w", method, path, errs[0])
	}

	ok := statusCode >= 200 && statusCode < 300
	for _, s := range also {
		ok = ok || statusCode == s
	}
	if !ok {
		apiErr := &APIError{Status: statusCode}
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
			TaskID  string `json:"task_id"`
		}
		if err := sonic.Unmarshal(respBody, &errResp); err == nil {
			apiErr.Code = errResp.Error
			apiErr.Message = errResp.Message
			apiErr.TaskID = errResp.TaskID
		}
		return statusCode, apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := sonic.Unmarshal(respBody, out); err != nil {
			return statusCode, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return statusCode, nil
}

// IsRetryableStatus reports whether an HTTP status indicates a transient failure.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case fiber.StatusServiceUnavailable,
		fiber.StatusGatewayTimeout,
		fiber.StatusBadGateway,
		fiber.StatusTooManyRequests,
		fiber.StatusRequestTimeout:
		return true
	default:
		return false
	}
}
