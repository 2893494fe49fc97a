package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/pkg/types"
)

const taskBufferSize = 64

// session is the WebSocket connection of one node. Tasks read off the
// socket wait in pending until the deliver goroutine hands them to the
// worker, so a busy worker never stops the read loop from answering probes.
type session struct {
	nodeID string
	ws     *websocket.Conn
	tasks  chan *types.TaskMessage

	pendingMu sync.Mutex
	pending   []*types.TaskMessage
	wake      chan struct{}

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// offer queues a task without blocking.
func (s *session) offer(msg *types.TaskMessage) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, msg)
	s.pendingMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver forwards queued tasks in arrival order and closes the stream
// once the session ends.
func (s *session) deliver() {
	defer close(s.tasks)
	for {
		s.pendingMu.Lock()
		batch := s.pending
		s.pending = nil
		s.pendingMu.Unlock()

		for _, msg := range batch {
			select {
			case s.tasks <- msg:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

func (s *session) write(data []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(timeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

// Register implements channel.WorkerTransport. A rejected request returns
// the reply with its Error set and a nil error.
func (c *Client) Register(ctx context.Context, req *types.RegisterRequest) (*types.RegisterReply, error) {
	req.Action = types.ActionRegister
	var reply types.RegisterReply
	if _, err := c.do(ctx, fiber.MethodPost, "/api/v1/nodes/register", nil, req, &reply,
		fiber.StatusUnprocessableEntity); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &reply, nil
}

// Deregister implements channel.WorkerTransport and drops the node's session.
func (c *Client) Deregister(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	s := c.sessions[nodeID]
	delete(c.sessions, nodeID)
	delete(c.responders, nodeID)
	c.mu.Unlock()
	if s != nil {
		s.close()
	}

	if _, err := c.do(ctx, fiber.MethodDelete, "/api/v1/nodes/"+url.PathEscape(nodeID), nil, nil, nil); err != nil {
		return fmt.Errorf("deregister %s: %w", nodeID, err)
	}
	return nil
}

// Respond implements channel.WorkerTransport. Probes arriving on the node's
// session are answered with responder.
func (c *Client) Respond(_ context.Context, nodeID string, responder channel.HeartbeatResponder) error {
	c.mu.Lock()
	c.responders[nodeID] = responder
	c.mu.Unlock()
	return nil
}

func (c *Client) responder(nodeID string) channel.HeartbeatResponder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responders[nodeID]
}

// Subscribe implements channel.WorkerTransport by opening the node's
// WebSocket. The stream closes when ctx ends or the connection drops.
func (c *Client) Subscribe(ctx context.Context, nodeID string) (<-chan *types.TaskMessage, error) {
	wsURL := toWebSocketURL(c.config.CoordinatorURL) + "/api/v1/node-ws?node_id=" + url.QueryEscape(nodeID)
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.RequestTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == fiber.StatusNotFound {
			return nil, fmt.Errorf("subscribe %s: %w", nodeID, channel.ErrUnreachable)
		}
		return nil, fmt.Errorf("subscribe %s: websocket dial failed: %w", nodeID, err)
	}

	s := &session{
		nodeID: nodeID,
		ws:     ws,
		tasks:  make(chan *types.TaskMessage, taskBufferSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	old := c.sessions[nodeID]
	c.sessions[nodeID] = s
	c.mu.Unlock()
	if old != nil {
		old.close()
	}

	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-s.done:
		}
	}()
	go s.deliver()
	go c.readPump(s)

	c.logger.Info("subscribed", zap.String("node_id", nodeID))
	return s.tasks, nil
}

func (c *Client) readPump(s *session) {
	defer func() {
		s.close()
		c.mu.Lock()
		if c.sessions[s.nodeID] == s {
			delete(c.sessions, s.nodeID)
		}
		c.mu.Unlock()
	}()

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				c.logger.Warn("websocket closed", zap.String("node_id", s.nodeID), zap.Error(err))
			}
			return
		}
		env, err := channel.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Warn("invalid frame", zap.Error(err))
			continue
		}

		switch env.Type {
		case types.EnvelopeTask:
			var msg types.TaskMessage
			if err := channel.Decode(env.Data, &msg); err != nil {
				c.logger.Warn("invalid task", zap.Error(err))
				continue
			}
			s.offer(&msg)

		case types.EnvelopeProbe:
			var probe types.HeartbeatProbe
			if err := channel.Decode(env.Data, &probe); err != nil {
				continue
			}
			respond := c.responder(s.nodeID)
			if respond == nil {
				continue
			}
			data, err := channel.EncodeEnvelope(types.EnvelopeAck, respond(&probe))
			if err != nil {
				continue
			}
			if err := s.write(data, c.config.WriteTimeout); err != nil {
				c.logger.Warn("send ack failed", zap.String("node_id", s.nodeID), zap.Error(err))
			}
		}
	}
}

// Push implements channel.WorkerTransport over the sending node's session.
func (c *Client) Push(ctx context.Context, msg *types.ResultMessage) error {
	c.mu.Lock()
	s := c.sessions[msg.NodeID]
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("push from %s: %w", msg.NodeID, channel.ErrUnreachable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := channel.EncodeEnvelope(types.EnvelopeResult, msg)
	if err != nil {
		return err
	}
	if err := s.write(data, c.config.WriteTimeout); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return fmt.Errorf("push from %s: %w", msg.NodeID, channel.ErrUnreachable)
		}
		return fmt.Errorf("push from %s: %w", msg.NodeID, err)
	}
	return nil
}

// toWebSocketURL converts an HTTP(s) URL or bare host:port to a ws:// URL.
func toWebSocketURL(raw string) string {
	if strings.HasPrefix(raw, "https://") {
		return "wss://" + strings.TrimPrefix(raw, "https://")
	}
	if strings.HasPrefix(raw, "http://") {
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return "ws://" + raw
}
