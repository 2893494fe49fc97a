package rest

import (
	"context"
	"fmt"
	"sync"
	"time"

	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

const sendBufferSize = 256

// wsConn is the part of a WebSocket connection the hub uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// nodeConn wraps a single WebSocket connection from a worker node.
type nodeConn struct {
	nodeID string
	conn   wsConn
	send   chan []byte
	hub    *WSHub
	done   chan struct{}
	once   sync.Once
}

type probeKey struct {
	nodeID string
	seq    uint64
}

// WSHub is the coordinator transport for remote workers. Registration calls
// arrive over HTTP and are queued for the coordinator; tasks, results,
// probes and acks travel as envelopes on one WebSocket per node.
type WSHub struct {
	registrations *channel.RegistrationQueue
	results       *channel.ResultQueue

	mu      sync.RWMutex
	conns   map[string]*nodeConn
	waiters map[probeKey]chan *types.HeartbeatAck

	closed    chan struct{}
	closeOnce sync.Once

	logger *zap.Logger
}

var (
	_ channel.CoordinatorTransport = (*WSHub)(nil)
	_ channel.Disconnector         = (*WSHub)(nil)
)

// NewWSHub creates a hub.
func NewWSHub(log *zap.Logger) *WSHub {
	return &WSHub{
		registrations: channel.NewRegistrationQueue(64),
		results:       channel.NewResultQueue(1024),
		conns:         make(map[string]*nodeConn),
		waiters:       make(map[probeKey]chan *types.HeartbeatAck),
		closed:        make(chan struct{}),
		logger:        logger.OrNamed(log, "ws-hub"),
	}
}

// Call hands a registration request to the coordinator and waits for the reply.
func (h *WSHub) Call(ctx context.Context, req *types.RegisterRequest) (*types.RegisterReply, error) {
	return h.registrations.Call(ctx, req)
}

// Accept implements channel.RegistrationSource.
func (h *WSHub) Accept(ctx context.Context) (*channel.RegistrationCall, error) {
	return h.registrations.Accept(ctx)
}

// Pull implements channel.ResultSource.
func (h *WSHub) Pull(ctx context.Context) (*types.ResultMessage, error) {
	return h.results.Pull(ctx)
}

// Publish implements channel.TaskPublisher. The message is queued on the
// node's connection; nodes without one are unreachable.
func (h *WSHub) Publish(_ context.Context, msg *types.TaskMessage) error {
	if h.isClosed() {
		return channel.ErrClosed
	}
	data, err := channel.EncodeEnvelope(types.EnvelopeTask, msg)
	if err != nil {
		return err
	}
	return h.sendTo(msg.NodeID, data)
}

// Probe implements channel.Prober.
func (h *WSHub) Probe(ctx context.Context, nodeID string, probe *types.HeartbeatProbe) (*types.HeartbeatAck, error) {
	if h.isClosed() {
		return nil, channel.ErrClosed
	}
	data, err := channel.EncodeEnvelope(types.EnvelopeProbe, probe)
	if err != nil {
		return nil, err
	}

	key := probeKey{nodeID: nodeID, seq: probe.Seq}
	waiter := make(chan *types.HeartbeatAck, 1)
	h.mu.Lock()
	h.waiters[key] = waiter
	conn := h.conns[nodeID]
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.waiters, key)
		h.mu.Unlock()
	}()

	if conn == nil {
		return nil, fmt.Errorf("probe %s: %w", nodeID, channel.ErrUnreachable)
	}
	if err := conn.enqueue(data); err != nil {
		return nil, err
	}

	select {
	case ack := <-waiter:
		return ack, nil
	case <-conn.done:
		return nil, fmt.Errorf("probe %s: %w", nodeID, channel.ErrUnreachable)
	case <-h.closed:
		return nil, channel.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects every node and releases all waiters with channel.ErrClosed.
func (h *WSHub) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		h.registrations.Close()
		h.results.Close()

		h.mu.Lock()
		conns := make([]*nodeConn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.mu.Unlock()
		for _, c := range conns {
			c.close()
		}
	})
	return nil
}

// Disconnect implements channel.Disconnector by closing the node's socket.
func (h *WSHub) Disconnect(nodeID string) {
	h.mu.Lock()
	conn, ok := h.conns[nodeID]
	delete(h.conns, nodeID)
	h.mu.Unlock()
	if ok {
		conn.close()
		h.logger.Info("node dropped", zap.String("node_id", nodeID))
	}
}

// Connected reports whether nodeID holds a live connection.
func (h *WSHub) Connected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[nodeID]
	return ok
}

// Connections returns the number of live node connections.
func (h *WSHub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *WSHub) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *WSHub) sendTo(nodeID string, data []byte) error {
	h.mu.RLock()
	conn, ok := h.conns[nodeID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("publish to %s: %w", nodeID, channel.ErrUnreachable)
	}
	return conn.enqueue(data)
}

func (h *WSHub) register(conn *nodeConn) {
	h.mu.Lock()
	old, ok := h.conns[conn.nodeID]
	h.conns[conn.nodeID] = conn
	h.mu.Unlock()
	if ok {
		old.close()
	}
}

func (h *WSHub) unregister(conn *nodeConn) {
	h.mu.Lock()
	if h.conns[conn.nodeID] == conn {
		delete(h.conns, conn.nodeID)
	}
	h.mu.Unlock()
}

// Serve runs one node connection until it closes.
func (h *WSHub) Serve(nodeID string, c wsConn) {
	if h.isClosed() {
		_ = c.Close()
		return
	}
	conn := &nodeConn{
		nodeID: nodeID,
		conn:   c,
		send:   make(chan []byte, sendBufferSize),
		hub:    h,
		done:   make(chan struct{}),
	}

	h.register(conn)
	defer func() {
		h.unregister(conn)
		conn.close()
	}()
	h.logger.Info("node connected", zap.String("node_id", nodeID))

	go conn.writePump()
	conn.readPump()

	h.logger.Info("node disconnected", zap.String("node_id", nodeID))
}

func (h *WSHub) deliverAck(nodeID string, ack *types.HeartbeatAck) {
	h.mu.RLock()
	waiter, ok := h.waiters[probeKey{nodeID: nodeID, seq: ack.Seq}]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case waiter <- ack:
	default:
	}
}

func (c *nodeConn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("send to %s: %w", c.nodeID, channel.ErrUnreachable)
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for node %s", c.nodeID)
	}
}

func (c *nodeConn) readPump() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := channel.DecodeEnvelope(raw)
		if err != nil {
			c.hub.logger.Warn("invalid frame", zap.String("node_id", c.nodeID), zap.Error(err))
			continue
		}
		c.handle(env)
	}
}

func (c *nodeConn) handle(env *types.Envelope) {
	switch env.Type {
	case types.EnvelopeResult:
		var msg types.ResultMessage
		if err := channel.Decode(env.Data, &msg); err != nil {
			c.hub.logger.Warn("invalid result", zap.String("node_id", c.nodeID), zap.Error(err))
			return
		}
		if msg.NodeID != "" && msg.NodeID != c.nodeID {
			c.hub.logger.Warn("result claims another node",
				zap.String("node_id", c.nodeID),
				zap.String("claimed", msg.NodeID),
				zap.String("subtask_id", msg.SubtaskID))
		}
		msg.NodeID = c.nodeID
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		if err := c.hub.results.Push(context.Background(), &msg); err != nil {
			c.hub.logger.Warn("drop result", zap.String("subtask_id", msg.SubtaskID), zap.Error(err))
		}

	case types.EnvelopeAck:
		var ack types.HeartbeatAck
		if err := channel.Decode(env.Data, &ack); err != nil {
			return
		}
		if ack.NodeID == "" {
			ack.NodeID = c.nodeID
		}
		c.hub.deliverAck(c.nodeID, &ack)

	default:
		c.hub.logger.Debug("unexpected frame", zap.String("node_id", c.nodeID), zap.String("type", string(env.Type)))
	}
}

func (c *nodeConn) writePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(fiberws.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *nodeConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
