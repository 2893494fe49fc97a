package channel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

const inboxSize = 64

type inbox struct {
	ch   chan *types.TaskMessage
	done chan struct{}
}

// Memory is an in-process transport implementing both CoordinatorTransport
// and WorkerTransport. Messages are copied through the wire codec.
//
// Partition, Heal and FailPublishes inject faults for tests and local runs.
type Memory struct {
	registrations *RegistrationQueue
	results       *ResultQueue

	mu            sync.RWMutex
	inboxes       map[string]*inbox
	responders    map[string]HeartbeatResponder
	partitioned   map[string]bool
	failPublishes map[string]int
	closed        chan struct{}
	closeOnce     sync.Once

	logger *zap.Logger
}

// NewMemory creates an in-process transport.
func NewMemory(log *zap.Logger) *Memory {
	return &Memory{
		registrations: NewRegistrationQueue(inboxSize),
		results:       NewResultQueue(1024),
		inboxes:       make(map[string]*inbox),
		responders:    make(map[string]HeartbeatResponder),
		partitioned:   make(map[string]bool),
		failPublishes: make(map[string]int),
		closed:        make(chan struct{}),
		logger:        logger.OrNamed(log, "memory-transport"),
	}
}

// Accept implements RegistrationSource.
func (m *Memory) Accept(ctx context.Context) (*RegistrationCall, error) {
	return m.registrations.Accept(ctx)
}

// Publish implements TaskPublisher.
func (m *Memory) Publish(ctx context.Context, msg *types.TaskMessage) error {
	m.mu.Lock()
	if m.isClosed() {
		m.mu.Unlock()
		return ErrClosed
	}
	if n := m.failPublishes[msg.NodeID]; n > 0 {
		m.failPublishes[msg.NodeID] = n - 1
		m.mu.Unlock()
		return fmt.Errorf("publish to %s: injected failure", msg.NodeID)
	}
	if m.partitioned[msg.NodeID] {
		m.mu.Unlock()
		// A partitioned node silently loses the message.
		m.logger.Debug("dropping task for partitioned node",
			zap.String("node_id", msg.NodeID),
			zap.String("subtask_id", msg.SubtaskID))
		return nil
	}
	box, ok := m.inboxes[msg.NodeID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("publish to %s: %w", msg.NodeID, ErrUnreachable)
	}

	cp, err := roundTrip(msg)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", msg.NodeID, err)
	}

	select {
	case box.ch <- cp:
		return nil
	case <-box.done:
		return fmt.Errorf("publish to %s: %w", msg.NodeID, ErrUnreachable)
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pull implements ResultSource.
func (m *Memory) Pull(ctx context.Context) (*types.ResultMessage, error) {
	return m.results.Pull(ctx)
}

// Probe implements Prober. Unreachable nodes fail immediately.
func (m *Memory) Probe(ctx context.Context, nodeID string, probe *types.HeartbeatProbe) (*types.HeartbeatAck, error) {
	m.mu.RLock()
	responder, ok := m.responders[nodeID]
	partitioned := m.partitioned[nodeID]
	closed := m.isClosed()
	m.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if partitioned || !ok {
		return nil, fmt.Errorf("probe %s: %w", nodeID, ErrUnreachable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return responder(probe), nil
}

// Register implements WorkerTransport.
func (m *Memory) Register(ctx context.Context, req *types.RegisterRequest) (*types.RegisterReply, error) {
	req.Action = types.ActionRegister
	return m.registrations.Call(ctx, req)
}

// Deregister implements WorkerTransport.
func (m *Memory) Deregister(ctx context.Context, nodeID string) error {
	reply, err := m.registrations.Call(ctx, &types.RegisterRequest{
		Action: types.ActionDeregister,
		NodeID: nodeID,
	})
	if err != nil {
		return err
	}
	if !reply.Accepted() {
		return fmt.Errorf("deregister %s: %s", nodeID, reply.Error)
	}
	return nil
}

// Subscribe implements WorkerTransport. A second subscription for the same
// node replaces the first.
func (m *Memory) Subscribe(ctx context.Context, nodeID string) (<-chan *types.TaskMessage, error) {
	box := &inbox{ch: make(chan *types.TaskMessage, inboxSize), done: make(chan struct{})}

	m.mu.Lock()
	if m.isClosed() {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if prev, ok := m.inboxes[nodeID]; ok {
		close(prev.done)
	}
	m.inboxes[nodeID] = box
	m.mu.Unlock()

	out := make(chan *types.TaskMessage)
	go func() {
		defer close(out)
		defer m.unsubscribe(nodeID, box)
		for {
			select {
			case msg := <-box.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-box.done:
					return
				}
			case <-ctx.Done():
				return
			case <-box.done:
				return
			case <-m.closed:
				return
			}
		}
	}()
	return out, nil
}

func (m *Memory) unsubscribe(nodeID string, box *inbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.inboxes[nodeID]; ok && cur == box {
		delete(m.inboxes, nodeID)
		close(box.done)
	}
}

// Push implements WorkerTransport.
func (m *Memory) Push(ctx context.Context, msg *types.ResultMessage) error {
	m.mu.RLock()
	partitioned := m.partitioned[msg.NodeID]
	m.mu.RUnlock()
	if partitioned {
		return fmt.Errorf("push from %s: %w", msg.NodeID, ErrUnreachable)
	}
	cp, err := roundTrip(msg)
	if err != nil {
		return fmt.Errorf("push from %s: %w", msg.NodeID, err)
	}
	return m.results.Push(ctx, cp)
}

// Respond implements WorkerTransport.
func (m *Memory) Respond(_ context.Context, nodeID string, responder HeartbeatResponder) error {
	if responder == nil {
		responder = Ack
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}
	m.responders[nodeID] = responder
	return nil
}

// Disconnect implements Disconnector: the node's task stream ends and its
// probe handler is removed.
func (m *Memory) Disconnect(nodeID string) {
	m.mu.Lock()
	box, ok := m.inboxes[nodeID]
	delete(m.inboxes, nodeID)
	delete(m.responders, nodeID)
	m.mu.Unlock()
	if ok {
		close(box.done)
		m.logger.Debug("node disconnected", zap.String("node_id", nodeID))
	}
}

// Partition cuts nodeID off: probes fail, tasks are dropped and results
// are refused until Heal.
func (m *Memory) Partition(nodeID string) {
	m.mu.Lock()
	m.partitioned[nodeID] = true
	m.mu.Unlock()
}

// Heal reverses Partition.
func (m *Memory) Heal(nodeID string) {
	m.mu.Lock()
	delete(m.partitioned, nodeID)
	m.mu.Unlock()
}

// FailPublishes makes the next n publishes addressed to nodeID fail.
func (m *Memory) FailPublishes(nodeID string, n int) {
	m.mu.Lock()
	m.failPublishes[nodeID] = n
	m.mu.Unlock()
}

// Close shuts the transport down. Blocked callers receive ErrClosed.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		close(m.closed)
		m.mu.Unlock()
		m.registrations.Close()
		m.results.Close()
	})
	return nil
}

func (m *Memory) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

var (
	_ CoordinatorTransport = (*Memory)(nil)
	_ WorkerTransport      = (*Memory)(nil)
	_ Disconnector         = (*Memory)(nil)
)
