// Package channel defines the four logical message channels between the
// coordinator and its workers and ships the shared queue implementations.
//
// The coordinator core is written only against the interfaces in this file.
// Delivery semantics differ per channel:
//
//	registration       request/reply, worker calls, coordinator serves
//	task distribution  publish/subscribe, addressed to one node, fire-and-forget
//	results            push/pull
//	heartbeat          request/reply, coordinator calls, worker answers
package channel

import (
	"context"
	"errors"

	"yqhp/grid-engine/pkg/types"
)

var (
	// ErrClosed reports that the underlying substrate is gone. It is the only
	// channel error the coordinator treats as fatal.
	ErrClosed = errors.New("channel: closed")
	// ErrUnreachable reports that the addressed node cannot be reached.
	ErrUnreachable = errors.New("channel: node unreachable")
)

// RegistrationSource yields registration calls for the coordinator to answer.
type RegistrationSource interface {
	Accept(ctx context.Context) (*RegistrationCall, error)
}

// TaskPublisher publishes a subtask addressed to msg.NodeID. A nil error
// means the transport took the message, not that the worker received it.
type TaskPublisher interface {
	Publish(ctx context.Context, msg *types.TaskMessage) error
}

// ResultSource yields worker results in arrival order.
type ResultSource interface {
	Pull(ctx context.Context) (*types.ResultMessage, error)
}

// Prober sends one heartbeat probe and waits for the acknowledgement.
// Callers bound the wait through ctx.
type Prober interface {
	Probe(ctx context.Context, nodeID string, probe *types.HeartbeatProbe) (*types.HeartbeatAck, error)
}

// CoordinatorTransport is the coordinator side of all four channels.
type CoordinatorTransport interface {
	RegistrationSource
	TaskPublisher
	ResultSource
	Prober
	Close() error
}

// Disconnector is implemented by transports that can drop a node's session.
// The coordinator calls it when a node is dead or has left, which ends the
// worker's task stream so it registers again under a new identity.
type Disconnector interface {
	Disconnect(nodeID string)
}

// HeartbeatResponder builds the acknowledgement for a probe.
type HeartbeatResponder func(probe *types.HeartbeatProbe) *types.HeartbeatAck

// WorkerTransport is the worker side of all four channels.
type WorkerTransport interface {
	Register(ctx context.Context, req *types.RegisterRequest) (*types.RegisterReply, error)
	Deregister(ctx context.Context, nodeID string) error
	// Subscribe returns the stream of subtasks addressed to nodeID. The
	// stream is closed when ctx ends or the transport goes away.
	Subscribe(ctx context.Context, nodeID string) (<-chan *types.TaskMessage, error)
	Push(ctx context.Context, msg *types.ResultMessage) error
	// Respond installs the probe handler for nodeID.
	Respond(ctx context.Context, nodeID string, responder HeartbeatResponder) error
}

// Ack is the default responder: it echoes the probe with Ack set.
func Ack(probe *types.HeartbeatProbe) *types.HeartbeatAck {
	return &types.HeartbeatAck{
		NodeID:    probe.NodeID,
		Seq:       probe.Seq,
		Timestamp: probe.Timestamp,
		Ack:       true,
	}
}
