package types

import (
	"encoding/json"
	"time"
)

// RegistrationAction selects what a registration request asks for.
type RegistrationAction string

const (
	// ActionRegister asks for a fresh node identity.
	ActionRegister RegistrationAction = "register"
	// ActionDeregister removes an existing node.
	ActionDeregister RegistrationAction = "deregister"
)

// RegisterRequest travels on the registration channel (request/reply).
type RegisterRequest struct {
	Action       RegistrationAction `json:"action"`
	NodeID       string             `json:"node_id,omitempty"`
	Address      string             `json:"address,omitempty"`
	Capabilities Capabilities       `json:"capabilities"`
}

// RegisterReply answers a RegisterRequest.
type RegisterReply struct {
	NodeID string     `json:"node_id,omitempty"`
	Status NodeStatus `json:"status,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Accepted reports whether the request succeeded.
func (r *RegisterReply) Accepted() bool {
	return r != nil && r.Error == ""
}

// TaskMessage travels on the task-distribution channel, addressed to NodeID.
type TaskMessage struct {
	TaskID    string          `json:"task_id"`
	SubtaskID string          `json:"subtask_id"`
	NodeID    string          `json:"node_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Attempt   int             `json:"attempt"`
}

// ResultStatus is the outcome a worker reports for a subtask.
type ResultStatus string

const (
	// ResultStatusCompleted carries a result payload.
	ResultStatusCompleted ResultStatus = "completed"
	// ResultStatusError carries an error message.
	ResultStatusError ResultStatus = "error"
)

// ResultMessage travels on the results channel (push/pull).
type ResultMessage struct {
	TaskID    string          `json:"task_id"`
	SubtaskID string          `json:"subtask_id"`
	NodeID    string          `json:"node_id"`
	Status    ResultStatus    `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HeartbeatProbe travels on the heartbeat channel from coordinator to worker.
type HeartbeatProbe struct {
	NodeID    string    `json:"node_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatAck answers a HeartbeatProbe.
type HeartbeatAck struct {
	NodeID    string    `json:"node_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Ack       bool      `json:"ack"`
}

// EnvelopeType tags a message on multiplexed transports.
type EnvelopeType string

const (
	EnvelopeTask   EnvelopeType = "task"
	EnvelopeResult EnvelopeType = "result"
	EnvelopeProbe  EnvelopeType = "probe"
	EnvelopeAck    EnvelopeType = "ack"
)

// Envelope is the unified frame for multiplexed transports.
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
