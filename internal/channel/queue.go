package channel

import (
	"context"
	"sync"

	"yqhp/grid-engine/pkg/types"
)

// RegistrationCall is one pending registration exchange.
type RegistrationCall struct {
	Request *types.RegisterRequest

	reply chan *types.RegisterReply
	once  sync.Once
}

// NewRegistrationCall wraps req in a call whose reply can be awaited with Wait.
func NewRegistrationCall(req *types.RegisterRequest) *RegistrationCall {
	return &RegistrationCall{Request: req, reply: make(chan *types.RegisterReply, 1)}
}

// Reply answers the call. Only the first reply is delivered.
func (c *RegistrationCall) Reply(reply *types.RegisterReply) {
	c.once.Do(func() {
		c.reply <- reply
	})
}

// Wait blocks until the call is answered or ctx ends.
func (c *RegistrationCall) Wait(ctx context.Context) (*types.RegisterReply, error) {
	select {
	case r := <-c.reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RegistrationQueue hands registration calls from producers to the coordinator.
type RegistrationQueue struct {
	calls     chan *RegistrationCall
	closed    chan struct{}
	closeOnce sync.Once
}

// NewRegistrationQueue creates a queue buffering up to size pending calls.
func NewRegistrationQueue(size int) *RegistrationQueue {
	return &RegistrationQueue{
		calls:  make(chan *RegistrationCall, size),
		closed: make(chan struct{}),
	}
}

// Call enqueues req and blocks for the coordinator's reply.
func (q *RegistrationQueue) Call(ctx context.Context, req *types.RegisterRequest) (*types.RegisterReply, error) {
	call := NewRegistrationCall(req)
	select {
	case q.calls <- call:
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-call.reply:
		return r, nil
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept returns the next pending call.
func (q *RegistrationQueue) Accept(ctx context.Context) (*RegistrationCall, error) {
	select {
	case call := <-q.calls:
		return call, nil
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases every waiter with ErrClosed.
func (q *RegistrationQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// ResultQueue is a buffered push/pull queue of worker results.
type ResultQueue struct {
	items     chan *types.ResultMessage
	closed    chan struct{}
	closeOnce sync.Once
}

// NewResultQueue creates a queue buffering up to size results.
func NewResultQueue(size int) *ResultQueue {
	return &ResultQueue{
		items:  make(chan *types.ResultMessage, size),
		closed: make(chan struct{}),
	}
}

// Push enqueues msg, blocking while the buffer is full.
func (q *ResultQueue) Push(ctx context.Context, msg *types.ResultMessage) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.items <- msg:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pull dequeues the next result.
func (q *ResultQueue) Pull(ctx context.Context) (*types.ResultMessage, error) {
	select {
	case msg := <-q.items:
		return msg, nil
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered results.
func (q *ResultQueue) Len() int {
	return len(q.items)
}

// Close releases every waiter with ErrClosed.
func (q *ResultQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
