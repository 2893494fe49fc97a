package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/internal/mirror"
	"yqhp/grid-engine/internal/workload"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

// Stats is a point-in-time summary of the coordinator.
type Stats struct {
	Nodes       map[types.NodeStatus]int `json:"nodes"`
	Tasks       map[types.TaskStatus]int `json:"tasks"`
	Assignments int                      `json:"assignments"`
	Backlog     int                      `json:"backlog"`
	Outcomes    map[Outcome]int64        `json:"outcomes"`
	Latency     LatencyStats             `json:"latency"`
}

// Coordinator wires the registry, heartbeat monitor, partitioner,
// dispatcher, aggregator and reassignment controller to a transport.
type Coordinator struct {
	cfg        config.CoordinatorConfig
	state      *State
	transport  channel.CoordinatorTransport
	strategies *workload.StrategyRegistry
	mirror     mirror.Mirror

	monitor     *HeartbeatMonitor
	partitioner *Partitioner
	dispatcher  *Dispatcher
	aggregator  *Aggregator
	reassigner  *Reassigner

	errCh   chan error
	errOnce sync.Once

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	logger *zap.Logger
	now    func() time.Time
}

// New creates a coordinator. A nil mirror disables mirroring and a nil
// strategy registry installs the shipped strategies.
func New(
	cfg config.CoordinatorConfig,
	state *State,
	transport channel.CoordinatorTransport,
	strategies *workload.StrategyRegistry,
	mir mirror.Mirror,
	log *zap.Logger,
) *Coordinator {
	log = logger.OrNamed(log, "coordinator")
	if state == nil {
		state = NewState(log)
	}
	if strategies == nil {
		strategies = workload.DefaultStrategies()
	}
	if mir == nil {
		mir = mirror.Nop{}
	}

	c := &Coordinator{
		cfg:        cfg,
		state:      state,
		transport:  transport,
		strategies: strategies,
		mirror:     mir,
		errCh:      make(chan error, 1),
		logger:     log,
		now:        time.Now,
	}

	c.monitor = NewHeartbeatMonitor(state.Registry, transport, HeartbeatConfig{
		Interval:  cfg.HeartbeatInterval,
		Timeout:   cfg.ProbeTimeout,
		Threshold: cfg.MissedProbeThreshold,
	}, log.Named("heartbeat"))
	c.partitioner = NewPartitioner(state.Registry, cfg.MinGranularity)
	c.dispatcher = NewDispatcher(state, transport, mir, DispatchConfig{
		Retries: cfg.DispatchRetries,
		Backoff: cfg.DispatchBackoff,
	}, log.Named("dispatcher"))
	c.reassigner = NewReassigner(state, c.dispatcher, cfg.MaxReassignments, log.Named("reassign"))
	c.aggregator = NewAggregator(state, c.reassigner.Requeue, log.Named("aggregator"))

	c.dispatcher.fatal = c.fail
	c.dispatcher.OnFailure(func(ctx context.Context, taskID, subtaskID, nodeID string, cause error) {
		if err := c.reassigner.Requeue(ctx, taskID, subtaskID, nodeID, cause.Error()); err != nil {
			c.logger.Warn("requeue after dispatch failure failed", zap.String("subtask_id", subtaskID), zap.Error(err))
		}
	})
	return c
}

// State exposes the shared state container.
func (c *Coordinator) State() *State {
	return c.state
}

// Monitor exposes the heartbeat monitor.
func (c *Coordinator) Monitor() *HeartbeatMonitor {
	return c.monitor
}

// Reassigner exposes the reassignment controller.
func (c *Coordinator) Reassigner() *Reassigner {
	return c.reassigner
}

// Aggregator exposes the result aggregator.
func (c *Coordinator) Aggregator() *Aggregator {
	return c.aggregator
}

// Err delivers at most one fatal error, after which the coordinator should
// be restarted.
func (c *Coordinator) Err() <-chan error {
	return c.errCh
}

func (c *Coordinator) fail(err error) {
	c.errOnce.Do(func() {
		c.logger.Error("coordinator substrate lost", zap.Error(err))
		c.errCh <- err
	})
}

// Start launches the channel loops, the heartbeat ticker, the event loop
// and the sweep ticker.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("coordinator already running")
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.running = true

	events := c.state.Registry.Watch(c.runCtx)
	c.spawn("registration", c.registrationLoop)
	c.spawn("results", c.resultsLoop)
	c.spawn("heartbeat", c.heartbeatLoop)
	c.spawn("events", func(ctx context.Context) { c.eventLoop(ctx, events) })
	c.spawn("sweep", c.sweepLoop)

	c.logger.Info("coordinator started",
		zap.Duration("heartbeat_interval", c.cfg.HeartbeatInterval),
		zap.Int("missed_probe_threshold", c.cfg.MissedProbeThreshold),
		zap.Int("max_reassignments", c.cfg.MaxReassignments))
	return nil
}

// Stop cancels every loop and waits for them to return or ctx to end.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("coordinator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs fn in a goroutine that survives panics.
func (c *Coordinator) spawn(name string, fn func(ctx context.Context)) {
	ctx := c.runCtx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("loop panic recovered",
					zap.String("loop", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		fn(ctx)
	}()
}

// loopErr classifies a channel error. It returns true when the loop must exit.
func (c *Coordinator) loopErr(ctx context.Context, name string, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, channel.ErrClosed) || IsFatal(err) {
		c.fail(newError(ErrCodeSubstrateLost, "%s channel closed", name).withCause(err))
		return true
	}
	c.logger.Warn("channel error", zap.String("loop", name), zap.Error(err))
	return false
}

func (c *Coordinator) registrationLoop(ctx context.Context) {
	for {
		call, err := c.transport.Accept(ctx)
		if err != nil {
			if c.loopErr(ctx, "registration", err) {
				return
			}
			continue
		}
		call.Reply(c.handleRegistration(ctx, call.Request))
	}
}

func (c *Coordinator) handleRegistration(ctx context.Context, req *types.RegisterRequest) *types.RegisterReply {
	if req == nil {
		return &types.RegisterReply{Error: "empty request"}
	}
	if req.Action == types.ActionDeregister {
		if err := c.state.Registry.Deregister(ctx, req.NodeID); err != nil {
			return &types.RegisterReply{NodeID: req.NodeID, Error: err.Error()}
		}
		return &types.RegisterReply{NodeID: req.NodeID}
	}

	id, err := c.state.Registry.Register(ctx, req.Capabilities, req.Address)
	if err != nil {
		return &types.RegisterReply{Error: err.Error()}
	}
	return &types.RegisterReply{NodeID: id, Status: types.NodeStatusRegistered}
}

// HandleRegistration serves one registration request synchronously.
func (c *Coordinator) HandleRegistration(ctx context.Context, req *types.RegisterRequest) *types.RegisterReply {
	return c.handleRegistration(ctx, req)
}

func (c *Coordinator) resultsLoop(ctx context.Context) {
	for {
		msg, err := c.transport.Pull(ctx)
		if err != nil {
			if c.loopErr(ctx, "results", err) {
				return
			}
			continue
		}
		if err := c.mirror.MirrorResult(ctx, msg); err != nil {
			c.logger.Warn("mirror result failed", zap.String("subtask_id", msg.SubtaskID), zap.Error(err))
		}
		c.aggregator.OnResult(ctx, msg)
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	if err := c.monitor.Run(ctx); err != nil && ctx.Err() == nil {
		c.fail(err)
	}
}

func (c *Coordinator) eventLoop(ctx context.Context, events <-chan types.NodeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case failure := <-c.monitor.Failures():
			c.dropNode(ctx, failure.NodeID)
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch {
			case ev.Type == types.NodeEventDeregistered:
				c.dropNode(ctx, ev.NodeID)
			case ev.Type == types.NodeEventTransition && ev.To == types.NodeStatusDead:
				c.dropNode(ctx, ev.NodeID)
			case ev.Type == types.NodeEventTransition && ev.To == types.NodeStatusAlive:
				c.reassigner.RetryBacklog(ctx)
			}
		}
	}
}

// dropNode requeues the node's subtasks and closes its session on the
// transport. Both steps are idempotent; a death is seen on the failure
// channel and as a registry transition.
func (c *Coordinator) dropNode(ctx context.Context, nodeID string) {
	c.reassigner.OnNodeFailure(ctx, nodeID)
	if d, ok := c.transport.(channel.Disconnector); ok {
		d.Disconnect(nodeID)
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep requeues overdue subtasks, retries the backlog and evicts finished
// tasks past retention.
func (c *Coordinator) Sweep(ctx context.Context) {
	if n := c.reassigner.SweepTimeouts(ctx, c.cfg.SubtaskTimeout); n > 0 {
		c.logger.Info("requeued overdue subtasks", zap.Int("count", n))
	}
	c.reassigner.RetryBacklog(ctx)
	c.evictFinished()
}

func (c *Coordinator) evictFinished() {
	if c.cfg.RetainFinished <= 0 {
		return
	}
	cutoff := c.now().Add(-c.cfg.RetainFinished)
	for _, rec := range c.state.Tasks.list() {
		rec.mu.Lock()
		expired := rec.task.FinishedAt != nil && rec.task.FinishedAt.Before(cutoff)
		rec.mu.Unlock()
		if expired {
			c.state.Tasks.remove(rec.task.ID)
			c.logger.Debug("finished task evicted", zap.String("task_id", rec.task.ID))
		}
	}
}

func (c *Coordinator) dispatchCtx(ctx context.Context) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return c.runCtx
	}
	return ctx
}

// Submit accepts a task, partitions it over the alive capable nodes and
// dispatches every subtask. When no node is capable the task is recorded as
// failed and its id is returned together with the NoCapableNodes error.
func (c *Coordinator) Submit(ctx context.Context, req types.SubmitRequest) (string, error) {
	strategy, ok := c.strategies.Get(req.Type)
	if !ok {
		return "", newError(ErrCodeUnknownTaskType, "unknown task type %q", req.Type)
	}

	task := &types.Task{
		ID:           uuid.NewString(),
		Type:         req.Type,
		Payload:      req.Payload,
		Requirements: req.Requirements,
		Submitter:    req.Submitter,
		Priority:     req.Priority,
		Subtasks:     []*types.Subtask{},
		Status:       types.TaskStatusPending,
		SubmittedAt:  c.now(),
	}
	log := c.logger.With(zap.String("task_id", task.ID), zap.String("type", task.Type))

	placements, err := c.partitioner.Partition(task, strategy)
	if err != nil && CodeOf(err) == ErrCodeInvalidPayload {
		log.Warn("task rejected", zap.Error(err))
		return "", err
	}

	rec := newTaskRecord(task, strategy)
	c.state.Tasks.add(rec)

	rec.mu.Lock()
	if err != nil {
		c.state.failTaskLocked(rec, asError(err), c.now())
		rec.mu.Unlock()
		log.Warn("task failed before partitioning", zap.Error(err))
		return task.ID, err
	}

	subtasks := make([]*types.Subtask, len(placements))
	for i, p := range placements {
		subtasks[i] = p.Subtask
	}
	rec.setSubtasks(subtasks)
	task.Status = types.TaskStatusPartitioned

	msgs := make([]*types.TaskMessage, 0, len(placements))
	for _, p := range placements {
		msg, err := c.dispatcher.assignLocked(rec, p.Subtask.ID, p.NodeID)
		if errors.Is(err, ErrNodeFailure) {
			// the node died after the snapshot; let the sweep place it
			c.state.backlog.add(AssignmentKey{TaskID: task.ID, SubtaskID: p.Subtask.ID}, task.Priority, p.NodeID)
			continue
		}
		if err != nil {
			rec.mu.Unlock()
			return task.ID, err
		}
		msgs = append(msgs, msg)
	}
	rec.mu.Unlock()

	log.Info("task partitioned", zap.Int("subtasks", len(msgs)), zap.String("submitter", req.Submitter))

	dctx := c.dispatchCtx(ctx)
	for _, msg := range msgs {
		if err := c.dispatcher.publish(dctx, msg); err != nil && IsFatal(err) {
			return task.ID, err
		}
	}
	return task.ID, nil
}

func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: ErrCodeInvalidPayload, Message: err.Error(), Cause: err}
}

// Status returns a snapshot of the task.
func (c *Coordinator) Status(taskID string) (*types.TaskView, error) {
	rec, ok := c.state.Tasks.get(taskID)
	if !ok {
		return nil, newError(ErrCodeTaskNotFound, "task %s not found", taskID).withTask(taskID, "")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task.View(), nil
}

// Wait blocks until the task is completed or failed, or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, taskID string) (*types.TaskView, error) {
	rec, ok := c.state.Tasks.get(taskID)
	if !ok {
		return nil, newError(ErrCodeTaskNotFound, "task %s not found", taskID).withTask(taskID, "")
	}
	select {
	case <-rec.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.task.View(), nil
}

// Cancel fails the task with Cancelled set. Further dispatches are refused
// and late results are ignored; workers are not told.
func (c *Coordinator) Cancel(_ context.Context, taskID string) error {
	rec, ok := c.state.Tasks.get(taskID)
	if !ok {
		return newError(ErrCodeTaskNotFound, "task %s not found", taskID).withTask(taskID, "")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.task.Cancelled {
		return nil
	}
	if rec.task.Status.IsTerminal() {
		return newError(ErrCodeTaskFinished, "task %s already %s", taskID, rec.task.Status).withTask(taskID, "")
	}
	rec.task.Cancelled = true
	c.state.failTaskLocked(rec, newError(ErrCodeTaskCancelled, "task cancelled").withTask(taskID, ""), c.now())
	c.logger.Info("task cancelled", zap.String("task_id", taskID))
	return nil
}

// Tasks returns snapshots of every retained task.
func (c *Coordinator) Tasks() []*types.TaskView {
	return c.state.Tasks.Views()
}

// Nodes returns every registered node.
func (c *Coordinator) Nodes() []*types.Node {
	return c.state.Registry.List()
}

// Node returns one registered node.
func (c *Coordinator) Node(nodeID string) (*types.Node, bool) {
	return c.state.Registry.Get(nodeID)
}

// Stats returns a summary of nodes, tasks, assignments and result handling.
func (c *Coordinator) Stats() Stats {
	tasks := make(map[types.TaskStatus]int)
	for _, rec := range c.state.Tasks.list() {
		rec.mu.Lock()
		tasks[rec.task.Status]++
		rec.mu.Unlock()
	}
	return Stats{
		Nodes:       c.state.Registry.Counts(),
		Tasks:       tasks,
		Assignments: c.state.Assignments.Len(),
		Backlog:     c.state.BacklogLen(),
		Outcomes:    c.aggregator.Outcomes(),
		Latency:     c.aggregator.Latency(),
	}
}
