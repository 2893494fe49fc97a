package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/internal/config"
	"yqhp/grid-engine/internal/workload"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

// ErrRejected 表示协调器拒绝了注册请求，重试无意义。
var ErrRejected = errors.New("worker: registration rejected")

// Agent 是运行在计算节点上的代理。
type Agent struct {
	cfg       config.WorkerConfig
	transport channel.WorkerTransport
	executors *workload.ExecutorRegistry
	metrics   *Metrics
	logger    *zap.Logger

	mu     sync.RWMutex
	caps   types.Capabilities
	nodeID string

	active atomic.Int32
	probes atomic.Uint64
}

// New 创建一个代理。executors 为 nil 时使用内置执行器。
func New(cfg config.WorkerConfig, transport channel.WorkerTransport, executors *workload.ExecutorRegistry, log *zap.Logger) *Agent {
	if executors == nil {
		executors = workload.DefaultExecutors()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Agent{
		cfg:       cfg,
		transport: transport,
		executors: executors,
		metrics:   NewMetrics(),
		logger:    logger.OrNamed(log, "worker"),
	}
}

// Run 注册并处理子任务，直到 ctx 结束。
// 会话中断（任务流关闭、注册失败）后按 ReconnectInterval 重新注册；
// 注册被拒绝时直接返回 ErrRejected。
func (a *Agent) Run(ctx context.Context) error {
	caps := DetectCapabilities(ctx, a.cfg, a.executors.Types(), a.logger)
	a.mu.Lock()
	a.caps = caps
	a.mu.Unlock()

	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		a.logger.Warn("session ended, reconnecting",
			zap.Error(err),
			zap.Duration("after", a.cfg.ReconnectInterval))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectInterval):
		}
	}
}

func (a *Agent) session(ctx context.Context) error {
	id, err := a.register(ctx)
	if err != nil {
		return err
	}
	defer a.deregister(id)

	if err := a.transport.Respond(ctx, id, a.respond); err != nil {
		return fmt.Errorf("install heartbeat responder: %w", err)
	}
	tasks, err := a.transport.Subscribe(ctx, id)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	caps := a.Capabilities()
	a.logger.Info("worker online",
		zap.String("node_id", id),
		zap.Strings("tags", caps.Tags),
		zap.Float64("weight", caps.EffectiveWeight()),
		zap.Int("concurrency", a.cfg.Concurrency))

	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range tasks {
				a.handle(ctx, msg)
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("task stream closed")
}

func (a *Agent) register(ctx context.Context) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	reply, err := a.transport.Register(rctx, &types.RegisterRequest{
		Action:       types.ActionRegister,
		Address:      a.cfg.Address,
		Capabilities: a.Capabilities(),
	})
	if err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	if !reply.Accepted() {
		return "", fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}

	a.mu.Lock()
	a.nodeID = reply.NodeID
	a.mu.Unlock()
	a.logger.Info("registered", zap.String("node_id", reply.NodeID))
	return reply.NodeID, nil
}

func (a *Agent) deregister(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout)
	defer cancel()
	if err := a.transport.Deregister(ctx, id); err != nil {
		a.logger.Debug("deregister failed", zap.String("node_id", id), zap.Error(err))
	} else {
		a.logger.Info("deregistered", zap.String("node_id", id))
	}
	a.mu.Lock()
	if a.nodeID == id {
		a.nodeID = ""
	}
	a.mu.Unlock()
}

func (a *Agent) respond(probe *types.HeartbeatProbe) *types.HeartbeatAck {
	a.probes.Add(1)
	return channel.Ack(probe)
}

// handle 执行一个子任务并回传结果。执行失败以错误结果上报。
func (a *Agent) handle(ctx context.Context, msg *types.TaskMessage) {
	a.active.Add(1)
	defer a.active.Add(-1)

	log := a.logger.With(
		zap.String("task_id", msg.TaskID),
		zap.String("subtask_id", msg.SubtaskID),
		zap.Int("attempt", msg.Attempt))

	start := time.Now()
	out, err := a.executors.Execute(ctx, msg.Type, msg.Data)
	elapsed := time.Since(start)
	a.metrics.Record(msg.Type, elapsed, err == nil)

	res := &types.ResultMessage{
		TaskID:    msg.TaskID,
		SubtaskID: msg.SubtaskID,
		NodeID:    msg.NodeID,
		Status:    types.ResultStatusCompleted,
		Result:    out,
		Timestamp: time.Now(),
	}
	if err != nil {
		res.Status = types.ResultStatusError
		res.Result = nil
		res.Error = err.Error()
		log.Warn("subtask failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		log.Debug("subtask executed", zap.Duration("elapsed", elapsed))
	}

	if err := a.transport.Push(ctx, res); err != nil {
		log.Warn("push result failed", zap.Error(err))
	}
}

// NodeID 返回当前会话的节点标识，未注册时为空。
func (a *Agent) NodeID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodeID
}

// Capabilities 返回注册时使用的能力画像。
func (a *Agent) Capabilities() types.Capabilities {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.caps.Clone()
}

// Metrics 返回执行指标。
func (a *Agent) Metrics() *Metrics {
	return a.metrics
}

// Active 返回正在执行的子任务数。
func (a *Agent) Active() int {
	return int(a.active.Load())
}

// Probes 返回已应答的心跳探测数。
func (a *Agent) Probes() uint64 {
	return a.probes.Load()
}
