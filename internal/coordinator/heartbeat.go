package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/grid-engine/internal/channel"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

// HeartbeatConfig tunes failure detection. Detection latency is bounded by
// Threshold × Interval.
type HeartbeatConfig struct {
	Interval  time.Duration
	Timeout   time.Duration
	Threshold int
}

// NodeFailure is emitted when a node transitions to dead.
type NodeFailure struct {
	NodeID string
	Misses int
	At     time.Time
}

// HeartbeatMonitor probes every non-dead node on a fixed interval.
type HeartbeatMonitor struct {
	registry *NodeRegistry
	prober   channel.Prober
	cfg      HeartbeatConfig
	seq      atomic.Uint64
	failures chan NodeFailure
	logger   *zap.Logger
}

// NewHeartbeatMonitor creates a monitor probing through prober.
func NewHeartbeatMonitor(registry *NodeRegistry, prober channel.Prober, cfg HeartbeatConfig, log *zap.Logger) *HeartbeatMonitor {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	return &HeartbeatMonitor{
		registry: registry,
		prober:   prober,
		cfg:      cfg,
		failures: make(chan NodeFailure, 64),
		logger:   logger.OrNamed(log, "heartbeat"),
	}
}

// Failures delivers one event per node death.
func (m *HeartbeatMonitor) Failures() <-chan NodeFailure {
	return m.failures
}

// Run probes until ctx ends. It returns a substrate error if the prober
// reports the transport closed.
func (m *HeartbeatMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.ProbeAll(ctx); err != nil {
				return err
			}
		}
	}
}

// ProbeAll runs one probe round and returns once every probe has been
// answered or timed out, so per-node transitions never interleave.
func (m *HeartbeatMonitor) ProbeAll(ctx context.Context) error {
	var targets []string
	for _, node := range m.registry.List() {
		if node.Status != types.NodeStatusDead {
			targets = append(targets, node.ID)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		lost   atomic.Bool
		events = make([]NodeFailure, 0)
		evMu   sync.Mutex
	)
	for _, id := range targets {
		wg.Add(1)
		go func(nodeID string) {
			defer wg.Done()
			ok, err := m.probe(ctx, nodeID)
			if errors.Is(err, channel.ErrClosed) {
				lost.Store(true)
				return
			}
			if ctx.Err() != nil {
				return
			}
			res, err := m.registry.RecordProbe(nodeID, ok, m.cfg.Threshold)
			if err != nil {
				// deregistered while the probe was in flight
				return
			}
			if res.Died {
				evMu.Lock()
				events = append(events, NodeFailure{NodeID: nodeID, Misses: res.Misses, At: time.Now()})
				evMu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if lost.Load() {
		return newError(ErrCodeSubstrateLost, "heartbeat channel closed").withCause(channel.ErrClosed)
	}

	for _, ev := range events {
		m.logger.Warn("node failure detected", zap.String("node_id", ev.NodeID), zap.Int("missed_probes", ev.Misses))
		select {
		case m.failures <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *HeartbeatMonitor) probe(ctx context.Context, nodeID string) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	probe := &types.HeartbeatProbe{NodeID: nodeID, Seq: m.seq.Add(1), Timestamp: time.Now()}
	ack, err := m.prober.Probe(pctx, nodeID, probe)
	if err != nil {
		m.logger.Debug("probe missed", zap.String("node_id", nodeID), zap.Uint64("seq", probe.Seq), zap.Error(err))
		return false, err
	}
	if ack == nil || !ack.Ack || ack.Seq != probe.Seq {
		m.logger.Debug("probe answered without ack", zap.String("node_id", nodeID), zap.Uint64("seq", probe.Seq))
		return false, nil
	}
	return true, nil
}
