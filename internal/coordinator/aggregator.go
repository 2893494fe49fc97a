package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"yqhp/grid-engine/internal/workload"
	"yqhp/grid-engine/pkg/logger"
	"yqhp/grid-engine/pkg/types"
)

// Outcome is what the aggregator did with one result.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeZombieAccepted Outcome = "zombie-accepted"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeFailedReport   Outcome = "failed-report"
)

// RequeueFunc hands a subtask back to the reassignment controller.
type RequeueFunc func(ctx context.Context, taskID, subtaskID, exclude, reason string) error

// LatencyStats summarizes subtask round-trip time in milliseconds.
type LatencyStats struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// Aggregator consumes results and completes tasks. The first result for a
// subtask wins; later ones never overwrite it.
type Aggregator struct {
	state   *State
	requeue RequeueFunc
	logger  *zap.Logger
	now     func() time.Time

	statsMu  sync.Mutex
	latency  *hdrhistogram.Histogram
	outcomes map[Outcome]int64
}

// NewAggregator creates an aggregator.
func NewAggregator(state *State, requeue RequeueFunc, log *zap.Logger) *Aggregator {
	return &Aggregator{
		state:    state,
		requeue:  requeue,
		logger:   logger.OrNamed(log, "aggregator"),
		now:      time.Now,
		latency:  hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
		outcomes: make(map[Outcome]int64),
	}
}

// OnResult applies one worker result.
func (a *Aggregator) OnResult(ctx context.Context, msg *types.ResultMessage) Outcome {
	outcome := a.apply(ctx, msg)
	a.statsMu.Lock()
	a.outcomes[outcome]++
	a.statsMu.Unlock()
	return outcome
}

func (a *Aggregator) apply(ctx context.Context, msg *types.ResultMessage) Outcome {
	log := a.logger.With(
		zap.String("task_id", msg.TaskID),
		zap.String("subtask_id", msg.SubtaskID),
		zap.String("node_id", msg.NodeID))

	rec, ok := a.state.Tasks.get(msg.TaskID)
	if !ok {
		log.Warn("result for unknown task")
		return OutcomeIgnored
	}

	rec.mu.Lock()
	if rec.closed() {
		rec.mu.Unlock()
		log.Debug("result for closed task ignored")
		return OutcomeIgnored
	}
	st := rec.subtask(msg.SubtaskID)
	if st == nil {
		rec.mu.Unlock()
		log.Warn("result for unknown subtask")
		return OutcomeIgnored
	}

	switch st.Status {
	case types.SubtaskStatusCompleted:
		owner := st.AssignedNodeID
		rec.mu.Unlock()
		if owner != msg.NodeID {
			zombie := newError(ErrCodeZombieResult, "subtask already completed by %s", owner).
				withTask(msg.TaskID, msg.SubtaskID).withNode(msg.NodeID)
			log.Warn("zombie result discarded", zap.Error(zombie))
		} else {
			log.Debug("duplicate result discarded")
		}
		return OutcomeDuplicate
	case types.SubtaskStatusFailed:
		rec.mu.Unlock()
		return OutcomeIgnored
	}

	key := AssignmentKey{TaskID: msg.TaskID, SubtaskID: msg.SubtaskID}
	owner, assigned := a.state.Assignments.Get(key)
	isOwner := assigned && owner == msg.NodeID

	if msg.Status == types.ResultStatusError {
		rec.mu.Unlock()
		if !isOwner {
			log.Debug("error report from non-owner ignored")
			return OutcomeIgnored
		}
		log.Warn("worker reported subtask error", zap.String("error", msg.Error))
		if err := a.requeue(ctx, msg.TaskID, msg.SubtaskID, msg.NodeID, "worker error: "+msg.Error); err != nil {
			log.Warn("requeue after worker error failed", zap.Error(err))
		}
		return OutcomeFailedReport
	}

	outcome := OutcomeAccepted
	if !isOwner {
		outcome = OutcomeZombieAccepted
	}
	now := a.now()
	dispatchedAt := st.DispatchedAt
	a.state.Assignments.Clear(key)
	a.state.backlog.remove(key)
	st.Status = types.SubtaskStatusCompleted
	st.Result = msg.Result
	st.AssignedNodeID = msg.NodeID
	st.CompletedAt = now
	st.Error = ""

	finished := false
	if rec.allCompleted() {
		a.finishLocked(rec, now, log)
		finished = true
	}
	status := rec.task.Status
	rec.mu.Unlock()

	if !dispatchedAt.IsZero() {
		a.recordLatency(now.Sub(dispatchedAt))
	}
	if outcome == OutcomeZombieAccepted {
		log.Info("zombie result accepted", zap.String("owner", owner))
	} else {
		log.Debug("result accepted")
	}
	if finished {
		log.Info("task finished", zap.String("status", string(status)))
	}
	return outcome
}

// finishLocked reassembles the task in Index order. Callers hold rec.mu.
func (a *Aggregator) finishLocked(rec *taskRecord, now time.Time, log *zap.Logger) {
	subtasks := append([]*types.Subtask(nil), rec.task.Subtasks...)
	sort.Slice(subtasks, func(i, j int) bool { return subtasks[i].Index < subtasks[j].Index })

	shards := make([]workload.ShardResult, len(subtasks))
	for i, st := range subtasks {
		shards[i] = workload.ShardResult{Index: st.Index, Start: st.Start, End: st.End, Data: st.Result}
	}

	result, err := rec.strategy.Reassemble(rec.task.Payload, shards)
	if err != nil {
		cause := newError(ErrCodeInvalidPayload, "reassemble task %s", rec.task.ID).
			withTask(rec.task.ID, "").withCause(err)
		log.Error("reassembly failed", zap.Error(cause))
		a.state.failTaskLocked(rec, cause, now)
		return
	}
	rec.task.Result = result
	rec.finish(types.TaskStatusCompleted, now)
}

func (a *Aggregator) recordLatency(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	if err := a.latency.RecordValue(us); err != nil {
		a.logger.Debug("latency out of range", zap.Duration("latency", d))
	}
}

// Latency returns the round-trip latency summary.
func (a *Aggregator) Latency() LatencyStats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	ms := func(us int64) float64 { return float64(us) / 1000 }
	return LatencyStats{
		Count: a.latency.TotalCount(),
		Mean:  a.latency.Mean() / 1000,
		P50:   ms(a.latency.ValueAtQuantile(50)),
		P95:   ms(a.latency.ValueAtQuantile(95)),
		P99:   ms(a.latency.ValueAtQuantile(99)),
		Max:   ms(a.latency.Max()),
	}
}

// Outcomes returns how many results ended in each outcome.
func (a *Aggregator) Outcomes() map[Outcome]int64 {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	out := make(map[Outcome]int64, len(a.outcomes))
	for k, v := range a.outcomes {
		out[k] = v
	}
	return out
}
