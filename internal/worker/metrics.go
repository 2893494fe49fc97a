package worker

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// DurationStats 保存耗时统计数据。
type DurationStats struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
	Avg time.Duration `json:"avg"`
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// TypeMetrics 是单个任务类型的执行统计。
type TypeMetrics struct {
	Type         string        `json:"type"`
	Count        int64         `json:"count"`
	SuccessCount int64         `json:"success_count"`
	FailureCount int64         `json:"failure_count"`
	Duration     DurationStats `json:"duration"`
}

// Metrics 收集本节点的子任务执行指标。
type Metrics struct {
	mu        sync.RWMutex
	byType    map[string]*typeData
	startTime time.Time
}

type typeData struct {
	count        int64
	successCount int64
	failureCount int64
	min, max     time.Duration
	sum          time.Duration
	hist         *hdrhistogram.Histogram
}

// NewMetrics 创建一个新的指标收集器。
func NewMetrics() *Metrics {
	return &Metrics{
		byType:    make(map[string]*typeData),
		startTime: time.Now(),
	}
}

// Record 记录一次子任务执行。
func (m *Metrics) Record(taskType string, d time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.byType[taskType]
	if !exists {
		// 微秒精度，最长 1 小时
		data = &typeData{hist: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3)}
		m.byType[taskType] = data
	}
	if data.count == 0 || d < data.min {
		data.min = d
	}
	if d > data.max {
		data.max = d
	}
	data.count++
	data.sum += d
	_ = data.hist.RecordValue(int64(d / time.Microsecond))
	if ok {
		data.successCount++
	} else {
		data.failureCount++
	}
}

// Snapshot 返回按任务类型聚合后的指标。
func (m *Metrics) Snapshot() map[string]TypeMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]TypeMetrics, len(m.byType))
	for typ, data := range m.byType {
		out[typ] = TypeMetrics{
			Type:         typ,
			Count:        data.count,
			SuccessCount: data.successCount,
			FailureCount: data.failureCount,
			Duration:     data.stats(),
		}
	}
	return out
}

// Throughput 返回启动以来每秒完成的子任务数。
func (m *Metrics) Throughput() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elapsed := time.Since(m.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	var total int64
	for _, data := range m.byType {
		total += data.count
	}
	return float64(total) / elapsed
}

func (d *typeData) stats() DurationStats {
	if d == nil || d.count == 0 {
		return DurationStats{}
	}
	quantile := func(q float64) time.Duration {
		return time.Duration(d.hist.ValueAtQuantile(q)) * time.Microsecond
	}
	return DurationStats{
		Min: d.min,
		Max: d.max,
		Avg: d.sum / time.Duration(d.count),
		P50: quantile(50),
		P95: quantile(95),
		P99: quantile(99),
	}
}
