package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Executor computes one subtask on a worker.
type Executor interface {
	Type() string
	Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error)
}

// ExecutorRegistry 管理 worker 端执行器的注册和查找。
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewExecutorRegistry 创建一个空的执行器注册表。
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]Executor)}
}

// Register 注册执行器，同一类型重复注册返回错误。
func (r *ExecutorRegistry) Register(e Executor) error {
	if e == nil {
		return fmt.Errorf("cannot register nil executor")
	}
	if e.Type() == "" {
		return fmt.Errorf("executor type must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.Type()]; exists {
		return fmt.Errorf("executor already registered: %s", e.Type())
	}
	r.executors[e.Type()] = e
	return nil
}

// MustRegister 注册执行器，出错则 panic。
func (r *ExecutorRegistry) MustRegister(e Executor) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Get 按类型获取执行器。
func (r *ExecutorRegistry) Get(typ string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[typ]
	return e, ok
}

// Types 返回已注册的类型，按字母排序。worker 把它们作为能力标签上报。
func (r *ExecutorRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Execute 查找并运行 typ 对应的执行器。
func (r *ExecutorRegistry) Execute(ctx context.Context, typ string, data json.RawMessage) (json.RawMessage, error) {
	e, ok := r.Get(typ)
	if !ok {
		return nil, fmt.Errorf("no executor registered for type: %s", typ)
	}
	return e.Execute(ctx, data)
}

// DefaultExecutors returns a registry holding every shipped executor.
func DefaultExecutors() *ExecutorRegistry {
	r := NewExecutorRegistry()
	r.MustRegister(MatMulExecutor{})
	r.MustRegister(GradientExecutor{})
	return r
}
