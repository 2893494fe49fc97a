package workload

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidPayload marks payloads a strategy or executor cannot interpret.
var ErrInvalidPayload = errors.New("invalid payload")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// ShardResult is the accepted output of one subtask covering [Start, End).
type ShardResult struct {
	Index int
	Start int
	End   int
	Data  json.RawMessage
}

// Strategy partitions and reassembles one task type.
type Strategy interface {
	// Type returns the task type tag.
	Type() string
	// RequiredTags lists the capability tags a node needs to run this type.
	RequiredTags() []string
	// Units returns how many independently computable units the payload holds.
	Units(payload json.RawMessage) (int, error)
	// BuildPayload returns the data for the unit range [start, end).
	BuildPayload(payload json.RawMessage, start, end int) (json.RawMessage, error)
	// Reassemble merges shard results, given in Index order, into the task result.
	Reassemble(payload json.RawMessage, shards []ShardResult) (json.RawMessage, error)
}

// StrategyRegistry maps type tags to strategies.
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewStrategyRegistry creates an empty registry.
func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{strategies: make(map[string]Strategy)}
}

// Register adds s. Registering the same type twice is an error.
func (r *StrategyRegistry) Register(s Strategy) error {
	if s == nil {
		return fmt.Errorf("cannot register nil strategy")
	}
	if s.Type() == "" {
		return fmt.Errorf("strategy type must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Type()]; exists {
		return fmt.Errorf("strategy already registered: %s", s.Type())
	}
	r.strategies[s.Type()] = s
	return nil
}

// MustRegister registers s and panics on error.
func (r *StrategyRegistry) MustRegister(s Strategy) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get returns the strategy for typ.
func (r *StrategyRegistry) Get(typ string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[typ]
	return s, ok
}

// Types returns the registered type tags, sorted.
func (r *StrategyRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for t := range r.strategies {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DefaultStrategies returns a registry holding every shipped strategy.
func DefaultStrategies() *StrategyRegistry {
	r := NewStrategyRegistry()
	r.MustRegister(MatMul{})
	r.MustRegister(Gradient{})
	return r
}

// checkShards verifies the shards tile [0, units) in order.
func checkShards(shards []ShardResult, units int) error {
	next := 0
	for i, s := range shards {
		if s.Index != i {
			return invalidf("shard %d out of order (index %d)", i, s.Index)
		}
		if s.Start != next || s.End < s.Start {
			return invalidf("shard %d covers [%d,%d), expected start %d", i, s.Start, s.End, next)
		}
		next = s.End
	}
	if next != units {
		return invalidf("shards cover %d of %d units", next, units)
	}
	return nil
}
