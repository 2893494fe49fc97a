package coordinator

import (
	"fmt"
	"math"
	"sort"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/grid-engine/internal/workload"
	"yqhp/grid-engine/pkg/types"
)

// Placement is a subtask together with the node it is first sent to.
type Placement struct {
	Subtask *types.Subtask
	NodeID  string
}

// Partitioner splits tasks across the alive, capable node set.
type Partitioner struct {
	registry       *NodeRegistry
	minGranularity int
}

// NewPartitioner creates a partitioner. minGranularity is the smallest
// number of units a subtask may cover.
func NewPartitioner(registry *NodeRegistry, minGranularity int) *Partitioner {
	if minGranularity < 1 {
		minGranularity = 1
	}
	return &Partitioner{registry: registry, minGranularity: minGranularity}
}

// FilterFor returns the capability filter a task of strategy s needs.
func FilterFor(s workload.Strategy, req types.Requirements) NodeFilter {
	return NodeFilter{
		Tags:   slice.Union(s.RequiredTags(), req.Tags),
		Labels: req.Labels,
	}
}

// Partition sizes task against the current ListAlive snapshot. It fails
// with NoCapableNodes when no alive node matches.
func (p *Partitioner) Partition(task *types.Task, s workload.Strategy) ([]Placement, error) {
	nodes := p.registry.ListAlive(FilterFor(s, task.Requirements))
	if len(nodes) == 0 {
		return nil, newError(ErrCodeNoCapableNodes, "no alive node satisfies task type %q with requirements %v",
			task.Type, task.Requirements.Tags).withTask(task.ID, "")
	}

	units, err := s.Units(task.Payload)
	if err != nil {
		return nil, newError(ErrCodeInvalidPayload, "size payload").withTask(task.ID, "").withCause(err)
	}
	if units < 1 {
		return nil, newError(ErrCodeInvalidPayload, "payload has no units").withTask(task.ID, "")
	}

	if task.Requirements.MaxNodes > 0 && len(nodes) > task.Requirements.MaxNodes {
		nodes = nodes[:task.Requirements.MaxNodes]
	}
	weights := make([]float64, len(nodes))
	for i, n := range nodes {
		weights[i] = n.Capabilities.EffectiveWeight()
	}

	ranges := SplitUnits(units, p.minGranularity, weights)
	placements := make([]Placement, len(ranges))
	for i, rg := range ranges {
		placements[i] = Placement{
			Subtask: &types.Subtask{
				ID:           fmt.Sprintf("%s_%d", task.ID, i),
				ParentTaskID: task.ID,
				Index:        i,
				Start:        rg[0],
				End:          rg[1],
				Status:       types.SubtaskStatusQueued,
			},
			NodeID: nodes[i].ID,
		}
	}
	return placements, nil
}

// SplitUnits cuts [0, units) into contiguous ranges, one per leading weight.
// The count is min(len(weights), units/minGranularity) and at least one.
// Every range gets minGranularity units and the remainder is shared in
// proportion to weight by the largest-remainder method, earlier positions
// winning ties.
func SplitUnits(units, minGranularity int, weights []float64) [][2]int {
	if units <= 0 || len(weights) == 0 {
		return nil
	}
	if minGranularity < 1 {
		minGranularity = 1
	}

	n := len(weights)
	if byGranularity := units / minGranularity; byGranularity < n {
		n = byGranularity
	}
	if n <= 1 {
		return [][2]int{{0, units}}
	}
	weights = weights[:n]

	var total float64
	for _, w := range weights {
		total += w
	}

	sizes := make([]int, n)
	remainder := units - n*minGranularity
	type frac struct {
		pos  int
		part float64
	}
	fracs := make([]frac, n)
	assigned := 0
	for i, w := range weights {
		share := float64(remainder) * w / total
		whole := int(math.Floor(share))
		sizes[i] = minGranularity + whole
		assigned += whole
		fracs[i] = frac{pos: i, part: share - float64(whole)}
	}
	sort.SliceStable(fracs, func(i, j int) bool { return fracs[i].part > fracs[j].part })
	for i := 0; i < remainder-assigned; i++ {
		sizes[fracs[i%n].pos]++
	}
	// float rounding can overshoot by a unit; take it back from the tail
	for i := n - 1; assigned > remainder; i = (i + n - 1) % n {
		if sizes[i] > minGranularity {
			sizes[i]--
			assigned--
		}
	}

	ranges := make([][2]int, n)
	start := 0
	for i, size := range sizes {
		ranges[i] = [2]int{start, start + size}
		start += size
	}
	return ranges
}
