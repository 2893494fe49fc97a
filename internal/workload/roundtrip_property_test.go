package workload

import (
	"math"
	"math/rand"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// evenBounds cuts [0, units) into parts contiguous ranges.
func evenBounds(units, parts int) []int {
	if parts > units {
		parts = units
	}
	bounds := make([]int, 0, parts+1)
	for i := 0; i <= parts; i++ {
		bounds = append(bounds, i*units/parts)
	}
	return bounds
}

func intMatrix(r *rand.Rand, rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = float64(r.Intn(21) - 10)
		}
	}
	return m
}

// TestPartitionReassembleRoundTrip checks that splitting a task into any
// number of ordered shards yields the same result as running it whole.
func TestPartitionReassembleRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("matmul split equals whole", prop.ForAll(
		func(rows, inner, cols, parts int, seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			payload, _ := sonic.Marshal(&MatMulPayload{A: intMatrix(r, rows, inner), B: intMatrix(r, inner, cols)})

			whole, err := runSplit(t, MatMul{}, MatMulExecutor{}, payload, []int{0, rows})
			if err != nil {
				return false
			}
			split, err := runSplit(t, MatMul{}, MatMulExecutor{}, payload, evenBounds(rows, parts))
			if err != nil {
				return false
			}
			return string(whole) == string(split)
		},
		gen.IntRange(1, 16),
		gen.IntRange(1, 6),
		gen.IntRange(1, 6),
		gen.IntRange(1, 16),
		gen.Int64(),
	))

	properties.Property("gradient split equals full batch", prop.ForAll(
		func(samples, features, parts int, seed int64) bool {
			r := rand.New(rand.NewSource(seed))
			p := &GradientPayload{
				X: intMatrix(r, samples, features),
				Y: intMatrix(r, 1, samples)[0],
				W: intMatrix(r, 1, features)[0],
			}
			payload, _ := sonic.Marshal(p)

			whole, err := runSplit(t, Gradient{}, GradientExecutor{}, payload, []int{0, samples})
			if err != nil {
				return false
			}
			split, err := runSplit(t, Gradient{}, GradientExecutor{}, payload, evenBounds(samples, parts))
			if err != nil {
				return false
			}

			var a, b GradientResult
			if sonic.Unmarshal(whole, &a) != nil || sonic.Unmarshal(split, &b) != nil {
				return false
			}
			if a.Samples != b.Samples || math.Abs(a.Loss-b.Loss) > 1e-6*(1+math.Abs(a.Loss)) {
				return false
			}
			for i := range a.Gradient {
				if math.Abs(a.Gradient[i]-b.Gradient[i]) > 1e-6*(1+math.Abs(a.Gradient[i])) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 24),
		gen.IntRange(1, 5),
		gen.IntRange(1, 24),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
