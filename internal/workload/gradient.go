package workload

import (
	"context"
	"encoding/json"

	"github.com/bytedance/sonic"
)

// TypeGradient is the type tag for a least-squares gradient over a sample set.
const TypeGradient = "gradient"

// GradientPayload holds samples X (one row per sample), targets Y and the
// current weights W of a linear model.
type GradientPayload struct {
	X [][]float64 `json:"x"`
	Y []float64   `json:"y"`
	W []float64   `json:"w"`
}

// GradientResult is the mean-squared-error gradient and loss over Samples.
type GradientResult struct {
	Gradient []float64 `json:"gradient"`
	Loss     float64   `json:"loss"`
	Samples  int       `json:"samples"`
}

// Gradient shards the sample set. Reassembly takes the sample-weighted mean
// of the shard gradients, which equals the full-batch gradient.
type Gradient struct{}

func (Gradient) Type() string { return TypeGradient }

func (Gradient) RequiredTags() []string { return []string{TypeGradient} }

func (Gradient) Units(payload json.RawMessage) (int, error) {
	p, err := decodeGradient(payload)
	if err != nil {
		return 0, err
	}
	return len(p.X), nil
}

func (Gradient) BuildPayload(payload json.RawMessage, start, end int) (json.RawMessage, error) {
	p, err := decodeGradient(payload)
	if err != nil {
		return nil, err
	}
	if start < 0 || end > len(p.X) || start >= end {
		return nil, invalidf("sample range [%d,%d) outside %d samples", start, end, len(p.X))
	}
	return sonic.Marshal(&GradientPayload{X: p.X[start:end], Y: p.Y[start:end], W: p.W})
}

func (Gradient) Reassemble(payload json.RawMessage, shards []ShardResult) (json.RawMessage, error) {
	p, err := decodeGradient(payload)
	if err != nil {
		return nil, err
	}
	if err := checkShards(shards, len(p.X)); err != nil {
		return nil, err
	}

	total := GradientResult{Gradient: make([]float64, len(p.W))}
	for _, s := range shards {
		var part GradientResult
		if err := sonic.Unmarshal(s.Data, &part); err != nil {
			return nil, invalidf("shard %d: %v", s.Index, err)
		}
		if part.Samples != s.End-s.Start || len(part.Gradient) != len(p.W) {
			return nil, invalidf("shard %d has %d samples and %d weights", s.Index, part.Samples, len(part.Gradient))
		}
		n := float64(part.Samples)
		for i, g := range part.Gradient {
			total.Gradient[i] += g * n
		}
		total.Loss += part.Loss * n
		total.Samples += part.Samples
	}

	n := float64(total.Samples)
	for i := range total.Gradient {
		total.Gradient[i] /= n
	}
	total.Loss /= n
	return sonic.Marshal(&total)
}

func decodeGradient(payload json.RawMessage) (*GradientPayload, error) {
	var p GradientPayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return nil, invalidf("gradient: %v", err)
	}
	if err := checkGradient(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func checkGradient(p *GradientPayload) error {
	if len(p.X) == 0 {
		return invalidf("gradient: no samples")
	}
	if len(p.Y) != len(p.X) {
		return invalidf("gradient: %d samples but %d targets", len(p.X), len(p.Y))
	}
	if len(p.W) == 0 {
		return invalidf("gradient: no weights")
	}
	for i, row := range p.X {
		if len(row) != len(p.W) {
			return invalidf("gradient: sample %d has %d features, expected %d", i, len(row), len(p.W))
		}
	}
	return nil
}

// GradientExecutor computes the MSE gradient over its sample shard:
// grad = 2/n * sum((x·w - y) * x).
type GradientExecutor struct{}

func (GradientExecutor) Type() string { return TypeGradient }

func (GradientExecutor) Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var p GradientPayload
	if err := sonic.Unmarshal(data, &p); err != nil {
		return nil, invalidf("gradient shard: %v", err)
	}
	if err := checkGradient(&p); err != nil {
		return nil, err
	}

	res := GradientResult{Gradient: make([]float64, len(p.W)), Samples: len(p.X)}
	for i, x := range p.X {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var pred float64
		for j, v := range x {
			pred += v * p.W[j]
		}
		residual := pred - p.Y[i]
		res.Loss += residual * residual
		for j, v := range x {
			res.Gradient[j] += 2 * residual * v
		}
	}

	n := float64(res.Samples)
	for j := range res.Gradient {
		res.Gradient[j] /= n
	}
	res.Loss /= n
	return sonic.Marshal(&res)
}
