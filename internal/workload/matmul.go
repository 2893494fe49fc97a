package workload

import (
	"context"
	"encoding/json"

	"github.com/bytedance/sonic"
)

// TypeMatMul is the type tag for dense matrix multiplication.
const TypeMatMul = "matmul"

// MatMulPayload is the submitted payload: compute A×B.
type MatMulPayload struct {
	A [][]float64 `json:"a"`
	B [][]float64 `json:"b"`
}

// MatMulShard is what one worker receives: a row band of A and all of B.
type MatMulShard struct {
	RowOffset int         `json:"row_offset"`
	A         [][]float64 `json:"a"`
	B         [][]float64 `json:"b"`
}

// MatMulShardResult is the row band of C computed by one worker.
type MatMulShardResult struct {
	RowOffset int         `json:"row_offset"`
	Rows      [][]float64 `json:"rows"`
}

// MatMulResult is the reassembled product.
type MatMulResult struct {
	C [][]float64 `json:"c"`
}

// MatMul splits A horizontally by rows and broadcasts B.
type MatMul struct{}

func (MatMul) Type() string { return TypeMatMul }

func (MatMul) RequiredTags() []string { return []string{TypeMatMul} }

func (MatMul) Units(payload json.RawMessage) (int, error) {
	p, err := decodeMatMul(payload)
	if err != nil {
		return 0, err
	}
	return len(p.A), nil
}

func (MatMul) BuildPayload(payload json.RawMessage, start, end int) (json.RawMessage, error) {
	p, err := decodeMatMul(payload)
	if err != nil {
		return nil, err
	}
	if start < 0 || end > len(p.A) || start >= end {
		return nil, invalidf("row range [%d,%d) outside %d rows", start, end, len(p.A))
	}
	return sonic.Marshal(&MatMulShard{RowOffset: start, A: p.A[start:end], B: p.B})
}

func (MatMul) Reassemble(payload json.RawMessage, shards []ShardResult) (json.RawMessage, error) {
	p, err := decodeMatMul(payload)
	if err != nil {
		return nil, err
	}
	if err := checkShards(shards, len(p.A)); err != nil {
		return nil, err
	}

	cols := len(p.B[0])
	c := make([][]float64, 0, len(p.A))
	for _, s := range shards {
		var part MatMulShardResult
		if err := sonic.Unmarshal(s.Data, &part); err != nil {
			return nil, invalidf("shard %d: %v", s.Index, err)
		}
		if len(part.Rows) != s.End-s.Start {
			return nil, invalidf("shard %d returned %d rows, expected %d", s.Index, len(part.Rows), s.End-s.Start)
		}
		for i, row := range part.Rows {
			if len(row) != cols {
				return nil, invalidf("shard %d row %d has %d columns, expected %d", s.Index, i, len(row), cols)
			}
		}
		c = append(c, part.Rows...)
	}
	return sonic.Marshal(&MatMulResult{C: c})
}

func decodeMatMul(payload json.RawMessage) (*MatMulPayload, error) {
	var p MatMulPayload
	if err := sonic.Unmarshal(payload, &p); err != nil {
		return nil, invalidf("matmul: %v", err)
	}
	if err := checkMultipliable(p.A, p.B); err != nil {
		return nil, err
	}
	return &p, nil
}

func checkMultipliable(a, b [][]float64) error {
	if len(a) == 0 {
		return invalidf("matmul: A has no rows")
	}
	inner, err := width(a, "A")
	if err != nil {
		return err
	}
	if len(b) != inner {
		return invalidf("matmul: A is %dx%d but B has %d rows", len(a), inner, len(b))
	}
	if _, err := width(b, "B"); err != nil {
		return err
	}
	return nil
}

func width(m [][]float64, name string) (int, error) {
	if len(m) == 0 {
		return 0, invalidf("matmul: %s has no rows", name)
	}
	w := len(m[0])
	if w == 0 {
		return 0, invalidf("matmul: %s has no columns", name)
	}
	for i, row := range m {
		if len(row) != w {
			return 0, invalidf("matmul: %s row %d has %d columns, expected %d", name, i, len(row), w)
		}
	}
	return w, nil
}

// MatMulExecutor multiplies a row band of A by B.
type MatMulExecutor struct{}

func (MatMulExecutor) Type() string { return TypeMatMul }

func (MatMulExecutor) Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var shard MatMulShard
	if err := sonic.Unmarshal(data, &shard); err != nil {
		return nil, invalidf("matmul shard: %v", err)
	}
	if err := checkMultipliable(shard.A, shard.B); err != nil {
		return nil, err
	}

	cols := len(shard.B[0])
	rows := make([][]float64, len(shard.A))
	for i, a := range shard.A {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := make([]float64, cols)
		for j := 0; j < cols; j++ {
			var sum float64
			for k, v := range a {
				sum += v * shard.B[k][j]
			}
			row[j] = sum
		}
		rows[i] = row
	}
	return sonic.Marshal(&MatMulShardResult{RowOffset: shard.RowOffset, Rows: rows})
}
