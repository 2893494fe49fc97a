// Package mirror copies task-distribution and results traffic to a durable
// stream so it can be replayed after a coordinator restart.
package mirror

import (
	"context"

	"yqhp/grid-engine/pkg/types"
)

// Mirror receives a copy of every published subtask and every pulled result.
// Mirroring is best-effort: callers log failures and carry on.
type Mirror interface {
	MirrorTask(ctx context.Context, msg *types.TaskMessage) error
	MirrorResult(ctx context.Context, msg *types.ResultMessage) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) MirrorTask(context.Context, *types.TaskMessage) error     { return nil }
func (Nop) MirrorResult(context.Context, *types.ResultMessage) error { return nil }
func (Nop) Close() error                                             { return nil }
