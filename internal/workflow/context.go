package workflow

import (
	"context"
	"time"
)

// RunInfo describes the task instance an operator is executing.
type RunInfo struct {
	DagID       string
	TaskID      string
	RunID       string
	LogicalDate time.Time
	IntervalEnd time.Time
	TryNumber   int
}

type runInfoKey struct{}

func WithRunInfo(ctx context.Context, ri RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, ri)
}

// RunInfoFromContext returns the RunInfo set by the run coordinator.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	ri, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return ri, ok
}
