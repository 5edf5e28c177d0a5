package workflow

import (
	"context"
	"time"
)

// Operator is one task of a DAG.
type Operator interface {
	ID() string
	Execute(ctx context.Context) error
}

// DefaultRetryDelay is the wait between tries when RetryDelay is zero.
const DefaultRetryDelay = 5 * time.Minute

// TaskOptions are per-task execution settings. Retries defaults to 0 and a
// zero Timeout inherits the engine default. Retries wait a constant
// RetryDelay.
type TaskOptions struct {
	Retries    int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Configurable is implemented by operators that carry TaskOptions.
type Configurable interface {
	Options() TaskOptions
}

// FuncOperator runs a Go callable as a task.
type FuncOperator struct {
	id   string
	fn   func(ctx context.Context) error
	opts TaskOptions
}

// Func wraps a zero-argument callable.
func Func(id string, fn func(), opts ...TaskOptions) *FuncOperator {
	return FuncE(id, func(context.Context) error {
		fn()
		return nil
	}, opts...)
}

// FuncE wraps a context-aware callable that can fail.
func FuncE(id string, fn func(ctx context.Context) error, opts ...TaskOptions) *FuncOperator {
	op := &FuncOperator{id: id, fn: fn}
	if len(opts) > 0 {
		op.opts = opts[0]
	}
	return op
}

func (f *FuncOperator) ID() string { return f.id }

func (f *FuncOperator) Options() TaskOptions { return f.opts }

func (f *FuncOperator) Execute(ctx context.Context) error {
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx)
}

// OptionsOf returns op's TaskOptions, or the zero value.
func OptionsOf(op Operator) TaskOptions {
	if c, ok := op.(Configurable); ok {
		return c.Options()
	}
	return TaskOptions{}
}
