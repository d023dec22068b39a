package burst

import (
	"context"
	"runtime/debug"
)

// Workload runs once against a fully prepared fleet. It may mutate nodes,
// for example with SetAttr, and is responsible for synchronizing its own
// concurrent use of node sessions.
type Workload interface {
	Run(ctx context.Context, fleet *Fleet) error
}

// WorkloadFunc adapts a function to Workload.
type WorkloadFunc func(ctx context.Context, fleet *Fleet) error

func (f WorkloadFunc) Run(ctx context.Context, fleet *Fleet) error { return f(ctx, fleet) }

// invoke calls w exactly once and turns an error or a panic into a
// *WorkloadError.
func invoke(ctx context.Context, fleet *Fleet, w Workload) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &WorkloadError{Panic: p, Stack: debug.Stack()}
		}
	}()
	if werr := w.Run(ctx, fleet); werr != nil {
		return &WorkloadError{Err: werr}
	}
	return nil
}
