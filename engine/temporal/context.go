package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"lars/engine"
)

// workflowContext adapts a Temporal workflow.Context to engine.WorkflowContext.
type workflowContext struct {
	ctx workflow.Context
}

func (w *workflowContext) ExecuteActivity(_ engine.WorkflowContext, name string, input map[string]any, opts engine.ActivityOptions) (map[string]any, error) {
	ao := workflow.ActivityOptions{StartToCloseTimeout: opts.Timeout}
	if opts.Timeout == 0 {
		ao.StartToCloseTimeout = 5 * time.Minute
	}
	if opts.Retry.MaxAttempts > 0 {
		ao.RetryPolicy = &temporal.RetryPolicy{MaximumAttempts: int32(opts.Retry.MaxAttempts)}
	}
	actCtx := workflow.WithActivityOptions(w.ctx, ao)

	var result map[string]any
	if err := workflow.ExecuteActivity(actCtx, name, input).Get(actCtx, &result); err != nil {
		return nil, fmt.Errorf("temporal: activity %q: %w", name, err)
	}
	return result, nil
}

func (w *workflowContext) StartChildWorkflow(_ engine.WorkflowContext, name string, input map[string]any) (engine.Future, error) {
	fut := workflow.ExecuteChildWorkflow(w.ctx, name, input)
	return &childFuture{ctx: w.ctx, fut: fut}, nil
}

func (w *workflowContext) SignalChannel(signalName string) engine.SignalChannel {
	return &signalChannel{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, signalName)}
}

func (w *workflowContext) RunID() string {
	return workflow.GetInfo(w.ctx).WorkflowExecution.RunID
}

// childFuture adapts workflow.ChildWorkflowFuture to engine.Future. The ctx
// argument to Get/IsReady is intentionally ignored: Temporal's determinism
// requires the workflow.Context captured when the child was started, not a
// stdlib context.Context supplied later.
type childFuture struct {
	ctx workflow.Context
	fut workflow.ChildWorkflowFuture
}

func (c *childFuture) Get(_ context.Context) (map[string]any, error) {
	var result map[string]any
	if err := c.fut.Get(c.ctx, &result); err != nil {
		return nil, fmt.Errorf("temporal: child workflow: %w", err)
	}
	return result, nil
}

func (c *childFuture) IsReady() bool { return c.fut.IsReady() }

type signalChannel struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (s *signalChannel) Receive(_ context.Context) (map[string]any, bool) {
	var payload map[string]any
	more := s.ch.Receive(s.ctx, &payload)
	return payload, more
}

func (s *signalChannel) ReceiveAsync() (map[string]any, bool) {
	var payload map[string]any
	ok := s.ch.ReceiveAsync(&payload)
	return payload, ok
}
