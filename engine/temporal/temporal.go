// Package temporal adapts engine.Engine to go.temporal.io/sdk, giving a
// production deployment durable replay across process restarts for
// long-running cascades whose signal waits may span hours or days (§5).
package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"lars/engine"
)

// Engine adapts a Temporal client + worker pair to the engine.Engine
// contract. One Engine corresponds to one Temporal task queue.
type Engine struct {
	client    client.Client
	worker    worker.Worker
	taskQueue string
}

// New connects to a Temporal server at hostPort and starts a worker
// polling taskQueue. Call Start after registering workflows/activities.
func New(hostPort, namespace, taskQueue string) (*Engine, error) {
	c, err := client.Dial(client.Options{HostPort: hostPort, Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("temporal: dial: %w", err)
	}
	w := worker.New(c, taskQueue, worker.Options{})
	return &Engine{client: c, worker: w, taskQueue: taskQueue}, nil
}

// Start begins polling the task queue. Call after all
// RegisterWorkflow/RegisterActivity calls.
func (e *Engine) Start() error {
	return e.worker.Start()
}

// Close releases the underlying Temporal client connection.
func (e *Engine) Close() {
	e.worker.Stop()
	e.client.Close()
}

func (e *Engine) RegisterWorkflow(name string, fn engine.WorkflowFunc) {
	e.worker.RegisterWorkflowWithOptions(wrapWorkflow(fn), workflow.RegisterOptions{Name: name})
}

func (e *Engine) RegisterActivity(name string, fn engine.ActivityFunc) {
	e.worker.RegisterActivityWithOptions(wrapActivity(fn), activity.RegisterOptions{Name: name})
}

func (e *Engine) StartWorkflow(ctx context.Context, name string, input map[string]any) (engine.WorkflowHandle, error) {
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		TaskQueue: e.taskQueue,
	}, name, input)
	if err != nil {
		return nil, fmt.Errorf("temporal: start workflow %q: %w", name, err)
	}
	return &runHandle{client: e.client, run: run}, nil
}

func (e *Engine) QueryRunStatus(ctx context.Context, runID string) (string, error) {
	desc, err := e.client.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		return "", fmt.Errorf("temporal: describe %q: %w", runID, err)
	}
	return desc.WorkflowExecutionInfo.Status.String(), nil
}

type runHandle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *runHandle) RunID() string { return h.run.GetRunID() }

func (h *runHandle) Wait(ctx context.Context) (map[string]any, error) {
	var result map[string]any
	if err := h.run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("temporal: workflow result: %w", mapSignalError(err))
	}
	return result, nil
}

func (h *runHandle) Signal(ctx context.Context, signalName string, payload map[string]any) error {
	err := h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), signalName, payload)
	return mapSignalError(err)
}

func (h *runHandle) Cancel(ctx context.Context) error {
	err := h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
	return mapSignalError(err)
}

// wrapWorkflow adapts an engine.WorkflowFunc (which depends on our own
// WorkflowContext interface, not workflow.Context) to a Temporal workflow
// function.
func wrapWorkflow(fn engine.WorkflowFunc) any {
	return func(ctx workflow.Context, input map[string]any) (map[string]any, error) {
		wctx := &workflowContext{ctx: ctx}
		return fn(wctx, input)
	}
}

func wrapActivity(fn engine.ActivityFunc) any {
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return fn(ctx, input)
	}
}
