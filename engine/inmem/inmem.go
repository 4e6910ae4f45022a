// Package inmem implements engine.Engine entirely in-process with
// goroutines, for single-process cascade runs and tests. It gives up
// cross-process durability (a crash loses in-flight runs) in exchange for
// zero external dependencies.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"lars/engine"
)

type (
	eng struct {
		mu         sync.Mutex
		workflows  map[string]engine.WorkflowFunc
		activities map[string]engine.ActivityFunc
		runs       map[string]*handle
	}

	handle struct {
		runID   string
		done    chan struct{}
		result  map[string]any
		err     error
		signals map[string]*sigChan
		mu      sync.Mutex
		status  string
	}

	sigChan struct {
		ch chan map[string]any
	}

	wfCtx struct {
		context.Context
		e     *eng
		h     *handle
		runID string
	}

	future struct {
		h *handle
	}
)

// New constructs an in-memory Engine.
func New() engine.Engine {
	return &eng{
		workflows:  map[string]engine.WorkflowFunc{},
		activities: map[string]engine.ActivityFunc{},
		runs:       map[string]*handle{},
	}
}

func (e *eng) RegisterWorkflow(name string, fn engine.WorkflowFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = fn
}

func (e *eng) RegisterActivity(name string, fn engine.ActivityFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[name] = fn
}

func (e *eng) StartWorkflow(ctx context.Context, name string, input map[string]any) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	fn, ok := e.workflows[name]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inmem: no workflow registered as %q", name)
	}

	h := &handle{
		runID:   uuid.NewString(),
		done:    make(chan struct{}),
		signals: map[string]*sigChan{},
		status:  "running",
	}
	e.mu.Lock()
	e.runs[h.runID] = h
	e.mu.Unlock()

	wctx := &wfCtx{Context: ctx, e: e, h: h, runID: h.runID}

	go func() {
		result, err := fn(wctx, input)
		h.mu.Lock()
		h.result, h.err = result, err
		if err != nil {
			h.status = "failed"
		} else {
			h.status = "completed"
		}
		h.mu.Unlock()
		close(h.done)
	}()

	return handleWrapper{h: h}, nil
}

func (e *eng) QueryRunStatus(_ context.Context, runID string) (string, error) {
	e.mu.Lock()
	h, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("inmem: unknown run %q", runID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, nil
}

type handleWrapper struct{ h *handle }

func (w handleWrapper) RunID() string { return w.h.runID }

func (w handleWrapper) Wait(ctx context.Context) (map[string]any, error) {
	select {
	case <-w.h.done:
		w.h.mu.Lock()
		defer w.h.mu.Unlock()
		return w.h.result, w.h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w handleWrapper) Signal(ctx context.Context, signalName string, payload map[string]any) error {
	w.h.mu.Lock()
	sc, ok := w.h.signals[signalName]
	if !ok {
		sc = &sigChan{ch: make(chan map[string]any, 16)}
		w.h.signals[signalName] = sc
	}
	w.h.mu.Unlock()

	select {
	case sc.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w handleWrapper) Cancel(_ context.Context) error {
	return fmt.Errorf("inmem: cancellation must be propagated via the caller's context, not a separate call")
}

func (w *wfCtx) ExecuteActivity(ctx engine.WorkflowContext, name string, input map[string]any, _ engine.ActivityOptions) (map[string]any, error) {
	w.e.mu.Lock()
	fn, ok := w.e.activities[name]
	w.e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inmem: no activity registered as %q", name)
	}
	return fn(w, input)
}

func (w *wfCtx) StartChildWorkflow(_ engine.WorkflowContext, name string, input map[string]any) (engine.Future, error) {
	h, err := w.e.StartWorkflow(w, name, input)
	if err != nil {
		return nil, err
	}
	return &future{h: h.(handleWrapper).h}, nil
}

func (w *wfCtx) SignalChannel(signalName string) engine.SignalChannel {
	w.h.mu.Lock()
	defer w.h.mu.Unlock()
	sc, ok := w.h.signals[signalName]
	if !ok {
		sc = &sigChan{ch: make(chan map[string]any, 16)}
		w.h.signals[signalName] = sc
	}
	return sc
}

func (w *wfCtx) RunID() string { return w.runID }

func (f *future) Get(ctx context.Context) (map[string]any, error) {
	select {
	case <-f.h.done:
		f.h.mu.Lock()
		defer f.h.mu.Unlock()
		return f.h.result, f.h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *future) IsReady() bool {
	select {
	case <-f.h.done:
		return true
	default:
		return false
	}
}

func (s *sigChan) Receive(ctx context.Context) (map[string]any, bool) {
	select {
	case v := <-s.ch:
		return v, true
	case <-ctx.Done():
		return nil, false
	}
}

func (s *sigChan) ReceiveAsync() (map[string]any, bool) {
	select {
	case v := <-s.ch:
		return v, true
	default:
		return nil, false
	}
}
