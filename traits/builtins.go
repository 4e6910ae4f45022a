package traits

import (
	"context"
	"fmt"
	"time"

	"lars/echo"
	"lars/telemetry"
)

// SignalStore is the subset of the signal package's store that the
// built-in signal traits need. Defined here so that package traits does
// not import package signal; signal.MemStore and signal.PulseStore
// satisfy it.
type SignalStore interface {
	Await(ctx context.Context, sessionID, name string, timeout time.Duration) (payload map[string]any, status string, err error)
	Fire(ctx context.Context, sessionID, name string, payload map[string]any) (firedCount int, err error)
	List(ctx context.Context, sessionID string) ([]string, error)
	Cancel(ctx context.Context, sessionID, name string) error
}

// RegisterBuiltins adds the always-available traits (§4.5): set_state and
// route_to operate directly on e; the signal traits delegate to store.
// tracer opens a span around await_signal, the one built-in that actually
// suspends (§9 AMBIENT STACK: every suspension point opens a span); a nil
// tracer falls back to telemetry.NoopTracer.
func RegisterBuiltins(r *Registry, e *echo.Echo, store SignalStore, tracer telemetry.Tracer) error {
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	if err := r.Register("set_state", "Write a key/value pair into the run's shared state.",
		map[string]any{
			"type":     "object",
			"required": []any{"key", "value"},
			"properties": map[string]any{
				"key":   map[string]any{"type": "string"},
				"value": map[string]any{},
			},
		},
		func(_ context.Context, args map[string]any) (Result, error) {
			key, _ := args["key"].(string)
			if key == "" {
				return Result{}, fmt.Errorf("set_state: key is required")
			}
			e.SetState(e.CurrentCell, key, args["value"])
			return Result{Content: fmt.Sprintf("state.%s updated", key)}, nil
		},
	); err != nil {
		return err
	}

	if err := r.Register("route_to", "Hand off control to another cell.",
		map[string]any{
			"type":     "object",
			"required": []any{"cell"},
			"properties": map[string]any{
				"cell": map[string]any{"type": "string"},
			},
		},
		func(_ context.Context, args map[string]any) (Result, error) {
			cell, _ := args["cell"].(string)
			if cell == "" {
				return Result{}, fmt.Errorf("route_to: cell is required")
			}
			return Result{Content: "routing to " + cell, Route: cell}, nil
		},
	); err != nil {
		return err
	}

	if store == nil {
		return nil
	}

	if err := r.Register("await_signal", "Suspend the cascade until an external signal fires or the timeout elapses.",
		map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name":    map[string]any{"type": "string"},
				"timeout": map[string]any{"type": "string", "description": "duration string, e.g. \"60s\""},
			},
		},
		func(ctx context.Context, args map[string]any) (Result, error) {
			name, _ := args["name"].(string)
			var timeout time.Duration
			if v, ok := args["timeout"].(string); ok && v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return Result{}, fmt.Errorf("await_signal: invalid timeout %q: %w", v, err)
				}
				timeout = d
			}
			ctx, span := tracer.Start(ctx, "signal.await_signal")
			defer span.End()
			span.AddEvent("signal.wait", "name", name, "timeout", timeout.String())
			payload, status, err := store.Await(ctx, e.SessionID, name, timeout)
			if err != nil {
				span.RecordError(err)
				return Result{}, err
			}
			span.AddEvent("signal.resolved", "name", name, "status", status)
			return Result{Content: status, Extra: payload}, nil
		},
	); err != nil {
		return err
	}

	if err := r.Register("fire_signal", "Deliver a payload to waiters of a named signal.",
		map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name":    map[string]any{"type": "string"},
				"payload": map[string]any{"type": "object"},
			},
		},
		func(ctx context.Context, args map[string]any) (Result, error) {
			name, _ := args["name"].(string)
			payload, _ := args["payload"].(map[string]any)
			firedCount, err := store.Fire(ctx, e.SessionID, name, payload)
			if err != nil {
				return Result{}, err
			}
			return Result{Content: fmt.Sprintf("fired %s", name), Extra: map[string]any{"fired_count": firedCount}}, nil
		},
	); err != nil {
		return err
	}

	if err := r.Register("list_signals", "List outstanding signal waiters for this session.",
		map[string]any{"type": "object"},
		func(ctx context.Context, _ map[string]any) (Result, error) {
			names, err := store.List(ctx, e.SessionID)
			if err != nil {
				return Result{}, err
			}
			return Result{Content: fmt.Sprintf("%v", names)}, nil
		},
	); err != nil {
		return err
	}

	if err := r.Register("cancel_signal", "Cancel an outstanding signal wait.",
		map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
		},
		func(ctx context.Context, args map[string]any) (Result, error) {
			name, _ := args["name"].(string)
			if err := store.Cancel(ctx, e.SessionID, name); err != nil {
				return Result{}, err
			}
			return Result{Content: "cancelled " + name}, nil
		},
	); err != nil {
		return err
	}

	return nil
}
