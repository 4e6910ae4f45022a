package runner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"lars/agent"
	"lars/echo"
	"lars/errs"
	"lars/handoff"
	"lars/trace"
)

// runTurnLoop implements the LLM turn loop from spec.md §4.1.1: per-turn
// chat request with tool definitions, dispatching any tool calls the model
// makes, auto-injecting route_to as a pending handoff, persisting images
// from tool results, and stopping on loop_until, a natural StopLoop, or
// max_turns exhaustion.
func (r *Runner) runTurnLoop(ctx context.Context, e *echo.Echo, spec Spec, feedback string) (any, bool, error) {
	maxTurns := spec.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 8
	}

	if spec.SystemPrompt != "" {
		e.AppendHistory(echo.Message{Role: "system", Content: spec.SystemPrompt})
	}
	if feedback != "" {
		e.AppendHistory(echo.Message{Role: "user", Content: "Prior attempt was rejected: " + feedback})
	}
	if spec.UserPrompt != "" {
		e.AppendHistory(echo.Message{Role: "user", Content: spec.UserPrompt})
	}

	toolDefs := r.buildToolDefs(spec.Tools)

	var lastContent string
	var pendingRoute string
	var pendingSource string
	exhausted := false

	for turn := 0; turn < maxTurns; turn++ {
		r.publish(ctx, e, trace.EventTurnStart, r.currentNode(e), map[string]any{"turn": turn})

		turnCtx, span := r.tracer().Start(ctx, "cell."+spec.Name+".turn")
		turnStart := time.Now()
		messages := toAgentMessages(e.History())
		resp, err := r.Client.Chat(turnCtx, spec.Model, messages, toolDefs, spec.Params)
		r.metrics().RecordTimer("lars.turn.duration", time.Since(turnStart), "cell", spec.Name)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "chat request failed")
			span.End()
			return nil, false, errs.Agent(spec.Name, "chat request failed", err)
		}
		span.AddEvent("llm.usage",
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
			"cost_usd", resp.Usage.CostUSD,
		)
		r.metrics().RecordGauge("lars.turn.cost_usd", resp.Usage.CostUSD, "cell", spec.Name)
		span.SetStatus(codes.Ok, "ok")
		span.End()

		e.AppendHistory(echo.Message{Role: "assistant", Content: resp.Content})
		lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			if resp.StopLoop || (spec.LoopUntil != nil && spec.LoopUntil(resp)) {
				break
			}
			if turn == maxTurns-1 {
				exhausted = true
			}
			continue
		}

		var routeTargets []string
		for _, tc := range resp.ToolCalls {
			r.publish(ctx, e, trace.EventToolCall, r.currentNode(e), map[string]any{"tool": tc.Name, "arguments": tc.Arguments})
			toolCtx, toolSpan := r.tracer().Start(ctx, "tool."+tc.Name)
			toolStart := time.Now()
			res, callErr := r.Traits.Call(toolCtx, tc.Name, tc.Arguments)
			r.metrics().RecordTimer("lars.tool.duration", time.Since(toolStart), "tool", tc.Name)
			if callErr != nil {
				toolSpan.RecordError(callErr)
				toolSpan.SetStatus(codes.Error, "tool call failed")
				toolSpan.End()
				e.AppendHistory(echo.Message{Role: "tool", Content: fmt.Sprintf("error: %v", callErr), ToolCallID: tc.ID, Name: tc.Name})
				r.publish(ctx, e, trace.EventToolResult, r.currentNode(e), map[string]any{"tool": tc.Name, "error": callErr.Error()})
				continue
			}
			toolSpan.SetStatus(codes.Ok, "ok")
			toolSpan.End()
			// An invalid route_to target gets an error tool-result and the
			// turn loop keeps running so the agent can retry (§4.5 "Invalid
			// target -> error tool-result, agent retries"), rather than
			// breaking out with a target that handoff.Resolve would only
			// reject later, once the loop has already ended.
			if res.Route != "" {
				if _, rerr := handoff.Resolve(spec.Name, res.Route, spec.Handoffs, "tool_call"); rerr != nil {
					e.AppendHistory(echo.Message{Role: "tool", Content: "error: " + rerr.Error(), ToolCallID: tc.ID, Name: tc.Name})
					r.publish(ctx, e, trace.EventToolResult, r.currentNode(e), map[string]any{"tool": tc.Name, "error": rerr.Error()})
					continue
				}
			}
			images := r.persistImages(ctx, e, r.currentNode(e), spec.Name, res.Images)
			e.AppendHistory(echo.Message{Role: "tool", Content: res.Content, Images: images, ToolCallID: tc.ID, Name: tc.Name})
			r.publish(ctx, e, trace.EventToolResult, r.currentNode(e), map[string]any{"tool": tc.Name, "content": res.Content})
			if res.Route != "" {
				routeTargets = append(routeTargets, res.Route)
			}
		}

		if first, dropped := handoff.FirstOf(routeTargets); first != "" {
			pendingRoute = first
			pendingSource = "tool_call"
			for _, d := range dropped {
				_ = d // additional route_to calls in the same turn are dropped, not honored
			}
			break
		}

		if resp.StopLoop || (spec.LoopUntil != nil && spec.LoopUntil(resp)) {
			break
		}
		if turn == maxTurns-1 {
			exhausted = true
		}
	}

	if pendingRoute != "" {
		return routedOutput{content: lastContent, route: pendingRoute, source: pendingSource}, exhausted, nil
	}
	if lastContent == "" && exhausted {
		return nil, true, errs.Cell(spec.Name, "max_turns exhausted with no terminal content", nil)
	}
	return lastContent, exhausted, nil
}

func (r *Runner) buildToolDefs(names []string) []agent.ToolDef {
	var defs []agent.ToolDef
	for _, n := range names {
		spec, ok := r.Traits.Lookup(n)
		if !ok {
			continue
		}
		defs = append(defs, agent.ToolDef{Name: spec.Name, Description: spec.Description, Schema: spec.RawSchema})
	}
	return defs
}

// currentNode returns a zero-value node placeholder scoped to the cell's
// session/trace for per-turn event publication. No turn-level trace node is
// opened: per-turn events carry an empty node ID under the cell's trace.
func (r *Runner) currentNode(e *echo.Echo) *trace.Node {
	return &trace.Node{SessionID: e.SessionID, ParentID: e.TraceID}
}

func toAgentMessages(history []echo.Message) []agent.Message {
	out := make([]agent.Message, 0, len(history))
	for _, m := range history {
		out = append(out, agent.Message{
			Role:       agent.Role(m.Role),
			Content:    m.Content,
			Images:     m.Images,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}
	return out
}
