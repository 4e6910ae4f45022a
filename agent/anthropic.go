package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicPricing maps a model name to its per-million-token prompt/
// completion cost, used only for Echo lineage cost accounting.
type AnthropicPricing struct {
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// AnthropicClient adapts the Anthropic SDK to the Client contract.
type AnthropicClient struct {
	sdk      anthropic.Client
	pricing  map[string]AnthropicPricing
}

// NewAnthropicClient constructs a Client backed by api.anthropic.com (or
// whatever base URL/key opts configure). pricing is optional; a nil map
// disables cost accounting.
func NewAnthropicClient(apiKey string, pricing map[string]AnthropicPricing, opts ...option.RequestOption) *AnthropicClient {
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicClient{
		sdk:     anthropic.NewClient(reqOpts...),
		pricing: pricing,
	}
}

func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolDef, params Params) (Response, error) {
	var system string
	var msgParams []anthropic.MessageParam

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case RoleUser:
			msgParams = append(msgParams, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			msgParams = append(msgParams, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case RoleTool:
			raw, _ := json.Marshal(m.Content)
			msgParams = append(msgParams, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, string(raw), false),
			))
		}
	}

	var toolParams []anthropic.ToolUnionParam
	for _, t := range tools {
		schema, _ := json.Marshal(t.Schema)
		var inputSchema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(schema, &inputSchema)
		toolParams = append(toolParams, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: inputSchema,
			},
		})
	}

	maxTokens := int64(params.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    msgParams,
		Tools:       toolParams,
		Temperature: anthropic.Float(params.Temperature),
	})
	if err != nil {
		return Response{}, fmt.Errorf("agent: anthropic chat: %w", err)
	}

	var resp Response
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += variant.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			_ = json.Unmarshal(variant.Input, &args)
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		}
	}

	resp.StopLoop = msg.StopReason == anthropic.StopReasonEndTurn
	resp.Usage = Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	if p, ok := c.pricing[model]; ok {
		resp.Usage.CostUSD = float64(resp.Usage.PromptTokens)/1e6*p.PromptPerMTok +
			float64(resp.Usage.CompletionTokens)/1e6*p.CompletionPerMTok
	}
	return resp, nil
}
