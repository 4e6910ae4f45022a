package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIPricing mirrors AnthropicPricing for OpenAI-hosted models.
type OpenAIPricing struct {
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// OpenAIClient adapts the OpenAI SDK to the Client contract.
type OpenAIClient struct {
	sdk     openai.Client
	pricing map[string]OpenAIPricing
}

// NewOpenAIClient constructs a Client backed by the OpenAI chat completions
// API.
func NewOpenAIClient(apiKey string, pricing map[string]OpenAIPricing, opts ...option.RequestOption) *OpenAIClient {
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAIClient{
		sdk:     openai.NewClient(reqOpts...),
		pricing: pricing,
	}
}

func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolDef, params Params) (Response, error) {
	var msgs []openai.ChatCompletionMessageParamUnion

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case RoleTool:
			msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}

	var toolParams []openai.ChatCompletionToolParam
	for _, t := range tools {
		toolParams = append(toolParams, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Schema),
			},
		})
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    msgs,
		Tools:       toolParams,
		Temperature: openai.Float(params.Temperature),
	})
	if err != nil {
		return Response{}, fmt.Errorf("agent: openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("agent: openai chat: empty choices")
	}

	choice := resp.Choices[0]
	var out Response
	out.Content = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	out.StopLoop = choice.FinishReason == "stop"
	out.Usage = Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	if p, ok := c.pricing[model]; ok {
		out.Usage.CostUSD = float64(out.Usage.PromptTokens)/1e6*p.PromptPerMTok +
			float64(out.Usage.CompletionTokens)/1e6*p.CompletionPerMTok
	}
	return out, nil
}
