// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates runtime requests into
// openai.ChatCompletionNewParams calls using github.com/openai/openai-go and
// maps responses (text, tool calls, usage) back into model.Response.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/tools"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client the adapter
	// calls. It is satisfied by the Chat Completions service on
	// openai.Client, so callers can pass either a real client or a test
	// double.
	ChatClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
		NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
	}

	// Options configures optional OpenAI adapter behavior.
	Options struct {
		DefaultModel string
		HighModel    string
		SmallModel   string
		MaxTokens    int
		Temperature  float64
	}

	// Client implements model.Client on top of OpenAI Chat Completions.
	Client struct {
		chat         ChatClient
		defaultModel string
		highModel    string
		smallModel   string
		maxTok       int
		temp         float64
	}
)

// New builds an OpenAI-backed model client from a Chat Completions client and
// configuration options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client,
// reading OPENAI_API_KEY-style credentials via option.WithAPIKey.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completions.new: %w", err)
	}
	return translateResponse(resp, provToCanon)
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completions.new stream: %w", err)
	}
	return newOpenAIStreamer(ctx, stream, provToCanon), nil
}

func (c *Client) prepareRequest(req *model.Request) (*openai.ChatCompletionNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("openai: messages are required")
	}
	modelID := c.resolveModelID(req)
	if modelID == "" {
		return nil, nil, errors.New("openai: model identifier is required")
	}
	toolParams, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: msgs,
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if maxTokens := c.effectiveMaxTokens(req.MaxTokens); maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = openai.Float(t)
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, canonToProv, req.Tools)
		if err != nil {
			return nil, nil, err
		}
		params.ToolChoice = tc
	}
	return &params, provToCanon, nil
}

// resolveModelID picks the concrete model ID from Request.Model and
// Request.ModelClass. Model takes precedence; an empty class falls back to
// the configured default.
func (c *Client) resolveModelID(req *model.Request) string {
	if s := req.Model; s != "" {
		return s
	}
	switch req.ModelClass {
	case model.ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case model.ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func encodeMessages(msgs []*model.Message, nameMap map[string]string) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case model.ConversationRoleSystem:
			for _, p := range m.Parts {
				if v, ok := p.(model.TextPart); ok && v.Text != "" {
					out = append(out, openai.SystemMessage(v.Text))
				}
			}
		case model.ConversationRoleUser:
			text, results := splitUserParts(m.Parts)
			for _, r := range results {
				out = append(out, openai.ToolMessage(r.content, r.toolCallID))
			}
			if text != "" {
				out = append(out, openai.UserMessage(text))
			}
		case model.ConversationRoleAssistant:
			msg, err := encodeAssistantMessage(m.Parts, nameMap)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				out = append(out, *msg)
			}
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}
	return out, nil
}

type toolResultParam struct {
	toolCallID string
	content    string
}

// splitUserParts separates plain text from tool_result parts within a user
// message. OpenAI represents tool results as standalone "tool" role messages
// rather than inline content blocks, so a single runtime user message may
// expand into several OpenAI messages.
func splitUserParts(parts []model.Part) (string, []toolResultParam) {
	var sb strings.Builder
	var results []toolResultParam
	for _, part := range parts {
		switch v := part.(type) {
		case model.TextPart:
			sb.WriteString(v.Text)
		case model.ToolResultPart:
			results = append(results, toolResultParam{
				toolCallID: v.ToolUseID,
				content:    encodeToolResultContent(v),
			})
		}
	}
	return sb.String(), results
}

func encodeToolResultContent(v model.ToolResultPart) string {
	switch c := v.Content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			return string(data)
		}
		return ""
	}
}

func encodeAssistantMessage(parts []model.Part, nameMap map[string]string) (*openai.ChatCompletionMessageParamUnion, error) {
	var text strings.Builder
	var calls []openai.ChatCompletionMessageToolCallUnionParam
	for _, part := range parts {
		switch v := part.(type) {
		case model.TextPart:
			text.WriteString(v.Text)
		case model.ToolUsePart:
			if v.Name == "" {
				return nil, errors.New("openai: tool_use part missing name")
			}
			sanitized, ok := nameMap[v.Name]
			if !ok || sanitized == "" {
				return nil, fmt.Errorf(
					"openai: tool_use in messages references %q which is not in the current tool configuration",
					v.Name,
				)
			}
			args, err := encodeToolInput(v.Input)
			if err != nil {
				return nil, fmt.Errorf("openai: tool_use %q arguments: %w", v.Name, err)
			}
			calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: v.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      sanitized,
						Arguments: args,
					},
				},
			})
		default:
			// Thinking, image, citation, and cache-checkpoint parts round-trip
			// through the response path but are not re-encoded into a
			// follow-up request here; OpenAI Chat Completions has no
			// equivalent wire representation for them.
		}
	}
	if text.Len() == 0 && len(calls) == 0 {
		return nil, nil
	}
	msg := openai.ChatCompletionAssistantMessageParam{}
	if text.Len() > 0 {
		msg.Content.OfString = openai.String(text.String())
	}
	if len(calls) > 0 {
		msg.ToolCalls = calls
	}
	union := openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
	return &union, nil
}

func encodeToolInput(input any) (string, error) {
	switch v := input.(type) {
	case nil:
		return "{}", nil
	case string:
		if v == "" {
			return "{}", nil
		}
		return v, nil
	case json.RawMessage:
		if len(v) == 0 {
			return "{}", nil
		}
		return string(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func encodeTools(defs []*model.ToolDefinition) ([]openai.ChatCompletionToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		if def == nil {
			continue
		}
		canonical := def.Name
		if canonical == "" {
			continue
		}
		sanitized := sanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf(
				"openai: tool name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev,
			)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		if def.Description == "" {
			return nil, nil, nil, fmt.Errorf("openai: tool %q is missing description", canonical)
		}
		params, err := toolParameters(def.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("openai: tool %q schema: %w", canonical, err)
		}
		toolList = append(toolList, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        sanitized,
			Description: openai.String(def.Description),
			Parameters:  params,
		}))
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return toolList, canonToSan, sanToCanon, nil
}

func toolParameters(schema any) (shared.FunctionParameters, error) {
	if schema == nil {
		return shared.FunctionParameters{"type": "object"}, nil
	}
	var raw json.RawMessage
	switch v := schema.(type) {
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 {
		return shared.FunctionParameters{"type": "object"}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return shared.FunctionParameters(m), nil
}

func encodeToolChoice(choice *model.ToolChoice, canonToProv map[string]string, defs []*model.ToolDefinition) (openai.ChatCompletionToolChoiceOptionUnionParam, error) {
	if choice == nil {
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, nil
	}
	switch choice.Mode {
	case "", model.ToolChoiceModeAuto:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("auto")}, nil
	case model.ToolChoiceModeNone:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("none")}, nil
	case model.ToolChoiceModeAny:
		return openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String("required")}, nil
	case model.ToolChoiceModeTool:
		if choice.Name == "" {
			return openai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: tool choice mode %q requires a tool name", choice.Mode)
		}
		if !hasToolDefinition(defs, choice.Name) {
			return openai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: tool choice name %q does not match any tool", choice.Name)
		}
		sanitized, ok := canonToProv[choice.Name]
		if !ok || sanitized == "" {
			return openai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: tool choice name %q does not match any tool", choice.Name)
		}
		return openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: sanitized},
			},
		}, nil
	default:
		return openai.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func hasToolDefinition(defs []*model.ToolDefinition, name string) bool {
	for _, def := range defs {
		if def != nil && def.Name == name {
			return true
		}
	}
	return false
}

// sanitizeToolName maps a canonical tool identifier ("toolset.tool") to the
// character set OpenAI function names allow ([a-zA-Z0-9_-]+, <=64 chars),
// replacing '.' and any other disallowed rune with '_'.
func sanitizeToolName(in string) string {
	if in == "" {
		return in
	}
	out := make([]rune, 0, len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	name := string(out)
	if len(name) <= 64 {
		return name
	}
	return name[:64]
}

func isRateLimited(err error) bool {
	return err != nil && errors.Is(err, model.ErrRateLimited)
}

func translateResponse(resp *openai.ChatCompletion, nameMap map[string]string) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	out := &model.Response{}
	choice := resp.Choices[0]
	if text := choice.Message.Content; text != "" {
		out.Content = append(out.Content, model.Message{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: text}},
		})
	}
	for _, call := range choice.Message.ToolCalls {
		fn := call.Function
		name := fn.Name
		if canonical, ok := nameMap[fn.Name]; ok {
			name = canonical
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			Name:    tools.Ident(name),
			Payload: decodeToolArguments(fn.Arguments),
			ID:      call.ID,
		})
	}
	out.Usage = model.TokenUsage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	out.StopReason = string(choice.FinishReason)
	return out, nil
}

func decodeToolArguments(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = "{}"
	}
	return json.RawMessage(trimmed)
}
