package bedrock_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/require"

	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/model/provider/bedrock"
)

func textRequest(text string) *model.Request {
	return &model.Request{
		Messages: []*model.Message{{
			Role:  model.ConversationRoleUser,
			Parts: []model.Part{model.TextPart{Text: text}},
		}},
	}
}

func TestClientComplete(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(nil, bedrock.Options{Runtime: mock, DefaultModel: "anthropic.claude-3"})
	require.NoError(t, err)

	mock.output = &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "hello"},
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					Name:  aws.String("calc_tool"),
					Input: document.NewLazyDocument(&map[string]any{"value": 42}),
				}},
			},
		}},
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(100),
			OutputTokens: aws.Int32(20),
			TotalTokens:  aws.Int32(120),
		},
		StopReason: brtypes.StopReasonToolUse,
	}

	req := &model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: "You are smart."}}},
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hi"}}},
		},
		Tools: []*model.ToolDefinition{{
			Name:        "calc.tool",
			Description: "calculator",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	}

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "hello", resp.Content[0].Parts[0].(model.TextPart).Text)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "calc.tool", string(resp.ToolCalls[0].Name))
	require.Equal(t, "tool_use", resp.StopReason)
	require.Equal(t, 120, resp.Usage.TotalTokens)

	input := mock.captured
	require.Equal(t, "anthropic.claude-3", *input.ModelId)
	require.Len(t, input.System, 1)
	require.Len(t, input.Messages, 1)
	require.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	require.Equal(t, "hi", input.Messages[0].Content[0].(*brtypes.ContentBlockMemberText).Value)
	require.NotNil(t, input.ToolConfig)
	require.Len(t, input.ToolConfig.Tools, 1)
}

func TestClientRequiresMessages(t *testing.T) {
	client, err := bedrock.New(nil, bedrock.Options{Runtime: &mockRuntime{}, DefaultModel: "id"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
}

func TestClientNovaRejectsCacheAfterTools(t *testing.T) {
	client, err := bedrock.New(nil, bedrock.Options{Runtime: &mockRuntime{}, DefaultModel: "amazon.nova-pro-v1:0"})
	require.NoError(t, err)
	req := textRequest("hi")
	req.Cache = &model.CacheOptions{AfterTools: true}
	req.Tools = []*model.ToolDefinition{{Name: "t", Description: "d", InputSchema: json.RawMessage(`{}`)}}
	_, err = client.Complete(context.Background(), req)
	require.Error(t, err)
}

func TestClientRateLimited(t *testing.T) {
	mock := &mockRuntime{err: model.ErrRateLimited}
	client, err := bedrock.New(nil, bedrock.Options{Runtime: mock, DefaultModel: "id"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), textRequest("hi"))
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestClientStream(t *testing.T) {
	mock := &mockRuntime{}
	client, err := bedrock.New(nil, bedrock.Options{Runtime: mock, DefaultModel: "anthropic.claude-3"})
	require.NoError(t, err)

	events := []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberMessageStart{Value: brtypes.MessageStartEvent{}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "Hello"},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta: &brtypes.ContentBlockDeltaMemberReasoningContent{
				Value: &brtypes.ReasoningContentBlockDeltaMemberText{Value: "Thinking"},
			},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStart{Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &brtypes.ContentBlockStartMemberToolUse{Value: brtypes.ToolUseBlockStart{
				Name:      aws.String("$FUNCTIONS.search"),
				ToolUseId: aws.String("tool-1"),
			}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta: &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{
				Input: aws.String(`{"query":"sagents"}`),
			}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{
			ContentBlockIndex: aws.Int32(1),
		}},
		&brtypes.ConverseStreamOutputMemberMetadata{Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(10),
				OutputTokens: aws.Int32(2),
				TotalTokens:  aws.Int32(12),
			},
		}},
		&brtypes.ConverseStreamOutputMemberMessageStop{
			Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse},
		},
	}

	mock.streamOutput = newFakeStreamOutput(events, nil)
	req := textRequest("hello")
	req.Tools = []*model.ToolDefinition{{
		Name:        "search",
		Description: "search",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}
	req.Thinking = &model.ThinkingOptions{Enable: true, BudgetTokens: 1024}

	streamer, err := client.Stream(context.Background(), req)
	require.NoError(t, err)
	defer func() { _ = streamer.Close() }()

	var chunks []model.Chunk
	for {
		chunk, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 6)
	require.Equal(t, model.ChunkTypeText, chunks[0].Type)
	require.Equal(t, "Hello", chunks[0].Message.Parts[0].(model.TextPart).Text)
	require.Equal(t, model.ChunkTypeThinking, chunks[1].Type)
	require.Equal(t, model.ChunkTypeToolCallDelta, chunks[2].Type)
	require.Equal(t, model.ChunkTypeToolCall, chunks[3].Type)
	require.Equal(t, "search", string(chunks[3].ToolCall.Name))
	require.JSONEq(t, `{"query":"sagents"}`, string(chunks[3].ToolCall.Payload))
	require.Equal(t, model.ChunkTypeUsage, chunks[4].Type)
	require.Equal(t, 12, chunks[4].UsageDelta.TotalTokens)
	require.Equal(t, model.ChunkTypeStop, chunks[5].Type)
	require.Equal(t, "tool_use", chunks[5].StopReason)

	meta := streamer.Metadata()
	require.NotNil(t, meta)
	usage, ok := meta["usage"].(model.TokenUsage)
	require.True(t, ok)
	require.Equal(t, 12, usage.TotalTokens)

	require.NotNil(t, mock.streamInput)
	require.NotNil(t, mock.streamInput.AdditionalModelRequestFields)
	raw, err := mock.streamInput.AdditionalModelRequestFields.MarshalSmithyDocument()
	require.NoError(t, err)
	var thinking map[string]any
	require.NoError(t, json.Unmarshal(raw, &thinking))
	require.Contains(t, thinking, "thinking")
}

type mockRuntime struct {
	captured     *bedrockruntime.ConverseInput
	output       *bedrockruntime.ConverseOutput
	err          error
	streamInput  *bedrockruntime.ConverseStreamInput
	streamOutput *bedrockruntime.ConverseStreamOutput
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

func (m *mockRuntime) ConverseStream(_ context.Context, params *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	m.streamInput = params
	if m.err != nil {
		return nil, m.err
	}
	return m.streamOutput, nil
}

type fakeStreamReader struct {
	events chan brtypes.ConverseStreamOutput
	err    error
}

func (r *fakeStreamReader) Events() <-chan brtypes.ConverseStreamOutput { return r.events }
func (r *fakeStreamReader) Close() error                                { return nil }
func (r *fakeStreamReader) Err() error                                  { return r.err }

func newFakeStreamOutput(events []brtypes.ConverseStreamOutput, err error) *bedrockruntime.ConverseStreamOutput {
	ch := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	reader := &fakeStreamReader{events: ch, err: err}
	stream := bedrockruntime.NewConverseStreamEventStream(func(es *bedrockruntime.ConverseStreamEventStream) {
		es.Reader = reader
	})
	return &bedrockruntime.ConverseStreamOutput{Stream: stream}
}
