package openai

import (
	"context"
	"io"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/tools"
)

// openAIStreamer adapts an OpenAI Chat Completions streaming response to the
// model.Streamer interface.
type openAIStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[openai.ChatCompletionChunk]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any

	toolNameMap map[string]string
}

func newOpenAIStreamer(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &openAIStreamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		chunks:      make(chan model.Chunk, 32),
		toolNameMap: nameMap,
	}
	go s.run()
	return s
}

// Recv implements model.Streamer.
func (s *openAIStreamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.Chunk{}, err
	}
}

// Close implements model.Streamer.
func (s *openAIStreamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

// Metadata implements model.Streamer.
func (s *openAIStreamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *openAIStreamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	processor := newChunkProcessor(s.emitChunk, s.recordUsage, s.toolNameMap)

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else {
				if err := processor.Finish(); err != nil {
					s.setErr(err)
					return
				}
				s.setErr(nil)
			}
			return
		}
		if err := processor.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *openAIStreamer) emitChunk(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *openAIStreamer) recordUsage(usage model.TokenUsage) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = usage
	s.metaMu.Unlock()
}

func (s *openAIStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *openAIStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkProcessor converts OpenAI streaming chunks into model.Chunks,
// buffering partial tool-call argument fragments (indexed by the delta's
// tool_calls[].Index, OpenAI's content-block-index analogue) until the
// stream ends and Finish flushes them.
type chunkProcessor struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)

	toolBlocks map[int64]*toolBuffer

	toolNameMap map[string]string

	stopReason  string
	sawContent  bool
	stopEmitted bool
}

func newChunkProcessor(emit func(model.Chunk) error, recordUsage func(model.TokenUsage), nameMap map[string]string) *chunkProcessor {
	return &chunkProcessor{
		emit:        emit,
		recordUsage: recordUsage,
		toolBlocks:  make(map[int64]*toolBuffer),
		toolNameMap: nameMap,
	}
}

func (p *chunkProcessor) Handle(chunk openai.ChatCompletionChunk) error {
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			p.sawContent = true
			if err := p.emit(model.Chunk{
				Type: model.ChunkTypeText,
				Message: &model.Message{
					Role:  model.ConversationRoleAssistant,
					Parts: []model.Part{model.TextPart{Text: choice.Delta.Content}},
				},
			}); err != nil {
				return err
			}
		}
		for _, call := range choice.Delta.ToolCalls {
			if err := p.handleToolDelta(call); err != nil {
				return err
			}
		}
		if choice.FinishReason != "" {
			p.stopReason = choice.FinishReason
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		usage := model.TokenUsage{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:  int(chunk.Usage.TotalTokens),
		}
		if p.recordUsage != nil {
			p.recordUsage(usage)
		}
		if err := p.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage}); err != nil {
			return err
		}
	}
	return nil
}

func (p *chunkProcessor) handleToolDelta(call openai.ChatCompletionChunkChoiceDeltaToolCall) error {
	idx := call.Index
	tb := p.toolBlocks[idx]
	if tb == nil {
		tb = &toolBuffer{id: call.ID}
		name := call.Function.Name
		if canonical, ok := p.toolNameMap[name]; ok {
			tb.name = canonical
		} else {
			tb.name = name
		}
		p.toolBlocks[idx] = tb
	}
	if call.ID != "" {
		tb.id = call.ID
	}
	if call.Function.Arguments == "" {
		return nil
	}
	tb.fragments = append(tb.fragments, call.Function.Arguments)
	return p.emit(model.Chunk{
		Type: model.ChunkTypeToolCallDelta,
		ToolCallDelta: &model.ToolCallDelta{
			Name:  tools.Ident(tb.name),
			ID:    tb.id,
			Delta: call.Function.Arguments,
		},
	})
}

// Finish flushes buffered tool calls and the final stop chunk once the
// stream closes. OpenAI Chat Completions never sends an explicit
// content-block-stop event per tool call; unlike Anthropic and Bedrock, a
// tool call's arguments are only known complete once the whole stream ends.
func (p *chunkProcessor) Finish() error {
	for idx := int64(0); idx < int64(len(p.toolBlocks)); idx++ {
		tb := p.toolBlocks[idx]
		if tb == nil {
			continue
		}
		payload := decodeToolArguments(joinFragments(tb.fragments))
		if err := p.emit(model.Chunk{
			Type:     model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{Name: tools.Ident(tb.name), Payload: payload, ID: tb.id},
		}); err != nil {
			return err
		}
	}
	if p.stopReason == "" && !p.sawContent && len(p.toolBlocks) == 0 && p.stopEmitted {
		return nil
	}
	p.stopEmitted = true
	return p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: p.stopReason})
}

type toolBuffer struct {
	name      string
	id        string
	fragments []string
}

func joinFragments(fragments []string) string {
	out := ""
	for _, f := range fragments {
		out += f
	}
	return out
}
