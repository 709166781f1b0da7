package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/sagents-ai/sagents/runtime/agent/model"
	"github.com/sagents-ai/sagents/runtime/agent/tools"
)

// anthropicStreamer adapts an Anthropic Messages streaming response to the
// model.Streamer interface.
type anthropicStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any

	toolNameMap map[string]string
}

func newAnthropicStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	as := &anthropicStreamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		chunks:      make(chan model.Chunk, 32),
		toolNameMap: nameMap,
	}
	go as.run()
	return as
}

// Recv implements model.Streamer.
func (s *anthropicStreamer) Recv() (model.Chunk, error) {
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
func (s *anthropicStreamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

// Metadata implements model.Streamer.
func (s *anthropicStreamer) Metadata() map[string]any {
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

func (s *anthropicStreamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	processor := newAnthropicChunkProcessor(s.emitChunk, s.recordUsage, s.toolNameMap)

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

func (s *anthropicStreamer) emitChunk(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *anthropicStreamer) recordUsage(usage model.TokenUsage) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = usage
	s.metaMu.Unlock()
}

func (s *anthropicStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *anthropicStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// anthropicChunkProcessor converts Anthropic streaming events into
// model.Chunks, buffering partial tool-call JSON and thinking text until
// their content block closes.
type anthropicChunkProcessor struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)

	toolBlocks     map[int]*toolBuffer
	thinkingBlocks map[int]*thinkingBuffer

	toolNameMap map[string]string

	stopReason string
}

func newAnthropicChunkProcessor(emit func(model.Chunk) error, recordUsage func(model.TokenUsage), nameMap map[string]string) *anthropicChunkProcessor {
	return &anthropicChunkProcessor{
		emit:           emit,
		recordUsage:    recordUsage,
		toolBlocks:     make(map[int]*toolBuffer),
		thinkingBlocks: make(map[int]*thinkingBuffer),
		toolNameMap:    nameMap,
	}
}

func (p *anthropicChunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.thinkingBlocks = make(map[int]*thinkingBuffer)
		p.stopReason = ""
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return errors.New("anthropic stream: tool use block missing id")
			}
			if toolUse.Name == "" {
				return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
			}
			tb := &toolBuffer{id: toolUse.ID}
			// Anthropic echoes the provider-visible tool name in tool_use
			// blocks. A hallucinated name not advertised in this request
			// surfaces as-is; the runtime turns it into an unknown-tool
			// result on the next turn.
			if canonical, ok := p.toolNameMap[toolUse.Name]; ok {
				tb.name = canonical
			} else {
				tb.name = toolUse.Name
			}
			p.toolBlocks[idx] = tb
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		return p.handleDelta(int(ev.Index), ev.Delta.AsAny())
	case sdk.ContentBlockStopEvent:
		return p.handleBlockStop(int(ev.Index))
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := model.TokenUsage{
			InputTokens:      int(ev.Usage.InputTokens),
			OutputTokens:     int(ev.Usage.OutputTokens),
			TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
			CacheReadTokens:  int(ev.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(ev.Usage.CacheCreationInputTokens),
		}
		if p.recordUsage != nil {
			p.recordUsage(usage)
		}
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, UsageDelta: &usage})
	case sdk.MessageStopEvent:
		chunk := model.Chunk{Type: model.ChunkTypeStop}
		if p.stopReason != "" {
			chunk.StopReason = p.stopReason
		}
		p.toolBlocks = make(map[int]*toolBuffer)
		p.thinkingBlocks = make(map[int]*thinkingBuffer)
		return p.emit(chunk)
	}
	return nil
}

func (p *anthropicChunkProcessor) handleDelta(idx int, delta any) error {
	switch d := delta.(type) {
	case sdk.TextDelta:
		if d.Text == "" {
			return nil
		}
		return p.emit(model.Chunk{
			Type: model.ChunkTypeText,
			Message: &model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: d.Text}},
				Meta:  map[string]any{"content_index": idx},
			},
		})
	case sdk.InputJSONDelta:
		if d.PartialJSON == "" {
			return nil
		}
		tb := p.toolBlocks[idx]
		if tb == nil {
			return nil
		}
		tb.fragments = append(tb.fragments, d.PartialJSON)
		return p.emit(model.Chunk{
			Type: model.ChunkTypeToolCallDelta,
			ToolCallDelta: &model.ToolCallDelta{
				Name:  tools.Ident(tb.name),
				ID:    tb.id,
				Delta: d.PartialJSON,
			},
		})
	case sdk.ThinkingDelta:
		if d.Thinking == "" {
			return nil
		}
		tb := p.thinkingBlocks[idx]
		if tb == nil {
			tb = &thinkingBuffer{}
			p.thinkingBlocks[idx] = tb
		}
		tb.text.WriteString(d.Thinking)
		return p.emit(model.Chunk{
			Type:     model.ChunkTypeThinking,
			Thinking: d.Thinking,
			Message: &model.Message{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.ThinkingPart{Text: d.Thinking, Index: idx}},
			},
		})
	case sdk.SignatureDelta:
		if d.Signature == "" {
			return nil
		}
		tb := p.thinkingBlocks[idx]
		if tb == nil {
			tb = &thinkingBuffer{}
			p.thinkingBlocks[idx] = tb
		}
		tb.signature = d.Signature
		return nil
	}
	return nil
}

func (p *anthropicChunkProcessor) handleBlockStop(idx int) error {
	if tb := p.thinkingBlocks[idx]; tb != nil {
		delete(p.thinkingBlocks, idx)
		if part := tb.finalize(idx); part != nil {
			if err := p.emit(model.Chunk{
				Type:     model.ChunkTypeThinking,
				Thinking: part.Text,
				Message:  &model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{*part}},
			}); err != nil {
				return err
			}
		}
	}
	if tb := p.toolBlocks[idx]; tb != nil {
		payload := decodeToolPayload(tb.finalInput())
		delete(p.toolBlocks, idx)
		return p.emit(model.Chunk{
			Type:     model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{Name: tools.Ident(tb.name), Payload: payload, ID: tb.id},
		})
	}
	return nil
}

type toolBuffer struct {
	name      string
	id        string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	if len(tb.fragments) == 0 {
		return "{}"
	}
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

type thinkingBuffer struct {
	text      strings.Builder
	signature string
}

func (tb *thinkingBuffer) finalize(index int) *model.ThinkingPart {
	if s := tb.text.String(); s != "" && tb.signature != "" {
		return &model.ThinkingPart{Text: s, Signature: tb.signature, Index: index, Final: true}
	}
	return nil
}

func decodeToolPayload(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = "{}"
	}
	return json.RawMessage(trimmed)
}
