// Package anthropic adapts Anthropic's Messages API into a
// streaming.Transport: it converts a protocol.Prompt into an Anthropic
// streaming request, then re-emits the native Anthropic SSE event sequence
// as this module's own "response.*" wire events so the Model Streaming
// Client's ordinary SSE Decoder can consume it unmodified.
//
// Grounded directly on internal/agent/providers/anthropic.go's
// AnthropicProvider: convertMessages/convertTools/createStream for request
// construction, and processStream's event switch (message_start,
// content_block_start/delta/stop, message_delta, message_stop, error) for
// the translation loop, generalized from agent.CompletionChunk output to
// this module's response.* SSE framing.
package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

// Transport implements streaming.Transport against Anthropic's Messages API.
type Transport struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// Config configures the Anthropic transport.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int64
}

// New builds a Transport from cfg, defaulting DefaultModel and MaxTokens
// the way AnthropicConfig's zero-value handling does in the teacher.
func New(cfg Config) *Transport {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Transport{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Post sends prompt to Anthropic and returns an *http.Response whose Body,
// as it is read, yields this module's own "response.*" SSE frames
// translated live from Anthropic's native stream.
func (t *Transport) Post(ctx context.Context, prompt *protocol.Prompt) (*http.Response, error) {
	params, err := t.buildParams(prompt)
	if err != nil {
		return nil, fmt.Errorf("anthropic transport: build params: %w", err)
	}

	pr, pw := io.Pipe()
	stream := t.client.Messages.NewStreaming(ctx, params)
	go translateStream(stream, pw)

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       pr,
	}, nil
}

func (t *Transport) buildParams(prompt *protocol.Prompt) (anthropic.MessageNewParams, error) {
	messages, err := convertItems(prompt.Input)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := prompt.Model
	if model == "" {
		model = t.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: t.maxTokens,
	}
	if prompt.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: prompt.Instructions}}
	}
	if len(prompt.Tools) > 0 {
		params.Tools = convertTools(prompt.Tools)
	}
	return params, nil
}

func convertItems(items []protocol.ResponseItem) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case protocol.ItemMessage:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(item.Content))
			for _, c := range item.Content {
				switch c.Type {
				case protocol.ContentInputText, protocol.ContentOutputText:
					blocks = append(blocks, anthropic.NewTextBlock(c.Text))
				}
			}
			if len(blocks) == 0 {
				continue
			}
			if item.Role == "assistant" {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			} else {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case protocol.ItemFunctionCallOut:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(item.CallID, item.Output, false),
			))
		default:
			// Reasoning/custom-tool/web-search items have no Anthropic analogue;
			// they only round-trip within this module's own wire format.
		}
	}
	return out, nil
}

func convertTools(specs []protocol.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		var schema anthropic.ToolInputSchemaParam
		if len(s.Schema) > 0 {
			_ = json.Unmarshal(s.Schema, &schema)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, s.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(s.Description)
		}
		out = append(out, toolParam)
	}
	return out
}

// translateStream drives the Anthropic SSE stream and writes this module's
// own response.* SSE frames to w, closing w when the stream ends.
func translateStream(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, w *io.PipeWriter) {
	bw := bufio.NewWriter(w)
	var toolCallID, toolCallName string
	var toolInput strings.Builder
	var outputIndex uint32
	var seq uint64

	writeFrame := func(kind string, fields map[string]any) {
		fields["type"] = kind
		body, _ := json.Marshal(fields)
		fmt.Fprintf(bw, "event: %s\ndata: %s\n\n", kind, body)
		bw.Flush()
	}
	nextSeq := func() uint64 { seq++; return seq }

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			writeFrame("response.created", map[string]any{"sequence_number": nextSeq()})

		case "content_block_start":
			cb := event.AsContentBlockStart()
			if cb.ContentBlock.Type == "tool_use" {
				toolUse := cb.ContentBlock.AsToolUse()
				toolCallID = toolUse.ID
				toolCallName = toolUse.Name
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					writeFrame("response.output_text.delta", map[string]any{
						"delta": delta.Text, "item_id": "msg", "output_index": outputIndex,
						"sequence_number": nextSeq(),
					})
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolCallID != "" {
				item := protocol.ResponseItem{
					Type:      protocol.ItemFunctionCall,
					CallID:    toolCallID,
					Name:      toolCallName,
					Arguments: json.RawMessage(toolInput.String()),
				}
				writeFrame("response.output_item.done", map[string]any{
					"item": item, "output_index": outputIndex, "sequence_number": nextSeq(),
				})
				toolCallID, toolCallName = "", ""
				outputIndex++
			}

		case "message_stop":
			writeFrame("response.completed", map[string]any{
				"sequence_number": nextSeq(),
				"response":        map[string]any{"id": "anthropic-stream"},
			})
			w.Close()
			return

		case "error":
			w.CloseWithError(fmt.Errorf("anthropic transport: stream error"))
			return
		}
	}
	if err := stream.Err(); err != nil {
		w.CloseWithError(err)
		return
	}
	w.Close()
}
