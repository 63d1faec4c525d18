// Package openai adapts OpenAI's Chat Completions streaming API into a
// streaming.Transport: it converts a protocol.Prompt into a chat completion
// request, then re-emits the native OpenAI SSE delta sequence as this
// module's own "response.*" wire events so the Model Streaming Client's
// ordinary SSE Decoder can consume it unmodified.
//
// Grounded directly on internal/agent/providers/openai.go's OpenAIProvider:
// convertToOpenAIMessages/convertToOpenAITools for request construction, and
// processStream's delta/tool-call accumulation loop, generalized from
// agent.CompletionChunk output to this module's response.* SSE framing.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

// Transport implements streaming.Transport against OpenAI's Chat
// Completions API.
type Transport struct {
	client *openai.Client
	model  string
}

// Config configures the OpenAI transport.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// New builds a Transport from cfg, defaulting DefaultModel the way
// OpenAIProvider's zero-value handling does in the teacher.
func New(cfg Config) *Transport {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = openai.GPT4o
	}
	return &Transport{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

// Post sends prompt to OpenAI and returns an *http.Response whose Body, as
// it is read, yields this module's own "response.*" SSE frames translated
// live from OpenAI's native stream.
func (t *Transport) Post(ctx context.Context, prompt *protocol.Prompt) (*http.Response, error) {
	req, err := t.buildRequest(prompt)
	if err != nil {
		return nil, fmt.Errorf("openai transport: build request: %w", err)
	}

	stream, err := t.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai transport: create stream: %w", err)
	}

	pr, pw := io.Pipe()
	go translateStream(stream, pw)

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       pr,
	}, nil
}

func (t *Transport) buildRequest(prompt *protocol.Prompt) (openai.ChatCompletionRequest, error) {
	messages := convertItems(prompt.Input, prompt.Instructions)

	model := prompt.Model
	if model == "" {
		model = t.model
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if len(prompt.Tools) > 0 {
		req.Tools = convertTools(prompt.Tools)
	}
	return req, nil
}

func convertItems(items []protocol.ResponseItem, instructions string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(items)+1)
	if instructions != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		})
	}

	for _, item := range items {
		switch item.Type {
		case protocol.ItemMessage:
			role := openai.ChatMessageRoleUser
			if item.Role == "assistant" {
				role = openai.ChatMessageRoleAssistant
			}
			var text string
			for _, c := range item.Content {
				if c.Type == protocol.ContentInputText || c.Type == protocol.ContentOutputText {
					text += c.Text
				}
			}
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: text})

		case protocol.ItemFunctionCall:
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   item.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      item.Name,
						Arguments: string(item.Arguments),
					},
				}},
			})

		case protocol.ItemFunctionCallOut:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    item.Output,
				ToolCallID: item.CallID,
			})

		default:
			// Reasoning/local-shell/web-search items have no Chat Completions
			// analogue; they only round-trip within this module's own wire
			// format.
		}
	}
	return out
}

func convertTools(specs []protocol.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		var schema map[string]any
		if err := json.Unmarshal(s.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

// translateStream drives the OpenAI SSE stream and writes this module's own
// response.* SSE frames to w, closing w when the stream ends.
func translateStream(stream *openai.ChatCompletionStream, w *io.PipeWriter) {
	defer stream.Close()

	bw := newFrameWriter(w)
	type pendingCall struct {
		id, name string
		args     string
	}
	calls := map[int]*pendingCall{}
	var outputIndex uint32
	var seq uint64
	nextSeq := func() uint64 { seq++; return seq }

	bw.write("response.created", map[string]any{"sequence_number": nextSeq()})

	for {
		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				for _, c := range calls {
					if c.id == "" || c.name == "" {
						continue
					}
					item := protocol.ResponseItem{
						Type:      protocol.ItemFunctionCall,
						CallID:    c.id,
						Name:      c.name,
						Arguments: json.RawMessage(c.args),
					}
					bw.write("response.output_item.done", map[string]any{
						"item": item, "output_index": outputIndex, "sequence_number": nextSeq(),
					})
					outputIndex++
				}
				bw.write("response.completed", map[string]any{
					"sequence_number": nextSeq(),
					"response":        map[string]any{"id": "openai-stream"},
				})
				w.Close()
				return
			}
			w.CloseWithError(err)
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			bw.write("response.output_text.delta", map[string]any{
				"delta": delta.Content, "item_id": "msg", "output_index": outputIndex,
				"sequence_number": nextSeq(),
			})
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if calls[index] == nil {
				calls[index] = &pendingCall{}
			}
			if tc.ID != "" {
				calls[index].id = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				calls[index].args += tc.Function.Arguments
			}
		}
	}
}

// frameWriter formats response.* SSE frames the same way the Anthropic
// transport does, kept package-local since the two providers' stream loops
// differ enough that sharing a helper type would obscure more than it saves.
type frameWriter struct {
	w io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

func (f *frameWriter) write(kind string, fields map[string]any) {
	fields["type"] = kind
	body, _ := json.Marshal(fields)
	fmt.Fprintf(f.w, "event: %s\ndata: %s\n\n", kind, body)
}
