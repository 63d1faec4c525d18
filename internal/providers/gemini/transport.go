// Package gemini adapts Google's Gemini GenerateContentStream API into a
// streaming.Transport: it converts a protocol.Prompt into a GenerateContent
// request, then re-emits the native Gemini part stream as this module's own
// "response.*" wire events so the Model Streaming Client's ordinary SSE
// Decoder can consume it unmodified.
//
// Grounded directly on internal/agent/providers/google.go's GoogleProvider:
// convertMessages/buildConfig for request construction, and
// processStreamResponse's candidate/part iteration (Go 1.23 iter.Seq2) for
// the translation loop, generalized from agent.CompletionChunk output to
// this module's response.* SSE framing. Tool-call IDs are synthesized the
// same way generateToolCallID does, since Gemini's FunctionCall carries no
// ID of its own.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

// Transport implements streaming.Transport against Google's Gemini API.
type Transport struct {
	client       *genai.Client
	defaultModel string
}

// Config configures the Gemini transport.
type Config struct {
	APIKey       string
	DefaultModel string
}

// New builds a Transport from cfg, defaulting DefaultModel the way
// NewGoogleProvider's zero-value handling does in the teacher.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	model := cfg.DefaultModel
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini transport: create client: %w", err)
	}
	return &Transport{client: client, defaultModel: model}, nil
}

// Post sends prompt to Gemini and returns an *http.Response whose Body, as
// it is read, yields this module's own "response.*" SSE frames translated
// live from Gemini's native content stream.
func (t *Transport) Post(ctx context.Context, prompt *protocol.Prompt) (*http.Response, error) {
	model := prompt.Model
	if model == "" {
		model = t.defaultModel
	}

	contents, err := convertItems(prompt.Input)
	if err != nil {
		return nil, fmt.Errorf("gemini transport: convert items: %w", err)
	}

	config := &genai.GenerateContentConfig{}
	if prompt.Instructions != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: prompt.Instructions}}}
	}
	if len(prompt.Tools) > 0 {
		config.Tools = convertTools(prompt.Tools)
	}

	streamIter := t.client.Models.GenerateContentStream(ctx, model, contents, config)

	pr, pw := io.Pipe()
	go translateStream(streamIter, pw)

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       pr,
	}, nil
}

func convertItems(items []protocol.ResponseItem) ([]*genai.Content, error) {
	var out []*genai.Content
	for _, item := range items {
		content := &genai.Content{}

		switch item.Type {
		case protocol.ItemMessage:
			content.Role = genai.RoleUser
			if item.Role == "assistant" {
				content.Role = genai.RoleModel
			}
			var text string
			for _, c := range item.Content {
				if c.Type == protocol.ContentInputText || c.Type == protocol.ContentOutputText {
					text += c.Text
				}
			}
			if text == "" {
				continue
			}
			content.Parts = append(content.Parts, &genai.Part{Text: text})

		case protocol.ItemFunctionCall:
			content.Role = genai.RoleModel
			var args map[string]any
			if err := json.Unmarshal(item.Arguments, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: item.Name, Args: args},
			})

		case protocol.ItemFunctionCallOut:
			content.Role = genai.RoleUser
			var response map[string]any
			if err := json.Unmarshal([]byte(item.Output), &response); err != nil {
				response = map[string]any{"result": item.Output}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: toolNameForCall(items, item.CallID), Response: response},
			})

		default:
			// Reasoning/local-shell/web-search items have no Gemini
			// analogue; they only round-trip within this module's own wire
			// format.
			continue
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out, nil
}

// toolNameForCall looks up the function name a prior function_call item
// used for callID, mirroring getToolNameFromID's lookup-by-ID pattern.
func toolNameForCall(items []protocol.ResponseItem, callID string) string {
	for _, item := range items {
		if item.Type == protocol.ItemFunctionCall && item.CallID == callID {
			return item.Name
		}
	}
	return ""
}

func convertTools(specs []protocol.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, s := range specs {
		var schema map[string]any
		if err := json.Unmarshal(s.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// translateStream drives the Gemini content stream iterator and writes this
// module's own response.* SSE frames to w, closing w when the stream ends.
func translateStream(streamIter func(func(*genai.GenerateContentResponse, error) bool), w *io.PipeWriter) {
	bw := frameWriter{w: w}
	var outputIndex uint32
	var seq uint64
	nextSeq := func() uint64 { seq++; return seq }

	bw.write("response.created", map[string]any{"sequence_number": nextSeq()})

	var streamErr error
	streamIter(func(resp *genai.GenerateContentResponse, err error) bool {
		if err != nil {
			streamErr = err
			return false
		}
		if resp == nil {
			return true
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					bw.write("response.output_text.delta", map[string]any{
						"delta": part.Text, "item_id": "msg", "output_index": outputIndex,
						"sequence_number": nextSeq(),
					})
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					item := protocol.ResponseItem{
						Type:      protocol.ItemFunctionCall,
						CallID:    generateToolCallID(part.FunctionCall.Name),
						Name:      part.FunctionCall.Name,
						Arguments: argsJSON,
					}
					bw.write("response.output_item.done", map[string]any{
						"item": item, "output_index": outputIndex, "sequence_number": nextSeq(),
					})
					outputIndex++
				}
			}
		}
		return true
	})

	if streamErr != nil {
		w.CloseWithError(streamErr)
		return
	}
	bw.write("response.completed", map[string]any{
		"sequence_number": nextSeq(),
		"response":        map[string]any{"id": "gemini-stream"},
	})
	w.Close()
}

// generateToolCallID synthesizes a call ID, since Gemini's FunctionCall
// carries no ID of its own.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

type frameWriter struct {
	w io.Writer
}

func (f *frameWriter) write(kind string, fields map[string]any) {
	fields["type"] = kind
	body, _ := json.Marshal(fields)
	fmt.Fprintf(f.w, "event: %s\ndata: %s\n\n", kind, body)
}
