// transport.go adapts AWS Bedrock's ConverseStream API into a
// streaming.Transport: it converts a protocol.Prompt into a Converse
// request, then re-emits the native Bedrock event stream as this module's
// own "response.*" wire events so the Model Streaming Client's ordinary SSE
// Decoder can consume it unmodified.
//
// Grounded directly on internal/agent/providers/bedrock.go's
// BedrockProvider: convertMessages/NewBedrockProvider for request
// construction, and processStream's event-type switch
// (ContentBlockStart/Delta/Stop, MessageStop) for the translation loop,
// generalized from agent.CompletionChunk output to this module's response.*
// SSE framing. When a Prompt leaves Model empty, New's fixed default model
// ID is used; the DiscoverModels catalog (discovery.go) is not consulted.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

// Transport implements streaming.Transport against AWS Bedrock's
// ConverseStream API.
type Transport struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// Config configures the Bedrock transport.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// New builds a Transport from cfg, loading AWS credentials the same way
// NewBedrockProvider does: explicit static credentials if both key fields
// are set, otherwise the default credential chain.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock transport: load aws config: %w", err)
	}

	return &Transport{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: model,
	}, nil
}

// Post sends prompt to Bedrock and returns an *http.Response whose Body, as
// it is read, yields this module's own "response.*" SSE frames translated
// live from Bedrock's native ConverseStream output.
func (t *Transport) Post(ctx context.Context, prompt *protocol.Prompt) (*http.Response, error) {
	model := prompt.Model
	if model == "" {
		model = t.defaultModel
	}

	messages, err := convertItems(prompt.Input)
	if err != nil {
		return nil, fmt.Errorf("bedrock transport: convert items: %w", err)
	}

	req := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if prompt.Instructions != "" {
		req.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: prompt.Instructions},
		}
	}
	if len(prompt.Tools) > 0 {
		req.ToolConfig = convertTools(prompt.Tools)
	}

	stream, err := t.client.ConverseStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bedrock transport: converse stream: %w", err)
	}

	pr, pw := io.Pipe()
	go translateStream(stream, pw)

	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       pr,
	}, nil
}

func convertItems(items []protocol.ResponseItem) ([]types.Message, error) {
	out := make([]types.Message, 0, len(items))
	for _, item := range items {
		var content []types.ContentBlock

		switch item.Type {
		case protocol.ItemMessage:
			var text string
			for _, c := range item.Content {
				if c.Type == protocol.ContentInputText || c.Type == protocol.ContentOutputText {
					text += c.Text
				}
			}
			if text == "" {
				continue
			}
			content = append(content, &types.ContentBlockMemberText{Value: text})

			role := types.ConversationRoleUser
			if item.Role == "assistant" {
				role = types.ConversationRoleAssistant
			}
			out = append(out, types.Message{Role: role, Content: content})

		case protocol.ItemFunctionCallOut:
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(item.CallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: item.Output},
					},
				},
			})
			out = append(out, types.Message{Role: types.ConversationRoleUser, Content: content})

		case protocol.ItemFunctionCall:
			var inputDoc any
			if err := json.Unmarshal(item.Arguments, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(item.CallID),
					Name:      aws.String(item.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
			out = append(out, types.Message{Role: types.ConversationRoleAssistant, Content: content})

		default:
			// Reasoning/local-shell/web-search items have no Converse
			// analogue; they only round-trip within this module's own wire
			// format.
		}
	}
	return out, nil
}

func convertTools(specs []protocol.ToolSpec) *types.ToolConfiguration {
	tools := make([]types.Tool, 0, len(specs))
	for _, s := range specs {
		var schemaDoc any
		if err := json.Unmarshal(s.Schema, &schemaDoc); err != nil {
			schemaDoc = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(s.Name),
				Description: aws.String(s.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaDoc)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: tools}
}

// translateStream drives the Bedrock ConverseStream event channel and
// writes this module's own response.* SSE frames to w, closing w when the
// stream ends.
func translateStream(stream *bedrockruntime.ConverseStreamOutput, w *io.PipeWriter) {
	eventStream := stream.GetStream()
	defer eventStream.Close()

	bw := frameWriter{w: w}
	var toolCallID, toolCallName string
	var toolInput strings.Builder
	var outputIndex uint32
	var seq uint64
	nextSeq := func() uint64 { seq++; return seq }

	bw.write("response.created", map[string]any{"sequence_number": nextSeq()})

	events := eventStream.Events()
	for {
		event, ok := <-events
		if !ok {
			if err := eventStream.Err(); err != nil {
				w.CloseWithError(err)
				return
			}
			bw.write("response.completed", map[string]any{
				"sequence_number": nextSeq(),
				"response":        map[string]any{"id": "bedrock-stream"},
			})
			w.Close()
			return
		}

		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				toolCallID = aws.ToString(toolUse.Value.ToolUseId)
				toolCallName = aws.ToString(toolUse.Value.Name)
				toolInput.Reset()
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					bw.write("response.output_text.delta", map[string]any{
						"delta": delta.Value, "item_id": "msg", "output_index": outputIndex,
						"sequence_number": nextSeq(),
					})
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if delta.Value.Input != nil {
					toolInput.WriteString(*delta.Value.Input)
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if toolCallID != "" {
				item := protocol.ResponseItem{
					Type:      protocol.ItemFunctionCall,
					CallID:    toolCallID,
					Name:      toolCallName,
					Arguments: json.RawMessage(toolInput.String()),
				}
				bw.write("response.output_item.done", map[string]any{
					"item": item, "output_index": outputIndex, "sequence_number": nextSeq(),
				})
				toolCallID, toolCallName = "", ""
				outputIndex++
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			bw.write("response.completed", map[string]any{
				"sequence_number": nextSeq(),
				"response":        map[string]any{"id": "bedrock-stream"},
			})
			w.Close()
			return
		}
	}
}

type frameWriter struct {
	w io.Writer
}

func (f *frameWriter) write(kind string, fields map[string]any) {
	fields["type"] = kind
	body, _ := json.Marshal(fields)
	fmt.Fprintf(f.w, "event: %s\ndata: %s\n\n", kind, body)
}
