package openai

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

func TestConvertItemsPrependsInstructionsAsSystemMessage(t *testing.T) {
	messages := convertItems(nil, "be helpful")
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Role != "system" || messages[0].Content != "be helpful" {
		t.Fatalf("expected system message with instructions, got %+v", messages[0])
	}
}

func TestConvertItemsTranslatesMessagesAndToolOutputs(t *testing.T) {
	items := []protocol.ResponseItem{
		{
			Type: protocol.ItemMessage,
			Role: "user",
			Content: []protocol.ContentItem{
				{Type: protocol.ContentInputText, Text: "list the files"},
			},
		},
		{
			Type:   protocol.ItemFunctionCallOut,
			CallID: "call-1",
			Output: "a.txt\nb.txt",
		},
	}

	messages := convertItems(items, "")
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[1].Role != "tool" || messages[1].ToolCallID != "call-1" {
		t.Fatalf("expected tool message with call id, got %+v", messages[1])
	}
}

func TestConvertItemsSkipsUnsupportedItemTypes(t *testing.T) {
	items := []protocol.ResponseItem{{Type: protocol.ItemWebSearchCall}}
	messages := convertItems(items, "")
	if len(messages) != 0 {
		t.Fatalf("expected web search items to be dropped, got %d messages", len(messages))
	}
}

func TestConvertToolsCarriesNameAndParameters(t *testing.T) {
	schema, _ := json.Marshal(map[string]any{"type": "object"})
	specs := []protocol.ToolSpec{
		{Name: "exec_command", Description: "run a shell command", Schema: schema},
	}

	tools := convertTools(specs)
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	if tools[0].Function.Name != "exec_command" {
		t.Fatalf("expected tool name exec_command, got %q", tools[0].Function.Name)
	}
}
