package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

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

	messages, err := convertItems(items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
}

func TestConvertItemsSkipsUnsupportedItemTypes(t *testing.T) {
	items := []protocol.ResponseItem{
		{Type: protocol.ItemReasoning},
	}
	messages, err := convertItems(items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected reasoning items to be dropped, got %d messages", len(messages))
	}
}

func TestConvertToolsCarriesNameAndDescription(t *testing.T) {
	schema, _ := json.Marshal(map[string]any{"type": "object"})
	specs := []protocol.ToolSpec{
		{Name: "exec_command", Description: "run a shell command", Schema: schema},
	}

	tools := convertTools(specs)
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	if tools[0].OfTool == nil {
		t.Fatalf("expected OfTool to be populated")
	}
	if tools[0].OfTool.Name != "exec_command" {
		t.Fatalf("expected tool name exec_command, got %q", tools[0].OfTool.Name)
	}
}
