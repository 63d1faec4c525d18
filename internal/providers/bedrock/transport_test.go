package bedrock

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

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
	if messages[0].Role != types.ConversationRoleUser {
		t.Fatalf("expected user role, got %v", messages[0].Role)
	}
}

func TestConvertItemsSkipsUnsupportedItemTypes(t *testing.T) {
	items := []protocol.ResponseItem{{Type: protocol.ItemReasoning}}
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

	cfg := convertTools(specs)
	if len(cfg.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(cfg.Tools))
	}
	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("expected ToolMemberToolSpec, got %T", cfg.Tools[0])
	}
	if spec.Value.Name == nil || *spec.Value.Name != "exec_command" {
		t.Fatalf("expected tool name exec_command, got %v", spec.Value.Name)
	}
}
