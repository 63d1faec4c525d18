package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// ExternalEventType names a lifecycle point the Hook Pipeline (L4) fires
// external commands on: these run outside the process, communicating over
// stdin/stdout rather than a Go callback.
type ExternalEventType string

const (
	ExternalPreToolUse  ExternalEventType = "PreToolUse"
	ExternalPostToolUse ExternalEventType = "PostToolUse"
	ExternalUserPrompt  ExternalEventType = "UserPromptSubmit"
	ExternalTurnStart   ExternalEventType = "TurnStart"
	ExternalTurnEnd     ExternalEventType = "TurnEnd"
)

// PermissionDecision mirrors spec §4.4's merge lattice: deny outranks ask
// outranks allow, matching ApprovalManager's risk-ordered handling in
// internal/tools/policy/approval.go.
type PermissionDecision string

const (
	PermissionAllow PermissionDecision = "allow"
	PermissionAsk   PermissionDecision = "ask"
	PermissionDeny  PermissionDecision = "deny"
)

func (d PermissionDecision) rank() int {
	switch d {
	case PermissionDeny:
		return 2
	case PermissionAsk:
		return 1
	default:
		return 0
	}
}

// ExternalPayload is serialized to the external command's stdin as JSON
// and mirrored into CODEX_HOOK_* environment variables, matching spec
// §4.4's dual-delivery contract.
type ExternalPayload struct {
	Event      ExternalEventType `json:"hook_event_name"`
	SessionKey string            `json:"session_key,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Input      json.RawMessage   `json:"tool_input,omitempty"`
	Prompt     string            `json:"prompt,omitempty"`
}

// ExternalOutput is the JSON contract an external hook command writes to
// stdout. Any field it omits is left at its zero value and does not
// influence the merge.
type ExternalOutput struct {
	Continue           *bool              `json:"continue,omitempty"`
	SuppressOutput     bool               `json:"suppressOutput,omitempty"`
	SystemMessage      string             `json:"systemMessage,omitempty"`
	PermissionDecision PermissionDecision `json:"permissionDecision,omitempty"`
	UpdatedInput       json.RawMessage    `json:"updatedInput,omitempty"`
	Decision           string             `json:"decision,omitempty"`
}

// ExternalCommand is one hook registered for an ExternalEventType.
type ExternalCommand struct {
	Name    string
	Argv    []string
	Timeout time.Duration
}

// ExternalPipeline runs a chain of external commands for each lifecycle
// event, merges their decisions, and guards against one hook re-entering
// the pipeline while it is already running (spec §4.4's reentrancy guard).
//
// Grounded on internal/tools/exec/manager.go's command-building style for
// subprocess spawning, and on Registry.Trigger's priority-ordered
// multi-handler dispatch for chaining semantics; the JSON stdout contract
// and permission-merge lattice have no direct teacher analogue and are
// built from spec §4.4.
type ExternalPipeline struct {
	mu       sync.Mutex
	commands map[ExternalEventType][]ExternalCommand
	running  map[string]bool // sessionKey: guards re-entrant dispatch
	logger   *slog.Logger
}

// NewExternalPipeline creates an empty pipeline.
func NewExternalPipeline(logger *slog.Logger) *ExternalPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExternalPipeline{
		commands: make(map[ExternalEventType][]ExternalCommand),
		running:  make(map[string]bool),
		logger:   logger.With("component", "hook-pipeline"),
	}
}

// Register adds a command to the chain for an event type. Commands run in
// registration order.
func (p *ExternalPipeline) Register(event ExternalEventType, cmd ExternalCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands[event] = append(p.commands[event], cmd)
}

// Merged is the pipeline's net decision after running every registered
// command for an event.
type Merged struct {
	Continue           bool
	SuppressOutput     bool
	SystemMessages     []string
	PermissionDecision PermissionDecision
	UpdatedInput       json.RawMessage
}

// Dispatch runs every command registered for event in order, short-
// circuiting further execution once continue=false is seen (no point
// asking later hooks to act on a turn that is already being stopped), and
// folds PermissionDecision per deny > ask > allow. UpdatedInput from a
// hook is recorded and fed as the next hook's Input, so an earlier hook's
// edit is visible to a later one.
func (p *ExternalPipeline) Dispatch(ctx context.Context, sessionKey string, payload ExternalPayload) (Merged, error) {
	p.mu.Lock()
	if p.running[sessionKey] {
		p.mu.Unlock()
		return Merged{Continue: true}, fmt.Errorf("hook pipeline already running for session %s", sessionKey)
	}
	p.running[sessionKey] = true
	cmds := append([]ExternalCommand(nil), p.commands[payload.Event]...)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.running, sessionKey)
		p.mu.Unlock()
	}()

	merged := Merged{Continue: true, PermissionDecision: PermissionAllow}
	currentInput := payload.Input

	for _, cmd := range cmds {
		payload.Input = currentInput
		out, err := p.runOne(ctx, cmd, payload)
		if err != nil {
			p.logger.Warn("hook command failed", "name", cmd.Name, "event", payload.Event, "error", err)
			continue
		}

		if out.Continue != nil {
			merged.Continue = *out.Continue
		}
		if out.SuppressOutput {
			merged.SuppressOutput = true
		}
		if out.SystemMessage != "" {
			merged.SystemMessages = append(merged.SystemMessages, out.SystemMessage)
		}
		if out.PermissionDecision != "" && out.PermissionDecision.rank() > merged.PermissionDecision.rank() {
			merged.PermissionDecision = out.PermissionDecision
		}
		if len(out.UpdatedInput) > 0 {
			currentInput = out.UpdatedInput
			merged.UpdatedInput = out.UpdatedInput
		}

		if !merged.Continue {
			break
		}
	}

	return merged, nil
}

func (p *ExternalPipeline) runOne(ctx context.Context, cmd ExternalCommand, payload ExternalPayload) (ExternalOutput, error) {
	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	if len(cmd.Argv) == 0 {
		return ExternalOutput{}, fmt.Errorf("hook %q: empty command", cmd.Name)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return ExternalOutput{}, fmt.Errorf("hook %q: marshal payload: %w", cmd.Name, err)
	}

	execCmd := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	execCmd.Env = append(os.Environ(),
		"CODEX_HOOK_EVENT="+string(payload.Event),
		"CODEX_HOOK_SESSION="+payload.SessionKey,
		"CODEX_HOOK_TOOL="+payload.ToolName,
		"CODEX_HOOK_TOOL_CALL_ID="+payload.ToolCallID,
		"CODEX_HOOK_PAYLOAD="+string(body),
	)
	execCmd.Stdin = bytes.NewReader(body)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	if err := execCmd.Run(); err != nil {
		return ExternalOutput{}, fmt.Errorf("hook %q: %w: %s", cmd.Name, err, stderr.String())
	}

	trimmed := bytes.TrimSpace(stdout.Bytes())
	if len(trimmed) == 0 {
		return ExternalOutput{}, nil
	}

	var out ExternalOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return ExternalOutput{}, fmt.Errorf("hook %q: invalid JSON output: %w", cmd.Name, err)
	}
	return out, nil
}

// Commands returns the registered chain for an event, in dispatch order.
// Used by tests and diagnostics; does not allow mutation of the pipeline.
func (p *ExternalPipeline) Commands(event ExternalEventType) []ExternalCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ExternalCommand, len(p.commands[event]))
	copy(out, p.commands[event])
	return out
}

// sortedEventTypes is a small helper for deterministic diagnostics output
// (e.g. a future `hooks list` CLI subcommand).
func (p *ExternalPipeline) sortedEventTypes() []ExternalEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ExternalEventType, 0, len(p.commands))
	for k := range p.commands {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
