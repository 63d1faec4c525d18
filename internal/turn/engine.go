// Package turn implements the Turn Engine (M1): the state machine that
// drives one request from the model through tool dispatch to completion,
// coordinating the Model Streaming Client, Exec Runner, Hook Pipeline and
// Event Orderer. Tool calls other than exec and apply_patch go to the
// ToolDispatcher the caller supplies.
//
// Grounded on internal/agent/loop.go's AgenticLoop/LoopState/LoopPhase
// (Init→Stream→Execute Tools→Complete/Continue), generalized to spec
// §4.7's explicit state list, and on internal/agent/executor.go's
// semaphore-gated parallel tool dispatch for the DispatchingTool state.
// The approval cache is grounded on internal/agent/approval.go's
// ApprovalChecker pattern-matching (denylist/allowlist precedence),
// adapted into the Exact/Prefix cache spec §4.7 names. The apply_patch
// subflow has no teacher analogue and is written directly from spec text.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nexus-turnengine/internal/execrunner"
	"github.com/haasonsaas/nexus-turnengine/internal/hooks"
	"github.com/haasonsaas/nexus-turnengine/internal/order"
	"github.com/haasonsaas/nexus-turnengine/internal/streaming"
	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

var tracer = otel.Tracer("github.com/haasonsaas/nexus-turnengine/internal/turn")

// State is one of spec §4.7's turn lifecycle states.
type State string

const (
	StateIdle             State = "idle"
	StatePreparing        State = "preparing"
	StateStreaming        State = "streaming"
	StateDispatchingTools State = "dispatching_tools"
	StateApplyingPatch    State = "applying_patch"
	StateAwaitingApproval State = "awaiting_approval"
	StateCompleted        State = "completed"
	StateAborted          State = "aborted"
)

// ApprovalDecision is the result of consulting the approval cache or the
// Hook Pipeline for one tool call.
type ApprovalDecision string

const (
	ApprovalAllow ApprovalDecision = "allow"
	ApprovalAsk   ApprovalDecision = "ask"
	ApprovalDeny  ApprovalDecision = "deny"
)

// matchKind selects how a cached approval pattern is compared against a
// command.
type matchKind int

const (
	matchExact matchKind = iota
	matchPrefix
)

type cacheEntry struct {
	pattern string
	kind    matchKind
}

// ApprovalCache remembers "approved for session" decisions so the same
// command (or a prefix of it, e.g. an approved "npm test" covering "npm
// test --watch") is not re-asked within one session. This generalizes
// internal/agent/approval.go's ApprovalChecker allowlist/denylist pattern
// matching into the two explicit match kinds spec §4.7 names.
type ApprovalCache struct {
	mu      sync.RWMutex
	entries []cacheEntry
}

// NewApprovalCache creates an empty cache.
func NewApprovalCache() *ApprovalCache {
	return &ApprovalCache{}
}

// Remember records command as auto-approved for the rest of the session.
// exact=false records it as a prefix match (covers any command that
// starts with it); exact=true requires a byte-identical command.
func (c *ApprovalCache) Remember(command string, exact bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind := matchPrefix
	if exact {
		kind = matchExact
	}
	c.entries = append(c.entries, cacheEntry{pattern: command, kind: kind})
}

// Allowed reports whether command was previously approved for the session.
func (c *ApprovalCache) Allowed(command string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		switch e.kind {
		case matchExact:
			if e.pattern == command {
				return true
			}
		case matchPrefix:
			if strings.HasPrefix(command, e.pattern) {
				return true
			}
		}
	}
	return false
}

// ToolDispatcher executes one tool call. The Turn Engine calls this for
// every non-exec, non-apply_patch function call; exec and apply_patch
// have dedicated subflows (runExec, applyPatch).
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call protocol.ResponseItem) (output string, isError bool, err error)
}

// Engine drives one turn to completion.
type Engine struct {
	streamClient *streaming.Client
	execRunner   *execrunner.Runner
	hookPipeline *hooks.ExternalPipeline
	orderer      *order.Orderer
	dispatcher   ToolDispatcher
	approvals    *ApprovalCache

	mu    sync.Mutex
	state State
}

// NewEngine wires an Engine from its component parts. hookPipeline and
// dispatcher may be nil; hook consultation and generic tool dispatch are
// then skipped (every unrecognized call is treated as an error).
func NewEngine(streamClient *streaming.Client, execRunner *execrunner.Runner, hookPipeline *hooks.ExternalPipeline, dispatcher ToolDispatcher) *Engine {
	return &Engine{
		streamClient: streamClient,
		execRunner:   execRunner,
		hookPipeline: hookPipeline,
		orderer:      order.NewOrderer(),
		dispatcher:   dispatcher,
		approvals:    NewApprovalCache(),
		state:        StateIdle,
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Outcome is the terminal result of Run: either the turn finished
// (Completed) or was stopped early (Aborted), with the events produced
// along the way already placed in order.
type Outcome struct {
	State  State
	Events []protocol.Event
}

// Run drives prompt through the full turn lifecycle: stream the model's
// response, dispatch any tool calls (including exec and apply_patch
// subflows), and loop back to streaming with tool outputs appended until
// the model stops requesting tools or the context is cancelled.
func (e *Engine) Run(ctx context.Context, prompt *protocol.Prompt) Outcome {
	ctx, span := tracer.Start(ctx, "turn.run")
	defer span.End()

	e.setState(StatePreparing)

	var requestOrdinal uint64
	for {
		requestOrdinal++
		select {
		case <-ctx.Done():
			e.dropOrphanedExecs(requestOrdinal)
			e.setState(StateAborted)
			e.emit(requestOrdinal, protocol.EventMsg{
				Type:        protocol.EventTurnAborted,
				TurnAborted: &protocol.TurnAbortedMsg{Reason: protocol.AbortInterrupted},
			})
			return Outcome{State: StateAborted, Events: e.orderer.Drain()}
		default:
		}

		e.setState(StateStreaming)
		calls, streamErr := e.streamOnce(ctx, prompt, requestOrdinal)
		if streamErr != nil {
			span.SetStatus(codes.Error, streamErr.Error())
			e.emit(requestOrdinal, protocol.EventMsg{
				Type:  protocol.EventError,
				Error: &protocol.ErrorMsg{Message: streamErr.Error()},
			})
			e.setState(StateAborted)
			return Outcome{State: StateAborted, Events: e.orderer.Drain()}
		}

		if len(calls) == 0 {
			e.setState(StateCompleted)
			e.emit(requestOrdinal, protocol.EventMsg{Type: protocol.EventTaskComplete, TaskComplete: &protocol.TaskCompleteMsg{}})
			return Outcome{State: StateCompleted, Events: e.orderer.Drain()}
		}

		e.setState(StateDispatchingTools)
		results := e.dispatchAll(ctx, requestOrdinal, calls)

		prompt.Input = append(prompt.Input, results...)
	}
}

// streamOnce drains one model response and collects the function_call
// items it produced, in output order, for the caller to dispatch.
func (e *Engine) streamOnce(ctx context.Context, prompt *protocol.Prompt, requestOrdinal uint64) ([]protocol.ResponseItem, error) {
	events, errs := e.streamClient.Stream(ctx, prompt)
	var calls []protocol.ResponseItem

	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind == streaming.REOutputItemDone && ev.Item != nil && ev.Item.Type == protocol.ItemFunctionCall {
				calls = append(calls, *ev.Item)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return calls, nil
}

// dispatchAll runs every pending tool call, routing exec/apply_patch
// calls through their dedicated subflows and everything else through the
// generic ToolDispatcher, and returns the function_call_output items to
// feed back into the next streamOnce.
func (e *Engine) dispatchAll(ctx context.Context, requestOrdinal uint64, calls []protocol.ResponseItem) []protocol.ResponseItem {
	outputs := make([]protocol.ResponseItem, len(calls))
	var wg sync.WaitGroup

	for i := range calls {
		i := i
		call := calls[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outputs[i] = toolOutput(call.CallID, fmt.Sprintf("panic: %v\n%s", r, debug.Stack()))
				}
			}()
			outputs[i] = e.dispatchOne(ctx, requestOrdinal, call)
		}()
	}
	wg.Wait()
	return outputs
}

func (e *Engine) dispatchOne(ctx context.Context, requestOrdinal uint64, call protocol.ResponseItem) protocol.ResponseItem {
	ctx, span := tracer.Start(ctx, "turn.dispatch_tool", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.CallID),
	))
	defer span.End()

	switch call.Name {
	case "exec_command", "shell":
		return e.runExec(ctx, requestOrdinal, call)
	case "apply_patch":
		return e.applyPatch(ctx, requestOrdinal, call)
	default:
		if e.dispatcher == nil {
			return toolOutput(call.CallID, "no dispatcher configured for tool "+call.Name)
		}
		out, isErr, err := e.dispatcher.Dispatch(ctx, call)
		if err != nil {
			return toolOutput(call.CallID, err.Error())
		}
		if isErr {
			return toolOutput(call.CallID, out)
		}
		return protocol.ResponseItem{
			Type:   protocol.ItemFunctionCallOut,
			CallID: call.CallID,
			Output: out,
		}
	}
}

type execArgs struct {
	Command    []string          `json:"command"`
	Cwd        string            `json:"cwd"`
	Env        map[string]string `json:"env"`
	Login      bool              `json:"login"`
	TimeoutSec int               `json:"timeout_seconds"`
}

func (a execArgs) timeoutDuration() time.Duration {
	if a.TimeoutSec <= 0 {
		return 0
	}
	return time.Duration(a.TimeoutSec) * time.Second
}

func (e *Engine) runExec(ctx context.Context, requestOrdinal uint64, call protocol.ResponseItem) protocol.ResponseItem {
	var req execArgs
	if err := decodeArgs(call.Arguments, &req); err != nil {
		return toolOutput(call.CallID, fmt.Sprintf("invalid exec arguments: %v", err))
	}

	decision := e.consultApproval(ctx, call.CallID, "exec_command", execrunner.ParsedCommand(req.Command))
	if decision == ApprovalDeny {
		return toolOutput(call.CallID, "command denied by approval policy")
	}

	e.emit(requestOrdinal, protocol.EventMsg{
		Type: protocol.EventExecCommandBegin,
		ExecBegin: &protocol.ExecCommandBegin{
			CallID:    call.CallID,
			Command:   req.Command,
			Cwd:       req.Cwd,
			ParsedCmd: execrunner.ParsedCommand(req.Command),
		},
	})

	res, err := e.execRunner.Run(ctx, execrunner.Request{
		CallID:  call.CallID,
		Command: req.Command,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Login:   req.Login,
		Timeout: req.timeoutDuration(),
	})

	if err != nil {
		if te, ok := err.(*execrunner.TimeoutError); ok {
			e.emit(requestOrdinal, protocol.EventMsg{
				Type: protocol.EventExecCommandEnd,
				ExecEnd: &protocol.ExecCommandEnd{
					CallID:   call.CallID,
					Stdout:   te.Stdout,
					Stderr:   te.Stderr,
					ExitCode: -1,
					Duration: te.Duration,
				},
			})
			return toolOutput(call.CallID, te.Error())
		}
		return toolOutput(call.CallID, err.Error())
	}

	e.emit(requestOrdinal, protocol.EventMsg{
		Type: protocol.EventExecCommandEnd,
		ExecEnd: &protocol.ExecCommandEnd{
			CallID:   call.CallID,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: res.ExitCode,
			Duration: res.Duration,
		},
	})

	if res.ExitCode != 0 {
		return toolOutput(call.CallID, fmt.Sprintf("%s\n%s\n(exit code %d)", res.Stdout, res.Stderr, res.ExitCode))
	}
	return protocol.ResponseItem{Type: protocol.ItemFunctionCallOut, CallID: call.CallID, Output: res.Stdout}
}

// applyPatch implements spec §4.7's apply_patch subflow: each file change
// is applied atomically via a temp-file-then-rename, so a crash mid-patch
// never leaves a half-written file behind.
func (e *Engine) applyPatch(_ context.Context, requestOrdinal uint64, call protocol.ResponseItem) protocol.ResponseItem {
	var args struct {
		Changes map[string]protocol.FileChange `json:"changes"`
	}
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return toolOutput(call.CallID, fmt.Sprintf("invalid apply_patch arguments: %v", err))
	}

	e.emit(requestOrdinal, protocol.EventMsg{
		Type:            protocol.EventPatchApplyBegin,
		PatchApplyBegin: &protocol.PatchApplyBeginMsg{CallID: call.CallID, Changes: args.Changes},
	})

	var applied []string
	for path, change := range args.Changes {
		if err := applyFileChangeAtomic(path, change); err != nil {
			e.emit(requestOrdinal, protocol.EventMsg{
				Type:          protocol.EventPatchApplyEnd,
				PatchApplyEnd: &protocol.PatchApplyEndMsg{CallID: call.CallID, Stderr: err.Error(), Success: false},
			})
			return toolOutput(call.CallID, fmt.Sprintf("failed to apply %s: %v", path, err))
		}
		applied = append(applied, path)
	}

	summary := fmt.Sprintf("applied %d file(s): %s", len(applied), strings.Join(applied, ", "))
	e.emit(requestOrdinal, protocol.EventMsg{
		Type:          protocol.EventPatchApplyEnd,
		PatchApplyEnd: &protocol.PatchApplyEndMsg{CallID: call.CallID, Stdout: summary, Success: true},
	})

	return protocol.ResponseItem{Type: protocol.ItemFunctionCallOut, CallID: call.CallID, Output: summary}
}

func applyFileChangeAtomic(path string, change protocol.FileChange) error {
	switch change.Kind {
	case protocol.FileChangeDelete:
		return os.Remove(path)
	default:
		dir := filepath.Dir(path)
		tmp, err := os.CreateTemp(dir, ".patch-*")
		if err != nil {
			return err
		}
		tmpName := tmp.Name()
		if _, err := tmp.WriteString(change.Content); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return err
		}
		return os.Rename(tmpName, path)
	}
}

// consultApproval checks the session-scoped cache first, then falls back
// to the Hook Pipeline's PreToolUse chain; a deny from the hook chain wins
// over an allow. An allow from the chain is cached as an exact entry for
// the rest of the session so identical future calls skip the round trip;
// ask and deny are not cached, and neither is the allow returned when no
// pipeline is configured or Dispatch fails (spec §4.7's Exact/Prefix
// approval cache, feeding off the Hook Pipeline's permission merge
// lattice).
func (e *Engine) consultApproval(ctx context.Context, callID, toolName, command string) ApprovalDecision {
	full := toolName + ":" + command
	if e.approvals.Allowed(full) {
		return ApprovalAllow
	}

	if e.hookPipeline == nil {
		return ApprovalAllow
	}

	merged, err := e.hookPipeline.Dispatch(ctx, "", hooks.ExternalPayload{
		Event:      hooks.ExternalPreToolUse,
		ToolName:   toolName,
		ToolCallID: callID,
	})
	if err != nil {
		return ApprovalAllow
	}

	switch merged.PermissionDecision {
	case hooks.PermissionDeny:
		return ApprovalDeny
	case hooks.PermissionAsk:
		return ApprovalAsk
	default:
		e.approvals.Remember(full, true)
		return ApprovalAllow
	}
}

// dropOrphanedExecs synthesizes ExecCommandEnd events for any command the
// Exec Runner still has in flight when the turn is aborted, so no begin
// is ever left unmatched (spec §4.3/§4.7's drop-guard invariant).
func (e *Engine) dropOrphanedExecs(requestOrdinal uint64) {
	if e.execRunner == nil {
		return
	}
	for _, res := range e.execRunner.DropRunning() {
		e.emit(requestOrdinal, protocol.EventMsg{
			Type: protocol.EventExecCommandEnd,
			ExecEnd: &protocol.ExecCommandEnd{
				CallID:   res.CallID,
				Stdout:   res.Stdout,
				Stderr:   res.Stderr,
				ExitCode: res.ExitCode,
				Duration: res.Duration,
			},
		})
	}
}

func (e *Engine) emit(requestOrdinal uint64, msg protocol.EventMsg) {
	e.orderer.Push(protocol.Event{
		Msg:   msg,
		Order: protocol.OrderMeta{RequestOrdinal: requestOrdinal},
	})
}

func toolOutput(callID, message string) protocol.ResponseItem {
	return protocol.ResponseItem{
		Type:   protocol.ItemFunctionCallOut,
		CallID: callID,
		Output: message,
	}
}

func decodeArgs(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty arguments")
	}
	return json.Unmarshal(raw, v)
}
