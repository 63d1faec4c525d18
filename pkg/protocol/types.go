// Package protocol defines the wire-level data model shared by the Session,
// Turn Engine, Model Streaming Client, and Sub-Agent Manager: the ops a
// Session accepts, the events it emits, and the ResponseItem variants that
// make up a Prompt. It mirrors the tagged-variant shapes in
// pkg/models.Message/ToolCall/ToolResult but is scoped to the turn-engine
// core rather than the channel/message-routing surface.
package protocol

import (
	"encoding/json"
	"time"
)

// OrderMeta is the primary ordering key for every outbound event. See
// internal/order for the sort rules applied over this triple.
type OrderMeta struct {
	RequestOrdinal uint64  `json:"request_ordinal"`
	OutputIndex    *uint32 `json:"output_index,omitempty"`
	SequenceNumber *uint64 `json:"sequence_number,omitempty"`
}

// Event is the stamped envelope for one outgoing event, built by the Turn
// Engine as it emits or by Session.MakeEventWithOrder.
type Event struct {
	ID       string    `json:"id"`
	EventSeq uint64    `json:"event_seq"`
	Msg      EventMsg  `json:"msg"`
	Order    OrderMeta `json:"order"`
}

// EventMsgType tags the payload carried by an EventMsg.
type EventMsgType string

const (
	EventTaskStarted             EventMsgType = "task_started"
	EventTaskComplete            EventMsgType = "task_complete"
	EventTurnAborted             EventMsgType = "turn_aborted"
	EventAgentMessage            EventMsgType = "agent_message"
	EventAgentMessageDelta       EventMsgType = "agent_message_delta"
	EventAgentReasoning          EventMsgType = "agent_reasoning"
	EventAgentReasoningDelta     EventMsgType = "agent_reasoning_delta"
	EventReasoningSummaryAdded   EventMsgType = "reasoning_summary_part_added"
	EventExecCommandBegin        EventMsgType = "exec_command_begin"
	EventExecCommandEnd          EventMsgType = "exec_command_end"
	EventPatchApplyBegin         EventMsgType = "patch_apply_begin"
	EventPatchApplyEnd           EventMsgType = "patch_apply_end"
	EventTurnDiff                EventMsgType = "turn_diff"
	EventExecApprovalRequest     EventMsgType = "exec_approval_request"
	EventApplyPatchApprovalReq   EventMsgType = "apply_patch_approval_request"
	EventAgentStatusUpdate       EventMsgType = "agent_status_update"
	EventRateLimits              EventMsgType = "rate_limits"
	EventBackground              EventMsgType = "background_event"
	EventError                   EventMsgType = "error"
	EventStreamError             EventMsgType = "stream_error"
)

// EventMsg is the payload-bearing event surface emitted to the rollout sink.
// Exactly one of the typed fields below is populated, selected by Type.
type EventMsg struct {
	Type EventMsgType `json:"type"`

	TaskStarted     *TaskStartedMsg     `json:"task_started,omitempty"`
	TaskComplete    *TaskCompleteMsg    `json:"task_complete,omitempty"`
	TurnAborted     *TurnAbortedMsg     `json:"turn_aborted,omitempty"`
	AgentMessage    *AgentMessageMsg    `json:"agent_message,omitempty"`
	Delta           *DeltaMsg           `json:"delta,omitempty"`
	ExecBegin       *ExecCommandBegin   `json:"exec_command_begin,omitempty"`
	ExecEnd         *ExecCommandEnd     `json:"exec_command_end,omitempty"`
	PatchApplyBegin *PatchApplyBeginMsg `json:"patch_apply_begin,omitempty"`
	PatchApplyEnd   *PatchApplyEndMsg   `json:"patch_apply_end,omitempty"`
	TurnDiff        *TurnDiffMsg        `json:"turn_diff,omitempty"`
	ExecApproval    *ExecApprovalReq    `json:"exec_approval_request,omitempty"`
	PatchApproval   *PatchApprovalReq   `json:"apply_patch_approval_request,omitempty"`
	AgentStatus     *AgentStatusMsg     `json:"agent_status_update,omitempty"`
	RateLimits      *RateLimitSnapshot  `json:"rate_limits,omitempty"`
	Background      *BackgroundMsg      `json:"background_event,omitempty"`
	Error           *ErrorMsg           `json:"error,omitempty"`
	StreamError     *StreamErrorMsg     `json:"stream_error,omitempty"`
}

type TaskStartedMsg struct {
	ModelContextWindow *int64 `json:"model_context_window,omitempty"`
}

type TaskCompleteMsg struct {
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

// AbortReason is the reason a turn was aborted.
type AbortReason string

const (
	AbortInterrupted AbortReason = "interrupted"
	AbortError       AbortReason = "error"
)

type TurnAbortedMsg struct {
	Reason AbortReason `json:"reason"`
}

type AgentMessageMsg struct {
	Message string `json:"message"`
}

type DeltaMsg struct {
	Delta string `json:"delta"`
}

type ExecCommandBegin struct {
	CallID    string   `json:"call_id"`
	Command   []string `json:"command"`
	Cwd       string   `json:"cwd"`
	ParsedCmd string   `json:"parsed_cmd,omitempty"`
}

type ExecCommandEnd struct {
	CallID   string        `json:"call_id"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

type PatchApplyBeginMsg struct {
	CallID       string                `json:"call_id"`
	AutoApproved bool                  `json:"auto_approved"`
	Changes      map[string]FileChange `json:"changes"`
}

type PatchApplyEndMsg struct {
	CallID  string `json:"call_id"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Success bool   `json:"success"`
}

type TurnDiffMsg struct {
	UnifiedDiff string `json:"unified_diff"`
}

type ExecApprovalReq struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
	Reason  string   `json:"reason,omitempty"`
}

type PatchApprovalReq struct {
	CallID    string                `json:"call_id"`
	Changes   map[string]FileChange `json:"changes"`
	Reason    string                `json:"reason,omitempty"`
	GrantRoot string                `json:"grant_root,omitempty"`
}

type AgentStatusMsg struct {
	Agents []AgentSnapshot `json:"agents"`
	Task   string          `json:"task,omitempty"`
}

type RateLimitSnapshot struct {
	PrimaryUsedPercent          float64 `json:"primary_used_percent"`
	PrimaryWindowMinutes        int64   `json:"primary_window_minutes"`
	PrimaryResetAfterSeconds    int64   `json:"primary_reset_after_seconds"`
	SecondaryUsedPercent        float64 `json:"secondary_used_percent,omitempty"`
	SecondaryWindowMinutes      int64   `json:"secondary_window_minutes,omitempty"`
	SecondaryResetAfterSeconds  int64   `json:"secondary_reset_after_seconds,omitempty"`
}

type BackgroundMsg struct {
	Message string `json:"message"`
}

type ErrorMsg struct {
	Message string `json:"message"`
}

type StreamErrorMsg struct {
	Message      string `json:"message"`
	RetryAfterMs *int64 `json:"retry_after_ms,omitempty"`
}

// AgentSnapshot is a read-only view of a sub-agent for AgentStatusUpdate.
type AgentSnapshot struct {
	ID            string     `json:"id"`
	BatchID       string     `json:"batch_id,omitempty"`
	Model         string     `json:"model"`
	Name          string     `json:"name,omitempty"`
	Status        string     `json:"status"`
	Progress      []string   `json:"progress,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// FileChange is one entry of an Apply-Patch request.
type FileChange struct {
	Kind    FileChangeKind `json:"kind"`
	Content string         `json:"content,omitempty"` // Add
	Diff    string         `json:"diff,omitempty"`    // Update
}

type FileChangeKind string

const (
	FileChangeAdd    FileChangeKind = "add"
	FileChangeUpdate FileChangeKind = "update"
	FileChangeDelete FileChangeKind = "delete"
)

// Op is the operation surface a Session accepts (spec §6).
type OpType string

const (
	OpUserInput     OpType = "user_input"
	OpReview        OpType = "review"
	OpExecApproval  OpType = "exec_approval"
	OpPatchApproval OpType = "patch_approval"
	OpInterrupt     OpType = "interrupt"
	OpShutdown      OpType = "shutdown"
	OpCompact       OpType = "compact"
)

type Op struct {
	Type OpType `json:"type"`

	UserInput     *UserInputOp     `json:"user_input,omitempty"`
	Review        *ReviewOp        `json:"review,omitempty"`
	ExecApproval  *ExecApprovalOp  `json:"exec_approval,omitempty"`
	PatchApproval *PatchApprovalOp `json:"patch_approval,omitempty"`
}

type InputItemType string

const (
	InputText       InputItemType = "text"
	InputLocalImage InputItemType = "local_image"
)

type InputItem struct {
	Type InputItemType `json:"type"`
	Text string        `json:"text,omitempty"`
	Path string        `json:"path,omitempty"`
}

type UserInputOp struct {
	Items []InputItem `json:"items"`
}

type ReviewOp struct {
	ReviewRequest string `json:"review_request"`
}

type ApprovalDecision string

const (
	DecisionApproved           ApprovalDecision = "approved"
	DecisionApprovedForSession ApprovalDecision = "approved_for_session"
	DecisionDenied             ApprovalDecision = "denied"
	DecisionAbort              ApprovalDecision = "abort"
)

type ExecApprovalOp struct {
	ID       string           `json:"id"`
	Decision ApprovalDecision `json:"decision"`
}

type PatchApprovalOp struct {
	ID       string           `json:"id"`
	Decision ApprovalDecision `json:"decision"`
}

// ResponseItem is a structural element of conversation history exchanged
// with the model (spec §3).
type ResponseItemType string

const (
	ItemMessage           ResponseItemType = "message"
	ItemReasoning         ResponseItemType = "reasoning"
	ItemFunctionCall      ResponseItemType = "function_call"
	ItemFunctionCallOut   ResponseItemType = "function_call_output"
	ItemLocalShellCall    ResponseItemType = "local_shell_call"
	ItemCustomToolCall    ResponseItemType = "custom_tool_call"
	ItemWebSearchCall     ResponseItemType = "web_search_call"
)

type ContentItemType string

const (
	ContentInputText  ContentItemType = "input_text"
	ContentOutputText ContentItemType = "output_text"
	ContentInputImage ContentItemType = "input_image"
)

type ContentItem struct {
	Type      ContentItemType `json:"type"`
	Text      string          `json:"text,omitempty"`
	ImagePath string          `json:"image_path,omitempty"`
	ImageData []byte          `json:"image_data,omitempty"`
}

type ResponseItem struct {
	Type ResponseItemType `json:"type"`

	// Message
	ID      string        `json:"id,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentItem `json:"content,omitempty"`

	// Reasoning
	Summary   []ContentItem `json:"summary,omitempty"`
	Encrypted string        `json:"encrypted,omitempty"`

	// FunctionCall / CustomToolCall
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	CallID    string          `json:"call_id,omitempty"`

	// FunctionCallOutput
	Output string `json:"output,omitempty"`

	// LocalShellCall
	Status string          `json:"status,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`

	// WebSearchCall
	Query string `json:"query,omitempty"`
}

// Prompt is the fully-shaped input to one model request (spec §3, §4.2).
type ReasoningEffort string

const (
	ReasoningNone    ReasoningEffort = "none"
	ReasoningMinimal ReasoningEffort = "minimal"
	ReasoningLow     ReasoningEffort = "low"
	ReasoningMedium  ReasoningEffort = "medium"
	ReasoningHigh    ReasoningEffort = "high"
	ReasoningXHigh   ReasoningEffort = "xhigh"
)

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

type Prompt struct {
	Input               []ResponseItem  `json:"input"`
	Tools               []ToolSpec      `json:"tools"`
	Instructions        string          `json:"instructions,omitempty"`
	Model               string          `json:"model,omitempty"`
	SessionID           string          `json:"session_id,omitempty"`
	TextFormat          string          `json:"text_format,omitempty"`
	OutputSchema        json.RawMessage `json:"output_schema,omitempty"`
	Skills              []string        `json:"skills,omitempty"`
	ReasoningEffort     ReasoningEffort `json:"reasoning_effort,omitempty"`
	Store               bool            `json:"store"`
	PromptCacheKey      string          `json:"prompt_cache_key,omitempty"`
}

// TokenUsage accumulates per-session token accounting (spec §3).
type TokenUsage struct {
	Input           int64 `json:"input"`
	CachedInput     int64 `json:"cached_input"`
	Output          int64 `json:"output"`
	ReasoningOutput int64 `json:"reasoning_output"`
	Total           int64 `json:"total"`
}

func (u *TokenUsage) Add(o TokenUsage) {
	u.Input += o.Input
	u.CachedInput += o.CachedInput
	u.Output += o.Output
	u.ReasoningOutput += o.ReasoningOutput
	u.Total += o.Total
}
