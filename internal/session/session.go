// Package session implements the process-wide state owner (T1): it routes
// incoming Ops to the Turn Engine and keeps conversation history between
// turns. It also offers helpers that callers invoke explicitly:
// MakeEventWithOrder stamps an event with an ID and ordering metadata,
// RecordUsage accumulates token usage, and AcquireHookSlot is a
// single-slot hook guard. runTurn itself calls none of them.
//
// Grounded on internal/agent/runtime_context.go's WithSession/
// SessionFromContext session-in-context pattern and internal/agent/
// loop.go's per-turn context plumbing, generalized from a single
// *models.Session value into the Op-routing owner spec §6 describes.
// The single-slot reentrancy guard mirrors Executor.sem's try-acquire
// idiom (internal/agent/executor.go) narrowed to capacity one.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-turnengine/internal/turn"
	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

// Session owns one conversation's lifecycle: the running turn (if any),
// accumulated token usage, and the hook reentrancy guard.
type Session struct {
	ID     string
	engine *turn.Engine
	logger *slog.Logger

	mu         sync.Mutex
	usage      protocol.TokenUsage
	history    []protocol.ResponseItem
	cancelTurn context.CancelFunc
	running    bool

	hookGuard chan struct{} // capacity 1: held for the duration of one hook dispatch
}

// New creates a Session bound to engine for running turns.
func New(id string, engine *turn.Engine, logger *slog.Logger) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:        id,
		engine:    engine,
		logger:    logger.With("component", "session", "session_id", id),
		hookGuard: make(chan struct{}, 1),
	}
}

// MakeEventWithOrder stamps an outgoing event with a fresh ID and the
// ordering metadata the caller computed; EventSeq is left at zero so the
// Event Orderer assigns the next monotonic value on Push.
func (s *Session) MakeEventWithOrder(msg protocol.EventMsg, ord protocol.OrderMeta) protocol.Event {
	return protocol.Event{
		ID:    uuid.NewString(),
		Msg:   msg,
		Order: ord,
	}
}

// AcquireHookSlot tries to take the single hook-dispatch slot, returning
// false if a hook chain is already running for this session. Callers must
// call the returned release func exactly once on success.
func (s *Session) AcquireHookSlot() (release func(), ok bool) {
	select {
	case s.hookGuard <- struct{}{}:
		return func() { <-s.hookGuard }, true
	default:
		return nil, false
	}
}

// HandleOp routes one incoming Op per spec §6's operation surface. Only
// UserInput and Interrupt are handled directly here; ExecApproval and
// PatchApproval resolution is the Hook Pipeline/approval cache's concern
// once a pending request exists, Review feeds the same turn path with the
// review request as a plain user message, and Compact/Shutdown are no-ops at this
// layer beyond tearing down turn state (compaction itself lives in the
// rollout/history layer, out of the Turn Engine's scope).
func (s *Session) HandleOp(ctx context.Context, op protocol.Op) (*turn.Outcome, error) {
	switch op.Type {
	case protocol.OpUserInput:
		if op.UserInput == nil {
			return nil, fmt.Errorf("session: user_input op missing payload")
		}
		return s.runTurn(ctx, inputItemsToResponseItems(op.UserInput.Items))

	case protocol.OpReview:
		if op.Review == nil {
			return nil, fmt.Errorf("session: review op missing payload")
		}
		return s.runTurn(ctx, []protocol.ResponseItem{{
			Type: protocol.ItemMessage,
			Role: "user",
			Content: []protocol.ContentItem{
				{Type: protocol.ContentInputText, Text: op.Review.ReviewRequest},
			},
		}})

	case protocol.OpInterrupt:
		s.Interrupt()
		return nil, nil

	case protocol.OpShutdown:
		s.Interrupt()
		return nil, nil

	case protocol.OpCompact, protocol.OpExecApproval, protocol.OpPatchApproval:
		return nil, nil

	default:
		return nil, fmt.Errorf("session: unknown op type %q", op.Type)
	}
}

func inputItemsToResponseItems(items []protocol.InputItem) []protocol.ResponseItem {
	content := make([]protocol.ContentItem, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case protocol.InputLocalImage:
			content = append(content, protocol.ContentItem{Type: protocol.ContentInputImage, ImagePath: it.Path})
		default:
			content = append(content, protocol.ContentItem{Type: protocol.ContentInputText, Text: it.Text})
		}
	}
	return []protocol.ResponseItem{{Type: protocol.ItemMessage, Role: "user", Content: content}}
}

// runTurn appends newInput to the session's conversation history and
// drives one turn to completion, rejecting a second concurrent turn per
// session (spec §6: one active turn at a time).
func (s *Session) runTurn(ctx context.Context, newInput []protocol.ResponseItem) (*turn.Outcome, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: a turn is already running")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancelTurn = cancel
	s.running = true
	s.history = append(s.history, newInput...)
	prompt := &protocol.Prompt{Input: append([]protocol.ResponseItem(nil), s.history...), SessionID: s.ID}
	s.mu.Unlock()

	outcome := s.engine.Run(turnCtx, prompt)

	s.mu.Lock()
	s.running = false
	s.cancelTurn = nil
	s.history = prompt.Input
	s.mu.Unlock()

	return &outcome, nil
}

// Interrupt cancels the running turn, if any.
func (s *Session) Interrupt() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RecordUsage accumulates token usage from a completed model request.
func (s *Session) RecordUsage(u protocol.TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Add(u)
}

// Usage returns the session's accumulated token usage.
func (s *Session) Usage() protocol.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Running reports whether a turn is currently in flight.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
