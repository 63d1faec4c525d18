package hooks

import (
	"context"
	"testing"
	"time"
)

func TestDispatchMergesPermissionDecisionDenyWins(t *testing.T) {
	p := NewExternalPipeline(nil)
	p.Register(ExternalPreToolUse, ExternalCommand{
		Name: "allow-hook",
		Argv: []string{"/bin/sh", "-c", `echo '{"permissionDecision":"allow"}'`},
	})
	p.Register(ExternalPreToolUse, ExternalCommand{
		Name: "deny-hook",
		Argv: []string{"/bin/sh", "-c", `echo '{"permissionDecision":"deny","systemMessage":"blocked"}'`},
	})

	merged, err := p.Dispatch(context.Background(), "sess-1", ExternalPayload{Event: ExternalPreToolUse})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.PermissionDecision != PermissionDeny {
		t.Fatalf("expected deny to win, got %v", merged.PermissionDecision)
	}
	if len(merged.SystemMessages) != 1 || merged.SystemMessages[0] != "blocked" {
		t.Fatalf("expected system message preserved, got %v", merged.SystemMessages)
	}
}

func TestDispatchStopsChainOnContinueFalse(t *testing.T) {
	p := NewExternalPipeline(nil)
	p.Register(ExternalPreToolUse, ExternalCommand{
		Name: "stopper",
		Argv: []string{"/bin/sh", "-c", `echo '{"continue":false}'`},
	})
	p.Register(ExternalPreToolUse, ExternalCommand{
		Name: "never-runs",
		Argv: []string{"/bin/sh", "-c", `echo '{"permissionDecision":"deny"}' >&2; exit 1`},
	})

	merged, err := p.Dispatch(context.Background(), "sess-1", ExternalPayload{Event: ExternalPreToolUse})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged.Continue {
		t.Fatalf("expected continue=false to stick")
	}
}

func TestDispatchAppliesUpdatedInputBeforeDeny(t *testing.T) {
	p := NewExternalPipeline(nil)
	p.Register(ExternalPreToolUse, ExternalCommand{
		Name: "rewriter",
		Argv: []string{"/bin/sh", "-c", `echo '{"updatedInput":{"path":"/safe"}}'`},
	})
	p.Register(ExternalPreToolUse, ExternalCommand{
		Name: "denier",
		Argv: []string{"/bin/sh", "-c", `read line; echo '{"permissionDecision":"deny"}'`},
	})

	merged, err := p.Dispatch(context.Background(), "sess-1", ExternalPayload{
		Event: ExternalPreToolUse,
		Input: []byte(`{"path":"/etc/passwd"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(merged.UpdatedInput) != `{"path":"/safe"}` {
		t.Fatalf("expected updated input preserved, got %q", merged.UpdatedInput)
	}
	if merged.PermissionDecision != PermissionDeny {
		t.Fatalf("expected deny decision, got %v", merged.PermissionDecision)
	}
}

func TestDispatchRejectsReentrantCallForSameSession(t *testing.T) {
	p := NewExternalPipeline(nil)
	p.Register(ExternalPreToolUse, ExternalCommand{
		Name:    "slow",
		Argv:    []string{"/bin/sh", "-c", "sleep 0.2"},
		Timeout: time.Second,
	})

	done := make(chan struct{})
	go func() {
		p.Dispatch(context.Background(), "sess-reentrant", ExternalPayload{Event: ExternalPreToolUse})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := p.Dispatch(context.Background(), "sess-reentrant", ExternalPayload{Event: ExternalPreToolUse})
	if err == nil {
		t.Fatalf("expected reentrancy guard to reject concurrent dispatch")
	}
	<-done
}

func TestDispatchNoCommandsReturnsDefaultAllow(t *testing.T) {
	p := NewExternalPipeline(nil)
	merged, err := p.Dispatch(context.Background(), "sess-empty", ExternalPayload{Event: ExternalPostToolUse})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !merged.Continue || merged.PermissionDecision != PermissionAllow {
		t.Fatalf("expected default allow/continue, got %+v", merged)
	}
}
