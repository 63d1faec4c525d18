package subagent

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubRunner struct {
	result string
	err    error
	delay  time.Duration
	report string
}

func (s *stubRunner) RunChildTurn(ctx context.Context, sa *SubAgent, report func(string)) (string, error) {
	if s.report != "" {
		report(s.report)
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.result, s.err
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) *SubAgent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sa, ok := m.Get(id); ok && sa.Status == want {
			return sa
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sub-agent %s did not reach status %v in time", id, want)
	return nil
}

func TestSpawnCompletesSuccessfully(t *testing.T) {
	m := NewManager(&stubRunner{result: "done"})
	sa, err := m.Spawn(context.Background(), SpawnRequest{ParentID: "p1", Name: "worker", Task: "do it"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := waitForStatus(t, m, sa.ID, StatusCompleted)
	if got.Result != "done" {
		t.Fatalf("expected result 'done', got %q", got.Result)
	}
}

func TestSpawnRecordsFailure(t *testing.T) {
	m := NewManager(&stubRunner{err: errors.New("boom")})
	sa, err := m.Spawn(context.Background(), SpawnRequest{ParentID: "p1", Name: "worker", Task: "do it"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := waitForStatus(t, m, sa.ID, StatusFailed)
	if got.Error != "boom" {
		t.Fatalf("expected error 'boom', got %q", got.Error)
	}
}

func TestSpawnRejectsOverMaxActive(t *testing.T) {
	m := NewManager(&stubRunner{delay: 200 * time.Millisecond, result: "ok"}, WithMaxActive(1))
	_, err := m.Spawn(context.Background(), SpawnRequest{ParentID: "p1", Name: "a", Task: "t"})
	if err != nil {
		t.Fatalf("unexpected error on first spawn: %v", err)
	}
	_, err = m.Spawn(context.Background(), SpawnRequest{ParentID: "p1", Name: "b", Task: "t"})
	if err == nil {
		t.Fatalf("expected second spawn to be rejected over max active")
	}
}

func TestCancelStopsRunningSubAgent(t *testing.T) {
	m := NewManager(&stubRunner{delay: time.Second})
	sa, err := m.Spawn(context.Background(), SpawnRequest{ParentID: "p1", Name: "worker", Task: "t"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := m.Cancel(sa.ID); err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	waitForStatus(t, m, sa.ID, StatusCancelled)
}

func TestBatchProgressAggregatesMembers(t *testing.T) {
	m := NewManager(&stubRunner{result: "ok"})
	for i := 0; i < 3; i++ {
		if _, err := m.Spawn(context.Background(), SpawnRequest{ParentID: "p1", BatchID: "batch-1", Name: "w", Task: "t"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Batch("batch-1").Completed == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	bp := m.Batch("batch-1")
	if bp.Total != 3 || bp.Completed != 3 {
		t.Fatalf("expected 3/3 completed, got %+v", bp)
	}
}

func TestPruneRemovesOldFinishedEntries(t *testing.T) {
	m := NewManager(&stubRunner{result: "ok"}, WithRetainAfter(time.Millisecond))
	sa, err := m.Spawn(context.Background(), SpawnRequest{ParentID: "p1", Name: "w", Task: "t"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForStatus(t, m, sa.ID, StatusCompleted)
	time.Sleep(5 * time.Millisecond)
	removed := m.Prune()
	if removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	if _, ok := m.Get(sa.ID); ok {
		t.Fatalf("expected sub-agent to be removed after prune")
	}
}

func TestSpawnExternalWithoutRunnerFails(t *testing.T) {
	m := NewManager(&stubRunner{result: "ok"})
	_, err := m.Spawn(context.Background(), SpawnRequest{ParentID: "p1", Name: "w", Task: "t", Family: FamilyExternal})
	if err == nil {
		t.Fatalf("expected error when no ExternalRunner is configured")
	}
}

func TestSpawnIsolatedAllocatesWorktreeDir(t *testing.T) {
	base := t.TempDir()
	m := NewManager(&stubRunner{result: "ok"})
	sa, err := m.Spawn(context.Background(), SpawnRequest{
		ParentID: "p1", Name: "w", Task: "t",
		Isolate: true, WorktreeBase: base,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sa.WorktreeDir == "" {
		t.Fatalf("expected a worktree dir to be allocated")
	}
	waitForStatus(t, m, sa.ID, StatusCompleted)
}
