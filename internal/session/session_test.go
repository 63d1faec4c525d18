package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/haasonsaas/nexus-turnengine/internal/execrunner"
	"github.com/haasonsaas/nexus-turnengine/internal/streaming"
	"github.com/haasonsaas/nexus-turnengine/internal/turn"
	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

type fixedTransport struct{ body []byte }

func (f *fixedTransport) Post(ctx context.Context, prompt *protocol.Prompt) (*http.Response, error) {
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(f.body)),
	}, nil
}

func completedEngine() *turn.Engine {
	body := []byte("event: response.completed\ndata: {\"response\":{\"id\":\"r1\"}}\n\n")
	client := streaming.NewClient(&fixedTransport{body: body}, streaming.DefaultConfig(), nil)
	return turn.NewEngine(client, execrunner.NewRunner(0), nil, nil)
}

func TestHandleOpUserInputRunsATurn(t *testing.T) {
	s := New("s1", completedEngine(), nil)
	outcome, err := s.HandleOp(context.Background(), protocol.Op{
		Type: protocol.OpUserInput,
		UserInput: &protocol.UserInputOp{
			Items: []protocol.InputItem{{Type: protocol.InputText, Text: "hello"}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.State != turn.StateCompleted {
		t.Fatalf("expected StateCompleted, got %v", outcome.State)
	}
	if s.Running() {
		t.Fatalf("expected session to be idle after turn completes")
	}
}

func TestHandleOpRejectsConcurrentTurn(t *testing.T) {
	s := New("s1", completedEngine(), nil)

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	_, err := s.HandleOp(context.Background(), protocol.Op{
		Type:      protocol.OpUserInput,
		UserInput: &protocol.UserInputOp{Items: []protocol.InputItem{{Type: protocol.InputText, Text: "hi"}}},
	})
	if err == nil {
		t.Fatalf("expected an error when a turn is already running")
	}
}

func TestHandleOpInterruptCancelsRunningTurn(t *testing.T) {
	s := New("s1", completedEngine(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelTurn = cancel
	s.running = true
	s.mu.Unlock()

	if _, err := s.HandleOp(context.Background(), protocol.Op{Type: protocol.OpInterrupt}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected interrupt to cancel the running turn's context")
	}
}

func TestAcquireHookSlotIsSingleUse(t *testing.T) {
	s := New("s1", completedEngine(), nil)

	release, ok := s.AcquireHookSlot()
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	if _, ok := s.AcquireHookSlot(); ok {
		t.Fatalf("expected second concurrent acquire to fail")
	}
	release()
	if _, ok := s.AcquireHookSlot(); !ok {
		t.Fatalf("expected acquire to succeed again after release")
	}
}

func TestRecordUsageAccumulates(t *testing.T) {
	s := New("s1", completedEngine(), nil)
	s.RecordUsage(protocol.TokenUsage{Input: 10, Output: 5, Total: 15})
	s.RecordUsage(protocol.TokenUsage{Input: 3, Output: 2, Total: 5})

	got := s.Usage()
	if got.Input != 13 || got.Output != 7 || got.Total != 20 {
		t.Fatalf("unexpected accumulated usage: %+v", got)
	}
}

func TestMakeEventWithOrderStampsIDAndLeavesEventSeqZero(t *testing.T) {
	s := New("s1", completedEngine(), nil)
	ev := s.MakeEventWithOrder(protocol.EventMsg{Type: protocol.EventTaskComplete}, protocol.OrderMeta{RequestOrdinal: 1})
	if ev.ID == "" {
		t.Fatalf("expected a stamped event ID")
	}
	if ev.EventSeq != 0 {
		t.Fatalf("expected EventSeq to stay zero for the Orderer to assign, got %d", ev.EventSeq)
	}
	if ev.Order.RequestOrdinal != 1 {
		t.Fatalf("expected order metadata preserved, got %+v", ev.Order)
	}
}
