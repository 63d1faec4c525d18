package execrunner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	r := NewRunner(64000)
	res, err := r.Run(context.Background(), Request{
		Command: []string{"/bin/sh", "-c", "echo hello; exit 3"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Fatalf("expected stdout hello, got %q", res.Stdout)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
}

func TestRunTimeoutReturnsPartialOutput(t *testing.T) {
	r := NewRunner(64000)
	_, err := r.Run(context.Background(), Request{
		Command: []string{"/bin/sh", "-c", "echo partial; sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	te, ok := err.(*TimeoutError)
	if !ok {
		t.Fatalf("expected *TimeoutError, got %T", err)
	}
	if !strings.Contains(te.Stdout, "partial") {
		t.Fatalf("expected partial stdout preserved, got %q", te.Stdout)
	}
}

func TestRunCancelYieldsAbortedExitCode(t *testing.T) {
	r := NewRunner(64000)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res, err := r.Run(ctx, Request{
		Command: []string{"/bin/sh", "-c", "sleep 5"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != AbortedExitCode {
		t.Fatalf("expected aborted exit code %d, got %d", AbortedExitCode, res.ExitCode)
	}
}

func TestLimitedBufferTruncatesAndFlags(t *testing.T) {
	b := newLimitedBuffer(5)
	b.Write([]byte("hello world"))
	if b.String() != "hello" {
		t.Fatalf("expected truncated to 5 bytes, got %q", b.String())
	}
	if !b.truncated {
		t.Fatalf("expected truncated flag set")
	}
}

func TestBuildInjectsJobControlPrefixForLoginShell(t *testing.T) {
	r := NewRunner(64000)
	cmd, _, _, err := r.build(context.Background(), Request{
		Command: []string{"bash", "-lc", "echo hi"},
		Login:   true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lastArg := cmd.Args[len(cmd.Args)-1]
	if !strings.HasPrefix(lastArg, "set +m; ") {
		t.Fatalf("expected job-control-disabling prefix, got %q", lastArg)
	}
}

func TestDropRunningSynthesizesAbortedResults(t *testing.T) {
	r := NewRunner(64000)
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r.Run(ctx, Request{CallID: "abc", Command: []string{"/bin/sh", "-c", "sleep 5"}})
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	dropped := r.DropRunning()
	if len(dropped) != 1 || dropped[0].CallID != "abc" {
		t.Fatalf("expected one dropped invocation for abc, got %+v", dropped)
	}
	if dropped[0].ExitCode != AbortedExitCode {
		t.Fatalf("expected aborted exit code, got %d", dropped[0].ExitCode)
	}
}
